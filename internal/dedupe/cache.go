// ABOUTME: Thread-safe TTL cache for deduplicating websocket sends by clientMsgId
// ABOUTME: Remembers which message a client retry already produced so it can be re-acked

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// key scopes a client-chosen id to the sending user.
type key struct {
	userID      int64
	clientMsgID string
}

type entry struct {
	reservedAt time.Time
	messageID  int64 // 0 while the send is still in flight
	element    *list.Element
}

// Cache remembers recent (user, clientMsgId) pairs for a bounded time and
// count. The oldest entry is evicted when the cache is full.
type Cache struct {
	mu      sync.Mutex
	seen    map[key]*entry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background expiry loop.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[key]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Reserve claims clientMsgID for userID. If the pair was already claimed
// within the TTL it returns the message id recorded for it (0 if that send
// has not completed) and true. Otherwise the pair is claimed and Reserve
// returns false. Check and claim are one step, so two concurrent retries
// cannot both proceed.
func (c *Cache) Reserve(userID int64, clientMsgID string) (int64, bool) {
	k := key{userID, clientMsgID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[k]; ok {
		if time.Since(e.reservedAt) < c.ttl {
			return e.messageID, true
		}
		c.removeLocked(k, e)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[k] = &entry{
		reservedAt: time.Now(),
		element:    c.order.PushBack(k),
	}
	return 0, false
}

// Complete records the message a reserved send produced.
func (c *Cache) Complete(userID int64, clientMsgID string, messageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key{userID, clientMsgID}]; ok {
		e.messageID = messageID
	}
}

// Release forgets a reservation whose send failed, so the client may retry.
func (c *Cache) Release(userID int64, clientMsgID string) {
	k := key{userID, clientMsgID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[k]; ok && e.messageID == 0 {
		c.removeLocked(k, e)
	}
}

// Len reports the number of remembered pairs, expired ones included until
// the next cleanup.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) removeLocked(k key, e *entry) {
	c.order.Remove(e.element)
	delete(c.seen, k)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	k, _ := front.Value.(key)
	c.order.Remove(front)
	delete(c.seen, k)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire(time.Now())
		case <-c.done:
			return
		}
	}
}

// expire drops entries older than the TTL. Entries are in reservation
// order, so it stops at the first live one.
func (c *Cache) expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		k, _ := front.Value.(key)
		e := c.seen[k]
		if now.Sub(e.reservedAt) < c.ttl {
			return
		}
		c.removeLocked(k, e)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
