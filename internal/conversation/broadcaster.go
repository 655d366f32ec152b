// ABOUTME: In-memory fan-out event broadcaster for live message delivery
// ABOUTME: Publishes messages and read receipts to all subscribers of a conversation topic

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/metrics"
)

const (
	// DefaultSubscriberBuffer is the channel buffer for each subscriber.
	DefaultSubscriberBuffer = 64

	// DefaultQueueSize is the dispatch queue between publishers and fan-out.
	DefaultQueueSize = 1024

	relayTimeout = 2 * time.Second
)

// ErrDeliveryFailed marks a best-effort delivery that did not happen.
// It is logged and counted, never returned to publishers.
var ErrDeliveryFailed = errors.New("delivery failed")

// Relay forwards locally published events to other server instances.
type Relay interface {
	Publish(ctx context.Context, event *Event) error
}

// BroadcasterOptions configures an EventBroadcaster. Zero values select defaults.
type BroadcasterOptions struct {
	SubscriberBuffer int
	QueueSize        int
	Relay            Relay
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// EventBroadcaster provides in-memory pub/sub for conversation events.
// Publishers enqueue and return immediately; a single dispatcher goroutine
// fans events out in enqueue order. Delivery is at most once per subscriber:
// a full subscriber buffer drops the event for that subscriber only.
// Relay publishing runs on its own queue so a slow relay never holds up
// local fan-out.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // topic -> subID -> ch
	closed      bool

	// queueMu orders enqueue against Close: nothing is accepted once
	// stopping is set, so the dispatcher's final drain sees every event.
	queueMu  sync.RWMutex
	stopping bool

	queue      chan *Event
	relayQueue chan *Event
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	relayCtx    context.Context
	relayCancel context.CancelFunc

	bufferSize int
	relay      Relay
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewEventBroadcaster creates a broadcaster and starts its dispatcher.
func NewEventBroadcaster(opts BroadcasterOptions) *EventBroadcaster {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	b := &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		queue:       make(chan *Event, opts.QueueSize),
		done:        make(chan struct{}),
		bufferSize:  opts.SubscriberBuffer,
		relay:       opts.Relay,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "broadcaster"),
	}
	b.relayCtx, b.relayCancel = context.WithCancel(context.Background())

	b.wg.Add(1)
	go b.dispatch()

	if b.relay != nil {
		b.relayQueue = make(chan *Event, opts.QueueSize)
		b.wg.Add(1)
		go b.relayLoop()
	}

	return b
}

// Subscribe registers a subscriber for events on the given topic.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled. Subscribing to a closed broadcaster yields a closed channel.
func (b *EventBroadcaster) Subscribe(ctx context.Context, topic string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan *Event)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.metrics.SubscriberAdded()
	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(topic, subID)
		case <-b.done:
		}
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.metrics.SubscriberRemoved()
	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// SubscriberCount reports the live subscriptions on a topic.
func (b *EventBroadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// PublishMessage queues a new message for delivery on its conversation topic.
func (b *EventBroadcaster) PublishMessage(conversationID int64, msg *MessageView) {
	b.enqueue(&Event{
		Type:    EventMessage,
		Topic:   MessageTopic(conversationID),
		Message: msg,
	})
}

// PublishReadReceipt queues a receipt for delivery on the conversation's receipt topic.
func (b *EventBroadcaster) PublishReadReceipt(conversationID int64, receipt ReadReceipt) {
	b.enqueue(&Event{
		Type:    EventReadReceipt,
		Topic:   ReceiptTopic(conversationID),
		Receipt: &receipt,
	})
}

// DeliverRemote fans out an event that arrived from another instance.
// It is not relayed again.
func (b *EventBroadcaster) DeliverRemote(event *Event) {
	b.fanout(event)
}

func (b *EventBroadcaster) enqueue(event *Event) {
	b.queueMu.RLock()
	defer b.queueMu.RUnlock()

	if b.stopping {
		b.deliveryFailed(event, metrics.ReasonQueueFull, "broadcaster closed")
		return
	}

	select {
	case b.queue <- event:
	default:
		b.deliveryFailed(event, metrics.ReasonQueueFull, "dispatch queue full")
	}
}

func (b *EventBroadcaster) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.queue:
			b.fanout(event)
			b.queueRelay(event)
		case <-b.done:
			// Drain what was already accepted before shutdown.
			for {
				select {
				case event := <-b.queue:
					b.fanout(event)
					b.queueRelay(event)
				default:
					return
				}
			}
		}
	}
}

// fanout sends under the read lock so Unsubscribe cannot close a channel mid-send.
func (b *EventBroadcaster) fanout(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[event.Topic] {
		select {
		case ch <- event:
			b.metrics.Delivered(string(event.Type), true)
		default:
			b.metrics.Delivered(string(event.Type), false)
			b.deliveryFailed(event, metrics.ReasonSubscriberFull, "subscriber buffer full", "sub_id", subID)
		}
	}
}

func (b *EventBroadcaster) queueRelay(event *Event) {
	if b.relay == nil {
		return
	}

	select {
	case b.relayQueue <- event:
	default:
		b.deliveryFailed(event, metrics.ReasonRelay, "relay queue full")
	}
}

func (b *EventBroadcaster) relayLoop() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.relayQueue:
			b.forward(event)
		case <-b.done:
			return
		}
	}
}

func (b *EventBroadcaster) forward(event *Event) {
	ctx, cancel := context.WithTimeout(b.relayCtx, relayTimeout)
	defer cancel()

	if err := b.relay.Publish(ctx, event); err != nil {
		b.deliveryFailed(event, metrics.ReasonRelay, err.Error())
	}
}

func (b *EventBroadcaster) deliveryFailed(event *Event, reason, detail string, args ...any) {
	b.metrics.DeliveryFailed(reason)
	attrs := append([]any{
		"error", ErrDeliveryFailed,
		"reason", reason,
		"detail", detail,
		"topic", event.Topic,
		"type", event.Type,
	}, args...)
	b.logger.Warn("dropped event", attrs...)
}

// Close stops the dispatcher and closes all subscriber channels. Events
// already accepted are still fanned out locally; relay sends in flight are
// cancelled and pending ones are counted as failed.
func (b *EventBroadcaster) Close() {
	b.closeOnce.Do(func() {
		b.queueMu.Lock()
		b.stopping = true
		close(b.done)
		b.queueMu.Unlock()

		b.relayCancel()
		b.wg.Wait()

		for pending := true; pending && b.relayQueue != nil; {
			select {
			case event := <-b.relayQueue:
				b.deliveryFailed(event, metrics.ReasonRelay, "broadcaster closed")
			default:
				pending = false
			}
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		b.closed = true
		for topic, subs := range b.subscribers {
			for subID, ch := range subs {
				close(ch)
				delete(subs, subID)
				b.metrics.SubscriberRemoved()
			}
			delete(b.subscribers, topic)
		}

		b.logger.Debug("broadcaster closed")
	})
}
