// ABOUTME: Redis pub/sub relay carrying broadcaster events between instances
// ABOUTME: Tags each envelope with an instance id so an instance ignores its own events

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-chat/internal/conversation"
)

const connectTimeout = 5 * time.Second

// Options configures a RedisRelay.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Logger   *slog.Logger
}

// envelope is the payload written to redis.
type envelope struct {
	Origin string              `json:"origin"`
	Event  *conversation.Event `json:"event"`
}

// RedisRelay publishes events to "<prefix>:<topic>" and receives events
// published by other instances on the same prefix.
type RedisRelay struct {
	client     *redis.Client
	ownsClient bool
	prefix     string
	instanceID string
	logger     *slog.Logger

	mu       sync.Mutex
	cancelFn context.CancelFunc
	doneCh   chan struct{}
}

// NewRedisRelay connects to redis and verifies the connection with a ping.
func NewRedisRelay(ctx context.Context, opts Options) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	r := NewRedisRelayWithClient(client, opts.Prefix, opts.Logger)
	r.ownsClient = true
	return r, nil
}

// NewRedisRelayWithClient wraps an existing client. The caller keeps
// ownership of the client.
func NewRedisRelayWithClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "coven-chat"
	}
	id := uuid.New().String()
	return &RedisRelay{
		client:     client,
		prefix:     prefix,
		instanceID: id,
		logger:     logger.With("component", "relay", "instance_id", id),
		doneCh:     make(chan struct{}),
	}
}

// InstanceID identifies this process on the relay.
func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

func (r *RedisRelay) channel(topic string) string {
	return r.prefix + ":" + topic
}

// Publish sends an event to other instances.
func (r *RedisRelay) Publish(ctx context.Context, event *conversation.Event) error {
	data, err := json.Marshal(envelope{Origin: r.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("marshaling relay envelope: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel(event.Topic), data).Err(); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

// Run subscribes to every topic under the prefix and passes events from
// other instances to sink. It blocks until ctx is cancelled, Close is
// called, or the subscription fails.
func (r *RedisRelay) Run(ctx context.Context, sink func(*conversation.Event)) error {
	subCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelFn = cancel
	r.mu.Unlock()
	defer close(r.doneCh)
	defer cancel()

	pattern := r.prefix + ":*"
	pubsub := r.client.PSubscribe(subCtx, pattern)
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(subCtx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	r.logger.Info("relay subscribed", "pattern", pattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			r.logger.Info("relay stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				r.logger.Warn("relay channel closed")
				return nil
			}
			if event := r.decode(msg.Channel, msg.Payload); event != nil {
				sink(event)
			}
		}
	}
}

// decode returns the event carried by payload, or nil when the payload is
// malformed, came from this instance, or does not match its channel.
func (r *RedisRelay) decode(channel, payload string) *conversation.Event {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("dropping malformed relay payload", "channel", channel, "error", err)
		return nil
	}
	if env.Origin == r.instanceID {
		return nil
	}
	if env.Event == nil || channel != r.channel(env.Event.Topic) {
		r.logger.Warn("dropping relay payload with mismatched topic", "channel", channel)
		return nil
	}
	if _, _, err := conversation.ParseTopic(strings.TrimPrefix(channel, r.prefix+":")); err != nil {
		r.logger.Warn("dropping relay payload", "channel", channel, "error", err)
		return nil
	}
	return env.Event
}

// Close stops Run and releases the client if the relay created it.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	cancel := r.cancelFn
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-r.doneCh:
		case <-time.After(connectTimeout):
			r.logger.Warn("timed out waiting for relay to stop")
		}
	}

	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}
