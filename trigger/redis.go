package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultEventTTL bounds how long an unprocessed event body survives.
const DefaultEventTTL = 10 * time.Minute

// EventDataKey builds the key an event body is stored under.
func EventDataKey(prefix, eventID string) string {
	return prefix + ":event:" + eventID
}

// RedisSource stores and fetches event bodies in Redis. The ingest side
// writes the body first, then announces the id on the bus; bodies expire
// after TTL so an event no worker ever claimed does not leak.
type RedisSource struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Source = (*RedisSource)(nil)

// NewRedisSource creates a RedisSource. A non-positive ttl uses
// DefaultEventTTL.
func NewRedisSource(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSource {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &RedisSource{client: client, prefix: prefix, ttl: ttl}
}

// Store writes the event body under its id.
func (s *RedisSource) Store(ctx context.Context, event *ExternalEvent) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}
	if err := s.client.Set(ctx, EventDataKey(s.prefix, event.ID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("store event %s: %w", event.ID, err)
	}
	return nil
}

// Fetch reads the event body by id. Returns ErrEventNotFound when absent,
// which callers treat as retryable: the notify can arrive before the write
// is visible.
func (s *RedisSource) Fetch(ctx context.Context, eventID string) (*ExternalEvent, error) {
	b, err := s.client.Get(ctx, EventDataKey(s.prefix, eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch event %s: %w", eventID, err)
	}
	var event ExternalEvent
	if err := json.Unmarshal(b, &event); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", eventID, err)
	}
	return &event, nil
}

// RedisBus delivers id-only notifications over Redis pub/sub pattern
// subscriptions. The channel name is the event type and the message
// payload is the event id.
type RedisBus struct {
	client redis.UniversalClient
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a RedisBus over the given client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

// Announce publishes an event id on its type channel.
func (b *RedisBus) Announce(ctx context.Context, eventType, eventID string) error {
	if err := b.client.Publish(ctx, eventType, eventID).Err(); err != nil {
		return fmt.Errorf("announce event %s on %s: %w", eventID, eventType, err)
	}
	return nil
}

// Subscribe pattern-subscribes and converts messages to notifications
// until ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, patterns ...string) (<-chan Notification, error) {
	ps := b.client.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("pattern subscribe: %w", err)
	}

	out := make(chan Notification)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- Notification{EventID: msg.Payload, Channel: msg.Channel}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
