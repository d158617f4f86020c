package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher fans events out over Redis: PUBLISH on the per-task channel
// for live subscribers, XADD (capped) on the per-task stream for replay, and
// PUBLISH on the per-user inbox channel for user-scoped notices.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a RedisPublisher. A nil logger means
// slog.Default().
func NewRedisPublisher(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, prefix: prefix, logger: logger}
}

// Publish delivers the record to its channel and replay stream.
func (p *RedisPublisher) Publish(ctx context.Context, rec *Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}

	if rec.TaskID == "" {
		if rec.UserID == "" {
			return fmt.Errorf("event record %s has neither task nor user", rec.ID)
		}
		if err := p.client.Publish(ctx, InboxKey(p.prefix, rec.UserID), blob).Err(); err != nil {
			return fmt.Errorf("publish inbox event: %w", err)
		}
		return nil
	}

	if err := p.client.Publish(ctx, ChannelKey(p.prefix, rec.TaskID), blob).Err(); err != nil {
		return fmt.Errorf("publish task event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(p.prefix, rec.TaskID),
		MaxLen: StreamMaxLen,
		Approx: true,
		Values: map[string]any{"data": string(blob)},
	}).Err()
	if err != nil {
		return fmt.Errorf("append event stream: %w", err)
	}
	return nil
}

// Replay reads up to limit recent records from the task's stream, oldest
// first.
func (p *RedisPublisher) Replay(ctx context.Context, taskID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > StreamMaxLen {
		limit = StreamMaxLen
	}
	msgs, err := p.client.XRevRangeN(ctx, StreamKey(p.prefix, taskID), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("replay event stream: %w", err)
	}
	records := make([]Record, 0, len(msgs))
	// XREVRANGE returns newest first; reverse to chronological order.
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			p.logger.Warn("skipping undecodable stream entry", "task_id", taskID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Subscribe attaches a handler to the task's live channel. Delivery runs on
// a background goroutine until the returned unsubscribe function is called.
func (p *RedisPublisher) Subscribe(taskID string, h Handler) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := p.client.Subscribe(ctx, ChannelKey(p.prefix, taskID))

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rec Record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					p.logger.Warn("skipping undecodable event", "task_id", taskID, "error", err)
					continue
				}
				if err := h(ctx, &rec); err != nil {
					p.logger.Warn("event handler error", "task_id", taskID, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		_ = sub.Close()
	}
}
