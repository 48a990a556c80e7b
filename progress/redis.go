package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes progress events over Redis pub/sub so SSE streams can
// attach on any node, not just the one running the job. Channel name is
// "<prefix><job id>".
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisBus connects to redisURL. prefix defaults to "weave:progress:".
func NewRedisBus(ctx context.Context, redisURL, prefix string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if prefix == "" {
		prefix = "weave:progress:"
	}
	return &RedisBus{client: client, prefix: prefix}, nil
}

// NewRedisBusFromClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisBusFromClient(client *redis.Client, prefix string) *RedisBus {
	if prefix == "" {
		prefix = "weave:progress:"
	}
	return &RedisBus{client: client, prefix: prefix}
}

// Close closes the Redis connection.
func (r *RedisBus) Close() error {
	return r.client.Close()
}

func (r *RedisBus) channel(jobID string) string {
	return r.prefix + jobID
}

// Publish sends the event to the job's channel. Publishing to a channel with
// no subscribers is not an error.
func (r *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	return r.client.Publish(ctx, r.channel(ev.JobID), payload).Err()
}

// Subscribe streams events for jobID until cancel is called or ctx ends.
// Malformed payloads are skipped.
func (r *RedisBus) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	sub := r.client.Subscribe(ctx, r.channel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to progress channel: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = sub.Close()
	}
	return out, cancel, nil
}
