// Package queue is the Redis-backed dispatch queue for sync jobs. The
// scheduler enqueues due connections; orchestrator workers on any node
// dequeue with blocking pops. A processing set with deadlines lets a
// supervisor requeue jobs whose worker died.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is one queued sync run.
type Job struct {
	JobID        string    `json:"sync_job_id"`
	ConnectionID string    `json:"sync_connection_id"`
	TenantID     string    `json:"tenant_id"`
	Trigger      string    `json:"trigger"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	RetryCount   int       `json:"retry_count"`
}

// Config configures the queue client.
type Config struct {
	// RedisURL defaults to redis://localhost:6379/0.
	RedisURL string

	// KeyPrefix defaults to "weave:".
	KeyPrefix string
}

// Queue handles sync-job dispatch over Redis.
type Queue struct {
	client *redis.Client
	prefix string
}

const queueName = "sync-jobs"

// NewQueue connects and pings.
func NewQueue(ctx context.Context, cfg Config) (*Queue, error) {
	redisURL := cfg.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewQueueFromClient(client, cfg.KeyPrefix), nil
}

// NewQueueFromClient wraps an existing client. Tests use this with
// miniredis.
func NewQueueFromClient(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "weave:"
	}
	return &Queue{client: client, prefix: prefix}
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) queueKey() string      { return q.prefix + queueName }
func (q *Queue) processingKey() string { return q.prefix + "processing" }

// Enqueue appends a job to the dispatch queue.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.client.RPush(ctx, q.queueKey(), payload).Err()
}

// Dequeue blocks up to timeout for the next job. A nil job with a nil error
// means the timeout elapsed with the queue empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, q.queueKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// MarkProcessing registers the job in the processing set with a deadline.
func (q *Queue) MarkProcessing(ctx context.Context, jobID string, deadline time.Time) error {
	return q.client.ZAdd(ctx, q.processingKey(), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: jobID,
	}).Err()
}

// Complete removes the job from the processing set.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.processingKey(), jobID).Err()
}

// IsProcessing reports whether a job is currently claimed by a worker.
func (q *Queue) IsProcessing(ctx context.Context, jobID string) (bool, error) {
	_, err := q.client.ZScore(ctx, q.processingKey(), jobID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Depth returns the number of waiting jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	depth, err := q.client.LLen(ctx, q.queueKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(depth), nil
}

// ExpiredProcessing returns job ids whose processing deadline passed, i.e.
// jobs whose worker likely died. The supervisor decides whether to requeue
// or fail them.
func (q *Queue) ExpiredProcessing(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, err
	}
	return ids, nil
}
