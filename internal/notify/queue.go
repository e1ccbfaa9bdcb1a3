package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// QueueConfig holds configuration for the Redis-backed job queue.
type QueueConfig struct {
	KeyPrefix string        `yaml:"key_prefix"`
	DedupTTL  time.Duration `yaml:"dedup_ttl"`
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		KeyPrefix: "jobs",
		DedupTTL:  24 * time.Hour,
	}
}

// RedisQueue is a durable job queue with idempotent enqueue. Each job name
// gets its own list; a SETNX dedup key keyed by JobID suppresses
// duplicates.
type RedisQueue struct {
	redis  Redis
	config QueueConfig
}

// NewRedisQueue creates a RedisQueue.
func NewRedisQueue(r Redis, cfg QueueConfig) *RedisQueue {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "jobs"
	}
	return &RedisQueue{redis: r, config: cfg}
}

func (q *RedisQueue) dedupKey(jobID string) string {
	return fmt.Sprintf("%s:dedup:%s", q.config.KeyPrefix, jobID)
}

func (q *RedisQueue) queueKey(name string) string {
	return fmt.Sprintf("%s:queue:%s", q.config.KeyPrefix, name)
}

func (q *RedisQueue) failedKey(name string) string {
	return fmt.Sprintf("%s:failed:%s", q.config.KeyPrefix, name)
}

// Enqueue adds a job unless one with the same JobID was already enqueued.
// The returned bool reports whether the job was actually added.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) (bool, error) {
	if job.JobID == "" || job.Name == "" {
		return false, fmt.Errorf("notify: job id and name are required")
	}
	if len(job.Payload) > 0 && !json.Valid(job.Payload) {
		return false, fmt.Errorf("notify: job payload is not valid JSON")
	}

	fresh, err := q.redis.SetNX(ctx, q.dedupKey(job.JobID), "1", q.config.DedupTTL)
	if err != nil {
		return false, fmt.Errorf("notify: dedup check: %w", err)
	}
	if !fresh {
		return false, nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("notify: marshal job: %w", err)
	}
	if err := q.redis.LPush(ctx, q.queueKey(job.Name), string(data)); err != nil {
		return false, fmt.Errorf("notify: push job: %w", err)
	}
	return true, nil
}

// Dequeue blocks up to timeout for the next job of the given name.
// Returns ErrNoJob when the timeout elapses.
func (q *RedisQueue) Dequeue(ctx context.Context, name string, timeout time.Duration) (*Job, error) {
	data, err := q.redis.BRPop(ctx, timeout, q.queueKey(name))
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("notify: unmarshal job: %w", err)
	}
	return &job, nil
}

// Fail records a job whose delivery attempts were exhausted. The dedup key
// is left in place: the action already had its chance.
func (q *RedisQueue) Fail(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("notify: marshal job: %w", err)
	}
	if err := q.redis.LPush(ctx, q.failedKey(job.Name), string(data)); err != nil {
		return fmt.Errorf("notify: push failed job: %w", err)
	}
	return nil
}

// Depth returns the number of pending jobs for a name.
func (q *RedisQueue) Depth(ctx context.Context, name string) (int64, error) {
	return q.redis.LLen(ctx, q.queueKey(name))
}

// FailedCount returns the number of dead jobs for a name.
func (q *RedisQueue) FailedCount(ctx context.Context, name string) (int64, error) {
	return q.redis.LLen(ctx, q.failedKey(name))
}
