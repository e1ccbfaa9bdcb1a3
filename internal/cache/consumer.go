package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisheeesh/lms-sub000/internal/notify"
)

// JobSource supplies invalidation jobs from the durable queue.
type JobSource interface {
	Dequeue(ctx context.Context, name string, timeout time.Duration) (*notify.Job, error)
	Fail(ctx context.Context, job *notify.Job) error
}

// ConsumerConfig holds invalidation consumer settings.
type ConsumerConfig struct {
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// DefaultConsumerConfig returns default consumer settings.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		PollTimeout: 5 * time.Second,
	}
}

// ConsumerMetrics tracks invalidation job outcomes.
type ConsumerMetrics struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

// Consumer drains invalidate-log-cache jobs and applies them.
type Consumer struct {
	config      ConsumerConfig
	source      JobSource
	invalidator *Invalidator
	logger      *slog.Logger

	processed uint64
	failed    uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewConsumer creates a Consumer.
func NewConsumer(config ConsumerConfig, source JobSource, invalidator *Invalidator, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultConsumerConfig().PollTimeout
	}
	return &Consumer{
		config:      config,
		source:      source,
		invalidator: invalidator,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Start runs the consume loop until Stop is called.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("cache invalidation consumer started")
}

// Stop terminates the consume loop and waits for the in-flight job.
func (c *Consumer) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Consumer) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := c.source.Dequeue(ctx, notify.JobInvalidateLogCache, c.config.PollTimeout)
		if err != nil {
			if errors.Is(err, notify.ErrNoJob) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("dequeue invalidation job failed", "error", err)
			continue
		}

		c.process(ctx, job)
	}
}

func (c *Consumer) process(ctx context.Context, job *notify.Job) {
	var payload notify.CachePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		atomic.AddUint64(&c.failed, 1)
		c.logger.Error("malformed invalidation payload",
			"job_id", job.JobID,
			"error", err)
		c.fail(ctx, job)
		return
	}

	removed, err := c.invalidator.InvalidatePattern(ctx, payload.Pattern)
	if err != nil {
		atomic.AddUint64(&c.failed, 1)
		c.logger.Error("cache invalidation failed",
			"job_id", job.JobID,
			"pattern", payload.Pattern,
			"error", err)
		c.fail(ctx, job)
		return
	}

	atomic.AddUint64(&c.processed, 1)
	c.logger.Info("invalidation job completed",
		"job_id", job.JobID,
		"pattern", payload.Pattern,
		"keys_removed", removed)
}

func (c *Consumer) fail(ctx context.Context, job *notify.Job) {
	if err := c.source.Fail(ctx, job); err != nil {
		c.logger.Error("failed to record failed job",
			"job_id", job.JobID,
			"error", err)
	}
}

// Metrics returns a snapshot of the consumer counters.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Processed: atomic.LoadUint64(&c.processed),
		Failed:    atomic.LoadUint64(&c.failed),
	}
}
