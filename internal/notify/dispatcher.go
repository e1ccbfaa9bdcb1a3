package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// JobSource is the queue surface the dispatcher drains.
type JobSource interface {
	Dequeue(ctx context.Context, name string, timeout time.Duration) (*Job, error)
	Fail(ctx context.Context, job *Job) error
}

// DispatcherConfig holds configuration for the email dispatcher.
type DispatcherConfig struct {
	Workers        int           `yaml:"workers"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	DefaultTo      string        `yaml:"default_to"`
}

// DefaultDispatcherConfig returns the default dispatcher configuration:
// five workers, three attempts, backoff starting at one second and
// doubling per retry.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:        5,
		MaxAttempts:    3,
		BackoffBase:    time.Second,
		AttemptTimeout: 10 * time.Second,
		PollTimeout:    5 * time.Second,
	}
}

// DispatcherMetrics holds dispatcher counters.
type DispatcherMetrics struct {
	Processed uint64
	Delivered uint64
	Retried   uint64
	Dead      uint64
}

// Dispatcher drains send-alert-email jobs with a bounded worker pool.
// Each job gets MaxAttempts delivery tries with exponential backoff; jobs
// that exhaust their attempts land in the failed set.
type Dispatcher struct {
	config DispatcherConfig
	source JobSource
	mailer Mailer

	wg   sync.WaitGroup
	done chan struct{}

	processed uint64
	delivered uint64
	retried   uint64
	dead      uint64
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig, source JobSource, mailer Mailer) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Dispatcher{
		config: cfg,
		source: source,
		mailer: mailer,
		done:   make(chan struct{}),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("notification dispatcher started",
		"workers", d.config.Workers,
		"max_attempts", d.config.MaxAttempts,
	)

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		default:
		}

		job, err := d.source.Dequeue(ctx, JobSendAlertEmail, d.config.PollTimeout)
		if err != nil {
			if errors.Is(err, ErrNoJob) || errors.Is(err, context.Canceled) {
				continue
			}
			slog.Warn("job dequeue failed", "worker", id, "error", err)
			continue
		}

		d.process(ctx, job)
	}
}

func (d *Dispatcher) process(ctx context.Context, job *Job) {
	atomic.AddUint64(&d.processed, 1)

	var payload EmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		slog.Error("malformed email job, dropping to failed set",
			"job_id", job.JobID,
			"error", err,
		)
		atomic.AddUint64(&d.dead, 1)
		if err := d.source.Fail(ctx, job); err != nil {
			slog.Error("failed-set push failed", "job_id", job.JobID, "error", err)
		}
		return
	}

	to := payload.To
	if to == "" {
		to = d.config.DefaultTo
	}
	subject, body := FormatAlertEmail(payload)

	backoff := d.config.BackoffBase
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		job.Attempt = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, d.config.AttemptTimeout)
		err := d.mailer.Send(attemptCtx, to, subject, body)
		cancel()

		if err == nil {
			atomic.AddUint64(&d.delivered, 1)
			slog.Debug("alert email delivered",
				"job_id", job.JobID,
				"to", to,
				"attempts", attempt,
			)
			return
		}

		slog.Warn("alert email delivery failed",
			"job_id", job.JobID,
			"attempt", attempt,
			"max_attempts", d.config.MaxAttempts,
			"error", err,
		)

		if attempt < d.config.MaxAttempts {
			atomic.AddUint64(&d.retried, 1)
			select {
			case <-ctx.Done():
				d.deadLetter(job)
				return
			case <-d.done:
				d.deadLetter(job)
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	d.deadLetter(job)
}

// deadLetter records a job that will not be retried. The job was already
// popped from its queue, so this is the only durable trace left of it;
// shutdown mid-backoff lands here too rather than dropping the job.
func (d *Dispatcher) deadLetter(job *Job) {
	atomic.AddUint64(&d.dead, 1)
	slog.Error("alert email abandoned, moving to failed set",
		"job_id", job.JobID,
		"attempts", job.Attempt,
	)

	// The worker context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.source.Fail(ctx, job); err != nil {
		slog.Error("failed-set push failed", "job_id", job.JobID, "error", err)
	}
}

// Stop shuts the worker pool down and waits for in-flight jobs.
func (d *Dispatcher) Stop() {
	close(d.done)
	d.wg.Wait()
	slog.Info("notification dispatcher stopped",
		"processed", atomic.LoadUint64(&d.processed),
		"delivered", atomic.LoadUint64(&d.delivered),
		"dead", atomic.LoadUint64(&d.dead),
	)
}

// Metrics returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Metrics() DispatcherMetrics {
	return DispatcherMetrics{
		Processed: atomic.LoadUint64(&d.processed),
		Delivered: atomic.LoadUint64(&d.delivered),
		Retried:   atomic.LoadUint64(&d.retried),
		Dead:      atomic.LoadUint64(&d.dead),
	}
}
