// Package pipeline drains the ingest queue: each log is persisted,
// mirrored to the export stream, and run through the alert rule engine.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisheeesh/lms-sub000/internal/queue"
	"github.com/fisheeesh/lms-sub000/internal/rules"
	"github.com/fisheeesh/lms-sub000/internal/schema"
)

// Config holds pipeline worker settings.
type Config struct {
	Workers      int           `yaml:"workers"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		ShutdownWait: 30 * time.Second,
	}
}

// LogWriter persists one canonical log.
type LogWriter interface {
	Write(log *schema.Log) error
}

// Evaluator runs alert rules against one persisted log.
type Evaluator interface {
	Evaluate(ctx context.Context, log *schema.Log) ([]*rules.Alert, error)
}

// Exporter mirrors one log to the downstream stream.
type Exporter interface {
	Export(ctx context.Context, log *schema.Log) error
}

// Metrics tracks pipeline throughput.
type Metrics struct {
	Consumed uint64 `json:"consumed"`
	Written  uint64 `json:"written"`
	Alerts   uint64 `json:"alerts"`
	Errors   uint64 `json:"errors"`
}

// Pipeline runs a fixed pool of workers over the ingest queue.
type Pipeline struct {
	config   Config
	queue    *queue.RingBuffer
	writer   LogWriter
	engine   Evaluator
	exporter Exporter
	logger   *slog.Logger

	consumed uint64
	written  uint64
	alerts   uint64
	errors   uint64

	wg sync.WaitGroup
}

// New creates a Pipeline. exporter may be nil when stream export is
// disabled; engine may be nil to persist without alerting.
func New(config Config, q *queue.RingBuffer, writer LogWriter, engine Evaluator, exporter Exporter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	return &Pipeline{
		config:   config,
		queue:    q,
		writer:   writer,
		engine:   engine,
		exporter: exporter,
		logger:   logger,
	}
}

// Start launches the worker pool. Workers exit once the queue is closed
// and drained.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("pipeline started", "workers", p.config.Workers)
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		log, err := p.queue.PopBlocking()
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				p.logger.Debug("pipeline worker stopping", "worker_id", id)
				return
			}
			atomic.AddUint64(&p.errors, 1)
			p.logger.Warn("unexpected queue error", "worker_id", id, "error", err)
			continue
		}

		atomic.AddUint64(&p.consumed, 1)
		p.process(ctx, log)
	}
}

// process persists, exports, and evaluates one log. A store failure
// drops this single log; the listener side is never blocked by it.
func (p *Pipeline) process(ctx context.Context, log *schema.Log) {
	if err := p.writer.Write(log); err != nil {
		atomic.AddUint64(&p.errors, 1)
		p.logger.Error("failed to persist log",
			"log_id", log.LogID,
			"tenant", log.Tenant,
			"error", err)
		return
	}
	atomic.AddUint64(&p.written, 1)

	if p.exporter != nil {
		if err := p.exporter.Export(ctx, log); err != nil {
			atomic.AddUint64(&p.errors, 1)
			p.logger.Error("failed to export log",
				"log_id", log.LogID,
				"error", err)
		}
	}

	if p.engine == nil {
		return
	}
	alerts, err := p.engine.Evaluate(ctx, log)
	if err != nil {
		atomic.AddUint64(&p.errors, 1)
		p.logger.Error("rule evaluation failed",
			"log_id", log.LogID,
			"tenant", log.Tenant,
			"error", err)
		return
	}
	atomic.AddUint64(&p.alerts, uint64(len(alerts)))
}

// Stop waits for workers to drain the closed queue, up to ShutdownWait.
// The queue must be closed before calling Stop.
func (p *Pipeline) Stop() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pipeline stopped", "consumed", atomic.LoadUint64(&p.consumed))
	case <-time.After(p.config.ShutdownWait):
		p.logger.Warn("pipeline shutdown timed out",
			"wait", p.config.ShutdownWait,
			"pending", p.queue.Len())
	}
}

// Metrics returns a snapshot of pipeline counters.
func (p *Pipeline) Metrics() Metrics {
	return Metrics{
		Consumed: atomic.LoadUint64(&p.consumed),
		Written:  atomic.LoadUint64(&p.written),
		Alerts:   atomic.LoadUint64(&p.alerts),
		Errors:   atomic.LoadUint64(&p.errors),
	}
}
