package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisheeesh/lms-sub000/internal/schema"
)

// BatchWriterConfig holds configuration for the log batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter buffers canonical logs and writes them to ClickHouse in
// batches, flushing on size or interval.
type BatchWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig

	buffer []*schema.Log
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewBatchWriter creates a BatchWriter and starts its flush timer.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig) *BatchWriter {
	bw := &BatchWriter{
		client: client,
		config: cfg,
		buffer: make([]*schema.Log, 0, cfg.BatchSize),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// Write adds a log to the batch, flushing when the batch is full.
func (bw *BatchWriter) Write(log *schema.Log) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return fmt.Errorf("batch writer is closed")
	}

	bw.buffer = append(bw.buffer, log)
	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			slog.Error("timer flush failed", "error", err)
		}
	}
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer with retries. Caller must hold the lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	logs := bw.buffer
	bw.buffer = make([]*schema.Log, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		if err := bw.insertBatch(logs); err != nil {
			lastErr = err
			slog.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&bw.totalWritten, uint64(len(logs)))
		atomic.AddUint64(&bw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&bw.totalFailed, uint64(len(logs)))
	return fmt.Errorf("%w: after %d retries: %v", ErrBatchInsertFailed, bw.config.MaxRetries, lastErr)
}

func (bw *BatchWriter) insertBatch(logs []*schema.Log) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO logs (
			log_id, tenant, source, ts, received_at,
			event_type, event_subtype, severity, action,
			user, host, process,
			src_ip, src_port, dst_ip, dst_port, protocol,
			url, http_method, status_code,
			rule_name, rule_id, ip, reason,
			cloud_account_id, cloud_region, cloud_service,
			raw, tags
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, log := range logs {
		err := batch.Append(
			log.LogID,
			log.Tenant,
			string(log.Source),
			log.TS,
			log.ReceivedAt,
			log.EventType,
			log.EventSubtype,
			severityColumn(log.Severity),
			string(log.Action),
			log.User,
			log.Host,
			log.Process,
			log.SrcIP,
			portColumn(log.SrcPort),
			log.DstIP,
			portColumn(log.DstPort),
			log.Protocol,
			log.URL,
			log.HTTPMethod,
			log.StatusCode,
			log.RuleName,
			log.RuleID,
			log.IP,
			log.Reason,
			log.CloudAccount,
			log.CloudRegion,
			log.CloudService,
			string(log.Raw),
			log.Tags,
		)
		if err != nil {
			return fmt.Errorf("failed to append log: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("batch inserted", "count", len(logs))
	return nil
}

// severityColumn maps an optional severity to the Nullable(UInt8) column.
func severityColumn(sev *int) *uint8 {
	if sev == nil {
		return nil
	}
	v := uint8(*sev)
	return &v
}

// portColumn maps an optional port to the Nullable(UInt16) column.
func portColumn(port *int) *uint16 {
	if port == nil {
		return nil
	}
	v := uint16(*port)
	return &v
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the flush timer and writes anything still buffered.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.flushTimer.Stop()
	err := bw.flushLocked()
	bw.closed = true
	bw.mu.Unlock()
	return err
}

// BatchWriterMetrics holds batch writer counters.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// Metrics returns a snapshot of the batch writer counters.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: pending,
	}
}
