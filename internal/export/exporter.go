// Package export mirrors persisted canonical logs to a Kafka topic for
// downstream consumers (SOAR, data lake, long-term analytics).
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fisheeesh/lms-sub000/internal/schema"
)

// Config holds Kafka export settings.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`

	// Redact masks credential-like values in the raw payload before it
	// leaves for downstream consumers. The primary store is not affected.
	Redact bool `yaml:"redact"`
}

// DefaultConfig returns default export settings.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		Topic:        "lms.logs.normalized",
		BatchSize:    100,
		BatchTimeout: 100 * time.Millisecond,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: 1,
		Compression:  "snappy",
		Redact:       true,
	}
}

// Validate checks export settings.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("export: at least one broker is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("export: topic is required")
	}
	return nil
}

func (c Config) compression() kafka.Compression {
	switch c.Compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

// messageWriter is the slice of kafka.Writer the exporter needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Metrics tracks export outcomes.
type Metrics struct {
	Exported uint64 `json:"exported"`
	Failed   uint64 `json:"failed"`
}

// Exporter publishes canonical logs, keyed by tenant so each tenant's
// stream stays ordered within its partition.
type Exporter struct {
	config Config
	writer messageWriter
	logger *slog.Logger

	exported uint64
	failed   uint64
}

// NewExporter creates an Exporter backed by a kafka.Writer.
func NewExporter(config Config, logger *slog.Logger) (*Exporter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		MaxAttempts:  config.MaxAttempts,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.compression(),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("log exporter initialized",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"compression", config.Compression)

	return &Exporter{
		config: config,
		writer: writer,
		logger: logger,
	}, nil
}

// Export publishes one log. Delivery retries are handled inside the
// writer up to MaxAttempts; a message that still cannot be written is
// counted and dropped rather than blocking the pipeline.
func (e *Exporter) Export(ctx context.Context, log *schema.Log) error {
	if e.config.Redact {
		log = redactLog(log)
	}

	value, err := json.Marshal(log)
	if err != nil {
		atomic.AddUint64(&e.failed, 1)
		return fmt.Errorf("export: marshal log: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(log.Tenant),
		Value: value,
		Time:  log.ReceivedAt,
	}
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		atomic.AddUint64(&e.failed, 1)
		return fmt.Errorf("export: write message: %w", err)
	}

	atomic.AddUint64(&e.exported, 1)
	return nil
}

// ExportBatch publishes a batch of logs in one write.
func (e *Exporter) ExportBatch(ctx context.Context, logs []*schema.Log) error {
	if len(logs) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(logs))
	for _, log := range logs {
		if e.config.Redact {
			log = redactLog(log)
		}
		value, err := json.Marshal(log)
		if err != nil {
			atomic.AddUint64(&e.failed, 1)
			e.logger.Error("skipping unmarshalable log", "log_id", log.LogID, "error", err)
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(log.Tenant),
			Value: value,
			Time:  log.ReceivedAt,
		})
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := e.writer.WriteMessages(ctx, msgs...); err != nil {
		atomic.AddUint64(&e.failed, uint64(len(msgs)))
		return fmt.Errorf("export: write batch: %w", err)
	}
	atomic.AddUint64(&e.exported, uint64(len(msgs)))
	return nil
}

// Close flushes and closes the underlying writer.
func (e *Exporter) Close() error {
	return e.writer.Close()
}

// Metrics returns a snapshot of export counters.
func (e *Exporter) Metrics() Metrics {
	return Metrics{
		Exported: atomic.LoadUint64(&e.exported),
		Failed:   atomic.LoadUint64(&e.failed),
	}
}
