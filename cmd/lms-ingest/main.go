// Package main is the entry point for the log management ingest service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisheeesh/lms-sub000/internal/archive"
	"github.com/fisheeesh/lms-sub000/internal/cache"
	"github.com/fisheeesh/lms-sub000/internal/config"
	"github.com/fisheeesh/lms-sub000/internal/export"
	"github.com/fisheeesh/lms-sub000/internal/ingest"
	"github.com/fisheeesh/lms-sub000/internal/normalize"
	"github.com/fisheeesh/lms-sub000/internal/notify"
	"github.com/fisheeesh/lms-sub000/internal/pipeline"
	"github.com/fisheeesh/lms-sub000/internal/queue"
	"github.com/fisheeesh/lms-sub000/internal/rules"
	"github.com/fisheeesh/lms-sub000/internal/schema"
	"github.com/fisheeesh/lms-sub000/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"storage_enabled", cfg.Storage.Enabled,
		"udp_syslog", cfg.Ingest.Syslog.UDPEnabled,
		"tcp_syslog", cfg.Ingest.Syslog.TCPEnabled,
		"export_enabled", cfg.Export.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)

	normCfg := normalize.DefaultConfig()
	normCfg.DefaultTenant = cfg.Ingest.DefaultTenant
	normalizer := normalize.New(normCfg)
	validator := schema.NewValidator()
	logQueue := queue.NewRingBuffer(cfg.Queue.Size)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage stack. Without it the pipeline still drains the queue so
	// listeners never back up, logs are just discarded.
	var (
		chClient    *storage.ClickHouseClient
		logStore    *storage.LogStore
		alertStore  *storage.AlertStore
		rejects     *storage.RejectWriter
		batchWriter *storage.BatchWriter
	)

	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err = storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		migrator := storage.NewMigrator(chClient)
		if err := migrator.Run(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		logStore = storage.NewLogStore(chClient)
		alertStore = storage.NewAlertStore(chClient)
		rejects = storage.NewRejectWriter(chClient)
		batchWriter = storage.NewBatchWriter(chClient, cfg.Storage.BatchWriter)
	}

	// Redis backs the notification queue and cache invalidation. A missing
	// Redis degrades to alerting without email delivery.
	var (
		redisClient *notify.GoRedis
		jobQueue    *notify.RedisQueue
	)

	redisClient, err = notify.NewGoRedis(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, notifications and cache invalidation disabled",
			"addr", cfg.Redis.Addr, "error", err)
		redisClient = nil
	} else {
		jobQueue = notify.NewRedisQueue(redisClient, cfg.Jobs)
	}

	// Alert rule engine.
	var engine *rules.Engine
	if logStore != nil && alertStore != nil {
		loaded, err := rules.LoadRulesDir(cfg.Rules.Dir)
		if err != nil {
			slog.Warn("failed to load rule directory, starting with no rules",
				"dir", cfg.Rules.Dir, "error", err)
		}
		source := rules.NewStaticSource(loaded)
		slog.Info("alert rules loaded", "dir", cfg.Rules.Dir, "count", source.Len())

		var enqueuer rules.Enqueuer
		if jobQueue != nil {
			enqueuer = jobQueue
		}
		engine = rules.NewEngine(cfg.Rules.Engine, source, logStore, alertStore, enqueuer, logger)
	}

	// Kafka mirror of the normalized stream.
	var exporter *export.Exporter
	if cfg.Export.Enabled {
		exporter, err = export.NewExporter(cfg.Export, logger)
		if err != nil {
			slog.Error("failed to initialize exporter", "error", err)
			os.Exit(1)
		}
	}

	// Pipeline consumes the ring buffer.
	var writer pipeline.LogWriter
	if batchWriter != nil {
		writer = batchWriter
	} else {
		writer = discardWriter{}
	}

	var evaluator pipeline.Evaluator
	if engine != nil {
		evaluator = engine
	}
	var mirror pipeline.Exporter
	if exporter != nil {
		mirror = exporter
	}

	pipe := pipeline.New(cfg.Pipeline, logQueue, writer, evaluator, mirror, logger)
	pipe.Start(ctx)

	// Notification dispatcher.
	var dispatcher *notify.Dispatcher
	if jobQueue != nil {
		mailer := notify.NewSMTPMailer(cfg.SMTP)
		dispatcher = notify.NewDispatcher(cfg.Dispatcher, jobQueue, mailer)
		dispatcher.Start(ctx)
	}

	// Cache invalidation consumer.
	var cacheConsumer *cache.Consumer
	if redisClient != nil {
		invalidator := cache.NewInvalidator(cfg.Cache.Invalidator, redisClient, logger)
		cacheConsumer = cache.NewConsumer(cfg.Cache.Consumer, jobQueue, invalidator, logger)
		cacheConsumer.Start(ctx)
	}

	// Retention sweeper with optional cold archive.
	var sweeper *storage.RetentionSweeper
	if logStore != nil {
		var archiver storage.Archiver
		if cfg.Archive.Enabled {
			s3Archiver, err := archive.NewS3Archiver(ctx, cfg.Archive, logger)
			if err != nil {
				slog.Error("failed to initialize archiver", "error", err)
				os.Exit(1)
			}
			archiver = s3Archiver
		}

		var enqueuer storage.Enqueuer
		if jobQueue != nil {
			enqueuer = jobQueue
		}
		sweeper = storage.NewRetentionSweeper(cfg.Storage.Retention, logStore, archiver, enqueuer, logger)
		sweeper.Start(ctx)
	}

	// HTTP ingest endpoint.
	handler := ingest.NewHandler(normalizer, validator, logQueue).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize).
		WithDefaultTenant(cfg.Ingest.DefaultTenant)
	if rejects != nil {
		handler = handler.WithRejectSink(rejects)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/logs", handler.HandleLogs)
	mux.HandleFunc("GET /health", handler.HealthCheck)
	mux.HandleFunc("GET /metrics", handler.Metrics)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      ingest.WithMiddleware(mux, cfg.Ingest.RateLimit),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting ingest server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Syslog listeners.
	var udpServer *ingest.UDPServer
	if cfg.Ingest.Syslog.UDPEnabled {
		udpServer = ingest.NewUDPServer(cfg.Ingest.Syslog.Listener, normalizer, validator, logQueue)
		if rejects != nil {
			udpServer = udpServer.WithRejectSink(rejects)
		}
		if err := udpServer.Start(ctx); err != nil {
			slog.Error("failed to start udp syslog listener", "error", err)
			os.Exit(1)
		}
	}

	var tcpServer *ingest.TCPServer
	if cfg.Ingest.Syslog.TCPEnabled {
		tcpServer = ingest.NewTCPServer(cfg.Ingest.Syslog.Listener, normalizer, validator, logQueue)
		if rejects != nil {
			tcpServer = tcpServer.WithRejectSink(rejects)
		}
		if err := tcpServer.Start(ctx); err != nil {
			slog.Error("failed to start tcp syslog listener", "error", err)
			os.Exit(1)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	// Stop the sources first so nothing new enters the queue.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if udpServer != nil {
		udpServer.Stop()
	}
	if tcpServer != nil {
		tcpServer.Stop()
	}

	// Close the queue, then let the pipeline drain what remains.
	logQueue.Close()
	pipe.Stop()
	cancel()

	if sweeper != nil {
		sweeper.Stop()
	}
	if cacheConsumer != nil {
		cacheConsumer.Stop()
	}
	if dispatcher != nil {
		dispatcher.Stop()
	}
	if exporter != nil {
		if err := exporter.Close(); err != nil {
			slog.Error("exporter close error", "error", err)
		}
	}
	if batchWriter != nil {
		if err := batchWriter.Close(); err != nil {
			slog.Error("batch writer close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}

	queueMetrics := logQueue.Metrics()
	slog.Info("shutdown complete",
		"logs_pushed", queueMetrics.Pushed,
		"logs_popped", queueMetrics.Popped,
		"logs_dropped", queueMetrics.Dropped,
	)

	if batchWriter != nil {
		bwMetrics := batchWriter.Metrics()
		slog.Info("storage metrics",
			"logs_written", bwMetrics.Written,
			"logs_failed", bwMetrics.Failed,
			"batches", bwMetrics.Batches,
		)
	}
	if engine != nil {
		engineMetrics := engine.Metrics()
		slog.Info("rule engine metrics",
			"evaluated", engineMetrics.Evaluated,
			"fired", engineMetrics.Fired,
			"suppressed", engineMetrics.Suppressed,
			"errors", engineMetrics.Errors,
		)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// discardWriter stands in for the batch writer when storage is disabled.
// Useful for development without ClickHouse.
type discardWriter struct{}

func (discardWriter) Write(log *schema.Log) error {
	slog.Debug("log processed (no storage)",
		"log_id", log.LogID,
		"tenant", log.Tenant,
		"source", log.Source,
	)
	return nil
}
