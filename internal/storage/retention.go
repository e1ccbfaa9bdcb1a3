package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fisheeesh/lms-sub000/internal/notify"
)

// RetentionConfig holds retention sweeper settings.
type RetentionConfig struct {
	// RetentionDays is the age past which logs are deleted.
	RetentionDays int `yaml:"retention_days"`
	// Interval between sweeps.
	Interval time.Duration `yaml:"interval"`
	// ArchiveBatch caps how many expired logs are selected per archive
	// page.
	ArchiveBatch int `yaml:"archive_batch"`
	// CachePattern is the key pattern carried by the invalidation job
	// enqueued after a non-empty sweep.
	CachePattern string `yaml:"cache_pattern"`
}

// DefaultRetentionConfig returns default retention settings.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		RetentionDays: 90,
		Interval:      1 * time.Hour,
		ArchiveBatch:  5000,
		CachePattern:  "logs:*",
	}
}

// LogRetentionStore is the slice of the log store the sweeper needs.
type LogRetentionStore interface {
	SelectExpired(ctx context.Context, cutoff time.Time, limit, offset int) ([]ExpiredLog, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (uint64, error)
}

// Archiver receives expired logs before they are deleted. Archive
// failure aborts the sweep so no log is lost.
type Archiver interface {
	Archive(ctx context.Context, logs []ExpiredLog) error
}

// Enqueuer admits jobs to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *notify.Job) (bool, error)
}

// SweepResult summarizes one retention pass.
type SweepResult struct {
	Cutoff      time.Time `json:"cutoff"`
	Archived    int       `json:"archived"`
	Deleted     uint64    `json:"deleted"`
	Invalidated bool      `json:"invalidated"`
}

// RetentionSweeper periodically deletes logs past the retention horizon,
// archiving them first and invalidating downstream caches afterwards.
type RetentionSweeper struct {
	config   RetentionConfig
	store    LogRetentionStore
	archiver Archiver
	queue    Enqueuer
	logger   *slog.Logger
	now      func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRetentionSweeper creates a sweeper. archiver may be nil, in which
// case expired logs are deleted without a cold copy. queue may be nil,
// disabling cache invalidation.
func NewRetentionSweeper(config RetentionConfig, store LogRetentionStore, archiver Archiver, queue Enqueuer, logger *slog.Logger) *RetentionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ArchiveBatch <= 0 {
		config.ArchiveBatch = DefaultRetentionConfig().ArchiveBatch
	}
	if config.CachePattern == "" {
		config.CachePattern = DefaultRetentionConfig().CachePattern
	}
	return &RetentionSweeper{
		config:   config,
		store:    store,
		archiver: archiver,
		queue:    queue,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (s *RetentionSweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started",
		"retention_days", s.config.RetentionDays,
		"interval", s.config.Interval)
}

// Stop terminates the sweep loop and waits for an in-flight sweep.
func (s *RetentionSweeper) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *RetentionSweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("retention sweep failed", "error", err)
				continue
			}
			if result.Deleted > 0 {
				s.logger.Info("retention sweep completed",
					"cutoff", result.Cutoff,
					"archived", result.Archived,
					"deleted", result.Deleted,
					"invalidated", result.Invalidated)
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce performs a single retention pass: archive expired logs, then
// delete them, then enqueue one cache-invalidation job if anything was
// deleted. Re-running against an unchanged store deletes nothing and
// enqueues nothing.
func (s *RetentionSweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	sweepAt := s.now().UTC()
	result := SweepResult{
		Cutoff: sweepAt.AddDate(0, 0, -s.config.RetentionDays),
	}

	if s.archiver != nil {
		archived, err := s.archiveExpired(ctx, result.Cutoff)
		if err != nil {
			// No delete happens for logs that were not archived.
			return result, fmt.Errorf("archive expired logs: %w", err)
		}
		result.Archived = archived
	}

	deleted, err := s.store.DeleteOlderThan(ctx, result.Cutoff)
	if err != nil {
		return result, fmt.Errorf("delete expired logs: %w", err)
	}
	result.Deleted = deleted

	if deleted == 0 || s.queue == nil {
		return result, nil
	}

	job, err := notify.NewCacheInvalidationJob(s.config.CachePattern, sweepAt)
	if err != nil {
		return result, fmt.Errorf("build invalidation job: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		return result, fmt.Errorf("enqueue invalidation job: %w", err)
	}
	result.Invalidated = true
	return result, nil
}

func (s *RetentionSweeper) archiveExpired(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		expired, err := s.store.SelectExpired(ctx, cutoff, s.config.ArchiveBatch, total)
		if err != nil {
			return total, err
		}
		if len(expired) == 0 {
			return total, nil
		}

		if err := s.archiver.Archive(ctx, expired); err != nil {
			return total, err
		}
		total += len(expired)

		if len(expired) < s.config.ArchiveBatch {
			return total, nil
		}
	}
}
