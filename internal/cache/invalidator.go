// Package cache invalidates cached log views by key pattern. The
// retention sweeper enqueues an invalidation job after deleting rows so
// downstream readers never serve aggregates over deleted logs.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fisheeesh/lms-sub000/internal/notify"
)

// InvalidatorConfig holds cache invalidation settings.
type InvalidatorConfig struct {
	// ScanCount is the COUNT hint passed to SCAN.
	ScanCount int64 `yaml:"scan_count"`
	// DeleteBatch caps how many keys are deleted per DEL call.
	DeleteBatch int `yaml:"delete_batch"`
}

// DefaultInvalidatorConfig returns default invalidation settings.
func DefaultInvalidatorConfig() InvalidatorConfig {
	return InvalidatorConfig{
		ScanCount:   500,
		DeleteBatch: 100,
	}
}

// Invalidator deletes cached keys matching a pattern.
type Invalidator struct {
	config InvalidatorConfig
	redis  notify.Redis
	logger *slog.Logger

	invalidated uint64
}

// NewInvalidator creates an Invalidator.
func NewInvalidator(config InvalidatorConfig, redis notify.Redis, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ScanCount <= 0 {
		config.ScanCount = DefaultInvalidatorConfig().ScanCount
	}
	if config.DeleteBatch <= 0 {
		config.DeleteBatch = DefaultInvalidatorConfig().DeleteBatch
	}
	return &Invalidator{
		config: config,
		redis:  redis,
		logger: logger,
	}
}

// InvalidatePattern deletes every key matching pattern and returns how
// many keys were removed. SCAN runs incrementally, so a large key space
// never blocks the backend.
func (inv *Invalidator) InvalidatePattern(ctx context.Context, pattern string) (int64, error) {
	if pattern == "" {
		return 0, fmt.Errorf("cache: pattern is required")
	}

	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := inv.redis.Scan(ctx, cursor, pattern, inv.config.ScanCount)
		if err != nil {
			return removed, fmt.Errorf("cache: scan %q: %w", pattern, err)
		}

		for start := 0; start < len(keys); start += inv.config.DeleteBatch {
			end := start + inv.config.DeleteBatch
			if end > len(keys) {
				end = len(keys)
			}
			n, err := inv.redis.Del(ctx, keys[start:end]...)
			if err != nil {
				return removed, fmt.Errorf("cache: delete keys: %w", err)
			}
			removed += n
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	atomic.AddUint64(&inv.invalidated, uint64(removed))
	inv.logger.Info("cache invalidated",
		"pattern", pattern,
		"keys_removed", removed)
	return removed, nil
}

// Invalidated reports the total number of keys removed so far.
func (inv *Invalidator) Invalidated() uint64 {
	return atomic.LoadUint64(&inv.invalidated)
}
