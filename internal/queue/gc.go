package queue

import (
	"context"
	"fmt"
	"time"

	logpkg "github.com/benvon/idea-tagger/internal/logger"
	"github.com/benvon/idea-tagger/internal/telemetry"
	"go.uber.org/zap"
)

const (
	// DefaultDLQGCInterval is how often dead-lettered jobs are checked
	DefaultDLQGCInterval = time.Hour
	// DefaultDLQRetention keeps failed runs around long enough to inspect
	DefaultDLQRetention = 7 * 24 * time.Hour

	purgeTimeout = 2 * time.Minute
)

// GarbageCollector drops dead-lettered bulk_tag_filter and daily_sweep jobs
// once they are older than the retention window
type GarbageCollector struct {
	purger    DLQPurger
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
}

// NewGarbageCollector creates a DLQ garbage collector. Non-positive durations
// fall back to the defaults.
func NewGarbageCollector(purger DLQPurger, interval, retention time.Duration, logger *zap.Logger) *GarbageCollector {
	if interval <= 0 {
		interval = DefaultDLQGCInterval
	}
	if retention <= 0 {
		retention = DefaultDLQRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GarbageCollector{
		purger:    purger,
		interval:  interval,
		retention: retention,
		logger:    logger,
	}
}

// Start purges once immediately and then on every interval until ctx ends
func (gc *GarbageCollector) Start(ctx context.Context) error {
	gc.purgeLogged(ctx)

	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			gc.purgeLogged(ctx)
		}
	}
}

func (gc *GarbageCollector) purgeLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := gc.collect(ctx)
	if err != nil {
		gc.logger.Error("dlq_gc_failed", zap.String("error", logpkg.SanitizeError(err)))
		return
	}
	if n > 0 {
		gc.logger.Info("dlq_gc_purged",
			zap.Int("count", n),
			zap.Duration("retention", gc.retention),
		)
	}
}

// collect runs one bounded purge and reports how many jobs were dropped
func (gc *GarbageCollector) collect(ctx context.Context) (int, error) {
	if gc.purger == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	n, err := gc.purger.PurgeOlderThan(ctx, gc.retention)
	telemetry.ObserveDLQPurge(n)
	if err != nil {
		return n, fmt.Errorf("purge dead letter queue: %w", err)
	}
	return n, nil
}
