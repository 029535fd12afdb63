package workers

import (
	"context"
	"sync"
	"time"

	logpkg "github.com/benvon/idea-tagger/internal/logger"
	"github.com/benvon/idea-tagger/internal/models"
	"github.com/benvon/idea-tagger/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSweepConcurrency bounds how many filters a sweep runs at once
const DefaultSweepConcurrency = 4

// SweepResult reports one daily sweep
type SweepResult struct {
	Promoted  int     `json:"promoted"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	FailedIDs []int64 `json:"failed_ids,omitempty"`
	Applied   int     `json:"applied"`
}

// filterProcessor runs a single QUEUED filter
type filterProcessor interface {
	Process(ctx context.Context, filterID int64) (*RunResult, error)
}

// Sweeper promotes every resting filter to QUEUED and runs them all
type Sweeper struct {
	filters     FilterStore
	runner      filterProcessor
	lock        SweepLock
	concurrency int
	logger      *zap.Logger
}

// NewSweeper creates a sweeper. concurrency below one uses DefaultSweepConcurrency.
func NewSweeper(filters FilterStore, runner *BulkTagger, lock SweepLock, concurrency int, logger *zap.Logger) *Sweeper {
	return newSweeper(filters, runner, lock, concurrency, logger)
}

func newSweeper(filters FilterStore, runner filterProcessor, lock SweepLock, concurrency int, logger *zap.Logger) *Sweeper {
	if concurrency < 1 {
		concurrency = DefaultSweepConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		filters:     filters,
		runner:      runner,
		lock:        lock,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run performs one sweep. It returns models.ErrSweepInFlight when another sweep
// holds the lease or any filter is still QUEUED. A failing filter is counted
// and logged but never fails the sweep.
func (s *Sweeper) Run(ctx context.Context) (*SweepResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "sweep.run")
	defer span.End()

	release, ok, err := s.lock.TryAcquire(ctx)
	if err != nil {
		telemetry.ObserveSweep(telemetry.ResultError, 0, 0)
		return nil, models.NewTaggingError(models.ErrStorage, "sweep", 0, err)
	}
	if !ok {
		telemetry.ObserveSweep(telemetry.ResultConflict, 0, 0)
		s.logger.Info("sweep_lock_held")
		return nil, models.ErrSweepInFlight
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			s.logger.Warn("failed_to_release_sweep_lock", zap.String("error", logpkg.SanitizeError(err)))
		}
	}()

	queued, err := s.filters.HasQueued(ctx)
	if err != nil {
		telemetry.ObserveSweep(telemetry.ResultError, 0, 0)
		return nil, err
	}
	if queued {
		telemetry.ObserveSweep(telemetry.ResultConflict, 0, 0)
		s.logger.Info("sweep_skipped_filters_queued")
		return nil, models.ErrSweepInFlight
	}

	ids, err := s.filters.PromoteForSweep(ctx)
	if err != nil {
		telemetry.ObserveSweep(telemetry.ResultError, 0, 0)
		return nil, err
	}

	s.logger.Info("sweep_started",
		zap.Int("promoted", len(ids)),
		zap.Int("concurrency", s.concurrency),
	)

	result := &SweepResult{Promoted: len(ids)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			res, err := s.runner.Process(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.FailedIDs = append(result.FailedIDs, id)
				s.logger.Warn("sweep_filter_failed",
					zap.Int64("filter_id", id),
					zap.String("error", logpkg.SanitizeError(err)),
				)
				return nil
			}
			result.Succeeded++
			result.Applied += res.AppliedCount
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("sweep.promoted", result.Promoted),
		attribute.Int("sweep.failed", result.Failed),
	)
	telemetry.ObserveSweep(telemetry.ResultSuccess, result.Succeeded, result.Failed)
	s.logger.Info("sweep_completed",
		zap.Int("promoted", result.Promoted),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("applied", result.Applied),
	)
	return result, nil
}
