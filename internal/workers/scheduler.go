package workers

import (
	"context"
	"fmt"
	"time"

	logpkg "github.com/benvon/idea-tagger/internal/logger"
	"github.com/benvon/idea-tagger/internal/queue"
	"go.uber.org/zap"
)

// SlotClaimer lets one worker instance claim a scheduling slot
type SlotClaimer interface {
	Claim(ctx context.Context, slot string) (bool, error)
}

// Scheduler enqueues a daily_sweep job once a day at a fixed local hour
type Scheduler struct {
	jobQueue queue.Enqueuer
	claimer  SlotClaimer
	hour     int
	clock    Clock
	logger   *zap.Logger
}

// NewScheduler creates a scheduler. claimer may be nil for single-instance
// deployments.
func NewScheduler(jobQueue queue.Enqueuer, claimer SlotClaimer, hour int, clock Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		jobQueue: jobQueue,
		claimer:  claimer,
		hour:     hour,
		clock:    clock,
		logger:   logger,
	}
}

// NextSweepTime returns the first time at hour:00 strictly after now, in now's location
func NextSweepTime(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start waits for each sweep hour and enqueues a sweep until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) error {
	for {
		next := NextSweepTime(s.clock.Now(), s.hour)
		s.logger.Info("next_sweep_scheduled", zap.Time("at", next))

		timer := time.NewTimer(next.Sub(s.clock.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.ScheduleSweep(ctx, next); err != nil {
			s.logger.Warn("failed_to_schedule_sweep",
				zap.Time("slot", next),
				zap.String("error", logpkg.SanitizeError(err)),
			)
		}
	}
}

// ScheduleSweep enqueues the sweep for the day of slot unless another instance
// already has
func (s *Scheduler) ScheduleSweep(ctx context.Context, slot time.Time) error {
	if s.claimer != nil {
		ok, err := s.claimer.Claim(ctx, slot.Format("2006-01-02"))
		if err != nil {
			return err
		}
		if !ok {
			s.logger.Debug("sweep_already_scheduled", zap.Time("slot", slot))
			return nil
		}
	}

	job := queue.NewSweepJob(nil)
	// Expire a day after the slot so a backlog never runs two sweeps back to back
	notAfter := slot.Add(24 * time.Hour)
	job.NotAfter = &notAfter

	if err := s.jobQueue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue sweep job: %w", err)
	}

	s.logger.Info("sweep_job_enqueued",
		zap.String("job_id", job.ID.String()),
		zap.Time("slot", slot),
	)
	return nil
}
