package workers

import (
	"context"
	"fmt"
	"time"

	logpkg "github.com/benvon/idea-tagger/internal/logger"
	"github.com/benvon/idea-tagger/internal/models"
	"github.com/benvon/idea-tagger/internal/queue"
	"github.com/benvon/idea-tagger/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultRetryDelay is the backoff before a failed job is redelivered
const DefaultRetryDelay = 30 * time.Second

// JobProcessor handles one job type. Returning an error triggers the retry policy.
type JobProcessor func(ctx context.Context, job *queue.Job) error

type processorEntry struct {
	proc JobProcessor
	// retryable jobs are re-enqueued with a delay until MaxRetries
	retryable bool
}

// sweepRunner runs one daily sweep
type sweepRunner interface {
	Run(ctx context.Context) (*SweepResult, error)
}

// Processor dispatches queue messages to registered job processors
type Processor struct {
	jobQueue        queue.Enqueuer
	retryDelay      time.Duration
	sweepRetryDelay time.Duration
	clock           Clock
	logger          *zap.Logger
	registry        map[queue.JobType]processorEntry
}

// ProcessorConfig holds retry settings
type ProcessorConfig struct {
	RetryDelay      time.Duration
	SweepRetryDelay time.Duration
}

// NewProcessor creates a processor and registers the bulk_tag_filter and
// daily_sweep processors
func NewProcessor(tagger *BulkTagger, sweeper *Sweeper, jobQueue queue.Enqueuer, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	return newProcessor(tagger, sweeper, jobQueue, cfg, nil, logger)
}

func newProcessor(runner filterProcessor, sweeper sweepRunner, jobQueue queue.Enqueuer, cfg ProcessorConfig, clock Clock, logger *zap.Logger) *Processor {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.SweepRetryDelay <= 0 {
		cfg.SweepRetryDelay = 15 * time.Minute
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		jobQueue:        jobQueue,
		retryDelay:      cfg.RetryDelay,
		sweepRetryDelay: cfg.SweepRetryDelay,
		clock:           clock,
		logger:          logger,
		registry:        make(map[queue.JobType]processorEntry),
	}
	p.RegisterProcessor(queue.JobTypeBulkTagFilter, p.bulkTagProcessor(runner), true)
	p.RegisterProcessor(queue.JobTypeDailySweep, p.sweepProcessor(sweeper), true)
	return p
}

// RegisterProcessor registers a processor for a job type
func (p *Processor) RegisterProcessor(typ queue.JobType, proc JobProcessor, retryable bool) {
	p.registry[typ] = processorEntry{proc: proc, retryable: retryable}
}

// bulkTagProcessor runs a filter that was queued by the API. A filter that is
// gone or owned by another run is not an error for the queue.
func (p *Processor) bulkTagProcessor(runner filterProcessor) JobProcessor {
	return func(ctx context.Context, job *queue.Job) error {
		if job.FilterID == nil {
			return fmt.Errorf("filter_id is required for bulk tag job")
		}
		_, err := runner.Process(ctx, *job.FilterID)
		switch {
		case err == nil:
			return nil
		case models.IsNotFound(err), models.IsConflict(err):
			p.logger.Info("bulk_tag_job_skipped",
				zap.String("job_id", job.ID.String()),
				zap.Int64("filter_id", *job.FilterID),
				zap.String("reason", logpkg.SanitizeError(err)),
			)
			return nil
		default:
			return err
		}
	}
}

// sweepProcessor runs the daily sweep. A sweep refused because one is in flight
// is rescheduled after the sweep retry delay.
func (p *Processor) sweepProcessor(sweeper sweepRunner) JobProcessor {
	return func(ctx context.Context, job *queue.Job) error {
		_, err := sweeper.Run(ctx)
		if err == nil {
			return nil
		}
		if !models.IsConflict(err) {
			return err
		}
		notBefore := p.clock.Now().Add(p.sweepRetryDelay)
		retry := queue.NewSweepJob(&notBefore)
		retry.NotAfter = job.NotAfter
		if enqueueErr := p.jobQueue.Enqueue(ctx, retry); enqueueErr != nil {
			return fmt.Errorf("sweep in flight, failed to reschedule: %w", enqueueErr)
		}
		p.logger.Info("sweep_rescheduled",
			zap.String("job_id", job.ID.String()),
			zap.String("retry_job_id", retry.ID.String()),
			zap.Time("not_before", notBefore),
		)
		return nil
	}
}

// ProcessJob processes a job based on its type using the processor registry.
// The job's span continues the trace of the request that queued it.
func (p *Processor) ProcessJob(ctx context.Context, msg queue.MessageInterface) (err error) {
	job := msg.GetJob()

	ctx = telemetry.ExtractTraceContext(ctx, job.TraceContext)
	ctx, span := telemetry.Tracer().Start(ctx, "job.process", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.retry_count", job.RetryCount),
	))
	defer func() {
		result := telemetry.ResultSuccess
		if err != nil {
			result = telemetry.ResultError
			span.RecordError(err)
			span.SetStatus(codes.Error, "job failed")
		}
		telemetry.ObserveJob(string(job.Type), result)
		span.End()
	}()

	if !job.ShouldProcess() {
		fields := []zap.Field{zap.String("job_id", job.ID.String())}
		if job.NotBefore != nil {
			fields = append(fields, zap.Time("not_before", *job.NotBefore))
		}
		p.logger.Debug("job_not_ready", fields...)
		if nackErr := msg.Nack(!job.IsExpired()); nackErr != nil {
			p.logger.Warn("failed_to_nack_job_for_later_processing",
				zap.String("job_id", job.ID.String()),
				zap.String("error", logpkg.SanitizeError(nackErr)),
			)
		}
		return nil
	}
	ent, ok := p.registry[job.Type]
	if !ok {
		if nackErr := msg.Nack(false); nackErr != nil {
			p.logger.Error("failed_to_nack_unknown_job_type",
				zap.String("job_id", job.ID.String()),
				zap.String("job_type", string(job.Type)),
				zap.String("error", logpkg.SanitizeError(nackErr)),
			)
		}
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	if err := ent.proc(ctx, job); err != nil {
		p.logger.Error("job_failed",
			zap.String("operation", "process_job"),
			zap.String("job_id", job.ID.String()),
			zap.String("job_type", string(job.Type)),
			zap.String("error", logpkg.SanitizeError(err)),
		)
		if ent.retryable {
			return p.handleJobError(ctx, msg, job, err)
		}
		if nackErr := msg.Nack(false); nackErr != nil {
			p.logger.Warn("failed_to_nack_job",
				zap.String("job_id", job.ID.String()),
				zap.String("error", logpkg.SanitizeError(nackErr)),
			)
		}
		return fmt.Errorf("%s job failed: %w", job.Type, err)
	}
	if ackErr := msg.Ack(); ackErr != nil {
		return fmt.Errorf("failed to ack %s job: %w", job.Type, ackErr)
	}
	return nil
}

// handleJobError re-enqueues a failed job with a linear backoff until its
// retries run out, then dead-letters it
func (p *Processor) handleJobError(ctx context.Context, msg queue.MessageInterface, job *queue.Job, err error) error {
	if job.CanRetry() && p.jobQueue != nil {
		notBefore := p.clock.Now().Add(p.retryDelay * time.Duration(job.RetryCount+1))
		delayed := &queue.Job{
			ID:           job.ID,
			Type:         job.Type,
			FilterID:     job.FilterID,
			NotBefore:    &notBefore,
			NotAfter:     job.NotAfter,
			TraceContext: job.TraceContext,
			CreatedAt:    job.CreatedAt,
			RetryCount:   job.RetryCount + 1,
			MaxRetries:   job.MaxRetries,
		}

		if enqueueErr := p.jobQueue.Enqueue(ctx, delayed); enqueueErr != nil {
			p.logger.Warn("failed_to_reenqueue_job",
				zap.String("job_id", job.ID.String()),
				zap.String("error", logpkg.SanitizeError(enqueueErr)),
			)
			if nackErr := msg.Nack(true); nackErr != nil {
				p.logger.Warn("failed_to_nack_job", zap.String("error", logpkg.SanitizeError(nackErr)))
			}
			return fmt.Errorf("job failed, failed to re-enqueue: %w", enqueueErr)
		}
		if ackErr := msg.Ack(); ackErr != nil {
			p.logger.Warn("failed_to_ack_job_before_retry", zap.String("error", logpkg.SanitizeError(ackErr)))
		}
		p.logger.Info("job_reenqueued",
			zap.String("job_id", job.ID.String()),
			zap.Int("attempt", delayed.RetryCount),
			zap.Int("max_retries", job.MaxRetries),
			zap.Time("not_before", notBefore),
		)
		return fmt.Errorf("job failed (will retry): %w", err)
	}

	p.logger.Error("job_dead_lettered",
		zap.String("job_id", job.ID.String()),
		zap.Int("retries", job.RetryCount),
	)
	if nackErr := msg.Nack(false); nackErr != nil {
		p.logger.Warn("failed_to_nack_job_to_dlq", zap.String("error", logpkg.SanitizeError(nackErr)))
	}
	return fmt.Errorf("job failed (max retries): %w", err)
}
