package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benvon/idea-tagger/internal/database"
	logpkg "github.com/benvon/idea-tagger/internal/logger"
	"github.com/benvon/idea-tagger/internal/models"
	"github.com/benvon/idea-tagger/internal/queue"
	"github.com/benvon/idea-tagger/internal/search"
	"github.com/benvon/idea-tagger/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RunResult reports one completed filter run
type RunResult struct {
	FilterID      int64     `json:"filter_id"`
	ActionUUID    uuid.UUID `json:"action_uuid"`
	AppliedCount  int       `json:"applied_count"`
	TagsCreated   int       `json:"tags_created"`
	Candidates    int       `json:"candidates"`
	FullRun       bool      `json:"full_run"`
	QueryRejected bool      `json:"query_rejected"`
	RunAt         time.Time `json:"run_at"`
}

// BulkTaggerConfig holds run settings
type BulkTaggerConfig struct {
	// Language selects the text search dictionary for compiled filters
	Language string
	// Timeout bounds the apply transaction; zero means no bound
	Timeout time.Duration
}

// BulkTagger drives tag filters through QUEUED -> PROCESSING -> ACTIVE/ERROR
type BulkTagger struct {
	filters  FilterStore
	tags     BulkTagStore
	notifier Notifier
	cfg      BulkTaggerConfig
	logger   *zap.Logger
}

// NewBulkTagger creates a bulk tagger
func NewBulkTagger(
	filters FilterStore,
	tags BulkTagStore,
	notifier Notifier,
	cfg BulkTaggerConfig,
	logger *zap.Logger,
) *BulkTagger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &BulkTagger{
		filters:  filters,
		tags:     tags,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run queues the filter if it is resting and processes it immediately.
// A filter another run already owns yields ErrConflict.
func (b *BulkTagger) Run(ctx context.Context, filterID int64) (*RunResult, error) {
	filter, err := b.filters.GetByID(ctx, filterID)
	if err != nil {
		return nil, err
	}
	if filter.Status != models.FilterStatusQueued {
		if err := b.Queue(ctx, filterID); err != nil {
			return nil, err
		}
	}
	return b.Process(ctx, filterID)
}

// Queue moves a resting filter to QUEUED so a worker can pick it up
func (b *BulkTagger) Queue(ctx context.Context, filterID int64) error {
	if err := b.filters.TransitionStatus(ctx, filterID, models.FilterStatusQueued); err != nil {
		return err
	}
	b.logger.Info("bulk_tag_filter_queued", zap.Int64("filter_id", filterID))
	return nil
}

// Dispatch queues the filter and publishes a bulk_tag_filter job for a worker.
// If the job cannot be published the filter is claimed and marked ERROR so it
// does not sit in QUEUED with nothing to process it.
func (b *BulkTagger) Dispatch(ctx context.Context, jobs queue.Enqueuer, filterID int64) (*queue.Job, error) {
	if err := b.Queue(ctx, filterID); err != nil {
		return nil, err
	}

	job := queue.NewBulkTagJob(filterID)
	err := jobs.Enqueue(ctx, job)
	if err == nil {
		b.logger.Info("bulk_tag_job_enqueued",
			zap.Int64("filter_id", filterID),
			zap.String("job_id", job.ID.String()),
		)
		return job, nil
	}

	cause := fmt.Errorf("failed to enqueue bulk tag job: %w", err)
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if terr := b.filters.TransitionStatus(releaseCtx, filterID, models.FilterStatusProcessing); terr == nil {
		if merr := b.filters.MarkError(releaseCtx, filterID, logpkg.SanitizeError(cause)); merr != nil {
			b.logger.Error("failed_to_mark_filter_error",
				zap.Int64("filter_id", filterID),
				zap.String("error", logpkg.SanitizeError(merr)),
			)
		}
	}
	b.logger.Error("bulk_tag_dispatch_failed",
		zap.Int64("filter_id", filterID),
		zap.String("error", logpkg.SanitizeError(err)),
	)
	return nil, models.NewTaggingError(models.ErrStorage, "dispatch", filterID, cause)
}

// Process claims a QUEUED filter and applies it. Failures after the claim leave
// the filter in ERROR with the message recorded.
func (b *BulkTagger) Process(ctx context.Context, filterID int64) (*RunResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "bulk_tag.process",
		trace.WithAttributes(attribute.Int64("filter.id", filterID)))
	defer span.End()

	began := time.Now()

	if err := b.filters.TransitionStatus(ctx, filterID, models.FilterStatusProcessing); err != nil {
		result := telemetry.ResultError
		if models.IsConflict(err) {
			result = telemetry.ResultConflict
		}
		telemetry.ObserveBulkTagRun(result, 0, time.Since(began))
		span.SetStatus(codes.Error, result)
		return nil, err
	}

	filter, err := b.filters.GetByID(ctx, filterID)
	if err != nil {
		return nil, b.fail(ctx, span, filterID, began, err)
	}

	q := search.Compile(filter.SearchText, b.cfg.Language)
	req := database.ApplyRequest{
		FilterID:   filterID,
		Query:      q,
		ActionUUID: uuid.New(),
	}

	b.logger.Info("bulk_tag_run_started",
		zap.Int64("filter_id", filterID),
		zap.String("tag", logpkg.SanitizeString(filter.TagText, logpkg.MaxSearchTextLength)),
		zap.String("query", logpkg.SanitizeSearchText(q.String())),
		zap.String("action_uuid", req.ActionUUID.String()),
	)

	applyCtx := ctx
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		applyCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	res, err := b.tags.Apply(applyCtx, req)
	if err != nil {
		return nil, b.fail(ctx, span, filterID, began, err)
	}

	span.SetAttributes(
		attribute.Int("bulk_tag.applied", res.AppliedCount),
		attribute.Bool("bulk_tag.full_run", res.FullRun),
	)
	telemetry.ObserveBulkTagRun(telemetry.ResultSuccess, res.AppliedCount, time.Since(began))

	if res.QueryRejected {
		b.logger.Warn("bulk_tag_query_rejected",
			zap.Int64("filter_id", filterID),
			zap.String("query", logpkg.SanitizeSearchText(q.String())),
		)
	}
	b.logger.Info("bulk_tag_run_completed",
		zap.Int64("filter_id", filterID),
		zap.String("action_uuid", res.ActionUUID.String()),
		zap.Int("candidates", res.Candidates),
		zap.Int("tags_created", res.TagsCreated),
		zap.Int("applied_count", res.AppliedCount),
		zap.Bool("full_run", res.FullRun),
		zap.Duration("duration", time.Since(began)),
	)

	return &RunResult{
		FilterID:      filterID,
		ActionUUID:    res.ActionUUID,
		AppliedCount:  res.AppliedCount,
		TagsCreated:   res.TagsCreated,
		Candidates:    res.Candidates,
		FullRun:       res.FullRun,
		QueryRejected: res.QueryRejected,
		RunAt:         res.RunAt,
	}, nil
}

// fail records a failed run. The apply transaction has already rolled back, so
// the ERROR mark is a separate statement that must outlive a cancelled ctx.
func (b *BulkTagger) fail(ctx context.Context, span trace.Span, filterID int64, began time.Time, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "bulk tag run failed")
	telemetry.ObserveBulkTagRun(telemetry.ResultError, 0, time.Since(began))

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := b.filters.MarkError(markCtx, filterID, logpkg.SanitizeError(cause)); err != nil {
		b.logger.Error("failed_to_mark_filter_error",
			zap.Int64("filter_id", filterID),
			zap.String("error", logpkg.SanitizeError(err)),
		)
	}

	b.logger.Error("bulk_tag_run_failed",
		zap.Int64("filter_id", filterID),
		zap.String("error", logpkg.SanitizeError(cause)),
	)
	b.notifier.NotifyFailure(ctx, filterID, cause)

	var te *models.TaggingError
	if errors.As(cause, &te) {
		return cause
	}
	return models.NewTaggingError(models.ErrStorage, "run", filterID, cause)
}

// Undo removes everything the filter's runs attributed and returns it to EDITING
func (b *BulkTagger) Undo(ctx context.Context, filterID int64) (*database.UndoResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "bulk_tag.undo",
		trace.WithAttributes(attribute.Int64("filter.id", filterID)))
	defer span.End()

	res, err := b.tags.Undo(ctx, filterID)
	if err != nil {
		result := telemetry.ResultError
		if models.IsConflict(err) || models.IsInvalidState(err) {
			result = telemetry.ResultConflict
		}
		telemetry.ObserveUndo(result)
		span.SetStatus(codes.Error, result)
		b.logger.Warn("bulk_tag_undo_refused",
			zap.Int64("filter_id", filterID),
			zap.String("error", logpkg.SanitizeError(err)),
		)
		return nil, err
	}

	telemetry.ObserveUndo(telemetry.ResultSuccess)
	b.logger.Info("bulk_tag_undo_completed",
		zap.Int64("filter_id", filterID),
		zap.Int("provenance_deleted", res.ProvenanceDeleted),
		zap.Int("tags_deleted", res.TagsDeleted),
	)
	return res, nil
}
