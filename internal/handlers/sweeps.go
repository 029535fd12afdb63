package handlers

import (
	"context"
	"net/http"

	"github.com/benvon/idea-tagger/internal/models"
	"github.com/benvon/idea-tagger/internal/queue"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// QueuedChecker reports whether filters are still waiting from an earlier sweep
type QueuedChecker interface {
	HasQueued(ctx context.Context) (bool, error)
}

// SweepHandler requests daily sweeps outside the schedule
type SweepHandler struct {
	filters QueuedChecker
	jobs    queue.Enqueuer
	logger  *zap.Logger
}

// NewSweepHandler creates a new sweep handler
func NewSweepHandler(filters QueuedChecker, jobs queue.Enqueuer, logger *zap.Logger) *SweepHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepHandler{filters: filters, jobs: jobs, logger: logger}
}

// RegisterRoutes registers sweep routes; the router should carry the /sweeps prefix
func (h *SweepHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("", h.RequestSweep).Methods("POST")
}

// SweepAccepted is returned when a sweep job has been enqueued
type SweepAccepted struct {
	JobID string `json:"job_id"`
}

// RequestSweep enqueues a daily_sweep job. It is refused while an earlier
// sweep still has filters queued; the worker re-checks when the job runs.
func (h *SweepHandler) RequestSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	queued, err := h.filters.HasQueued(ctx)
	if err != nil {
		respondError(w, r, h.logger, "request sweep", err)
		return
	}
	if queued {
		respondError(w, r, h.logger, "request sweep", models.ErrSweepInFlight)
		return
	}

	job := queue.NewSweepJob(nil)
	if err := h.jobs.Enqueue(ctx, job); err != nil {
		respondError(w, r, h.logger, "request sweep", models.NewTaggingError(models.ErrStorage, "sweep", 0, err))
		return
	}

	h.logger.Info("sweep_job_enqueued", zap.String("job_id", job.ID.String()))
	respondJSON(w, http.StatusAccepted, SweepAccepted{JobID: job.ID.String()})
}
