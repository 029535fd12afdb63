package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/benvon/idea-tagger/internal/database"
	"github.com/benvon/idea-tagger/internal/models"
	"github.com/benvon/idea-tagger/internal/queue"
	"github.com/benvon/idea-tagger/internal/search"
	"github.com/benvon/idea-tagger/internal/telemetry"
	"github.com/benvon/idea-tagger/internal/validation"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// FilterRunner dispatches and reverses bulk-tag runs
type FilterRunner interface {
	Dispatch(ctx context.Context, jobs queue.Enqueuer, filterID int64) (*queue.Job, error)
	Undo(ctx context.Context, filterID int64) (*database.UndoResult, error)
}

// ProvenanceLister lists the runs attributed to a filter
type ProvenanceLister interface {
	Audit(ctx context.Context, filterID int64) ([]models.ProvenanceSummary, error)
}

// SearchSettings are the compile and paging defaults shared by preview endpoints
type SearchSettings struct {
	Language        string
	PageSizeDefault int
	PageSizeMax     int
}

// TagFilterHandler handles tag filter requests
type TagFilterHandler struct {
	filters    database.TagFilterRepositoryInterface
	runner     FilterRunner
	jobs       queue.Enqueuer
	previews   database.ResponseSearchRepositoryInterface
	provenance ProvenanceLister
	settings   SearchSettings
	logger     *zap.Logger
}

// NewTagFilterHandler creates a new tag filter handler
func NewTagFilterHandler(
	filters database.TagFilterRepositoryInterface,
	runner FilterRunner,
	jobs queue.Enqueuer,
	previews database.ResponseSearchRepositoryInterface,
	provenance ProvenanceLister,
	settings SearchSettings,
	logger *zap.Logger,
) *TagFilterHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TagFilterHandler{
		filters:    filters,
		runner:     runner,
		jobs:       jobs,
		previews:   previews,
		provenance: provenance,
		settings:   settings,
		logger:     logger,
	}
}

// RegisterRoutes registers tag filter routes on the given router.
// The router should already carry the /tag-filters prefix.
func (h *TagFilterHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("", h.ListFilters).Methods("GET")
	r.HandleFunc("", h.CreateFilter).Methods("POST")
	r.HandleFunc("/{id:[0-9]+}", h.GetFilter).Methods("GET")
	r.HandleFunc("/{id:[0-9]+}", h.UpdateFilter).Methods("PATCH")
	r.HandleFunc("/{id:[0-9]+}", h.DeleteFilter).Methods("DELETE")
	r.HandleFunc("/{id:[0-9]+}/preview", h.PreviewFilter).Methods("GET")
	r.HandleFunc("/{id:[0-9]+}/provenance", h.ListProvenance).Methods("GET")
}

// RegisterActionRoutes registers the run and undo routes. They rewrite tags in
// bulk, so the server mounts them behind the rate limiter.
func (h *TagFilterHandler) RegisterActionRoutes(r *mux.Router) {
	r.HandleFunc("/{id:[0-9]+}/run", h.RunFilter).Methods("POST")
	r.HandleFunc("/{id:[0-9]+}/undo", h.UndoFilter).Methods("POST")
}

// optionalTime distinguishes an absent field from an explicit null
type optionalTime struct {
	Set   bool
	Value *time.Time
}

// UnmarshalJSON is only called when the field is present
func (o *optionalTime) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(data, []byte("null")) {
		o.Value = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	o.Value = &t
	return nil
}

// UpdateFilterRequest is a partial filter edit. A null start_date or end_date
// clears it.
type UpdateFilterRequest struct {
	TagText       *string      `json:"tag_text,omitempty"`
	SearchText    *string      `json:"search_text,omitempty"`
	StartDate     optionalTime `json:"start_date"`
	EndDate       optionalTime `json:"end_date"`
	SettlementIDs *[]int64     `json:"settlement_ids,omitempty"`
}

// merge overlays the request on the stored definition
func (req *UpdateFilterRequest) merge(f *models.TagFilter) validation.FilterInput {
	in := validation.FilterInput{
		TagText:       f.TagText,
		SearchText:    f.SearchText,
		StartDate:     f.StartDate,
		EndDate:       f.EndDate,
		SettlementIDs: f.SettlementIDs,
	}
	if req.TagText != nil {
		in.TagText = *req.TagText
	}
	if req.SearchText != nil {
		in.SearchText = *req.SearchText
	}
	if req.StartDate.Set {
		in.StartDate = req.StartDate.Value
	}
	if req.EndDate.Set {
		in.EndDate = req.EndDate.Value
	}
	if req.SettlementIDs != nil {
		in.SettlementIDs = *req.SettlementIDs
	}
	return in
}

// RunAccepted is returned when a run has been handed to the worker
type RunAccepted struct {
	FilterID int64               `json:"filter_id"`
	JobID    string              `json:"job_id"`
	Status   models.FilterStatus `json:"status"`
}

// ListFilters lists tag filters, optionally restricted by ?status=
func (h *TagFilterHandler) ListFilters(w http.ResponseWriter, r *http.Request) {
	var status *models.FilterStatus
	if s := r.URL.Query().Get("status"); s != "" {
		if err := validation.ValidateFilterStatus(s); err != nil {
			respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		st := models.FilterStatus(s)
		status = &st
	}

	filters, err := h.filters.List(r.Context(), status)
	if err != nil {
		respondError(w, r, h.logger, "list tag filters", models.NewTaggingError(models.ErrStorage, "list", 0, err))
		return
	}
	respondJSON(w, http.StatusOK, filters)
}

// CreateFilter creates a new filter in EDITING
func (h *TagFilterHandler) CreateFilter(w http.ResponseWriter, r *http.Request) {
	var in validation.FilterInput
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := validation.ValidateFilter(&in); err != nil {
		respondError(w, r, h.logger, "create tag filter", err)
		return
	}

	filter := in.ToModel()
	if err := h.filters.Create(r.Context(), filter); err != nil {
		respondError(w, r, h.logger, "create tag filter", err)
		return
	}

	h.logger.Info("tag_filter_created",
		zap.Int64("filter_id", filter.ID),
		zap.Int("settlements", len(filter.SettlementIDs)),
	)
	respondJSON(w, http.StatusCreated, filter)
}

// GetFilter retrieves a filter by ID
func (h *TagFilterHandler) GetFilter(w http.ResponseWriter, r *http.Request) {
	id, err := filterIDFromPath(r)
	if err != nil {
		respondError(w, r, h.logger, "get tag filter", err)
		return
	}

	filter, err := h.filters.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, r, h.logger, "get tag filter", err)
		return
	}
	respondJSON(w, http.StatusOK, filter)
}

// UpdateFilter edits a resting filter and returns it to EDITING
func (h *TagFilterHandler) UpdateFilter(w http.ResponseWriter, r *http.Request) {
	id, err := filterIDFromPath(r)
	if err != nil {
		respondError(w, r, h.logger, "update tag filter", err)
		return
	}

	var req UpdateFilterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	current, err := h.filters.GetByID(ctx, id)
	if err != nil {
		respondError(w, r, h.logger, "update tag filter", err)
		return
	}

	in := req.merge(current)
	if err := validation.ValidateFilter(&in); err != nil {
		respondError(w, r, h.logger, "update tag filter", err)
		return
	}

	filter := in.ToModel()
	filter.ID = id
	if err := h.filters.Update(ctx, filter); err != nil {
		respondError(w, r, h.logger, "update tag filter", err)
		return
	}

	h.logger.Info("tag_filter_updated", zap.Int64("filter_id", id))
	respondJSON(w, http.StatusOK, filter)
}

// DeleteFilter deletes a filter that has nothing attributed to it
func (h *TagFilterHandler) DeleteFilter(w http.ResponseWriter, r *http.Request) {
	id, err := filterIDFromPath(r)
	if err != nil {
		respondError(w, r, h.logger, "delete tag filter", err)
		return
	}

	if err := h.filters.Delete(r.Context(), id); err != nil {
		respondError(w, r, h.logger, "delete tag filter", err)
		return
	}

	h.logger.Info("tag_filter_deleted", zap.Int64("filter_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// RunFilter queues the filter and hands it to the worker
func (h *TagFilterHandler) RunFilter(w http.ResponseWriter, r *http.Request) {
	id, err := filterIDFromPath(r)
	if err != nil {
		respondError(w, r, h.logger, "run tag filter", err)
		return
	}

	job, err := h.runner.Dispatch(r.Context(), h.jobs, id)
	if err != nil {
		respondError(w, r, h.logger, "run tag filter", err)
		return
	}

	respondJSON(w, http.StatusAccepted, RunAccepted{
		FilterID: id,
		JobID:    job.ID.String(),
		Status:   models.FilterStatusQueued,
	})
}

// UndoFilter removes everything the filter has applied and returns it to EDITING
func (h *TagFilterHandler) UndoFilter(w http.ResponseWriter, r *http.Request) {
	id, err := filterIDFromPath(r)
	if err != nil {
		respondError(w, r, h.logger, "undo tag filter", err)
		return
	}

	res, err := h.runner.Undo(r.Context(), id)
	if err != nil {
		respondError(w, r, h.logger, "undo tag filter", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// PreviewFilter shows the responses the filter's search would match within its
// scope, through the same compiler a run uses
func (h *TagFilterHandler) PreviewFilter(w http.ResponseWriter, r *http.Request) {
	id, err := filterIDFromPath(r)
	if err != nil {
		respondError(w, r, h.logger, "preview tag filter", err)
		return
	}

	page, err := parsePageRequest(r, h.settings)
	if err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	ctx := r.Context()
	filter, err := h.filters.GetByID(ctx, id)
	if err != nil {
		respondError(w, r, h.logger, "preview tag filter", err)
		return
	}

	q := search.Compile(filter.SearchText, h.settings.Language)
	scope := database.ScopeFilters{
		CreatedFrom:   filter.StartDate,
		CreatedTo:     filter.EndDate,
		SettlementIDs: filter.SettlementIDs,
	}

	began := time.Now()
	result, err := h.previews.Preview(ctx, q, scope, page)
	telemetry.ObservePreview(time.Since(began))
	if err != nil {
		respondError(w, r, h.logger, "preview tag filter", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ListProvenance lists the runs still attributed to the filter, newest first
func (h *TagFilterHandler) ListProvenance(w http.ResponseWriter, r *http.Request) {
	id, err := filterIDFromPath(r)
	if err != nil {
		respondError(w, r, h.logger, "list provenance", err)
		return
	}

	ctx := r.Context()
	if _, err := h.filters.GetByID(ctx, id); err != nil {
		respondError(w, r, h.logger, "list provenance", err)
		return
	}

	runs, err := h.provenance.Audit(ctx, id)
	if err != nil {
		respondError(w, r, h.logger, "list provenance", err)
		return
	}
	respondJSON(w, http.StatusOK, runs)
}
