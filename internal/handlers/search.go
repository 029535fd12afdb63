package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/benvon/idea-tagger/internal/database"
	"github.com/benvon/idea-tagger/internal/search"
	"github.com/benvon/idea-tagger/internal/telemetry"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// SearchHandler serves ad hoc previews of keyword strings
type SearchHandler struct {
	previews database.ResponseSearchRepositoryInterface
	settings SearchSettings
	logger   *zap.Logger
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(previews database.ResponseSearchRepositoryInterface, settings SearchSettings, logger *zap.Logger) *SearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchHandler{previews: previews, settings: settings, logger: logger}
}

// RegisterRoutes registers search routes; the router should carry the /search prefix
func (h *SearchHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("", h.Search).Methods("GET")
	r.HandleFunc("/compile", h.Compile).Methods("GET")
}

// CompileResponse shows how a keyword string was understood
type CompileResponse struct {
	Keyword       string       `json:"keyword"`
	Query         search.Query `json:"query"`
	Summary       string       `json:"summary"`
	Unconstrained bool         `json:"unconstrained"`
}

func (h *SearchHandler) language(r *http.Request) string {
	if lang := r.URL.Query().Get("language"); lang != "" {
		return lang
	}
	return h.settings.Language
}

// Compile returns the compiled form of ?q= without touching the database
func (h *SearchHandler) Compile(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("q")
	q := search.Compile(keyword, h.language(r))
	respondJSON(w, http.StatusOK, CompileResponse{
		Keyword:       keyword,
		Query:         q,
		Summary:       q.String(),
		Unconstrained: q.Unconstrained(),
	})
}

// Search previews the responses matching ?q= within the requested scope
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	page, err := parsePageRequest(r, h.settings)
	if err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	q := search.Compile(r.URL.Query().Get("q"), h.settings.Language)

	began := time.Now()
	result, err := h.previews.Preview(r.Context(), q, scope, page)
	telemetry.ObservePreview(time.Since(began))
	if err != nil {
		respondError(w, r, h.logger, "search responses", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// parseScope reads the creation window and location filters
func parseScope(r *http.Request) (database.ScopeFilters, error) {
	var scope database.ScopeFilters
	var err error

	if scope.CreatedFrom, err = queryTime(r, "created_from"); err != nil {
		return scope, err
	}
	if scope.CreatedTo, err = queryTime(r, "created_to"); err != nil {
		return scope, err
	}
	if scope.CreatedFrom != nil && scope.CreatedTo != nil && scope.CreatedTo.Before(*scope.CreatedFrom) {
		return scope, fmt.Errorf("created_to must not be before created_from")
	}
	if scope.CountryIDs, err = queryIDs(r, "country_id"); err != nil {
		return scope, err
	}
	if scope.SettlementIDs, err = queryIDs(r, "settlement_id"); err != nil {
		return scope, err
	}
	if scope.ServicePointIDs, err = queryIDs(r, "service_point_id"); err != nil {
		return scope, err
	}
	if scope.ServicePointTypeIDs, err = queryIDs(r, "service_point_type_id"); err != nil {
		return scope, err
	}
	return scope, nil
}

// parsePageRequest reads page, page_size, sort and desc, clamped to settings
func parsePageRequest(r *http.Request, settings SearchSettings) (database.PageRequest, error) {
	var page database.PageRequest
	var err error

	if page.Page, err = queryInt(r, "page"); err != nil {
		return page, err
	}
	if page.PageSize, err = queryInt(r, "page_size"); err != nil {
		return page, err
	}
	if page.Page < 0 || page.PageSize < 0 {
		return page, fmt.Errorf("page and page_size must not be negative")
	}
	if page.Page > database.MaxPage {
		return page, fmt.Errorf("page must not exceed %d", database.MaxPage)
	}
	if sort := r.URL.Query().Get("sort"); sort != "" {
		if !database.ValidSortField(sort) {
			return page, fmt.Errorf("cannot sort by %q", sort)
		}
		page.SortBy = sort
		if page.SortDesc, err = queryBool(r, "desc"); err != nil {
			return page, err
		}
	}

	defaultSize := settings.PageSizeDefault
	if defaultSize < 1 {
		defaultSize = database.DefaultPageSize
	}
	return page.Normalize(defaultSize, settings.PageSizeMax), nil
}
