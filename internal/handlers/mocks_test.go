package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/benvon/idea-tagger/internal/database"
	"github.com/benvon/idea-tagger/internal/models"
	"github.com/benvon/idea-tagger/internal/queue"
	"github.com/benvon/idea-tagger/internal/search"
	"github.com/gorilla/mux"
)

type mockFilterRepo struct {
	createFunc          func(ctx context.Context, filter *models.TagFilter) error
	getByIDFunc         func(ctx context.Context, id int64) (*models.TagFilter, error)
	listFunc            func(ctx context.Context, status *models.FilterStatus) ([]*models.TagFilter, error)
	updateFunc          func(ctx context.Context, filter *models.TagFilter) error
	deleteFunc          func(ctx context.Context, id int64) error
	transitionFunc      func(ctx context.Context, id int64, to models.FilterStatus) error
	markErrorFunc       func(ctx context.Context, id int64, message string) error
	hasQueuedFunc       func(ctx context.Context) (bool, error)
	promoteForSweepFunc func(ctx context.Context) ([]int64, error)
}

func (m *mockFilterRepo) Create(ctx context.Context, filter *models.TagFilter) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, filter)
	}
	filter.ID = 1
	filter.Status = models.FilterStatusEditing
	return nil
}

func (m *mockFilterRepo) GetByID(ctx context.Context, id int64) (*models.TagFilter, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, id)
	}
	return nil, models.NotFound("get", id)
}

func (m *mockFilterRepo) List(ctx context.Context, status *models.FilterStatus) ([]*models.TagFilter, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, status)
	}
	return []*models.TagFilter{}, nil
}

func (m *mockFilterRepo) Update(ctx context.Context, filter *models.TagFilter) error {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, filter)
	}
	filter.Status = models.FilterStatusEditing
	return nil
}

func (m *mockFilterRepo) Delete(ctx context.Context, id int64) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, id)
	}
	return nil
}

func (m *mockFilterRepo) TransitionStatus(ctx context.Context, id int64, to models.FilterStatus) error {
	if m.transitionFunc != nil {
		return m.transitionFunc(ctx, id, to)
	}
	return nil
}

func (m *mockFilterRepo) MarkError(ctx context.Context, id int64, message string) error {
	if m.markErrorFunc != nil {
		return m.markErrorFunc(ctx, id, message)
	}
	return nil
}

func (m *mockFilterRepo) HasQueued(ctx context.Context) (bool, error) {
	if m.hasQueuedFunc != nil {
		return m.hasQueuedFunc(ctx)
	}
	return false, nil
}

func (m *mockFilterRepo) PromoteForSweep(ctx context.Context) ([]int64, error) {
	if m.promoteForSweepFunc != nil {
		return m.promoteForSweepFunc(ctx)
	}
	return nil, nil
}

type mockRunner struct {
	dispatchFunc func(ctx context.Context, jobs queue.Enqueuer, filterID int64) (*queue.Job, error)
	undoFunc     func(ctx context.Context, filterID int64) (*database.UndoResult, error)
}

func (m *mockRunner) Dispatch(ctx context.Context, jobs queue.Enqueuer, filterID int64) (*queue.Job, error) {
	if m.dispatchFunc != nil {
		return m.dispatchFunc(ctx, jobs, filterID)
	}
	return queue.NewBulkTagJob(filterID), nil
}

func (m *mockRunner) Undo(ctx context.Context, filterID int64) (*database.UndoResult, error) {
	if m.undoFunc != nil {
		return m.undoFunc(ctx, filterID)
	}
	return &database.UndoResult{}, nil
}

type mockPreviewer struct {
	mu          sync.Mutex
	previewFunc func(ctx context.Context, q search.Query, scope database.ScopeFilters, page database.PageRequest) (*database.SearchPage, error)
	lastQuery   search.Query
	lastScope   database.ScopeFilters
	lastPage    database.PageRequest
}

func (m *mockPreviewer) Preview(ctx context.Context, q search.Query, scope database.ScopeFilters, page database.PageRequest) (*database.SearchPage, error) {
	m.mu.Lock()
	m.lastQuery, m.lastScope, m.lastPage = q, scope, page
	m.mu.Unlock()
	if m.previewFunc != nil {
		return m.previewFunc(ctx, q, scope, page)
	}
	return &database.SearchPage{Rows: []models.SearchRow{}, Page: page.Page, PageSize: page.PageSize, Query: q}, nil
}

type mockProvenance struct {
	auditFunc func(ctx context.Context, filterID int64) ([]models.ProvenanceSummary, error)
}

func (m *mockProvenance) Audit(ctx context.Context, filterID int64) ([]models.ProvenanceSummary, error) {
	if m.auditFunc != nil {
		return m.auditFunc(ctx, filterID)
	}
	return []models.ProvenanceSummary{}, nil
}

type mockEnqueuer struct {
	mu          sync.Mutex
	enqueueFunc func(ctx context.Context, job *queue.Job) error
	jobs        []*queue.Job
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, job *queue.Job) error {
	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()
	if m.enqueueFunc != nil {
		return m.enqueueFunc(ctx, job)
	}
	return nil
}

var (
	_ database.TagFilterRepositoryInterface      = (*mockFilterRepo)(nil)
	_ database.ResponseSearchRepositoryInterface = (*mockPreviewer)(nil)
	_ FilterRunner                               = (*mockRunner)(nil)
	_ ProvenanceLister                           = (*mockProvenance)(nil)
	_ queue.Enqueuer                             = (*mockEnqueuer)(nil)
)

var testSettings = SearchSettings{Language: "en", PageSizeDefault: 50, PageSizeMax: 500}

// envelope mirrors respondJSON and respondJSONError output
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func serve(t *testing.T, router *mux.Router, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, env
}
