package database

import (
	"context"

	"github.com/benvon/idea-tagger/internal/models"
	"github.com/benvon/idea-tagger/internal/search"
)

// TagFilterRepositoryInterface defines the interface for tag filter repository operations
// This interface enables better testability by allowing mock implementations
type TagFilterRepositoryInterface interface {
	Create(ctx context.Context, filter *models.TagFilter) error
	GetByID(ctx context.Context, id int64) (*models.TagFilter, error)
	List(ctx context.Context, status *models.FilterStatus) ([]*models.TagFilter, error)
	Update(ctx context.Context, filter *models.TagFilter) error
	Delete(ctx context.Context, id int64) error
	TransitionStatus(ctx context.Context, id int64, to models.FilterStatus) error
	MarkError(ctx context.Context, id int64, message string) error
	HasQueued(ctx context.Context) (bool, error)
	PromoteForSweep(ctx context.Context) ([]int64, error)
}

// BulkTagRepositoryInterface defines the interface for bulk tag repository operations
type BulkTagRepositoryInterface interface {
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error)
	Undo(ctx context.Context, filterID int64) (*UndoResult, error)
	Audit(ctx context.Context, filterID int64) ([]models.ProvenanceSummary, error)
}

// ResponseSearchRepositoryInterface defines the interface for response search operations
type ResponseSearchRepositoryInterface interface {
	Preview(ctx context.Context, q search.Query, scope ScopeFilters, page PageRequest) (*SearchPage, error)
}

// Ensure concrete types implement the interfaces
var (
	_ TagFilterRepositoryInterface      = (*TagFilterRepository)(nil)
	_ BulkTagRepositoryInterface        = (*BulkTagRepository)(nil)
	_ ResponseSearchRepositoryInterface = (*ResponseSearchRepository)(nil)
)
