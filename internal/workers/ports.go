package workers

import (
	"context"
	"time"

	"github.com/benvon/idea-tagger/internal/database"
	"github.com/benvon/idea-tagger/internal/lock"
	"github.com/benvon/idea-tagger/internal/models"
)

// FilterStore is the part of the tag filter repository the workers drive
type FilterStore interface {
	GetByID(ctx context.Context, id int64) (*models.TagFilter, error)
	TransitionStatus(ctx context.Context, id int64, to models.FilterStatus) error
	MarkError(ctx context.Context, id int64, message string) error
	HasQueued(ctx context.Context) (bool, error)
	PromoteForSweep(ctx context.Context) ([]int64, error)
}

// BulkTagStore applies and reverses filter runs
type BulkTagStore interface {
	Apply(ctx context.Context, req database.ApplyRequest) (*database.ApplyResult, error)
	Undo(ctx context.Context, filterID int64) (*database.UndoResult, error)
}

// SweepLock guards the daily sweep against concurrent runs across processes
type SweepLock interface {
	TryAcquire(ctx context.Context) (lock.ReleaseFunc, bool, error)
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns time.Now
func (SystemClock) Now() time.Time { return time.Now() }

var (
	_ FilterStore  = (database.TagFilterRepositoryInterface)(nil)
	_ BulkTagStore = (database.BulkTagRepositoryInterface)(nil)
	_ SweepLock    = (*lock.RedisLock)(nil)
	_ SweepLock    = (*lock.LocalLock)(nil)
)
