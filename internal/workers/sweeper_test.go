package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benvon/idea-tagger/internal/lock"
	"github.com/benvon/idea-tagger/internal/models"
)

// mockFilterProcessor is a func-field filterProcessor
type mockFilterProcessor struct {
	processFunc func(ctx context.Context, filterID int64) (*RunResult, error)
}

func (m *mockFilterProcessor) Process(ctx context.Context, filterID int64) (*RunResult, error) {
	if m.processFunc != nil {
		return m.processFunc(ctx, filterID)
	}
	return &RunResult{FilterID: filterID}, nil
}

// mockSweepLock is a func-field SweepLock
type mockSweepLock struct {
	tryAcquireFunc func(ctx context.Context) (lock.ReleaseFunc, bool, error)
}

func (m *mockSweepLock) TryAcquire(ctx context.Context) (lock.ReleaseFunc, bool, error) {
	return m.tryAcquireFunc(ctx)
}

func TestSweeper_Run_PromotesAndRunsRestingFilters(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seedWaterResponses(store)
	editing := store.addFilter(models.TagFilter{TagText: "water", SearchText: "water", Status: models.FilterStatusEditing})
	active := store.addFilter(models.TagFilter{TagText: "aqua", SearchText: "aqua", Status: models.FilterStatusActive})
	failed := store.addFilter(models.TagFilter{TagText: "power", SearchText: "electricity", Status: models.FilterStatusError})
	busy := store.addFilter(models.TagFilter{TagText: "busy", SearchText: "water", Status: models.FilterStatusProcessing})

	tagger := newTestTagger(store, &fixedClock{now: testEpoch}, nil)
	sweeper := NewSweeper(store, tagger, lock.NewLocalLock(), 2, nil)

	res, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Promoted != 3 || res.Succeeded != 3 || res.Failed != 0 {
		t.Errorf("Run() = %+v, want 3 promoted and 3 succeeded", res)
	}
	if res.Applied != 4 {
		t.Errorf("Applied = %d, want 4", res.Applied)
	}
	for _, id := range []int64{editing.ID, active.ID, failed.ID} {
		if got := store.filter(id).Status; got != models.FilterStatusActive {
			t.Errorf("filter %d status = %s, want ACTIVE", id, got)
		}
	}
	if got := store.filter(busy.ID).Status; got != models.FilterStatusProcessing {
		t.Errorf("in-flight filter status = %s, want PROCESSING", got)
	}
}

func TestSweeper_Run_RefusesWhileQueued(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	queued := store.addFilter(models.TagFilter{TagText: "water", SearchText: "water", Status: models.FilterStatusQueued})
	resting := store.addFilter(models.TagFilter{TagText: "aqua", SearchText: "aqua", Status: models.FilterStatusActive})

	sweeper := NewSweeper(store, newTestTagger(store, &fixedClock{now: testEpoch}, nil), lock.NewLocalLock(), 2, nil)

	_, err := sweeper.Run(context.Background())
	if !errors.Is(err, models.ErrSweepInFlight) {
		t.Fatalf("Run() error = %v, want ErrSweepInFlight", err)
	}
	if !models.IsConflict(err) {
		t.Error("Expected ErrSweepInFlight to be a conflict")
	}
	if got := store.filter(queued.ID).Status; got != models.FilterStatusQueued {
		t.Errorf("queued filter status = %s, want QUEUED", got)
	}
	if got := store.filter(resting.ID).Status; got != models.FilterStatusActive {
		t.Errorf("resting filter status = %s, want ACTIVE", got)
	}
}

func TestSweeper_Run_SingleFlight(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addFilter(models.TagFilter{TagText: "water", SearchText: "water", Status: models.FilterStatusActive})

	started := make(chan struct{})
	proceed := make(chan struct{})
	runner := &mockFilterProcessor{
		processFunc: func(ctx context.Context, filterID int64) (*RunResult, error) {
			close(started)
			<-proceed
			return &RunResult{FilterID: filterID}, nil
		},
	}
	shared := lock.NewLocalLock()
	first := newSweeper(store, runner, shared, 1, nil)
	second := newSweeper(store, runner, shared, 1, nil)

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = first.Run(context.Background())
	}()

	<-started
	if _, err := second.Run(context.Background()); !models.IsConflict(err) {
		t.Errorf("concurrent Run() error = %v, want conflict", err)
	}
	close(proceed)
	wg.Wait()

	if firstErr != nil {
		t.Errorf("first Run() error = %v", firstErr)
	}
}

func TestSweeper_Run_IsolatesFilterFailures(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addFilter(models.TagFilter{TagText: "a", SearchText: "a", Status: models.FilterStatusActive})
	bad := store.addFilter(models.TagFilter{TagText: "b", SearchText: "b", Status: models.FilterStatusActive})
	store.addFilter(models.TagFilter{TagText: "c", SearchText: "c", Status: models.FilterStatusEditing})

	runner := &mockFilterProcessor{
		processFunc: func(ctx context.Context, filterID int64) (*RunResult, error) {
			if filterID == bad.ID {
				return nil, models.NewTaggingError(models.ErrStorage, "apply", filterID, errors.New("boom"))
			}
			return &RunResult{FilterID: filterID, AppliedCount: 2}, nil
		},
	}

	res, err := newSweeper(store, runner, lock.NewLocalLock(), 3, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Errorf("Run() = %+v, want 2 succeeded and 1 failed", res)
	}
	if len(res.FailedIDs) != 1 || res.FailedIDs[0] != bad.ID {
		t.Errorf("FailedIDs = %v, want [%d]", res.FailedIDs, bad.ID)
	}
	if res.Applied != 4 {
		t.Errorf("Applied = %d, want 4", res.Applied)
	}
}

func TestSweeper_Run_RespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	for i := 0; i < 8; i++ {
		store.addFilter(models.TagFilter{TagText: "t", SearchText: "t", Status: models.FilterStatusActive})
	}

	var current, peak atomic.Int32
	runner := &mockFilterProcessor{
		processFunc: func(ctx context.Context, filterID int64) (*RunResult, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return &RunResult{FilterID: filterID}, nil
		},
	}

	res, err := newSweeper(store, runner, lock.NewLocalLock(), 2, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Succeeded != 8 {
		t.Errorf("Succeeded = %d, want 8", res.Succeeded)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", got)
	}
}

func TestSweeper_Run_LockErrors(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	l := &mockSweepLock{
		tryAcquireFunc: func(ctx context.Context) (lock.ReleaseFunc, bool, error) {
			return nil, false, errors.New("redis unavailable")
		},
	}

	_, err := newSweeper(store, &mockFilterProcessor{}, l, 1, nil).Run(context.Background())
	if !models.IsStorage(err) {
		t.Errorf("Run() error = %v, want storage error", err)
	}
}

func TestSweeper_Run_ReleasesLock(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	shared := lock.NewLocalLock()
	sweeper := newSweeper(store, &mockFilterProcessor{}, shared, 1, nil)

	for i := 0; i < 2; i++ {
		if _, err := sweeper.Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d error = %v", i+1, err)
		}
	}
}
