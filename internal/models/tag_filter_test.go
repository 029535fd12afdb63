package models

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from FilterStatus
		to   FilterStatus
		want bool
	}{
		{name: "editing to queued", from: FilterStatusEditing, to: FilterStatusQueued, want: true},
		{name: "active to queued", from: FilterStatusActive, to: FilterStatusQueued, want: true},
		{name: "error to queued", from: FilterStatusError, to: FilterStatusQueued, want: true},
		{name: "queued to queued", from: FilterStatusQueued, to: FilterStatusQueued, want: false},
		{name: "queued to processing", from: FilterStatusQueued, to: FilterStatusProcessing, want: true},
		{name: "editing to processing", from: FilterStatusEditing, to: FilterStatusProcessing, want: false},
		{name: "processing to active", from: FilterStatusProcessing, to: FilterStatusActive, want: true},
		{name: "processing to error", from: FilterStatusProcessing, to: FilterStatusError, want: true},
		{name: "queued to active", from: FilterStatusQueued, to: FilterStatusActive, want: false},
		{name: "active to editing", from: FilterStatusActive, to: FilterStatusEditing, want: true},
		{name: "processing to editing", from: FilterStatusProcessing, to: FilterStatusEditing, want: false},
		{name: "queued to editing", from: FilterStatusQueued, to: FilterStatusEditing, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTransitionSources_ReturnsCopy(t *testing.T) {
	t.Parallel()

	src := TransitionSources(FilterStatusQueued)
	src[0] = FilterStatusProcessing

	if !CanTransition(FilterStatusEditing, FilterStatusQueued) {
		t.Error("Mutating the returned slice must not change the transition table")
	}
}

func TestParseFilterStatus(t *testing.T) {
	t.Parallel()

	for _, s := range AllFilterStatuses {
		got, err := ParseFilterStatus(string(s))
		if err != nil {
			t.Errorf("ParseFilterStatus(%q) returned error: %v", s, err)
		}
		if got != s {
			t.Errorf("ParseFilterStatus(%q) = %q", s, got)
		}
	}

	if _, err := ParseFilterStatus("active"); err == nil {
		t.Error("Expected lowercase status to be rejected")
	}
}

func TestFilterStatus_InFlight(t *testing.T) {
	t.Parallel()

	inFlight := map[FilterStatus]bool{
		FilterStatusQueued:     true,
		FilterStatusProcessing: true,
	}
	for _, s := range AllFilterStatuses {
		if s.InFlight() != inFlight[s] {
			t.Errorf("%s.InFlight() = %v", s, s.InFlight())
		}
	}
}

func TestTagFilter_NeedsFullRun(t *testing.T) {
	t.Parallel()

	lastRun := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter TagFilter
		want   bool
	}{
		{
			name:   "never run",
			filter: TagFilter{UpdatedAt: lastRun},
			want:   true,
		},
		{
			name:   "edited after last run",
			filter: TagFilter{UpdatedAt: lastRun.Add(time.Minute), LastRunAt: &lastRun},
			want:   true,
		},
		{
			name:   "unchanged since last run",
			filter: TagFilter{UpdatedAt: lastRun.Add(-time.Hour), LastRunAt: &lastRun},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.filter.NeedsFullRun(); got != tt.want {
				t.Errorf("NeedsFullRun() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaggingError_Is(t *testing.T) {
	t.Parallel()

	cause := errors.New("deadlock detected")
	err := NewTaggingError(ErrStorage, "apply", 7, cause)

	if !IsStorage(err) {
		t.Error("Expected error to match ErrStorage")
	}
	if !errors.Is(err, cause) {
		t.Error("Expected error to wrap its cause")
	}
	if IsConflict(err) {
		t.Error("Did not expect error to match ErrConflict")
	}
	if err.Error() != "apply filter 7: deadlock detected" {
		t.Errorf("Unexpected message: %s", err.Error())
	}

	if !IsNotFound(NotFound("run", 3)) {
		t.Error("Expected NotFound helper to produce ErrNotFound")
	}
	if !IsConflict(ErrSweepInFlight) {
		t.Error("Expected ErrSweepInFlight to be a conflict")
	}
}
