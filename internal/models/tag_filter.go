package models

import (
	"fmt"
	"time"
)

// FilterStatus represents where a tag filter is in its bulk-tagging lifecycle
type FilterStatus string

const (
	FilterStatusEditing    FilterStatus = "EDITING"
	FilterStatusQueued     FilterStatus = "QUEUED"
	FilterStatusProcessing FilterStatus = "PROCESSING"
	FilterStatusActive     FilterStatus = "ACTIVE"
	FilterStatusError      FilterStatus = "ERROR"
)

// AllFilterStatuses lists every valid status in lifecycle order
var AllFilterStatuses = []FilterStatus{
	FilterStatusEditing,
	FilterStatusQueued,
	FilterStatusProcessing,
	FilterStatusActive,
	FilterStatusError,
}

// filterTransitions maps a target status to the statuses it may be entered from.
// EDITING is reachable from every resting state (edit or undo) but never from an
// in-flight run.
var filterTransitions = map[FilterStatus][]FilterStatus{
	FilterStatusQueued:     {FilterStatusEditing, FilterStatusActive, FilterStatusError},
	FilterStatusProcessing: {FilterStatusQueued},
	FilterStatusActive:     {FilterStatusProcessing},
	FilterStatusError:      {FilterStatusProcessing},
	FilterStatusEditing:    {FilterStatusEditing, FilterStatusActive, FilterStatusError},
}

// SweepableStatuses are promoted to QUEUED by the daily sweep
var SweepableStatuses = []FilterStatus{FilterStatusActive, FilterStatusEditing, FilterStatusError}

// Valid reports whether s is one of the known statuses
func (s FilterStatus) Valid() bool {
	switch s {
	case FilterStatusEditing, FilterStatusQueued, FilterStatusProcessing, FilterStatusActive, FilterStatusError:
		return true
	default:
		return false
	}
}

// InFlight reports whether a run owns the filter
func (s FilterStatus) InFlight() bool {
	return s == FilterStatusQueued || s == FilterStatusProcessing
}

// ParseFilterStatus converts a string into a FilterStatus
func ParseFilterStatus(value string) (FilterStatus, error) {
	s := FilterStatus(value)
	if !s.Valid() {
		return "", fmt.Errorf("invalid filter status: %s", value)
	}
	return s, nil
}

// TransitionSources returns the statuses from which to may be entered
func TransitionSources(to FilterStatus) []FilterStatus {
	src := filterTransitions[to]
	out := make([]FilterStatus, len(src))
	copy(out, src)
	return out
}

// CanTransition reports whether moving from -> to is allowed
func CanTransition(from, to FilterStatus) bool {
	for _, s := range filterTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// TagFilter is a saved search that bulk-applies TagText to every matching response
type TagFilter struct {
	ID            int64        `json:"id"`
	TagText       string       `json:"tag_text"`
	SearchText    string       `json:"search_text"`
	Status        FilterStatus `json:"status"`
	StartDate     *time.Time   `json:"start_date,omitempty"`
	EndDate       *time.Time   `json:"end_date,omitempty"`
	SettlementIDs []int64      `json:"settlement_ids"`
	LastRunAt     *time.Time   `json:"last_run_at,omitempty"`
	LastError     *string      `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Unscoped reports whether the filter applies to every settlement
func (f *TagFilter) Unscoped() bool {
	return len(f.SettlementIDs) == 0
}

// NeedsFullRun reports whether the next run must reconsider every response
// rather than only those uploaded since the last run
func (f *TagFilter) NeedsFullRun() bool {
	return f.LastRunAt == nil || f.UpdatedAt.After(*f.LastRunAt)
}
