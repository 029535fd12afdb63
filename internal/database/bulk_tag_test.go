package database

import (
	"strings"
	"testing"
	"time"

	"github.com/benvon/idea-tagger/internal/search"
)

func TestLockedFilter_FullRun(t *testing.T) {
	t.Parallel()

	lastRun := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter lockedFilter
		want   bool
	}{
		{name: "never run", filter: lockedFilter{UpdatedAt: lastRun}, want: true},
		{name: "edited since run", filter: lockedFilter{UpdatedAt: lastRun.Add(time.Second), LastRunAt: &lastRun}, want: true},
		{name: "untouched since run", filter: lockedFilter{UpdatedAt: lastRun.Add(-time.Hour), LastRunAt: &lastRun}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.filter.fullRun(); got != tt.want {
				t.Errorf("fullRun() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildCandidateQuery(t *testing.T) {
	t.Parallel()

	lastRun := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		filter      lockedFilter
		contains    []string
		notContains []string
		guardArg    int
		guard       time.Time
	}{
		{
			name:   "first run everywhere",
			filter: lockedFilter{TagText: "water-related", UpdatedAt: lastRun},
			contains: []string{
				"SELECT r.id FROM response r",
				"r.idea_tsv @@ to_tsquery($1::regconfig, $2)",
				"op.tag_actor_id = $4",
				"ORDER BY r.id",
			},
			notContains: []string{"settlement_id", "uploaded_at", "created_at"},
		},
		{
			name: "incremental scoped run",
			filter: lockedFilter{
				TagText:       "water-related",
				SettlementIDs: []int64{7, 9},
				StartDate:     &start,
				LastRunAt:     &lastRun,
				UpdatedAt:     lastRun.Add(-time.Hour),
			},
			contains: []string{
				"sp.settlement_id = ANY($3)",
				"r.created_at >= $4",
				"r.uploaded_at > $5",
				"lower(own.name) = lower($6)",
			},
			notContains: []string{"r.created_at <="},
			guardArg:    5,
			guard:       lastRun.Add(-IncrementalOverlap),
		},
		{
			name: "edited filter reconsiders everything",
			filter: lockedFilter{
				TagText:   "water-related",
				LastRunAt: &lastRun,
				UpdatedAt: lastRun.Add(time.Hour),
			},
			notContains: []string{"uploaded_at"},
		},
	}

	q := search.Compile("aqua|water", "en")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			query, args, err := buildCandidateQuery(q, &tt.filter, 42)
			if err != nil {
				t.Fatalf("buildCandidateQuery() returned error: %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(query, want) {
					t.Errorf("Expected %q in %q", want, query)
				}
			}
			for _, unwanted := range tt.notContains {
				if strings.Contains(query, unwanted) {
					t.Errorf("Did not expect %q in %q", unwanted, query)
				}
			}
			if tt.guardArg > 0 {
				got, ok := args[tt.guardArg-1].(time.Time)
				if !ok || !got.Equal(tt.guard) {
					t.Errorf("uploaded_at guard = %v, want %v", args[tt.guardArg-1], tt.guard)
				}
				if !got.Before(*tt.filter.LastRunAt) {
					t.Errorf("Expected the guard to overlap the previous run, got %v", got)
				}
			}
			if args[len(args)-1] != int64(42) {
				t.Errorf("Expected actor id as last arg, got %v", args[len(args)-1])
			}
		})
	}
}
