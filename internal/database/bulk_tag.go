package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/benvon/idea-tagger/internal/models"
	"github.com/benvon/idea-tagger/internal/search"
)

// ApplyRequest describes one bulk-tag run of a filter
type ApplyRequest struct {
	FilterID   int64
	Query      search.Query
	ActionUUID uuid.UUID
}

// IncrementalOverlap widens the incremental guard below last_run_at so rows
// committed late by a transaction that started before the previous run are
// still considered. Already attributed rows are skipped, so the overlap never
// double-tags.
const IncrementalOverlap = 10 * time.Minute

// ApplyResult reports what a run wrote
type ApplyResult struct {
	ActionUUID    uuid.UUID `json:"action_uuid"`
	Candidates    int       `json:"candidates"`
	TagsCreated   int       `json:"tags_created"`
	AppliedCount  int       `json:"applied_count"`
	QueryRejected bool      `json:"query_rejected"`
	FullRun       bool      `json:"full_run"`
	// RunAt is the database transaction time recorded as last_run_at
	RunAt time.Time `json:"run_at"`
}

// UndoResult reports what an undo removed
type UndoResult struct {
	ProvenanceDeleted int `json:"provenance_deleted"`
	TagsDeleted       int `json:"tags_deleted"`
}

// BulkTagRepository applies and reverses filter runs
type BulkTagRepository struct {
	db *DB
}

// NewBulkTagRepository creates a new bulk tag repository
func NewBulkTagRepository(db *DB) *BulkTagRepository {
	return &BulkTagRepository{db: db}
}

// lockedFilter is the filter state read under FOR UPDATE at the start of a run
type lockedFilter struct {
	TagText       string
	Status        models.FilterStatus
	StartDate     *time.Time
	EndDate       *time.Time
	SettlementIDs []int64
	LastRunAt     *time.Time
	UpdatedAt     time.Time
}

func (f lockedFilter) fullRun() bool {
	return f.LastRunAt == nil || f.UpdatedAt.After(*f.LastRunAt)
}

// Apply tags every unprocessed match of the filter in one transaction and marks
// the filter ACTIVE. The filter must be PROCESSING. Re-running is idempotent:
// responses already attributed to the filter's actor for its tag are skipped.
func (r *BulkTagRepository) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	result := &ApplyResult{ActionUUID: req.ActionUUID}

	q := req.Query
	ok, err := checkTextQuery(ctx, r.db, q)
	if err != nil {
		return nil, models.NewTaggingError(models.ErrStorage, "apply", req.FilterID, err)
	}
	if !ok {
		result.QueryRejected = true
		q = search.Query{Language: q.Language}
	}

	return withTx(ctx, r.db.DB, func(tx *sql.Tx) (*ApplyResult, error) {
		if err := tx.QueryRowContext(ctx, `SELECT now()`).Scan(&result.RunAt); err != nil {
			return nil, models.NewTaggingError(models.ErrStorage, "apply", req.FilterID,
				fmt.Errorf("failed to read transaction time: %w", err))
		}

		filter, err := lockFilter(ctx, tx, req.FilterID)
		if err != nil {
			return nil, err
		}
		if filter.Status != models.FilterStatusProcessing {
			return nil, models.NewTaggingError(models.ErrConflict, "apply", req.FilterID,
				fmt.Errorf("filter is %s, expected %s", filter.Status, models.FilterStatusProcessing))
		}
		result.FullRun = filter.fullRun()

		actorID, err := ensureFilterActor(ctx, tx, req.FilterID)
		if err != nil {
			return nil, models.NewTaggingError(models.ErrStorage, "apply", req.FilterID, err)
		}

		var candidates []int64
		if !q.Unconstrained() {
			candidates, err = selectCandidates(ctx, tx, q, filter, actorID)
			if err != nil {
				return nil, models.NewTaggingError(models.ErrStorage, "apply", req.FilterID, err)
			}
		}
		result.Candidates = len(candidates)

		if len(candidates) > 0 {
			created, applied, err := attribute(ctx, tx, candidates, filter.TagText, actorID, req.ActionUUID, result.RunAt)
			if err != nil {
				return nil, models.NewTaggingError(models.ErrStorage, "apply", req.FilterID, err)
			}
			result.TagsCreated = created
			result.AppliedCount = applied
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tag_filter SET status = $2, last_run_at = $3, last_error = NULL WHERE id = $1
		`, req.FilterID, models.FilterStatusActive, result.RunAt)
		if err != nil {
			return nil, models.NewTaggingError(models.ErrStorage, "apply", req.FilterID,
				fmt.Errorf("failed to activate filter: %w", err))
		}

		return result, nil
	})
}

func lockFilter(ctx context.Context, tx *sql.Tx, id int64) (*lockedFilter, error) {
	f := &lockedFilter{}
	var startDate, endDate, lastRunAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT f.tag_text, f.status, f.start_date, f.end_date,
			COALESCE(ARRAY(SELECT fs.settlement_id FROM tag_filter_settlement fs WHERE fs.tag_filter_id = f.id), '{}'),
			f.last_run_at, f.updated_at
		FROM tag_filter f
		WHERE f.id = $1
		FOR UPDATE
	`, id).Scan(&f.TagText, &f.Status, &startDate, &endDate, pq.Array(&f.SettlementIDs), &lastRunAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("apply", id)
	}
	if err != nil {
		return nil, models.NewTaggingError(models.ErrStorage, "apply", id, fmt.Errorf("failed to lock filter: %w", err))
	}
	f.StartDate = timePtr(startDate)
	f.EndDate = timePtr(endDate)
	f.LastRunAt = timePtr(lastRunAt)
	return f, nil
}

func ensureFilterActor(ctx context.Context, tx *sql.Tx, filterID int64) (int64, error) {
	var actorID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO tag_actor (actor_entity_type, actor_entity_id)
		VALUES ($1, $2)
		ON CONFLICT (actor_entity_type, actor_entity_id) DO UPDATE SET actor_entity_id = EXCLUDED.actor_entity_id
		RETURNING id
	`, models.ActorTypeFilter, filterID).Scan(&actorID)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure tag actor: %w", err)
	}
	return actorID, nil
}

// buildCandidateQuery selects responses that match the filter and are not yet
// attributed to its actor under its tag name
func buildCandidateQuery(q search.Query, f *lockedFilter, actorID int64) (string, []any, error) {
	b := psql.Select("r.id").
		From("response r").
		Join("service_point sp ON sp.id = r.service_point_id").
		Where(MatchPredicate(q))

	if len(f.SettlementIDs) > 0 {
		b = b.Where("sp.settlement_id = ANY(?)", pq.Array(f.SettlementIDs))
	}
	if f.StartDate != nil {
		b = b.Where(sq.GtOrEq{"r.created_at": *f.StartDate})
	}
	if f.EndDate != nil {
		b = b.Where(sq.LtOrEq{"r.created_at": *f.EndDate})
	}
	if !f.fullRun() {
		b = b.Where(sq.Gt{"r.uploaded_at": f.LastRunAt.Add(-IncrementalOverlap)})
	}

	b = b.Where(`NOT EXISTS (
		SELECT 1 FROM tag own
		JOIN tag_provenance op ON op.tag_id = own.id
		WHERE own.response_id = r.id AND lower(own.name) = lower(?) AND op.tag_actor_id = ?
	)`, strings.TrimSpace(f.TagText), actorID).
		OrderBy("r.id")

	return b.ToSql()
}

func selectCandidates(ctx context.Context, tx *sql.Tx, q search.Query, f *lockedFilter, actorID int64) ([]int64, error) {
	query, args, err := buildCandidateQuery(q, f, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to build candidate query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}
	return ids, nil
}

// attribute reuses or creates the tag on every candidate and records one
// provenance row per tag for the actor. It returns the number of tag rows
// created and provenance rows inserted.
func attribute(ctx context.Context, tx *sql.Tx, responseIDs []int64, tagText string, actorID int64, action uuid.UUID, at time.Time) (int, int, error) {
	name := strings.TrimSpace(tagText)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tag (response_id, name, created_at)
		SELECT unnest($1::bigint[]), $2, $3
		ON CONFLICT (response_id, (lower(name))) DO NOTHING
	`, pq.Array(responseIDs), name, at)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to insert tags: %w", err)
	}
	created, err := rowsAffected(res)
	if err != nil {
		return 0, 0, err
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO tag_provenance (tag_id, tag_actor_id, action_uuid, created)
		SELECT t.id, $3, $4, $5
		FROM tag t
		WHERE t.response_id = ANY($1) AND lower(t.name) = lower($2)
		ON CONFLICT (tag_id, tag_actor_id) DO NOTHING
	`, pq.Array(responseIDs), name, actorID, action, at)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to insert provenance: %w", err)
	}
	applied, err := rowsAffected(res)
	if err != nil {
		return 0, 0, err
	}

	return created, applied, nil
}

// Undo removes every provenance row owned by the filter's actor, the tags left
// without provenance, and the actor itself, then returns the filter to EDITING.
// Tags still attributed to another actor survive.
func (r *BulkTagRepository) Undo(ctx context.Context, filterID int64) (*UndoResult, error) {
	return withTx(ctx, r.db.DB, func(tx *sql.Tx) (*UndoResult, error) {
		var status models.FilterStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM tag_filter WHERE id = $1 FOR UPDATE`, filterID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFound("undo", filterID)
		}
		if err != nil {
			return nil, models.NewTaggingError(models.ErrStorage, "undo", filterID, err)
		}
		if !models.CanTransition(status, models.FilterStatusEditing) {
			return nil, models.NewTaggingError(models.ErrConflict, "undo", filterID,
				fmt.Errorf("filter is %s", status))
		}

		var actorID int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM tag_actor WHERE actor_entity_type = $1 AND actor_entity_id = $2 FOR UPDATE
		`, models.ActorTypeFilter, filterID).Scan(&actorID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewTaggingError(models.ErrInvalidState, "undo", filterID,
				errors.New("filter has never been applied"))
		}
		if err != nil {
			return nil, models.NewTaggingError(models.ErrStorage, "undo", filterID, err)
		}

		tagIDs, err := deleteActorProvenance(ctx, tx, actorID)
		if err != nil {
			return nil, models.NewTaggingError(models.ErrStorage, "undo", filterID, err)
		}
		result := &UndoResult{ProvenanceDeleted: len(tagIDs)}

		if len(tagIDs) > 0 {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM tag t
				WHERE t.id = ANY($1)
				  AND NOT EXISTS (SELECT 1 FROM tag_provenance p WHERE p.tag_id = t.id)
			`, pq.Array(tagIDs))
			if err != nil {
				return nil, models.NewTaggingError(models.ErrStorage, "undo", filterID,
					fmt.Errorf("failed to delete orphaned tags: %w", err))
			}
			if result.TagsDeleted, err = rowsAffected(res); err != nil {
				return nil, models.NewTaggingError(models.ErrStorage, "undo", filterID, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tag_actor WHERE id = $1`, actorID); err != nil {
			return nil, models.NewTaggingError(models.ErrStorage, "undo", filterID,
				fmt.Errorf("failed to delete tag actor: %w", err))
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tag_filter SET status = $2, last_run_at = NULL, last_error = NULL WHERE id = $1
		`, filterID, models.FilterStatusEditing)
		if err != nil {
			return nil, models.NewTaggingError(models.ErrStorage, "undo", filterID,
				fmt.Errorf("failed to reset filter: %w", err))
		}

		return result, nil
	})
}

func deleteActorProvenance(ctx context.Context, tx *sql.Tx, actorID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `DELETE FROM tag_provenance WHERE tag_actor_id = $1 RETURNING tag_id`, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete provenance: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan deleted provenance: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deleted provenance: %w", err)
	}
	return ids, nil
}

// Audit lists the runs attributed to the filter's actor, newest first
func (r *BulkTagRepository) Audit(ctx context.Context, filterID int64) ([]models.ProvenanceSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.action_uuid, COUNT(*), MIN(p.created)
		FROM tag_provenance p
		JOIN tag_actor a ON a.id = p.tag_actor_id
		WHERE a.actor_entity_type = $1 AND a.actor_entity_id = $2
		GROUP BY p.action_uuid
		ORDER BY MIN(p.created) DESC, p.action_uuid
	`, models.ActorTypeFilter, filterID)
	if err != nil {
		return nil, models.NewTaggingError(models.ErrStorage, "audit", filterID, err)
	}
	defer rows.Close()

	summaries := []models.ProvenanceSummary{}
	for rows.Next() {
		var s models.ProvenanceSummary
		if err := rows.Scan(&s.ActionUUID, &s.TagCount, &s.Created); err != nil {
			return nil, models.NewTaggingError(models.ErrStorage, "audit", filterID, err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewTaggingError(models.ErrStorage, "audit", filterID, err)
	}
	return summaries, nil
}
