package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/benvon/idea-tagger/internal/models"
)

const tagFilterColumns = `
	f.id, f.tag_text, f.search_text, f.status, f.start_date, f.end_date,
	COALESCE(ARRAY(SELECT fs.settlement_id FROM tag_filter_settlement fs WHERE fs.tag_filter_id = f.id ORDER BY fs.settlement_id), '{}'),
	f.last_run_at, f.last_error, f.created_at, f.updated_at`

// TagFilterRepository handles tag filter database operations
type TagFilterRepository struct {
	db *DB
}

// NewTagFilterRepository creates a new tag filter repository
func NewTagFilterRepository(db *DB) *TagFilterRepository {
	return &TagFilterRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTagFilter(row rowScanner) (*models.TagFilter, error) {
	f := &models.TagFilter{}
	var startDate, endDate, lastRunAt sql.NullTime
	var lastError sql.NullString

	err := row.Scan(
		&f.ID,
		&f.TagText,
		&f.SearchText,
		&f.Status,
		&startDate,
		&endDate,
		pq.Array(&f.SettlementIDs),
		&lastRunAt,
		&lastError,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	f.StartDate = timePtr(startDate)
	f.EndDate = timePtr(endDate)
	f.LastRunAt = timePtr(lastRunAt)
	if lastError.Valid {
		f.LastError = &lastError.String
	}
	if f.SettlementIDs == nil {
		f.SettlementIDs = []int64{}
	}
	return f, nil
}

// Create inserts a new filter in EDITING status together with its settlement scope
func (r *TagFilterRepository) Create(ctx context.Context, filter *models.TagFilter) error {
	_, err := withTx(ctx, r.db.DB, func(tx *sql.Tx) (struct{}, error) {
		filter.Status = models.FilterStatusEditing
		filter.LastRunAt = nil
		filter.LastError = nil

		err := tx.QueryRowContext(ctx, `
			INSERT INTO tag_filter (tag_text, search_text, status, start_date, end_date, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
			RETURNING id, created_at, updated_at
		`,
			strings.TrimSpace(filter.TagText),
			filter.SearchText,
			filter.Status,
			nullTime(filter.StartDate),
			nullTime(filter.EndDate),
		).Scan(&filter.ID, &filter.CreatedAt, &filter.UpdatedAt)
		if err != nil {
			return struct{}{}, mapFilterWriteError("create", 0, err)
		}

		if err := replaceScope(ctx, tx, filter.ID, filter.SettlementIDs); err != nil {
			return struct{}{}, mapFilterWriteError("create", filter.ID, err)
		}
		return struct{}{}, nil
	})
	return err
}

// GetByID retrieves a filter with its settlement scope
func (r *TagFilterRepository) GetByID(ctx context.Context, id int64) (*models.TagFilter, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tagFilterColumns+` FROM tag_filter f WHERE f.id = $1`, id)
	filter, err := scanTagFilter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("get", id)
	}
	if err != nil {
		return nil, models.NewTaggingError(models.ErrStorage, "get", id, fmt.Errorf("failed to get tag filter: %w", err))
	}
	return filter, nil
}

// List returns every filter, optionally restricted to one status, ordered by id
func (r *TagFilterRepository) List(ctx context.Context, status *models.FilterStatus) ([]*models.TagFilter, error) {
	query := `SELECT ` + tagFilterColumns + ` FROM tag_filter f`
	var args []any
	if status != nil {
		query += ` WHERE f.status = $1`
		args = append(args, string(*status))
	}
	query += ` ORDER BY f.id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tag filters: %w", err)
	}
	defer rows.Close()

	filters := []*models.TagFilter{}
	for rows.Next() {
		filter, err := scanTagFilter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tag filter: %w", err)
		}
		filters = append(filters, filter)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tag filters: %w", err)
	}

	return filters, nil
}

// Update replaces the filter definition and scope and returns it to EDITING.
// Edits are refused while a run owns the filter. Tags already applied under the
// previous tag_text are left as they are.
func (r *TagFilterRepository) Update(ctx context.Context, filter *models.TagFilter) error {
	_, err := withTx(ctx, r.db.DB, func(tx *sql.Tx) (struct{}, error) {
		var lastRunAt sql.NullTime
		var lastError sql.NullString
		err := tx.QueryRowContext(ctx, `
			UPDATE tag_filter
			SET tag_text = $2, search_text = $3, start_date = $4, end_date = $5, status = $6, updated_at = now()
			WHERE id = $1 AND status = ANY($7)
			RETURNING status, last_run_at, last_error, created_at, updated_at
		`,
			filter.ID,
			strings.TrimSpace(filter.TagText),
			filter.SearchText,
			nullTime(filter.StartDate),
			nullTime(filter.EndDate),
			models.FilterStatusEditing,
			statusArray(models.TransitionSources(models.FilterStatusEditing)),
		).Scan(&filter.Status, &lastRunAt, &lastError, &filter.CreatedAt, &filter.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return struct{}{}, r.explainRefusal(ctx, tx, "update", filter.ID, models.FilterStatusEditing)
		}
		if err != nil {
			return struct{}{}, mapFilterWriteError("update", filter.ID, err)
		}
		filter.LastRunAt = timePtr(lastRunAt)
		filter.LastError = nil
		if lastError.Valid {
			filter.LastError = &lastError.String
		}

		if err := replaceScope(ctx, tx, filter.ID, filter.SettlementIDs); err != nil {
			return struct{}{}, mapFilterWriteError("update", filter.ID, err)
		}
		return struct{}{}, nil
	})
	return err
}

// Delete removes a filter. A filter whose tags are still attributed to it must
// be undone first.
func (r *TagFilterRepository) Delete(ctx context.Context, id int64) error {
	_, err := withTx(ctx, r.db.DB, func(tx *sql.Tx) (struct{}, error) {
		var status models.FilterStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM tag_filter WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return struct{}{}, models.NotFound("delete", id)
		}
		if err != nil {
			return struct{}{}, models.NewTaggingError(models.ErrStorage, "delete", id, err)
		}
		if status.InFlight() {
			return struct{}{}, models.NewTaggingError(models.ErrConflict, "delete", id,
				fmt.Errorf("filter is %s", status))
		}

		var applied bool
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM tag_actor WHERE actor_entity_type = $1 AND actor_entity_id = $2)
		`, models.ActorTypeFilter, id).Scan(&applied)
		if err != nil {
			return struct{}{}, models.NewTaggingError(models.ErrStorage, "delete", id, err)
		}
		if applied {
			return struct{}{}, models.NewTaggingError(models.ErrInvalidState, "delete", id,
				errors.New("filter has applied tags; undo it before deleting"))
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tag_filter WHERE id = $1`, id); err != nil {
			return struct{}{}, models.NewTaggingError(models.ErrStorage, "delete", id, err)
		}
		return struct{}{}, nil
	})
	return err
}

// TransitionStatus moves a filter to status to, provided its current status is an
// allowed predecessor. The check and the write are one statement. Status changes
// never touch updated_at so they do not defeat the incremental guard.
func (r *TagFilterRepository) TransitionStatus(ctx context.Context, id int64, to models.FilterStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tag_filter SET status = $2 WHERE id = $1 AND status = ANY($3)
	`, id, to, statusArray(models.TransitionSources(to)))
	if err != nil {
		return models.NewTaggingError(models.ErrStorage, "transition", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return models.NewTaggingError(models.ErrStorage, "transition", id, err)
	}
	if n == 0 {
		return r.explainRefusal(ctx, r.db, "transition", id, to)
	}
	return nil
}

// MarkError moves a PROCESSING filter to ERROR and records the failure message
func (r *TagFilterRepository) MarkError(ctx context.Context, id int64, message string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tag_filter SET status = $2, last_error = $3 WHERE id = $1 AND status = ANY($4)
	`, id, models.FilterStatusError, message, statusArray(models.TransitionSources(models.FilterStatusError)))
	if err != nil {
		return models.NewTaggingError(models.ErrStorage, "mark error", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return models.NewTaggingError(models.ErrStorage, "mark error", id, err)
	}
	if n == 0 {
		return r.explainRefusal(ctx, r.db, "mark error", id, models.FilterStatusError)
	}
	return nil
}

// HasQueued reports whether any filter is waiting in QUEUED
func (r *TagFilterRepository) HasQueued(ctx context.Context) (bool, error) {
	var queued bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tag_filter WHERE status = $1)`,
		models.FilterStatusQueued).Scan(&queued)
	if err != nil {
		return false, models.NewTaggingError(models.ErrStorage, "sweep", 0, err)
	}
	return queued, nil
}

// PromoteForSweep moves every sweepable filter to QUEUED and returns their ids.
// The statement promotes nothing when a filter is already QUEUED, so two sweeps
// racing past HasQueued cannot both promote.
func (r *TagFilterRepository) PromoteForSweep(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE tag_filter SET status = $1
		WHERE status = ANY($2)
		  AND NOT EXISTS (SELECT 1 FROM tag_filter q WHERE q.status = $1)
		RETURNING id
	`, models.FilterStatusQueued, statusArray(models.SweepableStatuses))
	if err != nil {
		return nil, models.NewTaggingError(models.ErrStorage, "sweep", 0, err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, models.NewTaggingError(models.ErrStorage, "sweep", 0, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewTaggingError(models.ErrStorage, "sweep", 0, err)
	}
	return ids, nil
}

// explainRefusal reports why a guarded write touched no rows
func (r *TagFilterRepository) explainRefusal(ctx context.Context, q querier, op string, id int64, to models.FilterStatus) error {
	var current models.FilterStatus
	err := q.QueryRowContext(ctx, `SELECT status FROM tag_filter WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotFound(op, id)
	}
	if err != nil {
		return models.NewTaggingError(models.ErrStorage, op, id, err)
	}
	return models.NewTaggingError(models.ErrConflict, op, id,
		fmt.Errorf("cannot move filter from %s to %s", current, to))
}

func replaceScope(ctx context.Context, tx *sql.Tx, filterID int64, settlementIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM tag_filter_settlement WHERE tag_filter_id = $1`, filterID); err != nil {
		return fmt.Errorf("failed to clear filter scope: %w", err)
	}
	if len(settlementIDs) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tag_filter_settlement (tag_filter_id, settlement_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING
	`, filterID, pq.Array(settlementIDs))
	if err != nil {
		return fmt.Errorf("failed to write filter scope: %w", err)
	}
	return nil
}

func mapFilterWriteError(op string, id int64, err error) error {
	var te *models.TaggingError
	if errors.As(err, &te) {
		return err
	}
	switch {
	case isUniqueViolation(err):
		return models.NewTaggingError(models.ErrConflict, op, id,
			errors.New("a filter with the same tag and search text already exists"))
	case isConstraintViolation(err):
		return models.NewTaggingError(models.ErrValidation, op, id, err)
	default:
		return models.NewTaggingError(models.ErrStorage, op, id, err)
	}
}

func statusArray(statuses []models.FilterStatus) any {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}
