package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/benvon/idea-tagger/internal/models"
	"github.com/benvon/idea-tagger/internal/search"
)

// DefaultPageSize is used when a preview request does not set a page size
const DefaultPageSize = 50

// MaxPage bounds PageRequest.Page so the row offset stays representable
const MaxPage = 100000

const (
	defaultSortField = "created_at"
	headlineOptions  = "StartSel=<b>, StopSel=</b>, MaxFragments=2, MaxWords=20, MinWords=5"
)

// sortColumns whitelists the fields a preview may be ordered by
var sortColumns = map[string]string{
	"created_at":    "r.created_at",
	"uploaded_at":   "r.uploaded_at",
	"id":            "r.id",
	"service_point": "sp.name",
	"settlement":    "s.name",
	"country":       "c.name",
}

// ValidSortField reports whether field can be used in PageRequest.SortBy
func ValidSortField(field string) bool {
	_, ok := sortColumns[field]
	return ok
}

// ScopeFilters narrows a preview by creation date and location hierarchy
type ScopeFilters struct {
	CreatedFrom         *time.Time
	CreatedTo           *time.Time
	CountryIDs          []int64
	SettlementIDs       []int64
	ServicePointIDs     []int64
	ServicePointTypeIDs []int64
}

// PageRequest selects one page of results. Page is 1-based.
type PageRequest struct {
	Page     int
	PageSize int
	SortBy   string
	SortDesc bool
}

// Normalize fills defaults and clamps the page size
func (p PageRequest) Normalize(defaultSize, maxSize int) PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.PageSize < 1 {
		p.PageSize = defaultSize
	}
	if maxSize > 0 && p.PageSize > maxSize {
		p.PageSize = maxSize
	}
	if !ValidSortField(p.SortBy) {
		p.SortBy = defaultSortField
		p.SortDesc = true
	}
	return p
}

// offset assumes a normalized request
func (p PageRequest) offset() uint64 {
	if p.Page < 1 || p.PageSize < 1 {
		return 0
	}
	return uint64(p.Page-1) * uint64(p.PageSize)
}

// SearchPage is one page of preview results
type SearchPage struct {
	Rows     []models.SearchRow `json:"rows"`
	Total    int                `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Query    search.Query       `json:"query"`
}

// ResponseSearchRepository runs read-only previews of compiled queries
type ResponseSearchRepository struct {
	db *DB
}

// NewResponseSearchRepository creates a new response search repository
func NewResponseSearchRepository(db *DB) *ResponseSearchRepository {
	return &ResponseSearchRepository{db: db}
}

// Preview returns the page of responses matching q within scope. Ordering is
// deterministic: the chosen sort field is always followed by the response id.
func (r *ResponseSearchRepository) Preview(ctx context.Context, q search.Query, scope ScopeFilters, page PageRequest) (*SearchPage, error) {
	page = page.Normalize(DefaultPageSize, 0)
	result := &SearchPage{
		Rows:     []models.SearchRow{},
		Page:     page.Page,
		PageSize: page.PageSize,
		Query:    q,
	}

	ok, err := checkTextQuery(ctx, r.db, q)
	if err != nil {
		return nil, err
	}
	if !ok || q.Unconstrained() {
		return result, nil
	}

	countSQL, countArgs, err := buildPreviewCount(q, scope)
	if err != nil {
		return nil, err
	}
	if err := r.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&result.Total); err != nil {
		return nil, fmt.Errorf("failed to count search results: %w", err)
	}
	if result.Total == 0 {
		return result, nil
	}

	query, args, err := buildPreviewQuery(q, scope, page)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query search results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row models.SearchRow
		var typeID sql.NullInt64
		var snippet sql.NullString
		dest := []any{
			&row.ID,
			&row.Idea,
			&row.ServicePointID,
			&row.CreatedAt,
			&row.UploadedAt,
			&row.ServicePointName,
			&typeID,
			&row.SettlementID,
			&row.SettlementName,
			&row.CountryID,
			&row.CountryName,
			pq.Array(&row.Tags),
		}
		if q.HasText() {
			dest = append(dest, &snippet)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		if typeID.Valid {
			v := typeID.Int64
			row.ServicePointTypeID = &v
		}
		row.Snippet = snippet.String
		if row.Tags == nil {
			row.Tags = []string{}
		}
		result.Rows = append(result.Rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search results: %w", err)
	}

	return result, nil
}

func previewBase(b sq.SelectBuilder, q search.Query, scope ScopeFilters) sq.SelectBuilder {
	b = b.From("response r").
		Join("service_point sp ON sp.id = r.service_point_id").
		Join("settlement s ON s.id = sp.settlement_id").
		Join("country c ON c.id = s.country_id").
		Where(MatchPredicate(q))

	if scope.CreatedFrom != nil {
		b = b.Where(sq.GtOrEq{"r.created_at": *scope.CreatedFrom})
	}
	if scope.CreatedTo != nil {
		b = b.Where(sq.LtOrEq{"r.created_at": *scope.CreatedTo})
	}
	if len(scope.CountryIDs) > 0 {
		b = b.Where("c.id = ANY(?)", pq.Array(scope.CountryIDs))
	}
	if len(scope.SettlementIDs) > 0 {
		b = b.Where("s.id = ANY(?)", pq.Array(scope.SettlementIDs))
	}
	if len(scope.ServicePointIDs) > 0 {
		b = b.Where("sp.id = ANY(?)", pq.Array(scope.ServicePointIDs))
	}
	if len(scope.ServicePointTypeIDs) > 0 {
		b = b.Where("sp.service_point_type_id = ANY(?)", pq.Array(scope.ServicePointTypeIDs))
	}
	return b
}

func buildPreviewCount(q search.Query, scope ScopeFilters) (string, []any, error) {
	query, args, err := previewBase(psql.Select("COUNT(*)"), q, scope).ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build count query: %w", err)
	}
	return query, args, nil
}

func buildPreviewQuery(q search.Query, scope ScopeFilters, page PageRequest) (string, []any, error) {
	b := psql.Select(
		"r.id",
		"r.idea",
		"r.service_point_id",
		"r.created_at",
		"r.uploaded_at",
		"sp.name",
		"sp.service_point_type_id",
		"s.id",
		"s.name",
		"c.id",
		"c.name",
		"COALESCE(ARRAY(SELECT t.name FROM tag t WHERE t.response_id = r.id ORDER BY lower(t.name)), '{}')",
	)
	if q.HasText() {
		b = b.Column(sq.Expr(
			"ts_headline(?::regconfig, r.idea, to_tsquery(?::regconfig, ?), '"+headlineOptions+"')",
			q.Language, q.Language, *q.TextQuery,
		))
	}

	direction := "ASC"
	if page.SortDesc {
		direction = "DESC"
	}
	column, ok := sortColumns[page.SortBy]
	if !ok {
		column = sortColumns[defaultSortField]
	}
	orderBy := []string{column + " " + direction}
	if column != "r.id" {
		orderBy = append(orderBy, "r.id "+direction)
	}

	query, args, err := previewBase(b, q, scope).
		OrderBy(orderBy...).
		Limit(uint64(page.PageSize)).
		Offset(page.offset()).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build search query: %w", err)
	}
	return query, args, nil
}
