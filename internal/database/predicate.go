package database

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/benvon/idea-tagger/internal/search"
)

// matchNothing is used for queries with no usable clause
var matchNothing = sq.Expr("FALSE")

// MatchPredicate turns a compiled query into a WHERE clause over the response
// table aliased as r. Preview and bulk tagging both call it so their matches
// cannot drift apart. An unconstrained query matches nothing.
func MatchPredicate(q search.Query) sq.Sqlizer {
	clauses := sq.And{}

	if q.HasTagClause() {
		tagClause := sq.Or{}
		if q.RequireNoTags {
			tagClause = append(tagClause, sq.Expr("NOT EXISTS (SELECT 1 FROM tag nt WHERE nt.response_id = r.id)"))
		}
		if len(q.TagNames) > 0 {
			tagClause = append(tagClause, sq.Expr(
				"EXISTS (SELECT 1 FROM tag mt WHERE mt.response_id = r.id AND lower(mt.name) = ANY(?))",
				pq.Array(q.TagNames),
			))
		}
		clauses = append(clauses, tagClause)
	}

	if q.HasText() {
		clauses = append(clauses, sq.Expr("r.idea_tsv @@ to_tsquery(?::regconfig, ?)", q.Language, *q.TextQuery))
	}

	if len(clauses) == 0 {
		return matchNothing
	}
	return clauses
}

// checkTextQuery reports whether Postgres accepts the query's text expression.
// Raw textsearch: input is operator supplied and may not parse; such queries
// are treated as matching nothing instead of failing the caller.
func checkTextQuery(ctx context.Context, db querier, q search.Query) (bool, error) {
	if !q.HasText() {
		return true, nil
	}
	var ok bool
	err := db.QueryRowContext(ctx, "SELECT to_tsquery($1::regconfig, $2) IS NOT NULL", q.Language, *q.TextQuery).Scan(&ok)
	if err != nil {
		if pqCode(err) == pgSyntaxError {
			return false, nil
		}
		return false, fmt.Errorf("failed to check text query: %w", err)
	}
	return ok, nil
}
