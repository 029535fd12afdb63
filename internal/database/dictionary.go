package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/benvon/idea-tagger/internal/models"
	"github.com/benvon/idea-tagger/internal/search"
)

// tsvectorConfigPattern pulls the configuration out of a generation expression
// as pg_get_expr renders it, e.g. to_tsvector('english'::regconfig, ...)
var tsvectorConfigPattern = regexp.MustCompile(`to_tsvector\('([^']+)'::regconfig`)

// DictionaryResolution is the outcome of checking the configured search
// language against the server and the response.idea_tsv column
type DictionaryResolution struct {
	// Wanted is the configuration the search language maps to
	Wanted string
	// Dictionary is the configuration queries must use
	Dictionary string
	// Column is the configuration idea_tsv is generated with, empty when it
	// could not be read
	Column string
	// FellBack is set when Wanted is not installed on the server
	FellBack bool
}

// ResolveSearchDictionary maps language to a text search configuration the
// server has installed, falling back to simple, and verifies response.idea_tsv
// is generated with the same configuration. A mismatch is an ErrInvalidState:
// queries compiled with another configuration silently miss stemmed words.
func (db *DB) ResolveSearchDictionary(ctx context.Context, language string) (*DictionaryResolution, error) {
	wanted := search.DictionaryFor(language)

	var available bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_ts_config WHERE cfgname = $1)
	`, wanted).Scan(&available)
	if err != nil {
		return nil, models.NewTaggingError(models.ErrStorage, "resolve_dictionary", 0,
			fmt.Errorf("failed to look up text search configuration: %w", err))
	}

	var expr sql.NullString
	err = db.QueryRowContext(ctx, `
		SELECT pg_get_expr(d.adbin, d.adrelid)
		FROM pg_catalog.pg_attrdef d
		JOIN pg_catalog.pg_attribute a ON a.attrelid = d.adrelid AND a.attnum = d.adnum
		WHERE d.adrelid = to_regclass('response') AND a.attname = 'idea_tsv'
	`).Scan(&expr)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewTaggingError(models.ErrStorage, "resolve_dictionary", 0,
			fmt.Errorf("failed to read idea_tsv definition: %w", err))
	}

	column, _ := parseTSVectorConfig(expr.String)
	return resolveDictionary(wanted, available, column)
}

// parseTSVectorConfig returns the configuration named in a to_tsvector
// generation expression
func parseTSVectorConfig(expr string) (string, bool) {
	m := tsvectorConfigPattern.FindStringSubmatch(expr)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func resolveDictionary(wanted string, available bool, column string) (*DictionaryResolution, error) {
	res := &DictionaryResolution{Wanted: wanted, Dictionary: wanted, Column: column}
	if !available {
		res.Dictionary = search.SimpleDictionary
		res.FellBack = true
	}
	if column != "" && column != res.Dictionary {
		return res, models.NewTaggingError(models.ErrInvalidState, "resolve_dictionary", 0,
			fmt.Errorf("response.idea_tsv is generated with %q but the search language resolves to %q", column, res.Dictionary))
	}
	return res, nil
}
