// Package search compiles operator keyword strings into a tag-membership clause
// and a Postgres tsquery expression. The same compiler backs ad hoc previews and
// tag filter runs so a preview always shows what a run would tag.
package search

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// RawPrefix marks a keyword string whose remainder is a verbatim tsquery expression
const RawPrefix = "textsearch:"

const (
	andOperator      = " & "
	orOperator       = " | "
	followedOperator = " <-> "
	nullTag          = "null"
)

var hashTagPattern = regexp.MustCompile(`#([\p{L}\p{M}\p{N}_-]+)`)

// Query is a compiled keyword string.
//
// TagNames is nil when there is no tag clause. RequireNoTags is set by the #null
// sentinel. When both are present the tag clause is "carries no tags OR carries
// any of TagNames". TextQuery is nil when there are no usable text terms.
type Query struct {
	TagNames      []string `json:"tag_names"`
	RequireNoTags bool     `json:"require_no_tags"`
	TextQuery     *string  `json:"text_query"`
	Language      string   `json:"language"`
}

// HasTagClause reports whether the query restricts tag membership
func (q Query) HasTagClause() bool {
	return len(q.TagNames) > 0 || q.RequireNoTags
}

// HasText reports whether the query carries a full-text expression
func (q Query) HasText() bool {
	return q.TextQuery != nil
}

// Unconstrained reports whether the query carries neither clause
func (q Query) Unconstrained() bool {
	return !q.HasTagClause() && !q.HasText()
}

// String renders the query for logs and the CLI
func (q Query) String() string {
	var parts []string
	if q.HasTagClause() {
		tags := make([]string, 0, len(q.TagNames)+1)
		if q.RequireNoTags {
			tags = append(tags, "<no tags>")
		}
		tags = append(tags, q.TagNames...)
		parts = append(parts, "tags("+strings.Join(tags, " OR ")+")")
	}
	if q.HasText() {
		parts = append(parts, fmt.Sprintf("text[%s](%s)", q.Language, *q.TextQuery))
	}
	if len(parts) == 0 {
		return "unconstrained"
	}
	return strings.Join(parts, " AND ")
}

// Compile parses keyword into a Query using the dictionary for language.
// It never fails: input without usable terms yields an unconstrained query.
func Compile(keyword, language string) Query {
	q := Query{Language: DictionaryFor(language)}

	remainder := keyword
	if strings.Contains(keyword, "#") {
		q.TagNames, q.RequireNoTags = extractTags(keyword)
		remainder = hashTagPattern.ReplaceAllString(keyword, " ")
	}

	remainder = strings.TrimSpace(remainder)
	if len(remainder) >= len(RawPrefix) && strings.EqualFold(remainder[:len(RawPrefix)], RawPrefix) {
		raw := strings.TrimSpace(remainder[len(RawPrefix):])
		if raw != "" {
			q.TextQuery = &raw
		}
		return q
	}

	if text := compileTerms(remainder); text != "" {
		q.TextQuery = &text
	}
	return q
}

func extractTags(keyword string) ([]string, bool) {
	seen := make(map[string]struct{})
	requireNone := false
	for _, m := range hashTagPattern.FindAllStringSubmatch(keyword, -1) {
		name := strings.ToLower(m[1])
		if name == nullTag {
			requireNone = true
			continue
		}
		seen[name] = struct{}{}
	}
	if len(seen) == 0 {
		return nil, requireNone
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, requireNone
}

// clause is one ANDed unit of the compiled text query
type clause struct {
	expr     string
	compound bool // needs parentheses when combined with other clauses
}

func compileTerms(s string) string {
	var clauses []clause

	runes := []rune(s)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r == '"':
			end := i + 1
			for end < len(runes) && runes[end] != '"' {
				end++
			}
			if words := splitWords(string(runes[i+1 : end])); len(words) > 0 {
				clauses = append(clauses, clause{expr: strings.Join(words, followedOperator)})
			}
			i = end + 1
		case unicode.IsSpace(r):
			i++
		default:
			end := i
			for end < len(runes) && runes[end] != '"' && !unicode.IsSpace(runes[end]) {
				end++
			}
			clauses = append(clauses, bareToken(string(runes[i:end]))...)
			i = end
		}
	}

	if len(clauses) == 1 {
		return clauses[0].expr
	}
	exprs := make([]string, len(clauses))
	for i, c := range clauses {
		if c.compound {
			exprs[i] = "(" + c.expr + ")"
		} else {
			exprs[i] = c.expr
		}
	}
	return strings.Join(exprs, andOperator)
}

// bareToken turns an unquoted token into clauses. Pipes express alternatives
// ("aqua|water"); other punctuation separates words.
func bareToken(token string) []clause {
	var out []clause
	for _, part := range strings.FieldsFunc(token, func(r rune) bool {
		return r != '|' && !isWordRune(r)
	}) {
		var alts []string
		for _, alt := range strings.Split(part, "|") {
			if w := normalizeWord(alt); w != "" {
				alts = append(alts, w)
			}
		}
		switch len(alts) {
		case 0:
		case 1:
			out = append(out, clause{expr: alts[0]})
		default:
			out = append(out, clause{expr: strings.Join(alts, orOperator), compound: true})
		}
	}
	return out
}

func splitWords(s string) []string {
	var words []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return !isWordRune(r) }) {
		if w := normalizeWord(f); w != "" {
			words = append(words, w)
		}
	}
	return words
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.Trim(w, "-"))
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsMark(r) || unicode.IsDigit(r) || r == '-' || r == '_'
}
