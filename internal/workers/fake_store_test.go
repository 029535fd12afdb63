package workers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/benvon/idea-tagger/internal/database"
	"github.com/benvon/idea-tagger/internal/models"
	"github.com/benvon/idea-tagger/internal/search"
	"github.com/google/uuid"
)

// fakeResponse is a response row with the columns filter runs read
type fakeResponse struct {
	ID           int64
	Text         string
	SettlementID int64
	CreatedAt    time.Time
	UploadedAt   time.Time
}

type fakeTag struct {
	ID         int64
	ResponseID int64
	Name       string
}

type fakeProvenance struct {
	TagID      int64
	ActorID    int64
	ActionUUID uuid.UUID
}

// fakeStore is an in-memory FilterStore and BulkTagStore. Text matching
// understands the tsquery subset the compiler produces: words, &, |, !,
// parentheses and <-> between words. Words match exactly, without stemming.
type fakeStore struct {
	mu         sync.Mutex
	filters    map[int64]*models.TagFilter
	responses  []fakeResponse
	tags       map[int64]*fakeTag
	actors     map[int64]int64 // filter id -> actor id
	provenance []fakeProvenance
	nextID     int64
	clock      Clock

	applyErr     error
	applyCalls   int
	processDelay time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		filters: make(map[int64]*models.TagFilter),
		tags:    make(map[int64]*fakeTag),
		actors:  make(map[int64]int64),
		nextID:  1000,
	}
}

var (
	_ FilterStore  = (*fakeStore)(nil)
	_ BulkTagStore = (*fakeStore)(nil)
)

func (s *fakeStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *fakeStore) addFilter(f models.TagFilter) *models.TagFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == 0 {
		f.ID = s.id()
	}
	if f.Status == "" {
		f.Status = models.FilterStatusEditing
	}
	s.filters[f.ID] = &f
	return &f
}

func (s *fakeStore) addResponse(r fakeResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.id()
	}
	s.responses = append(s.responses, r)
}

// addUserTag attaches a tag without provenance, as a manual edit would
func (s *fakeStore) addUserTag(responseID int64, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTag{ID: s.id(), ResponseID: responseID, Name: name}
	s.tags[t.ID] = t
	return t.ID
}

func (s *fakeStore) filter(id int64) models.TagFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.filters[id]
}

func (s *fakeStore) setStatus(id int64, status models.FilterStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters[id].Status = status
}

// tagNames returns the sorted lowercased tag names of a response
func (s *fakeStore) tagNames(responseID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, t := range s.tags {
		if t.ResponseID == responseID {
			names = append(names, strings.ToLower(t.Name))
		}
	}
	sort.Strings(names)
	return names
}

func (s *fakeStore) provenanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.provenance)
}

func (s *fakeStore) GetByID(_ context.Context, id int64) (*models.TagFilter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filters[id]
	if !ok {
		return nil, models.NotFound("get", id)
	}
	cp := *f
	return &cp, nil
}

func (s *fakeStore) TransitionStatus(_ context.Context, id int64, to models.FilterStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filters[id]
	if !ok {
		return models.NotFound("transition", id)
	}
	if !models.CanTransition(f.Status, to) {
		return models.NewTaggingError(models.ErrConflict, "transition", id,
			fmt.Errorf("cannot move filter from %s to %s", f.Status, to))
	}
	f.Status = to
	return nil
}

func (s *fakeStore) MarkError(_ context.Context, id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filters[id]
	if !ok {
		return models.NotFound("mark error", id)
	}
	if !models.CanTransition(f.Status, models.FilterStatusError) {
		return models.NewTaggingError(models.ErrConflict, "mark error", id, nil)
	}
	f.Status = models.FilterStatusError
	f.LastError = &message
	return nil
}

func (s *fakeStore) HasQueued(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.filters {
		if f.Status == models.FilterStatusQueued {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) PromoteForSweep(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.filters {
		if f.Status == models.FilterStatusQueued {
			return []int64{}, nil
		}
	}
	ids := []int64{}
	for id, f := range s.filters {
		for _, st := range models.SweepableStatuses {
			if f.Status == st {
				f.Status = models.FilterStatusQueued
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *fakeStore) Apply(ctx context.Context, req database.ApplyRequest) (*database.ApplyResult, error) {
	if s.processDelay > 0 {
		select {
		case <-time.After(s.processDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCalls++
	if s.applyErr != nil {
		return nil, models.NewTaggingError(models.ErrStorage, "apply", req.FilterID, s.applyErr)
	}

	f, ok := s.filters[req.FilterID]
	if !ok {
		return nil, models.NotFound("apply", req.FilterID)
	}
	if f.Status != models.FilterStatusProcessing {
		return nil, models.NewTaggingError(models.ErrConflict, "apply", req.FilterID, nil)
	}

	result := &database.ApplyResult{ActionUUID: req.ActionUUID, FullRun: f.NeedsFullRun()}

	q := req.Query
	var text *tsNode
	if q.HasText() {
		node, err := parseTSQuery(*q.TextQuery)
		if err != nil {
			result.QueryRejected = true
			q = search.Query{Language: q.Language}
		} else {
			text = node
		}
	}

	actorID, ok := s.actors[f.ID]
	if !ok {
		actorID = s.id()
		s.actors[f.ID] = actorID
	}

	name := strings.TrimSpace(f.TagText)
	for _, r := range s.responses {
		if q.Unconstrained() || !s.matchesLocked(r, q, text) || !s.inScopeLocked(r, f) {
			continue
		}
		if s.attributedLocked(r.ID, name, actorID) {
			continue
		}
		result.Candidates++

		tag := s.findTagLocked(r.ID, name)
		if tag == nil {
			tag = &fakeTag{ID: s.id(), ResponseID: r.ID, Name: name}
			s.tags[tag.ID] = tag
			result.TagsCreated++
		}
		s.provenance = append(s.provenance, fakeProvenance{TagID: tag.ID, ActorID: actorID, ActionUUID: req.ActionUUID})
		result.AppliedCount++
	}

	runAt := testEpoch
	if s.clock != nil {
		runAt = s.clock.Now()
	}
	result.RunAt = runAt
	f.Status = models.FilterStatusActive
	f.LastRunAt = &runAt
	f.LastError = nil
	return result, nil
}

func (s *fakeStore) Undo(_ context.Context, filterID int64) (*database.UndoResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filters[filterID]
	if !ok {
		return nil, models.NotFound("undo", filterID)
	}
	if !models.CanTransition(f.Status, models.FilterStatusEditing) {
		return nil, models.NewTaggingError(models.ErrConflict, "undo", filterID, nil)
	}
	actorID, ok := s.actors[filterID]
	if !ok {
		return nil, models.NewTaggingError(models.ErrInvalidState, "undo", filterID, fmt.Errorf("filter was never applied"))
	}

	result := &database.UndoResult{}
	touched := make(map[int64]struct{})
	kept := s.provenance[:0]
	for _, p := range s.provenance {
		if p.ActorID == actorID {
			touched[p.TagID] = struct{}{}
			result.ProvenanceDeleted++
			continue
		}
		kept = append(kept, p)
	}
	s.provenance = kept

	for tagID := range touched {
		orphan := true
		for _, p := range s.provenance {
			if p.TagID == tagID {
				orphan = false
				break
			}
		}
		if orphan {
			delete(s.tags, tagID)
			result.TagsDeleted++
		}
	}

	delete(s.actors, filterID)
	f.Status = models.FilterStatusEditing
	f.LastRunAt = nil
	return result, nil
}

func (s *fakeStore) matchesLocked(r fakeResponse, q search.Query, text *tsNode) bool {
	if q.HasTagClause() {
		var names []string
		for _, t := range s.tags {
			if t.ResponseID == r.ID {
				names = append(names, strings.ToLower(t.Name))
			}
		}
		ok := q.RequireNoTags && len(names) == 0
		for _, want := range q.TagNames {
			for _, have := range names {
				if have == want {
					ok = true
				}
			}
		}
		if !ok {
			return false
		}
	}
	if text != nil && !text.eval(tokenize(r.Text)) {
		return false
	}
	return true
}

func (s *fakeStore) inScopeLocked(r fakeResponse, f *models.TagFilter) bool {
	if !f.Unscoped() {
		found := false
		for _, id := range f.SettlementIDs {
			if id == r.SettlementID {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if f.StartDate != nil && r.CreatedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && r.CreatedAt.After(*f.EndDate) {
		return false
	}
	if !f.NeedsFullRun() && !r.UploadedAt.After(f.LastRunAt.Add(-database.IncrementalOverlap)) {
		return false
	}
	return true
}

func (s *fakeStore) attributedLocked(responseID int64, name string, actorID int64) bool {
	tag := s.findTagLocked(responseID, name)
	if tag == nil {
		return false
	}
	for _, p := range s.provenance {
		if p.TagID == tag.ID && p.ActorID == actorID {
			return true
		}
	}
	return false
}

func (s *fakeStore) findTagLocked(responseID int64, name string) *fakeTag {
	for _, t := range s.tags {
		if t.ResponseID == responseID && strings.EqualFold(t.Name, name) {
			return t
		}
	}
	return nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsMark(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// tsNode is a parsed tsquery expression
type tsNode struct {
	op       string // "word", "&", "|", "!", "<->"
	word     string
	children []*tsNode
}

func (n *tsNode) eval(words []string) bool {
	switch n.op {
	case "word":
		for _, w := range words {
			if w == n.word {
				return true
			}
		}
		return false
	case "!":
		return !n.children[0].eval(words)
	case "&":
		for _, c := range n.children {
			if !c.eval(words) {
				return false
			}
		}
		return true
	case "|":
		for _, c := range n.children {
			if c.eval(words) {
				return true
			}
		}
		return false
	case "<->":
		for i := 0; i+len(n.children) <= len(words); i++ {
			match := true
			for j, c := range n.children {
				if words[i+j] != c.word {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
		return false
	}
	return false
}

type tsParser struct {
	tokens []string
	pos    int
}

func parseTSQuery(expr string) (*tsNode, error) {
	p := &tsParser{tokens: lexTSQuery(expr)}
	if len(p.tokens) == 0 {
		return nil, fmt.Errorf("empty tsquery")
	}
	n, err := p.or()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("syntax error at %q", p.tokens[p.pos])
	}
	return n, nil
}

func lexTSQuery(expr string) []string {
	var tokens []string
	runes := []rune(expr)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case strings.HasPrefix(string(runes[i:]), "<->"):
			tokens = append(tokens, "<->")
			i += 3
		case strings.ContainsRune("()&|!", r):
			tokens = append(tokens, string(r))
			i++
		default:
			j := i
			for j < len(runes) && !unicode.IsSpace(runes[j]) && !strings.ContainsRune("()&|!<", runes[j]) {
				j++
			}
			if j == i {
				j++
			}
			tokens = append(tokens, strings.ToLower(string(runes[i:j])))
			i = j
		}
	}
	return tokens
}

func (p *tsParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *tsParser) or() (*tsNode, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	node := &tsNode{op: "|", children: []*tsNode{left}}
	for p.peek() == "|" {
		p.pos++
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		node.children = append(node.children, right)
	}
	if len(node.children) == 1 {
		return left, nil
	}
	return node, nil
}

func (p *tsParser) and() (*tsNode, error) {
	left, err := p.phrase()
	if err != nil {
		return nil, err
	}
	node := &tsNode{op: "&", children: []*tsNode{left}}
	for p.peek() == "&" {
		p.pos++
		right, err := p.phrase()
		if err != nil {
			return nil, err
		}
		node.children = append(node.children, right)
	}
	if len(node.children) == 1 {
		return left, nil
	}
	return node, nil
}

func (p *tsParser) phrase() (*tsNode, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	if p.peek() != "<->" {
		return left, nil
	}
	node := &tsNode{op: "<->", children: []*tsNode{left}}
	for p.peek() == "<->" {
		p.pos++
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		node.children = append(node.children, right)
	}
	for _, c := range node.children {
		if c.op != "word" {
			return nil, fmt.Errorf("phrase operands must be words")
		}
	}
	return node, nil
}

func (p *tsParser) unary() (*tsNode, error) {
	switch tok := p.peek(); tok {
	case "":
		return nil, fmt.Errorf("unexpected end of tsquery")
	case "!":
		p.pos++
		child, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &tsNode{op: "!", children: []*tsNode{child}}, nil
	case "(":
		p.pos++
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return n, nil
	case ")", "&", "|", "<->":
		return nil, fmt.Errorf("syntax error at %q", tok)
	default:
		p.pos++
		return &tsNode{op: "word", word: tok}, nil
	}
}

// fixedClock is a Clock pinned to a settable instant
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier captures failure notifications
type recordingNotifier struct {
	mu       sync.Mutex
	failures []int64
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, filterID int64, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, filterID)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.failures)
}
