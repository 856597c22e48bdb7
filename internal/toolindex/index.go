// Package toolindex maintains searchable indexes over the aggregate tool
// catalog. The index is rebuilt wholesale whenever the catalog changes;
// lookups never mutate tools.
package toolindex

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/nugget/mcplink/internal/catalog"
)

// DefaultSimilar is the number of similar tools returned when the caller
// asks for a non-positive count.
const DefaultSimilar = 5

// Per-field weights used by Search. A name hit outranks a tag or
// category hit, which outranks a keyword or description hit.
const (
	weightNamePhrase  = 50
	weightName        = 10
	weightTag         = 6
	weightCategory    = 6
	weightKeyword     = 3
	weightDescription = 2
)

// termIndex maps a token to the tools containing it, in catalog order.
type termIndex map[string][]*catalog.Tool

func (ti termIndex) add(token string, t *catalog.Tool) {
	list := ti[token]
	if n := len(list); n > 0 && list[n-1] == t {
		return
	}
	ti[token] = append(list, t)
}

func (ti termIndex) addAll(tokens []string, t *catalog.Tool) {
	for _, tok := range tokens {
		ti.add(tok, t)
	}
}

// snapshot is one immutable build of the index.
type snapshot struct {
	tools   []*catalog.Tool
	byID    map[string]*catalog.Tool
	order   map[*catalog.Tool]int
	builtAt time.Time

	names       termIndex
	descs       termIndex
	tags        termIndex
	categories  termIndex
	keywordsIdx termIndex

	byCategory termIndex // category id
	byTag      termIndex // normalized tag
	bySource   termIndex // source id
}

// Indexer owns the search indexes. Safe for concurrent use; BuildIndex
// swaps in a complete new index atomically.
type Indexer struct {
	now func() time.Time

	mu   sync.RWMutex
	snap *snapshot
}

// New returns an empty indexer.
func New() *Indexer {
	return &Indexer{now: time.Now, snap: build(nil, time.Time{})}
}

// BuildIndex replaces the index with one built from tools. Tools are
// indexed in the order given; duplicate ids keep the first occurrence.
func (ix *Indexer) BuildIndex(tools []*catalog.Tool) {
	s := build(tools, ix.now())
	ix.mu.Lock()
	ix.snap = s
	ix.mu.Unlock()
}

func build(tools []*catalog.Tool, at time.Time) *snapshot {
	s := &snapshot{
		byID:        make(map[string]*catalog.Tool, len(tools)),
		order:       make(map[*catalog.Tool]int, len(tools)),
		builtAt:     at,
		names:       make(termIndex),
		descs:       make(termIndex),
		tags:        make(termIndex),
		categories:  make(termIndex),
		keywordsIdx: make(termIndex),
		byCategory:  make(termIndex),
		byTag:       make(termIndex),
		bySource:    make(termIndex),
	}

	for _, t := range tools {
		if t == nil {
			continue
		}
		if _, dup := s.byID[t.ID]; dup {
			continue
		}
		s.byID[t.ID] = t
		s.order[t] = len(s.tools)
		s.tools = append(s.tools, t)

		s.names.addAll(tokenize(t.Name), t)
		s.descs.addAll(tokenize(t.Description), t)
		s.categories.addAll(tokenize(t.Category.Name), t)
		for _, tag := range t.Tags {
			s.tags.addAll(tokenize(tag), t)
			if nt := normalize(tag); nt != "" {
				s.byTag.add(nt, t)
			}
		}

		s.keywordsIdx.addAll(keywords(t.Name), t)
		s.keywordsIdx.addAll(keywords(t.Description), t)
		for _, tag := range t.Tags {
			s.keywordsIdx.addAll(keywords(tag), t)
		}

		if t.Category.ID != "" {
			s.byCategory.add(t.Category.ID, t)
		}
		if t.Source.ID != "" {
			s.bySource.add(t.Source.ID, t)
		}
	}
	return s
}

func (ix *Indexer) current() *snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.snap
}

// Tools returns every indexed tool in catalog order.
func (ix *Indexer) Tools() []*catalog.Tool {
	return slices.Clone(ix.current().tools)
}

// Lookup returns the tool with id.
func (ix *Indexer) Lookup(id string) (*catalog.Tool, bool) {
	t, ok := ix.current().byID[id]
	return t, ok
}

// SearchByCategory returns the tools whose category id is id.
func (ix *Indexer) SearchByCategory(id string) []*catalog.Tool {
	return slices.Clone(ix.current().byCategory[id])
}

// SearchByTag returns the tools carrying tag. Matching is on the
// normalized tag, so "File-System" finds "file system".
func (ix *Indexer) SearchByTag(tag string) []*catalog.Tool {
	return slices.Clone(ix.current().byTag[normalize(tag)])
}

// SearchBySource returns the tools provided by source id.
func (ix *Indexer) SearchBySource(id string) []*catalog.Tool {
	return slices.Clone(ix.current().bySource[id])
}

// FindSimilarTools returns up to n tools related to tool: first those in
// the same category, then those sharing a tag, in tag order. The tool
// itself is never included and no tool appears twice.
func (ix *Indexer) FindSimilarTools(tool *catalog.Tool, n int) []*catalog.Tool {
	if tool == nil {
		return nil
	}
	if n <= 0 {
		n = DefaultSimilar
	}
	s := ix.current()

	var out []*catalog.Tool
	seen := map[string]struct{}{tool.ID: {}}
	add := func(list []*catalog.Tool) bool {
		for _, t := range list {
			if _, dup := seen[t.ID]; dup {
				continue
			}
			seen[t.ID] = struct{}{}
			out = append(out, t)
			if len(out) == n {
				return true
			}
		}
		return false
	}

	if tool.Category.ID != "" && add(s.byCategory[tool.Category.ID]) {
		return out
	}
	for _, tag := range tool.Tags {
		if add(s.byTag[normalize(tag)]) {
			return out
		}
	}
	return out
}

// Match is one ranked search result.
type Match struct {
	Tool  *catalog.Tool
	Score int
}

// Search ranks tools against a free-text query across every index.
// Results are ordered by score, then catalog order. A limit of zero or
// less returns every match.
func (ix *Indexer) Search(query string, limit int) []Match {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil
	}
	s := ix.current()
	phrase := tokens[0]

	scores := make(map[*catalog.Tool]int)
	bump := func(idx termIndex, tok string, w int) {
		for _, t := range idx[tok] {
			scores[t] += w
		}
	}
	for _, t := range s.names[phrase] {
		if normalize(t.Name) == phrase {
			scores[t] += weightNamePhrase
		}
	}
	for _, tok := range tokens {
		bump(s.names, tok, weightName)
		bump(s.tags, tok, weightTag)
		bump(s.categories, tok, weightCategory)
		bump(s.descs, tok, weightDescription)
	}
	for _, kw := range keywords(query) {
		bump(s.keywordsIdx, kw, weightKeyword)
	}

	out := make([]Match, 0, len(scores))
	for t, score := range scores {
		out = append(out, Match{Tool: t, Score: score})
	}
	slices.SortFunc(out, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(s.order[a.Tool], s.order[b.Tool])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats describes the current index.
type Stats struct {
	TotalTools       int            `json:"total_tools"`
	AvailableTools   int            `json:"available_tools"`
	Categories       map[string]int `json:"categories"`
	Sources          map[string]int `json:"sources"`
	Tags             int            `json:"tags"`
	NameTerms        int            `json:"name_terms"`
	DescriptionTerms int            `json:"description_terms"`
	TagTerms         int            `json:"tag_terms"`
	CategoryTerms    int            `json:"category_terms"`
	Keywords         int            `json:"keywords"`
	BuiltAt          time.Time      `json:"built_at,omitzero"`
}

// Stats summarizes the index.
func (ix *Indexer) Stats() Stats {
	s := ix.current()
	st := Stats{
		TotalTools:       len(s.tools),
		Categories:       make(map[string]int, len(s.byCategory)),
		Sources:          make(map[string]int, len(s.bySource)),
		Tags:             len(s.byTag),
		NameTerms:        len(s.names),
		DescriptionTerms: len(s.descs),
		TagTerms:         len(s.tags),
		CategoryTerms:    len(s.categories),
		Keywords:         len(s.keywordsIdx),
		BuiltAt:          s.builtAt,
	}
	for id, list := range s.byCategory {
		st.Categories[id] = len(list)
	}
	for id, list := range s.bySource {
		st.Sources[id] = len(list)
	}
	for _, t := range s.tools {
		if t.Available() {
			st.AvailableTools++
		}
	}
	return st
}
