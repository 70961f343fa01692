// Package memory provides a map-backed graph.Store for fixtures and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/efebarandurmaz/katbot/internal/category"
	"github.com/efebarandurmaz/katbot/internal/graph"
)

// Store keeps the whole category graph in memory.
type Store struct {
	mu       sync.RWMutex
	children map[string][]string
	hidden   category.Set
	pages    category.PageMap
	calls    map[string]int
	failOn   map[string]error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		children: make(map[string][]string),
		hidden:   make(category.Set),
		pages:    make(category.PageMap),
		calls:    make(map[string]int),
		failOn:   make(map[string]error),
	}
}

// FromSnapshot creates a store holding the snapshot's facts.
func FromSnapshot(s *graph.Snapshot) *Store {
	st := New()
	for _, e := range s.Edges {
		st.AddEdge(e.Child, e.Parent)
	}
	for h := range s.Hidden {
		st.hidden.Add(h)
	}
	st.pages = s.PageMap()
	return st
}

// Open loads a JSON snapshot file into a new store.
func Open(path string) (*Store, error) {
	s, err := graph.LoadSnapshot(path)
	if err != nil {
		return nil, err
	}
	return FromSnapshot(s), nil
}

// AddEdge records child as a direct sub-category of parent.
func (s *Store) AddEdge(child, parent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[parent] = append(s.children[parent], child)
}

// SetHidden flags categories as hidden.
func (s *Store) SetHidden(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.hidden.Add(n)
	}
}

// AddPage records an article and its direct memberships.
func (s *Store) AddPage(id int64, title string, cats ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &category.Page{ID: id, Title: title, Categories: category.NewSet(cats...)}
	s.pages[id] = p
}

// FailOn makes the given operation ("subcategories:<name>", "hidden" or
// "pages") return err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[op] = err
}

// SubcategoryCalls reports how often Subcategories was asked about name.
func (s *Store) SubcategoryCalls(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[name]
}

func (s *Store) Subcategories(_ context.Context, name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	if err := s.failOn["subcategories:"+name]; err != nil {
		return nil, graph.AccessError("subcategories", err)
	}
	out := append([]string(nil), s.children[name]...)
	return out, nil
}

func (s *Store) HiddenCategories(_ context.Context) (category.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failOn["hidden"]; err != nil {
		return nil, graph.AccessError("hidden categories", err)
	}
	return s.hidden.Union(), nil
}

func (s *Store) PageCategories(_ context.Context, ids []int64) (category.PageMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failOn["pages"]; err != nil {
		return nil, graph.AccessError("page categories", err)
	}

	// Like the membership join of the SQL stores, a page without any
	// category is never reported.
	out := make(category.PageMap)
	copyPage := func(p *category.Page) {
		if p.Categories.Len() == 0 {
			return
		}
		out[p.ID] = &category.Page{ID: p.ID, Title: p.Title, Categories: p.Categories.Union()}
	}
	if ids == nil {
		for _, p := range s.pages {
			copyPage(p)
		}
		return out, nil
	}
	for _, id := range ids {
		if p, ok := s.pages[id]; ok {
			copyPage(p)
		}
	}
	return out, nil
}

// Edges lists every sub-category relation, ordered by parent.
func (s *Store) Edges(_ context.Context) ([]graph.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edges(), nil
}

func (s *Store) edges() []graph.Edge {
	parents := make([]string, 0, len(s.children))
	for p := range s.children {
		parents = append(parents, p)
	}
	sort.Strings(parents)
	var edges []graph.Edge
	for _, p := range parents {
		for _, c := range s.children[p] {
			edges = append(edges, graph.Edge{Child: c, Parent: p})
		}
	}
	return edges
}

// Snapshot exports the store contents.
func (s *Store) Snapshot() *graph.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return graph.SnapshotFromPages(s.hidden.Union(), s.edges(), s.pages)
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("memory(%d categories with children, %d pages)", len(s.children), len(s.pages))
}

var _ graph.Store = (*Store)(nil)
