package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/efebarandurmaz/katbot/internal/category"
)

// Edge states that Child is a direct sub-category of Parent.
type Edge struct {
	Child  string `json:"child"`
	Parent string `json:"parent"`
}

// Snapshot is a self-contained copy of the category facts, used for fixtures
// and for exporting a store into another backend.
type Snapshot struct {
	Hidden category.Set    `json:"hidden"`
	Edges  []Edge          `json:"edges"`
	Pages  []category.Page `json:"pages"`
}

// ReadSnapshot decodes a JSON snapshot.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Hidden == nil {
		s.Hidden = make(category.Set)
	}
	return &s, nil
}

// LoadSnapshot reads a JSON snapshot file.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return ReadSnapshot(f)
}

// PageMap converts the page list into a PageMap.
func (s *Snapshot) PageMap() category.PageMap {
	m := make(category.PageMap, len(s.Pages))
	for i := range s.Pages {
		p := s.Pages[i]
		cats := make(category.Set, len(p.Categories))
		for c := range p.Categories {
			cats.Add(c)
		}
		m[p.ID] = &category.Page{ID: p.ID, Title: p.Title, Categories: cats}
	}
	return m
}

// SnapshotFromPages builds a snapshot, ordering pages by ID.
func SnapshotFromPages(hidden category.Set, edges []Edge, pages category.PageMap) *Snapshot {
	s := &Snapshot{Hidden: hidden, Edges: edges}
	for _, p := range pages {
		s.Pages = append(s.Pages, *p)
	}
	sort.Slice(s.Pages, func(i, j int) bool { return s.Pages[i].ID < s.Pages[j].ID })
	return s
}

// EdgeLister is implemented by stores that can enumerate every
// sub-category relation at once.
type EdgeLister interface {
	Edges(ctx context.Context) ([]Edge, error)
}

// Export reads every fact from s into a snapshot. s must implement EdgeLister.
func Export(ctx context.Context, s Store) (*Snapshot, error) {
	el, ok := s.(EdgeLister)
	if !ok {
		return nil, fmt.Errorf("store %T cannot list edges", s)
	}
	hidden, err := s.HiddenCategories(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := el.Edges(ctx)
	if err != nil {
		return nil, err
	}
	pages, err := s.PageCategories(ctx, nil)
	if err != nil {
		return nil, err
	}
	return SnapshotFromPages(hidden, edges, pages), nil
}
