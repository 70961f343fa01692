package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/efebarandurmaz/katbot/internal/graph"
)

// seed creates the subset of the MediaWiki schema the store reads.
var seed = []string{
	`CREATE TABLE page (page_id INTEGER PRIMARY KEY, page_namespace INTEGER NOT NULL, page_title TEXT NOT NULL)`,
	`CREATE TABLE page_props (pp_page INTEGER NOT NULL, pp_propname TEXT NOT NULL, pp_value TEXT)`,
	`CREATE TABLE categorylinks (cl_from INTEGER NOT NULL, cl_to TEXT NOT NULL, cl_type TEXT NOT NULL)`,

	// Categories (namespace 14).
	`INSERT INTO page VALUES (100, 14, 'Vedlikehold'), (101, 14, 'Opprydning'), (102, 14, 'Byer_i_Norge'), (103, 14, 'Skjult_sløyfe')`,
	`INSERT INTO page_props VALUES (100, 'hiddencat', ''), (101, 'hiddencat', ''), (103, 'hiddencat', ''), (102, 'defaultsort', 'Byer')`,
	`INSERT INTO categorylinks VALUES (101, 'Vedlikehold', 'subcat'), (103, 'Opprydning', 'subcat'), (100, 'Skjult_sløyfe', 'subcat')`,

	// Articles (namespace 0) and one talk page that must be ignored.
	`INSERT INTO page VALUES (1, 0, 'Ole_Nordmann'), (2, 0, 'Oslo'), (3, 0, 'Stubb'), (4, 1, 'Oslo')`,
	`INSERT INTO categorylinks VALUES
		(1, 'Personer_fra_Oslo', 'page'), (1, 'Opprydning', 'page'),
		(2, 'Byer_i_Norge', 'page'),
		(3, 'Vedlikehold', 'page'),
		(4, 'Vedlikehold', 'page')`,
}

func newTestStore(t *testing.T, chunkSize int) *Store {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "wiki.db")

	s, err := Open(ctx, Options{Driver: "sqlite", DSN: dsn, ChunkSize: chunkSize, ProgressEvery: 2}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(ctx) })

	for _, stmt := range seed {
		if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
	return s
}

func TestHiddenCategories(t *testing.T) {
	s := newTestStore(t, 0)
	hidden, err := s.HiddenCategories(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Opprydning", "Skjult_sløyfe", "Vedlikehold"}
	if diff := cmp.Diff(want, hidden.Sorted()); diff != "" {
		t.Errorf("hidden mismatch (-want +got):\n%s", diff)
	}
}

func TestSubcategories(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	got, err := s.Subcategories(ctx, "Vedlikehold")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Opprydning"}, got); diff != "" {
		t.Errorf("subcategories mismatch (-want +got):\n%s", diff)
	}

	none, err := s.Subcategories(ctx, "Byer_i_Norge")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("expected no subcategories, got %v", none)
	}
}

func TestPageCategories_All(t *testing.T) {
	s := newTestStore(t, 0)
	pages, err := s.PageCategories(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 articles, got %d", len(pages))
	}
	if pages[1].Title != "Ole_Nordmann" {
		t.Errorf("title = %q", pages[1].Title)
	}
	if diff := cmp.Diff([]string{"Opprydning", "Personer_fra_Oslo"}, pages[1].Categories.Sorted()); diff != "" {
		t.Errorf("categories mismatch (-want +got):\n%s", diff)
	}
	if _, ok := pages[4]; ok {
		t.Error("non-article page must be ignored")
	}
}

func TestPageCategories_Chunked(t *testing.T) {
	s := newTestStore(t, 1)
	pages, err := s.PageCategories(context.Background(), []int64{1, 3, 4, 999})
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected pages 1 and 3, got %d", len(pages))
	}
	if pages[3] == nil || !pages[3].Categories.Has("Vedlikehold") {
		t.Errorf("page 3 = %+v", pages[3])
	}
}

func TestEdgesAndExport(t *testing.T) {
	s := newTestStore(t, 0)
	snap, err := graph.Export(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Edges) != 3 {
		t.Errorf("edges = %+v", snap.Edges)
	}
	if len(snap.Pages) != 3 || snap.Pages[0].ID != 1 {
		t.Errorf("pages = %+v", snap.Pages)
	}
}

func TestClosedStoreReportsDataAccess(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	_ = s.Close(ctx)

	if _, err := s.HiddenCategories(ctx); !errors.Is(err, graph.ErrDataAccess) {
		t.Errorf("expected ErrDataAccess, got %v", err)
	}
	if _, err := s.Subcategories(ctx, "X"); !errors.Is(err, graph.ErrDataAccess) {
		t.Errorf("expected ErrDataAccess, got %v", err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"}, nil)
	if !errors.Is(err, graph.ErrDataAccess) {
		t.Fatalf("expected ErrDataAccess, got %v", err)
	}
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		dialect Dialect
		want    string
	}{
		{MySQL, "?,?,?"},
		{SQLite, "?,?,?"},
		{Postgres, "$2,$3,$4"},
	}
	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			if got := tt.dialect.Placeholders(2, 3); got != tt.want {
				t.Errorf("Placeholders = %q, want %q", got, tt.want)
			}
		})
	}
}
