package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/efebarandurmaz/katbot/internal/cache"
	"github.com/efebarandurmaz/katbot/internal/config"
	"github.com/efebarandurmaz/katbot/internal/graph"
	"github.com/efebarandurmaz/katbot/internal/graph/memory"
	"github.com/efebarandurmaz/katbot/internal/observability"
	"github.com/efebarandurmaz/katbot/internal/report"
)

const (
	bioPage   = "Wikipedia:Kategorifattige biografier"
	maintPage = "Wikipedia:Artikler med kun vedlikeholdskategorier"
	marker    = "<!--BegynnListe-->"
)

var fixedDate = time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

type fakeSink struct {
	pages map[string]string
	saves map[string]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		pages: map[string]string{
			bioPage:   "Biografier uten kategorier.\n" + marker + "\n* [[Gammel]]",
			maintPage: "Kun vedlikehold.\n" + marker,
		},
		saves: map[string]int{},
	}
}

func (f *fakeSink) PageText(_ context.Context, page string) (string, error) {
	text, ok := f.pages[page]
	if !ok {
		return "", errors.New("page missing")
	}
	return text, nil
}

func (f *fakeSink) Save(_ context.Context, page, text, _ string) error {
	f.saves[page]++
	f.pages[page] = text
	return nil
}

func fixtureStore() *memory.Store {
	s := memory.New()
	s.AddEdge("Opprydning", "Vedlikehold")
	s.AddEdge("Kilder_mangler", "Opprydning")
	s.AddEdge("Stubber", "Vedlikehold")
	s.AddEdge("Stubbe_fra_Norge", "Stubber")
	s.SetHidden("Artikler_uten_kilder", "Skjulte_sporingskategorier")

	s.AddPage(1, "Ole_Nordmann", "Fødsler_i_1950", "Personer_fra_Oslo", "Artikler_uten_kilder")
	s.AddPage(2, "Kari_Nordmann", "Fødsler_i_1960", "Norske_forfattere")
	s.AddPage(3, "Tomt_innhold", "Kilder_mangler")
	s.AddPage(4, "Sporet", "Skjulte_sporingskategorier")
	s.AddPage(5, "Stubbeside", "Stubber")
	s.AddPage(6, "Norsk_stubbe", "Stubbe_fra_Norge")
	s.AddPage(7, "Uten_kategorier")
	return s
}

func testOptions() Options {
	return Options{
		Closure: config.ClosureConfig{
			Root:       "Vedlikehold",
			Exceptions: []string{"Stubber"},
			MaxDepth:   12,
		},
		HiddenExclude: []string{"Skjulte_sporingskategorier"},
		Reports:       config.DefaultReports(),
		Now:           func() time.Time { return fixedDate },
	}
}

func newRunner(t *testing.T, deps Deps, opts Options) *Runner {
	t.Helper()
	r, err := New(deps, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestNew_InvalidOptions(t *testing.T) {
	store := memory.New()
	tests := []struct {
		name string
		deps Deps
		opts Options
	}{
		{"no store", Deps{}, Options{}},
		{"bad policy", Deps{Store: store}, Options{Closure: config.ClosureConfig{Policy: "prune"}}},
		{"bad rule", Deps{Store: store}, Options{Reports: []config.ReportConfig{{Page: "P", Rule: "orphans"}}}},
		{"biography without patterns", Deps{Store: store}, Options{Reports: []config.ReportConfig{{Page: "P", Rule: "biography"}}}},
		{"bad header", Deps{Store: store}, Options{Reports: []config.ReportConfig{{Page: "P", Rule: "maintenance", Header: "%d pages"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps, tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPrepare(t *testing.T) {
	r := newRunner(t, Deps{Store: fixtureStore()}, testOptions())
	ds, err := r.Prepare(context.Background())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if ds.Hidden.Has("Skjulte_sporingskategorier") {
		t.Error("excluded hidden category should be removed")
	}
	wantClosure := []string{"Kilder_mangler", "Opprydning", "Stubber", "Vedlikehold"}
	if diff := cmp.Diff(wantClosure, ds.Closure.Categories.Sorted()); diff != "" {
		t.Errorf("closure mismatch (-want +got):\n%s", diff)
	}
	if len(ds.Pages) != 6 {
		t.Errorf("pages = %d, want 6", len(ds.Pages))
	}
	if _, ok := ds.Pages[7]; ok {
		t.Error("page without categories should not be loaded")
	}
	if !ds.Allowed().Has("Artikler_uten_kilder") || !ds.Allowed().Has("Opprydning") {
		t.Error("allowed set should hold hidden categories and the closure")
	}
}

func TestPrepare_NoRoot(t *testing.T) {
	opts := testOptions()
	opts.Closure.Root = ""
	r := newRunner(t, Deps{Store: fixtureStore()}, opts)

	ds, err := r.Prepare(context.Background())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if ds.Closure != nil {
		t.Error("closure should be nil without a root")
	}
	if ds.Allowed().Len() != ds.Hidden.Len() {
		t.Error("allowed set should equal the hidden set without a root")
	}
}

func TestClassify(t *testing.T) {
	r := newRunner(t, Deps{Store: fixtureStore()}, testOptions())
	ctx := context.Background()
	ds, err := r.Prepare(ctx)
	if err != nil {
		t.Fatal(err)
	}

	bio, err := r.Classify(ctx, ds, "biographies")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Ole_Nordmann"}, bio.Titles()); diff != "" {
		t.Errorf("biographies mismatch (-want +got):\n%s", diff)
	}

	maint, err := r.Classify(ctx, ds, "maintenance")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Stubbeside", "Tomt_innhold"}
	if diff := cmp.Diff(want, maint.Titles()); diff != "" {
		t.Errorf("maintenance mismatch (-want +got):\n%s", diff)
	}

	if _, err := r.Classify(ctx, ds, "nope"); err == nil {
		t.Error("expected error for unknown report")
	}
}

func TestClassify_ExcludedCategoryUnderRoot(t *testing.T) {
	store := fixtureStore()
	store.AddEdge("Artikler_som_bør_flettes", "Vedlikehold")
	store.SetHidden("Artikler_uten_kilder", "Skjulte_sporingskategorier", "Artikler_som_bør_flettes")
	store.AddPage(8, "Flettes", "Artikler_som_bør_flettes")

	opts := testOptions()
	opts.HiddenExclude = []string{"Skjulte_sporingskategorier", "Artikler_som_bør_flettes"}
	r := newRunner(t, Deps{Store: store}, opts)
	ctx := context.Background()
	ds, err := r.Prepare(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if !ds.Closure.Categories.Has("Artikler_som_bør_flettes") {
		t.Fatal("closure should reach the excluded category")
	}
	if ds.Hidden.Has("Artikler_som_bør_flettes") {
		t.Error("excluded category left in the hidden set")
	}
	if ds.Allowed().Has("Artikler_som_bør_flettes") {
		t.Error("excluded category is administrative through the closure")
	}

	maint, err := r.Classify(ctx, ds, "maintenance")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Stubbeside", "Tomt_innhold"}
	if diff := cmp.Diff(want, maint.Titles()); diff != "" {
		t.Errorf("maintenance mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_LogsOneComponentPerLine(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	r := newRunner(t, Deps{Store: fixtureStore(), Sink: newFakeSink(), Logger: logger}, testOptions())
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		if n := strings.Count(line, `"component":`); n != 1 {
			t.Errorf("line has %d component attributes: %s", n, line)
		}
		for _, c := range []string{"pipeline", "closure", "report"} {
			if strings.Contains(line, `"component":"`+c+`"`) {
				seen[c] = true
			}
		}
	}
	if !seen["closure"] || !seen["report"] || !seen["pipeline"] {
		t.Errorf("components logged = %v", seen)
	}
}

func TestRun_Publishes(t *testing.T) {
	sink := newFakeSink()
	var audit bytes.Buffer
	r := newRunner(t, Deps{
		Store: fixtureStore(),
		Sink:  sink,
		Audit: observability.NewAuditWriter(&audit, "run-1"),
	}, testOptions())

	outcomes, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Status != StatusPublished {
			t.Errorf("%s status = %s, want %s", o.Name, o.Status, StatusPublished)
		}
	}

	wantBio := "Biografier uten kategorier.\n" + marker +
		"1 pages (updated 2024-03-09):\n\n* [[Ole Nordmann]]"
	if sink.pages[bioPage] != wantBio {
		t.Errorf("bio page =\n%q\nwant\n%q", sink.pages[bioPage], wantBio)
	}
	if !strings.Contains(sink.pages[maintPage], "* [[Tomt innhold]]") {
		t.Errorf("maintenance page missing entry:\n%s", sink.pages[maintPage])
	}

	m := r.Metrics()
	if !m.Success || m.Closure.Size != 4 || m.Store.PagesScanned != 6 {
		t.Errorf("unexpected metrics: %+v", m)
	}
	if got := strings.Count(audit.String(), `"event_type":"report.published"`); got != 2 {
		t.Errorf("published audit events = %d, want 2\n%s", got, audit.String())
	}

	// A second run produces identical text and leaves the pages alone.
	outcomes, err = r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range outcomes {
		if o.Status != StatusUnchanged {
			t.Errorf("%s status = %s, want %s", o.Name, o.Status, StatusUnchanged)
		}
	}
	if sink.saves[bioPage] != 1 || sink.saves[maintPage] != 1 {
		t.Errorf("saves = %v, want one per page", sink.saves)
	}
}

func TestRun_MarkerMissingIsIsolated(t *testing.T) {
	sink := newFakeSink()
	sink.pages[bioPage] = "Ingen markør her."

	r := newRunner(t, Deps{Store: fixtureStore(), Sink: sink}, testOptions())
	outcomes, err := r.Run(context.Background())

	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}
	if !errors.Is(err, report.ErrMarkerNotFound) {
		t.Errorf("expected ErrMarkerNotFound in chain, got %v", err)
	}
	var perr *PublishError
	if !errors.As(err, &perr) || perr.Report != "biographies" {
		t.Errorf("expected PublishError for biographies, got %v", err)
	}

	if outcomes[0].Status != StatusFailed || !outcomes[0].MarkerMissing {
		t.Errorf("biographies outcome = %+v", outcomes[0])
	}
	if outcomes[1].Status != StatusPublished {
		t.Errorf("maintenance should still be published, got %+v", outcomes[1])
	}
	if sink.saves[bioPage] != 0 {
		t.Error("page without marker must not be written")
	}
	if r.Metrics().Failed() != 1 {
		t.Errorf("failed reports = %d, want 1", r.Metrics().Failed())
	}
}

func TestRun_DataAccessAborts(t *testing.T) {
	store := fixtureStore()
	store.FailOn("subcategories:Opprydning", errors.New("connection reset"))
	sink := newFakeSink()

	r := newRunner(t, Deps{Store: store, Sink: sink}, testOptions())
	outcomes, err := r.Run(context.Background())

	if !errors.Is(err, graph.ErrDataAccess) {
		t.Fatalf("expected ErrDataAccess, got %v", err)
	}
	if outcomes != nil {
		t.Errorf("no report should run, got %+v", outcomes)
	}
	if len(sink.saves) != 0 {
		t.Error("no page should be written after a data access failure")
	}
	if r.Metrics().Success {
		t.Error("run should be marked failed")
	}
}

func TestRun_DryRun(t *testing.T) {
	sink := newFakeSink()
	before := sink.pages[bioPage]
	opts := testOptions()
	opts.DryRun = true

	r := newRunner(t, Deps{Store: fixtureStore(), Sink: sink}, opts)
	outcomes, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range outcomes {
		if o.Status != StatusDryRun {
			t.Errorf("%s status = %s, want %s", o.Name, o.Status, StatusDryRun)
		}
	}
	if len(sink.saves) != 0 || sink.pages[bioPage] != before {
		t.Error("dry run must not save")
	}
}

func TestRun_NoSink(t *testing.T) {
	r := newRunner(t, Deps{Store: fixtureStore()}, testOptions())
	outcomes, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Status != StatusDryRun || outcomes[0].Matches != 1 {
		t.Errorf("outcome = %+v", outcomes[0])
	}
}

func TestRun_EmptyReportIsSkipped(t *testing.T) {
	store := memory.New()
	store.AddPage(1, "Artikkel", "Norske_forfattere")
	sink := newFakeSink()

	r := newRunner(t, Deps{Store: store, Sink: sink}, testOptions())
	outcomes, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range outcomes {
		if o.Status != StatusSkipped {
			t.Errorf("%s status = %s, want %s", o.Name, o.Status, StatusSkipped)
		}
	}
	if len(sink.saves) != 0 {
		t.Error("empty report should not be saved")
	}
}

func TestPrepare_CacheReuse(t *testing.T) {
	fc, err := cache.NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := fixtureStore()
	ctx := context.Background()

	first := newRunner(t, Deps{Store: store, Cache: fc}, testOptions())
	want, err := first.Prepare(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if hits, misses := first.memo.Stats(); hits != 0 || misses != 3 {
		t.Errorf("first run hits/misses = %d/%d, want 0/3", hits, misses)
	}

	second := newRunner(t, Deps{Store: store, Cache: fc}, testOptions())
	got, err := second.Prepare(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if hits, _ := second.memo.Stats(); hits != 3 {
		t.Errorf("second run hits = %d, want 3", hits)
	}
	if store.SubcategoryCalls("Vedlikehold") != 1 {
		t.Errorf("root expanded %d times, want 1", store.SubcategoryCalls("Vedlikehold"))
	}
	if diff := cmp.Diff(want.Closure.Categories.Sorted(), got.Closure.Categories.Sorted()); diff != "" {
		t.Errorf("cached closure mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Hidden.Sorted(), got.Hidden.Sorted()); diff != "" {
		t.Errorf("cached hidden mismatch (-want +got):\n%s", diff)
	}

	// A different depth must not reuse the cached closure.
	opts := testOptions()
	opts.Closure.MaxDepth = 0
	third := newRunner(t, Deps{Store: store, Cache: fc}, opts)
	ds, err := third.Prepare(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Closure.Categories.Has("Kilder_mangler") {
		t.Error("depth 0 closure should not reach grandchildren")
	}

	// Refresh recomputes.
	opts = testOptions()
	opts.Refresh = true
	fourth := newRunner(t, Deps{Store: store, Cache: fc}, opts)
	if _, err := fourth.Prepare(ctx); err != nil {
		t.Fatal(err)
	}
	if hits, _ := fourth.memo.Stats(); hits != 0 {
		t.Errorf("refresh run hits = %d, want 0", hits)
	}
}

func TestRun_Dumps(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.DumpDir = dir

	r := newRunner(t, Deps{Store: fixtureStore()}, opts)
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"hidden_cats.txt", "biographies.txt", "maintenance.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected dump %s: %v", name, err)
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, "biographies.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Ole_Nordmann") {
		t.Errorf("biographies dump = %q", data)
	}
}
