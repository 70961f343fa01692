package report

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const header = "%d pages (updated %s):"

var fixedDate = time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

type fakeSink struct {
	pages   map[string]string
	saves   []string
	reads   int
	readErr error
	saveErr error
}

func newFakeSink(pages map[string]string) *fakeSink {
	return &fakeSink{pages: pages}
}

func (f *fakeSink) PageText(_ context.Context, page string) (string, error) {
	f.reads++
	if f.readErr != nil {
		return "", f.readErr
	}
	return f.pages[page], nil
}

func (f *fakeSink) Save(_ context.Context, page, text, summary string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves = append(f.saves, page+"|"+summary)
	f.pages[page] = text
	return nil
}

func TestRender(t *testing.T) {
	got := Render([]string{"Ole_Nordmann", "anne_hansen"}, header, fixedDate)
	want := "2 pages (updated 2024-03-09):\n\n* [[Ole Nordmann]]\n* [[anne hansen]]"
	if got != want {
		t.Errorf("Render =\n%q\nwant\n%q", got, want)
	}
}

func TestNormalizeTitles(t *testing.T) {
	got := NormalizeTitles([]string{"Ærlig_talt", "Zeta", "Ole_Nordmann", "Ole Nordmann", "anne_hansen"})
	want := []string{"Ole Nordmann", "Zeta", "anne hansen", "Ærlig talt"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("NormalizeTitles mismatch (-want +got):\n%s", diff)
	}
}

func TestList_Empty(t *testing.T) {
	if List(nil) != "" {
		t.Error("empty list should render as empty string")
	}
}

func TestCheckHeader(t *testing.T) {
	tests := []struct {
		header string
		ok     bool
	}{
		{"%d pages (updated %s):", true},
		{"%d sider (oppdatert %s), 100%% sikkert", true},
		{"%5d pages (%-10s)", true},
		{"%s pages (updated %d):", false},
		{"%d pages", false},
		{"pages updated %s", false},
		{"%d pages (updated %s) by %s", false},
		{"%d pages (updated %s) %", false},
		{"", false},
	}
	for _, tt := range tests {
		err := CheckHeader(tt.header)
		if (err == nil) != tt.ok {
			t.Errorf("CheckHeader(%q) = %v, want ok=%v", tt.header, err, tt.ok)
		}
	}
}

func TestInsertAfterMarker(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"replaces tail", "Intro\n<!--M-->old list", "Intro\n<!--M-->NEW", false},
		{"marker at end", "Intro<!--M-->", "Intro<!--M-->NEW", false},
		{"first marker wins", "a<!--M-->b<!--M-->c", "a<!--M-->NEW", false},
		{"missing marker", "Intro without marker", "", true},
		{"empty body", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := InsertAfterMarker(tt.body, "<!--M-->", "NEW")
			if tt.wantErr {
				if !errors.Is(err, ErrMarkerNotFound) {
					t.Fatalf("expected ErrMarkerNotFound, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPublish(t *testing.T) {
	sink := newFakeSink(map[string]string{"Wikipedia:Liste": "Forklaring.\n<!--BegynnListe-->\n* [[Gammel]]"})
	p := NewPublisher(sink, nil, WithClock(func() time.Time { return fixedDate }))

	res, err := p.Publish(context.Background(), Request{
		Page:    "Wikipedia:Liste",
		Marker:  "<!--BegynnListe-->",
		Header:  header,
		Summary: "Bot: Oppdaterer liste",
		Titles:  []string{"Ole_Nordmann", "anne_hansen"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.Count != 2 || res.Skipped {
		t.Errorf("result = %+v", res)
	}
	want := "Forklaring.\n<!--BegynnListe-->2 pages (updated 2024-03-09):\n\n* [[Ole Nordmann]]\n* [[anne hansen]]"
	if sink.pages["Wikipedia:Liste"] != want {
		t.Errorf("saved text =\n%q\nwant\n%q", sink.pages["Wikipedia:Liste"], want)
	}
	if diff := cmp.Diff([]string{"Wikipedia:Liste|Bot: Oppdaterer liste"}, sink.saves); diff != "" {
		t.Errorf("saves mismatch (-want +got):\n%s", diff)
	}

	// A second identical run does not save again.
	res, err = p.Publish(context.Background(), Request{
		Page: "Wikipedia:Liste", Marker: "<!--BegynnListe-->", Header: header,
		Titles: []string{"anne_hansen", "Ole_Nordmann"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Unchanged || len(sink.saves) != 1 {
		t.Errorf("expected unchanged page, result %+v saves %d", res, len(sink.saves))
	}
}

func TestPublish_MissingMarkerWritesNothing(t *testing.T) {
	original := "No marker here."
	sink := newFakeSink(map[string]string{"P": original})
	p := NewPublisher(sink, nil)

	_, err := p.Publish(context.Background(), Request{Page: "P", Marker: "<!--BegynnListe-->", Header: header, Titles: []string{"A"}})
	if !errors.Is(err, ErrMarkerNotFound) {
		t.Fatalf("expected ErrMarkerNotFound, got %v", err)
	}
	if len(sink.saves) != 0 {
		t.Error("no save must be attempted when the marker is missing")
	}
	if sink.pages["P"] != original {
		t.Error("page body changed")
	}
}

func TestPublish_EmptyIsNoop(t *testing.T) {
	sink := newFakeSink(map[string]string{})
	p := NewPublisher(sink, nil)

	res, err := p.Publish(context.Background(), Request{Page: "P", Marker: "<!--M-->", Header: header})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || sink.reads != 0 || len(sink.saves) != 0 {
		t.Errorf("empty publish touched the sink: result %+v reads %d", res, sink.reads)
	}
}

func TestPublish_DryRun(t *testing.T) {
	sink := newFakeSink(map[string]string{"P": "x<!--M-->"})
	p := NewPublisher(sink, nil, WithDryRun(true), WithClock(func() time.Time { return fixedDate }))

	res, err := p.Publish(context.Background(), Request{Page: "P", Marker: "<!--M-->", Header: header, Titles: []string{"A_b"}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.DryRun || len(sink.saves) != 0 {
		t.Errorf("dry run saved: %+v", res)
	}
	if !strings.HasSuffix(res.Text, "* [[A b]]") {
		t.Errorf("rendered text = %q", res.Text)
	}
}

func TestPublish_SinkErrors(t *testing.T) {
	boom := errors.New("http 503")

	sink := newFakeSink(map[string]string{"P": "<!--M-->"})
	sink.readErr = boom
	if _, err := NewPublisher(sink, nil).Publish(context.Background(), Request{Page: "P", Marker: "<!--M-->", Header: header, Titles: []string{"A"}}); !errors.Is(err, boom) {
		t.Errorf("expected read error, got %v", err)
	}

	sink = newFakeSink(map[string]string{"P": "<!--M-->"})
	sink.saveErr = boom
	if _, err := NewPublisher(sink, nil).Publish(context.Background(), Request{Page: "P", Marker: "<!--M-->", Header: header, Titles: []string{"A"}}); !errors.Is(err, boom) {
		t.Errorf("expected save error, got %v", err)
	}
}

func TestDumpSorted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dumps")
	if err := DumpSorted(dir, "hidden_cats.txt", []string{"B", "A", "C"}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "hidden_cats.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "A\nB\nC\n" {
		t.Errorf("dump = %q", data)
	}
}
