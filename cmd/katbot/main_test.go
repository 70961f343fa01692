package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/efebarandurmaz/katbot/internal/config"
	"github.com/efebarandurmaz/katbot/internal/graph/memory"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	s := memory.New()
	s.AddEdge("Opprydning", "Vedlikehold")
	s.SetHidden("Artikler_uten_kilder")
	s.AddPage(1, "Ole_Nordmann", "Fødsler_i_1950", "Artikler_uten_kilder")
	s.AddPage(2, "Tomt_innhold", "Opprydning")
	s.AddPage(3, "Kari_Nordmann", "Norske_forfattere")
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	fixture := filepath.Join(dir, "fixture.json")
	if err := os.WriteFile(fixture, data, 0o644); err != nil {
		t.Fatal(err)
	}

	yaml := "store:\n" +
		"  driver: fixture\n" +
		"  dsn: " + fixture + "\n" +
		"cache:\n" +
		"  dir: " + filepath.Join(dir, "cache") + "\n" +
		"closure:\n" +
		"  root: Vedlikehold\n" +
		"log:\n" +
		"  level: error\n"
	path := filepath.Join(dir, "katbot.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSelectReports(t *testing.T) {
	all := config.DefaultReports()

	got, err := selectReports(all, nil)
	if err != nil || len(got) != 2 {
		t.Fatalf("selectReports(nil) = %v, %v", got, err)
	}

	got, err = selectReports(all, []string{"maintenance"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "maintenance" {
		t.Errorf("selected = %+v", got)
	}

	if _, err := selectReports(all, []string{"maintenance", "orphans"}); err == nil || !strings.Contains(err.Error(), "orphans") {
		t.Errorf("expected unknown report error, got %v", err)
	}
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "closure", "classify", "schedule", "cache", "store"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing command %q in %v", want, names)
		}
	}
}

func TestRunReports_DryRun(t *testing.T) {
	var out bytes.Buffer
	err := runReports(context.Background(), writeConfig(t), runFlags{dryRun: true}, &out)
	if err != nil {
		t.Fatalf("runReports: %v", err)
	}
	if !strings.Contains(out.String(), "KATBOT RUN REPORT") {
		t.Errorf("summary missing:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "[dry-run]") {
		t.Errorf("reports should be dry runs:\n%s", out.String())
	}
}

func TestRunReports_JSON(t *testing.T) {
	var out bytes.Buffer
	err := runReports(context.Background(), writeConfig(t), runFlags{dryRun: true, json: true, reports: []string{"biographies"}}, &out)
	if err != nil {
		t.Fatal(err)
	}
	var m struct {
		Success bool `json:"success"`
		Reports []struct {
			Name    string `json:"name"`
			Matches int    `json:"matches"`
		} `json:"reports"`
	}
	if err := json.Unmarshal(out.Bytes(), &m); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if !m.Success || len(m.Reports) != 1 || m.Reports[0].Matches != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

func TestPrintClosure(t *testing.T) {
	var out bytes.Buffer
	if err := printClosure(context.Background(), writeConfig(t), false, &out); err != nil {
		t.Fatal(err)
	}
	got := strings.Fields(out.String())
	if diff := cmp.Diff([]string{"Opprydning", "Vedlikehold"}, got); diff != "" {
		t.Errorf("closure mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintClassification(t *testing.T) {
	path := writeConfig(t)

	var out bytes.Buffer
	if err := printClassification(context.Background(), path, "maintenance", false, &out); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != "Tomt_innhold" {
		t.Errorf("maintenance = %q", out.String())
	}

	if err := printClassification(context.Background(), path, "orphans", false, &out); err == nil {
		t.Error("expected error for unknown report")
	}
}

func TestExportSnapshotAndClearCache(t *testing.T) {
	path := writeConfig(t)
	snapshot := filepath.Join(t.TempDir(), "out.json")

	var out bytes.Buffer
	if err := exportSnapshot(context.Background(), path, snapshot, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "3 pages") {
		t.Errorf("export output = %q", out.String())
	}
	store, err := memory.Open(snapshot)
	if err != nil {
		t.Fatal(err)
	}
	subs, err := store.Subcategories(context.Background(), "Vedlikehold")
	if err != nil || len(subs) != 1 {
		t.Errorf("exported edges = %v, %v", subs, err)
	}

	out.Reset()
	if err := clearCache(context.Background(), path, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "Cleared file cache") {
		t.Errorf("clear output = %q", out.String())
	}
}
