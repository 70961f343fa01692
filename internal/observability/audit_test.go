package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []AuditEvent {
	t.Helper()
	var events []AuditEvent
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestAuditLogger_Disabled(t *testing.T) {
	l, err := NewAuditLogger(&AuditConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Log(&AuditEvent{EventType: AuditEventRunStart}); err != nil {
		t.Fatalf("disabled logger should not fail: %v", err)
	}

	var nilLogger *AuditLogger
	nilLogger.LogRunStart(1)
	if err := nilLogger.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestAuditLogger_Events(t *testing.T) {
	var buf bytes.Buffer
	l := NewAuditWriter(&buf, "run-1")

	l.LogRunStart(2)
	l.LogPublished("biographies", "Wikipedia:Kategorifattige biografier", 12, 300*time.Millisecond)
	l.LogSkipped("maintenance", "Wikipedia:Artikler med kun vedlikeholdskategorier", "no matching pages")
	l.LogFailed("broken", "Wikipedia:Mangler markør", errors.New("marker not found"))
	l.LogRunEnd(false, time.Second, errors.New("1 page failed"))

	events := decodeLines(t, &buf)
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for _, ev := range events {
		if ev.RunID != "run-1" {
			t.Errorf("event %s has run id %q", ev.EventType, ev.RunID)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event %s has no timestamp", ev.EventType)
		}
	}
	if events[1].EventType != AuditEventReportPublished || events[1].Count != 12 {
		t.Errorf("unexpected published event: %+v", events[1])
	}
	if events[3].Success || events[3].Error != "marker not found" {
		t.Errorf("unexpected failed event: %+v", events[3])
	}
}

func TestAuditLogger_File(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.log")

	l, err := NewAuditLogger(&AuditConfig{Enabled: true, OutputPath: logPath, RunID: "r"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.LogDryRun("biographies", "Side", 3)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"event_type":"report.dry_run"`) {
		t.Errorf("unexpected file content: %s", data)
	}
}
