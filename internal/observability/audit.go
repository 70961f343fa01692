package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventRunStart        AuditEventType = "run.start"
	AuditEventRunEnd          AuditEventType = "run.end"
	AuditEventReportPublished AuditEventType = "report.published"
	AuditEventReportSkipped   AuditEventType = "report.skipped"
	AuditEventReportFailed    AuditEventType = "report.failed"
	AuditEventReportDryRun    AuditEventType = "report.dry_run"
)

// AuditEvent is one line of the edit audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	RunID     string         `json:"run_id"`
	Report    string         `json:"report,omitempty"`
	Page      string         `json:"page,omitempty"`
	Count     int            `json:"count,omitempty"`
	Success   bool           `json:"success"`
	Duration  time.Duration  `json:"duration_ns,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditLogger appends JSON lines describing every wiki edit a run makes.
type AuditLogger struct {
	mu      sync.Mutex
	writer  io.Writer
	runID   string
	enabled bool
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Enabled    bool
	OutputPath string // File path or "stdout"/"stderr"
	RunID      string
}

// NewAuditLogger creates an audit logger. A disabled config yields a logger
// that discards everything.
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil || !config.Enabled {
		return &AuditLogger{}, nil
	}

	var writer io.Writer
	switch config.OutputPath {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		f, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		writer = f
	}

	return NewAuditWriter(writer, config.RunID), nil
}

// NewAuditWriter creates an enabled audit logger writing to w.
func NewAuditWriter(w io.Writer, runID string) *AuditLogger {
	return &AuditLogger{writer: w, runID: runID, enabled: true}
}

// Log writes an audit event.
func (l *AuditLogger) Log(event *AuditEvent) error {
	if l == nil || !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RunID == "" {
		event.RunID = l.runID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	_, err = fmt.Fprintf(l.writer, "%s\n", data)
	return err
}

// LogRunStart records the start of a run.
func (l *AuditLogger) LogRunStart(reports int) {
	_ = l.Log(&AuditEvent{
		EventType: AuditEventRunStart,
		Success:   true,
		Count:     reports,
	})
}

// LogRunEnd records the end of a run.
func (l *AuditLogger) LogRunEnd(success bool, duration time.Duration, err error) {
	ev := &AuditEvent{
		EventType: AuditEventRunEnd,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	_ = l.Log(ev)
}

// LogPublished records a saved report page.
func (l *AuditLogger) LogPublished(report, page string, count int, duration time.Duration) {
	_ = l.Log(&AuditEvent{
		EventType: AuditEventReportPublished,
		Report:    report,
		Page:      page,
		Count:     count,
		Success:   true,
		Duration:  duration,
	})
}

// LogSkipped records a report that had nothing to publish.
func (l *AuditLogger) LogSkipped(report, page, reason string) {
	_ = l.Log(&AuditEvent{
		EventType: AuditEventReportSkipped,
		Report:    report,
		Page:      page,
		Success:   true,
		Message:   reason,
	})
}

// LogDryRun records a rendered report that was not saved.
func (l *AuditLogger) LogDryRun(report, page string, count int) {
	_ = l.Log(&AuditEvent{
		EventType: AuditEventReportDryRun,
		Report:    report,
		Page:      page,
		Count:     count,
		Success:   true,
	})
}

// LogFailed records a report page that could not be updated.
func (l *AuditLogger) LogFailed(report, page string, err error) {
	ev := &AuditEvent{
		EventType: AuditEventReportFailed,
		Report:    report,
		Page:      page,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	_ = l.Log(ev)
}

// Close closes the audit logger (if using a file).
func (l *AuditLogger) Close() error {
	if l == nil {
		return nil
	}
	if closer, ok := l.writer.(io.Closer); ok {
		if closer != os.Stdout && closer != os.Stderr {
			return closer.Close()
		}
	}
	return nil
}
