// Package metrics records what a report run did and exports it as a text
// summary, JSON and Prometheus gauges.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// RunMetrics collects statistics for a full report run.
type RunMetrics struct {
	mu sync.Mutex

	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Duration   time.Duration   `json:"duration_ns,omitempty"`
	Store      StoreMetrics    `json:"store"`
	Closure    ClosureMetrics  `json:"closure"`
	Cache      CacheMetrics    `json:"cache"`
	Stages     []StageMetrics  `json:"stages"`
	Reports    []ReportMetrics `json:"reports"`
	Success    bool            `json:"success"`
	Errors     []string        `json:"errors,omitempty"`
}

type StoreMetrics struct {
	Backend          string `json:"backend"`
	HiddenCategories int    `json:"hidden_categories"`
	PagesScanned     int    `json:"pages_scanned"`
	Memberships      int    `json:"memberships"`
}

type ClosureMetrics struct {
	Root      string `json:"root,omitempty"`
	Size      int    `json:"size"`
	Expanded  int    `json:"expanded"`
	Truncated int    `json:"truncated"`
}

type CacheMetrics struct {
	Hits   int `json:"hits"`
	Misses int `json:"misses"`
}

type StageMetrics struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration_ns"`
}

// ReportMetrics describes one report page.
type ReportMetrics struct {
	Name    string `json:"name"`
	Page    string `json:"page"`
	Matches int    `json:"matches"`
	// Status is published, unchanged, skipped, dry-run or failed.
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// New starts tracking a run.
func New() *RunMetrics {
	return &RunMetrics{StartedAt: time.Now()}
}

// AddStage records how long a stage took.
func (m *RunMetrics) AddStage(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stages = append(m.Stages, StageMetrics{Name: name, Duration: d})
}

// Time runs fn and records it as a stage.
func (m *RunMetrics) Time(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.AddStage(name, time.Since(start))
	return err
}

// AddReport records the outcome of one report.
func (m *RunMetrics) AddReport(r ReportMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reports = append(m.Reports, r)
}

// Failed reports how many reports ended in failure.
func (m *RunMetrics) Failed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.Reports {
		if r.Status == "failed" {
			n++
		}
	}
	return n
}

// Finish marks the run as complete.
func (m *RunMetrics) Finish(errs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FinishedAt = time.Now()
	m.Duration = m.FinishedAt.Sub(m.StartedAt)
	m.Errors = errs
	m.Success = len(errs) == 0
}

// PrintSummary writes a human-readable summary.
func (m *RunMetrics) PrintSummary(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := "OK"
	if !m.Success {
		status = "FAILED"
	}

	fmt.Fprintf(w, "\n╔══════════════════════════════════════╗\n")
	fmt.Fprintf(w, "║          KATBOT RUN REPORT           ║\n")
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	fmt.Fprintf(w, "║ Duration:    %-24s║\n", m.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "║ Status:      %-24s║\n", status)
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	fmt.Fprintf(w, "║ STORE (%s)\n", m.Store.Backend)
	fmt.Fprintf(w, "║   Hidden:      %d\n", m.Store.HiddenCategories)
	fmt.Fprintf(w, "║   Pages:       %d\n", m.Store.PagesScanned)
	fmt.Fprintf(w, "║   Memberships: %d\n", m.Store.Memberships)
	fmt.Fprintf(w, "║   Cache:       %d hits, %d misses\n", m.Cache.Hits, m.Cache.Misses)
	if m.Closure.Root != "" {
		fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
		fmt.Fprintf(w, "║ CLOSURE (%s)\n", m.Closure.Root)
		fmt.Fprintf(w, "║   Categories:  %d\n", m.Closure.Size)
		fmt.Fprintf(w, "║   Expanded:    %d\n", m.Closure.Expanded)
		fmt.Fprintf(w, "║   Too deep:    %d\n", m.Closure.Truncated)
	}
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	fmt.Fprintf(w, "║ STAGES\n")
	for _, s := range m.Stages {
		fmt.Fprintf(w, "║   %-16s %8s\n", s.Name, s.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	fmt.Fprintf(w, "║ REPORTS\n")
	reports := append([]ReportMetrics(nil), m.Reports...)
	sort.SliceStable(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })
	for _, r := range reports {
		fmt.Fprintf(w, "║   %-16s %6d  [%s]\n", r.Name, r.Matches, r.Status)
	}
	if len(m.Errors) > 0 {
		fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
		fmt.Fprintf(w, "║ ERRORS\n")
		for _, e := range m.Errors {
			fmt.Fprintf(w, "║   • %s\n", e)
		}
	}
	fmt.Fprintf(w, "╚══════════════════════════════════════╝\n")
}

// JSON returns the metrics as formatted JSON.
func (m *RunMetrics) JSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.MarshalIndent(m, "", "  ")
}
