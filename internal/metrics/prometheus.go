package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Pusher mirrors RunMetrics into Prometheus gauges and pushes them to a
// Pushgateway. Batch runs finish before any scrape, hence the push model.
type Pusher struct {
	registry *prometheus.Registry
	url      string
	job      string

	closureSize   prometheus.Gauge
	pagesScanned  prometheus.Gauge
	reportMatches *prometheus.GaugeVec
	runDuration   prometheus.Gauge
	lastSuccess   prometheus.Gauge
	failedReports prometheus.Gauge
}

// NewPusher creates a Pusher. An empty url disables Push but the gauges are
// still updated by Observe.
func NewPusher(url, job string) *Pusher {
	if job == "" {
		job = "katbot"
	}
	p := &Pusher{
		registry: prometheus.NewRegistry(),
		url:      url,
		job:      job,
		closureSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "katbot_closure_size",
			Help: "Number of categories in the maintenance closure",
		}),
		pagesScanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "katbot_pages_scanned",
			Help: "Number of articles whose categories were classified",
		}),
		reportMatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "katbot_report_matches",
			Help: "Number of pages listed by each report",
		}, []string{"report"}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "katbot_run_duration_seconds",
			Help: "Wall time of the last run",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "katbot_last_success_timestamp_seconds",
			Help: "Unix time of the last run that finished without errors",
		}),
		failedReports: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "katbot_failed_reports",
			Help: "Number of report pages that could not be updated in the last run",
		}),
	}
	p.registry.MustRegister(p.closureSize, p.pagesScanned, p.reportMatches, p.runDuration, p.lastSuccess, p.failedReports)
	return p
}

// Registry exposes the gauges, for tests and for an optional /metrics handler.
func (p *Pusher) Registry() *prometheus.Registry { return p.registry }

// Observe copies m into the gauges.
func (p *Pusher) Observe(m *RunMetrics) {
	if p == nil {
		return
	}
	failed := m.Failed()
	p.ObserveDataset(m)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.Reports {
		p.reportMatches.WithLabelValues(r.Name).Set(float64(r.Matches))
	}
	p.runDuration.Set(m.Duration.Seconds())
	p.failedReports.Set(float64(failed))
	if m.Success {
		p.lastSuccess.Set(float64(m.FinishedAt.Unix()))
	}
}

// ObserveDataset copies the closure and store counts of m.
func (p *Pusher) ObserveDataset(m *RunMetrics) {
	if p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p.closureSize.Set(float64(m.Closure.Size))
	p.pagesScanned.Set(float64(m.Store.PagesScanned))
}

// ObserveReport updates the gauge of a single report, for callers that
// publish reports one at a time.
func (p *Pusher) ObserveReport(r ReportMetrics) {
	if p == nil {
		return
	}
	p.reportMatches.WithLabelValues(r.Name).Set(float64(r.Matches))
}

// Push sends the gauges to the Pushgateway. Without a url it does nothing.
func (p *Pusher) Push(ctx context.Context) error {
	if p == nil || p.url == "" {
		return nil
	}
	if err := push.New(p.url, p.job).Gatherer(p.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
