package temporal

import (
	"context"
	"errors"
	"log/slog"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/efebarandurmaz/katbot/internal/cache"
	"github.com/efebarandurmaz/katbot/internal/graph"
	"github.com/efebarandurmaz/katbot/internal/metrics"
	"github.com/efebarandurmaz/katbot/internal/observability"
	"github.com/efebarandurmaz/katbot/internal/pipeline"
	"github.com/efebarandurmaz/katbot/internal/report"
)

// PrepareResult summarizes the datasets written to the cache.
type PrepareResult struct {
	Hidden      int
	Closure     int
	Truncated   int
	Pages       int
	Memberships int
	Reports     []string
}

// PublishInput selects one report.
type PublishInput struct {
	Report string
	DryRun bool
}

// Dependencies holds shared resources injected into activities. Activities
// share datasets through Cache, so it must be a persistent backend.
type Dependencies struct {
	Store   graph.Store
	Sink    report.Sink
	Cache   cache.Cache
	Options pipeline.Options
	Logger  *slog.Logger
	Audit   *observability.AuditLogger
	Backend string
	// Metrics receives dataset and report gauges; nil disables them.
	Metrics *metrics.Pusher
}

var deps *Dependencies

// SetDependencies injects shared resources (called during worker setup).
func SetDependencies(d *Dependencies) {
	deps = d
}

func newRunner(refresh, dryRun bool) (*pipeline.Runner, error) {
	if deps == nil {
		return nil, temporal.NewNonRetryableApplicationError("activity dependencies not set", "Configuration", nil)
	}
	switch deps.Cache.(type) {
	case nil, cache.Noop, *cache.Noop:
		return nil, temporal.NewNonRetryableApplicationError("activities need a persistent cache to share datasets", "Configuration", nil)
	}
	opts := deps.Options
	opts.Refresh = refresh
	opts.DryRun = opts.DryRun || dryRun
	r, err := pipeline.New(pipeline.Deps{
		Store:   deps.Store,
		Sink:    deps.Sink,
		Cache:   deps.Cache,
		Logger:  deps.Logger,
		Audit:   deps.Audit,
		Backend: deps.Backend,
	}, opts)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "Configuration", err)
	}
	return r, nil
}

// prepare loads the dataset. A store failure is final: the store's own
// client already retried, so the activity must not run again.
func prepare(ctx context.Context, r *pipeline.Runner) (*pipeline.Dataset, error) {
	ds, err := r.Prepare(ctx)
	if errors.Is(err, graph.ErrDataAccess) {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "DataAccess", err)
	}
	return ds, err
}

// PrepareActivity loads the hidden set, the closure and the memberships
// into the cache.
func PrepareActivity(ctx context.Context, input ReportInput) (PrepareResult, error) {
	r, err := newRunner(input.Refresh, input.DryRun)
	if err != nil {
		return PrepareResult{}, err
	}
	activity.RecordHeartbeat(ctx, "prepare")

	ds, err := prepare(ctx, r)
	if err != nil {
		return PrepareResult{}, err
	}
	deps.Metrics.ObserveDataset(r.Metrics())
	res := PrepareResult{
		Hidden:      ds.Hidden.Len(),
		Pages:       len(ds.Pages),
		Memberships: ds.Pages.Memberships(),
		Reports:     r.Reports(),
	}
	if ds.Closure != nil {
		res.Closure = ds.Closure.Categories.Len()
		res.Truncated = len(ds.Closure.Truncated)
	}
	return res, nil
}

// PublishReportActivity publishes one report from the cached datasets. A
// page failure is returned in the outcome, not as an error, so a broken
// report page does not block the others.
func PublishReportActivity(ctx context.Context, input PublishInput) (pipeline.Outcome, error) {
	r, err := newRunner(false, input.DryRun)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	ds, err := prepare(ctx, r)
	if err != nil {
		return pipeline.Outcome{}, err
	}

	out, err := r.PublishReport(ctx, ds, input.Report)
	deps.Metrics.ObserveReport(metrics.ReportMetrics{Name: out.Name, Page: out.Page, Matches: out.Matches, Status: out.Status, Error: out.Error})
	if pushErr := deps.Metrics.Push(ctx); pushErr != nil {
		activity.GetLogger(ctx).Warn("pushing metrics failed", "error", pushErr)
	}
	var perr *pipeline.PublishError
	switch {
	case err == nil:
	case errors.As(err, &perr):
		activity.GetLogger(ctx).Warn("report not published", "report", input.Report, "error", err)
	default:
		return out, temporal.NewNonRetryableApplicationError(err.Error(), "Report", err)
	}
	return out, nil
}
