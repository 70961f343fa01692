// Package pipeline runs a complete report job: load the hidden set and the
// page memberships, build the maintenance closure, classify pages and
// publish every configured report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/efebarandurmaz/katbot/internal/cache"
	"github.com/efebarandurmaz/katbot/internal/category"
	"github.com/efebarandurmaz/katbot/internal/classify"
	"github.com/efebarandurmaz/katbot/internal/closure"
	"github.com/efebarandurmaz/katbot/internal/config"
	"github.com/efebarandurmaz/katbot/internal/graph"
	"github.com/efebarandurmaz/katbot/internal/metrics"
	"github.com/efebarandurmaz/katbot/internal/observability"
	"github.com/efebarandurmaz/katbot/internal/report"
)

// Report status values recorded in metrics and returned to callers.
const (
	StatusPublished = "published"
	StatusUnchanged = "unchanged"
	StatusSkipped   = "skipped"
	StatusDryRun    = "dry-run"
	StatusFailed    = "failed"
)

// Deps are the collaborators of a Runner.
type Deps struct {
	Store  graph.Store
	Sink   report.Sink
	Cache  cache.Cache
	Logger *slog.Logger
	Audit  *observability.AuditLogger
	// Backend names the store in metrics.
	Backend string
}

// Options select what a run does.
type Options struct {
	Closure       config.ClosureConfig
	HiddenExclude []string
	Reports       []config.ReportConfig
	DumpDir       string
	DryRun        bool
	Refresh       bool
	Now           func() time.Time
}

// OptionsFromConfig copies the run-relevant parts of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Closure:       cfg.Closure,
		HiddenExclude: cfg.Hidden.Exclude,
		Reports:       cfg.Reports,
		DumpDir:       cfg.DumpDir,
	}
}

type job struct {
	cfg  config.ReportConfig
	rule classify.Rule
}

// Runner executes report jobs.
type Runner struct {
	deps    Deps
	opts    Options
	jobs    []job
	memo    *cache.Memo
	policy  closure.Policy
	base    *slog.Logger // handed to collaborators that add their own component
	logger  *slog.Logger
	metrics *metrics.RunMetrics
}

// New validates the options and compiles every report rule.
func New(deps Deps, opts Options) (*Runner, error) {
	if deps.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	policy, err := closure.ParsePolicy(opts.Closure.Policy)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		deps:    deps,
		opts:    opts,
		policy:  policy,
		base:    logger,
		logger:  logger.With("component", "pipeline"),
		metrics: metrics.New(),
		memo:    &cache.Memo{Cache: deps.Cache, Refresh: opts.Refresh, Logger: logger.With("component", "cache")},
	}
	for _, rc := range opts.Reports {
		rc = rc.Resolved()
		if err := report.CheckHeader(rc.Header); err != nil {
			return nil, fmt.Errorf("report %s: %w", rc.Name, err)
		}
		rule, err := classify.NewRule(classify.RuleKind(rc.Rule), rc.Patterns)
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", rc.Name, err)
		}
		r.jobs = append(r.jobs, job{cfg: rc, rule: rule})
	}
	return r, nil
}

// Metrics returns the metrics of the current or last run.
func (r *Runner) Metrics() *metrics.RunMetrics { return r.metrics }

// Reports lists the configured report names in order.
func (r *Runner) Reports() []string {
	names := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		names[i] = j.cfg.Name
	}
	return names
}

// Dataset holds everything classification reads. It is not modified after
// Prepare returns.
type Dataset struct {
	Hidden  category.Set
	Closure *closure.Result
	Pages   category.PageMap
	// Excluded names are never administrative, even when the closure
	// reaches them.
	Excluded category.Set
}

// Allowed is the administrative set: hidden categories plus the closure,
// minus the excluded names.
func (d *Dataset) Allowed() category.Set {
	var closed category.Set
	if d.Closure != nil {
		closed = d.Closure.Categories
	}
	allowed := d.Hidden.Union(closed)
	for name := range d.Excluded {
		allowed.Remove(name)
	}
	return allowed
}

// LoadHidden returns the hidden categories minus the configured exclusions.
func (r *Runner) LoadHidden(ctx context.Context) (category.Set, error) {
	hidden, err := cache.Memoize(ctx, r.memo, cache.KeyHidden, func(ctx context.Context) (category.Set, error) {
		return r.deps.Store.HiddenCategories(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("load hidden categories: %w", err)
	}
	hidden = hidden.Union()
	for _, name := range r.opts.HiddenExclude {
		hidden.Remove(name)
	}
	r.logger.Info("hidden categories", "count", hidden.Len(), "excluded", len(r.opts.HiddenExclude))
	return hidden, nil
}

// BuildClosure computes the maintenance closure. It returns nil when no root
// is configured.
func (r *Runner) BuildClosure(ctx context.Context, hidden category.Set) (*closure.Result, error) {
	cc := r.opts.Closure
	if cc.Root == "" {
		return nil, nil
	}
	opts := closure.Options{
		Root:       cc.Root,
		Exceptions: category.NewSet(cc.Exceptions...),
		MaxDepth:   cc.MaxDepth,
		Policy:     r.policy,
		HiddenOnly: cc.HiddenOnly,
		Hidden:     hidden,
	}
	key := cache.Key(cache.KeyClosure, r.closureKeyParts()...)
	res, err := cache.Memoize(ctx, r.memo, key, func(ctx context.Context) (*closure.Result, error) {
		return closure.New(r.deps.Store, r.base).Build(ctx, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("build closure: %w", err)
	}
	return res, nil
}

func (r *Runner) closureKeyParts() []string {
	cc := r.opts.Closure
	parts := []string{cc.Root, strconv.Itoa(cc.MaxDepth), string(r.policy), strconv.FormatBool(cc.HiddenOnly)}
	parts = append(parts, category.NewSet(cc.Exceptions...).Sorted()...)
	if cc.HiddenOnly {
		parts = append(parts, "exclude:"+strings.Join(category.NewSet(r.opts.HiddenExclude...).Sorted(), "|"))
	}
	return parts
}

// LoadPages returns the category memberships of every article.
func (r *Runner) LoadPages(ctx context.Context) (category.PageMap, error) {
	pages, err := cache.Memoize(ctx, r.memo, cache.KeyPageCategories, func(ctx context.Context) (category.PageMap, error) {
		return r.deps.Store.PageCategories(ctx, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("load page categories: %w", err)
	}
	r.logger.Info("read category memberships", "pages", len(pages), "memberships", pages.Memberships())
	return pages, nil
}

// Prepare loads or computes the dataset. Any store failure aborts.
func (r *Runner) Prepare(ctx context.Context) (*Dataset, error) {
	ds := &Dataset{Excluded: category.NewSet(r.opts.HiddenExclude...)}
	var err error

	if err = r.metrics.Time("hidden", func() error {
		ds.Hidden, err = r.LoadHidden(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err = r.metrics.Time("closure", func() error {
		ds.Closure, err = r.BuildClosure(ctx, ds.Hidden)
		return err
	}); err != nil {
		return nil, err
	}
	if err = r.metrics.Time("memberships", func() error {
		ds.Pages, err = r.LoadPages(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	r.metrics.Store = metrics.StoreMetrics{
		Backend:          r.deps.Backend,
		HiddenCategories: ds.Hidden.Len(),
		PagesScanned:     len(ds.Pages),
		Memberships:      ds.Pages.Memberships(),
	}
	if ds.Closure != nil {
		r.metrics.Closure = metrics.ClosureMetrics{
			Root:      r.opts.Closure.Root,
			Size:      ds.Closure.Categories.Len(),
			Expanded:  ds.Closure.Expanded,
			Truncated: len(ds.Closure.Truncated),
		}
	}
	hits, misses := r.memo.Stats()
	r.metrics.Cache = metrics.CacheMetrics{Hits: hits, Misses: misses}

	if r.opts.DumpDir != "" {
		if err := report.DumpSorted(r.opts.DumpDir, "hidden_cats.txt", ds.Hidden.Sorted()); err != nil {
			r.logger.Warn("dump failed", "error", err)
		}
	}
	return ds, nil
}

func (r *Runner) job(name string) (job, error) {
	for _, j := range r.jobs {
		if j.cfg.Name == name {
			return j, nil
		}
	}
	return job{}, fmt.Errorf("unknown report %q", name)
}

// Classify applies the named report's rule to ds.
func (r *Runner) Classify(ctx context.Context, ds *Dataset, name string) (classify.Matches, error) {
	j, err := r.job(name)
	if err != nil {
		return nil, err
	}
	matches := j.rule.Apply(ctx, ds.Pages, ds.Allowed())
	r.logger.Info("classified", "report", name, "matches", len(matches))
	return matches, nil
}

// Outcome is the result of one report.
type Outcome struct {
	Name    string `json:"name"`
	Page    string `json:"page"`
	Matches int    `json:"matches"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	// MarkerMissing is set when the page lacks the list marker.
	MarkerMissing bool `json:"marker_missing,omitempty"`
}

// PublishReport classifies and publishes one report. A failure is returned
// as *PublishError and recorded in the outcome.
func (r *Runner) PublishReport(ctx context.Context, ds *Dataset, name string) (Outcome, error) {
	j, err := r.job(name)
	if err != nil {
		return Outcome{Name: name, Status: StatusFailed, Error: err.Error()}, err
	}
	start := time.Now()

	matches, _ := r.Classify(ctx, ds, name)
	titles := matches.Titles()
	out := Outcome{Name: name, Page: j.cfg.Page, Matches: len(titles)}

	if r.opts.DumpDir != "" {
		if err := report.DumpSorted(r.opts.DumpDir, name+".txt", titles); err != nil {
			r.logger.Warn("dump failed", "report", name, "error", err)
		}
	}

	var res *report.Result
	if r.deps.Sink == nil {
		// Without a wiki there is nothing to read or write.
		res = &report.Result{Page: j.cfg.Page, DryRun: true, Skipped: len(titles) == 0, Count: len(titles)}
	} else {
		pub := report.NewPublisher(r.deps.Sink, r.base,
			report.WithDryRun(r.opts.DryRun),
			report.WithClock(r.opts.Now),
		)
		res, err = pub.Publish(ctx, report.Request{
			Page:    j.cfg.Page,
			Marker:  j.cfg.Marker,
			Header:  j.cfg.Header,
			Summary: j.cfg.Summary,
			Titles:  titles,
		})
	}

	switch {
	case err != nil:
		perr := &PublishError{Report: name, Page: j.cfg.Page, Err: err}
		out.Status = StatusFailed
		out.Error = err.Error()
		out.MarkerMissing = errors.Is(err, report.ErrMarkerNotFound)
		r.logger.Error("report failed", "report", name, "page", j.cfg.Page, "error", err)
		r.deps.Audit.LogFailed(name, j.cfg.Page, err)
		r.record(out)
		return out, perr
	case res.Skipped:
		out.Status = StatusSkipped
		r.deps.Audit.LogSkipped(name, j.cfg.Page, "no matching pages")
	case res.DryRun:
		out.Status = StatusDryRun
		r.deps.Audit.LogDryRun(name, j.cfg.Page, res.Count)
	case res.Unchanged:
		out.Status = StatusUnchanged
		r.deps.Audit.LogSkipped(name, j.cfg.Page, "page already up to date")
	default:
		out.Status = StatusPublished
		r.deps.Audit.LogPublished(name, j.cfg.Page, res.Count, time.Since(start))
	}
	r.record(out)
	return out, nil
}

func (r *Runner) record(o Outcome) {
	r.metrics.AddReport(metrics.ReportMetrics{Name: o.Name, Page: o.Page, Matches: o.Matches, Status: o.Status, Error: o.Error})
}

// Run executes the whole job. A data access failure aborts immediately.
// Report failures are isolated: every report is attempted and the failures
// are returned joined with ErrPublishFailed.
func (r *Runner) Run(ctx context.Context) ([]Outcome, error) {
	r.metrics = metrics.New()
	ctx, span := observability.StartStageSpan(ctx, "pipeline.run", attribute.Int("pipeline.reports", len(r.jobs)))
	defer span.End()

	r.deps.Audit.LogRunStart(len(r.jobs))
	finish := func(err error) {
		var errs []string
		if err != nil {
			errs = append(errs, err.Error())
			observability.RecordError(span, err)
		}
		r.metrics.Finish(errs)
		r.deps.Audit.LogRunEnd(err == nil, r.metrics.Duration, err)
	}

	ds, err := r.Prepare(ctx)
	if err != nil {
		finish(err)
		return nil, err
	}

	var (
		outcomes []Outcome
		failures []error
	)
	err = r.metrics.Time("publish", func() error {
		for _, j := range r.jobs {
			out, err := r.PublishReport(ctx, ds, j.cfg.Name)
			outcomes = append(outcomes, out)
			if err != nil {
				failures = append(failures, err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return nil
	})
	if err == nil && len(failures) > 0 {
		err = errors.Join(append([]error{ErrPublishFailed}, failures...)...)
	}
	finish(err)
	return outcomes, err
}
