package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/efebarandurmaz/katbot/internal/observability"
)

// Sink reads and overwrites wiki pages.
type Sink interface {
	PageText(ctx context.Context, page string) (string, error)
	Save(ctx context.Context, page, text, summary string) error
}

// Request describes one report page update.
type Request struct {
	Page    string
	Marker  string
	Header  string
	Summary string
	Titles  []string
}

// Result is the outcome of Publish.
type Result struct {
	Page  string
	Count int
	// Skipped is set when there was nothing to publish.
	Skipped bool
	// Unchanged is set when the page already had the rendered content.
	Unchanged bool
	DryRun    bool
	Text      string
}

// Publisher writes rendered reports through a Sink.
type Publisher struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
	dryRun bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithClock overrides the time used for the header date.
func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

// WithDryRun renders and reads pages but never saves.
func WithDryRun(dryRun bool) PublisherOption {
	return func(p *Publisher) { p.dryRun = dryRun }
}

// NewPublisher creates a Publisher.
func NewPublisher(sink Sink, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{sink: sink, logger: logger.With("component", "report"), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Publish renders req.Titles after the marker on req.Page. An empty title
// list is skipped without touching the page. A missing marker fails with
// ErrMarkerNotFound before anything is saved.
func (p *Publisher) Publish(ctx context.Context, req Request) (*Result, error) {
	ctx, span := observability.StartStageSpan(ctx, "report.publish", attribute.String("report.page", req.Page))
	defer span.End()

	res := &Result{Page: req.Page, DryRun: p.dryRun}
	if len(req.Titles) == 0 {
		res.Skipped = true
		observability.RecordPublishResult(span, req.Page, 0, true)
		p.logger.Info("nothing to publish", "page", req.Page)
		return res, nil
	}

	current, err := p.sink.PageText(ctx, req.Page)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("read %s: %w", req.Page, err)
	}

	block := Render(req.Titles, req.Header, p.now())
	text, err := InsertAfterMarker(current, req.Marker, block)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("page %s: %w", req.Page, err)
	}
	res.Count = len(NormalizeTitles(req.Titles))
	res.Text = text
	observability.RecordPublishResult(span, req.Page, res.Count, false)

	switch {
	case p.dryRun:
		p.logger.Info("dry run, not saving", "page", req.Page, "count", res.Count)
		return res, nil
	case text == current:
		res.Unchanged = true
		p.logger.Info("page already up to date", "page", req.Page, "count", res.Count)
		return res, nil
	}

	if err := p.sink.Save(ctx, req.Page, text, req.Summary); err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("save %s: %w", req.Page, err)
	}
	p.logger.Info("new text saved", "page", req.Page, "count", res.Count)
	return res, nil
}
