// Package closure computes the maintenance closure: every category reachable
// from a root through sub-category edges, bounded by an exception set and a
// maximum depth.
package closure

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/efebarandurmaz/katbot/internal/category"
	"github.com/efebarandurmaz/katbot/internal/observability"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxDepth matches the historical traversal guard.
const DefaultMaxDepth = 12

// Policy decides what happens to an excepted category once it is reached.
type Policy string

const (
	// PolicyBarrier keeps the excepted category in the closure but never
	// expands it.
	PolicyBarrier Policy = "barrier"
	// PolicyExclude leaves the excepted category out of the closure and never
	// expands it.
	PolicyExclude Policy = "exclude"
)

// ParsePolicy validates a policy name. The empty string means PolicyBarrier.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(s)) {
	case "", PolicyBarrier:
		return PolicyBarrier, nil
	case PolicyExclude:
		return PolicyExclude, nil
	default:
		return "", fmt.Errorf("unknown exception policy %q (want %q or %q)", s, PolicyBarrier, PolicyExclude)
	}
}

// SubcategoryLister is the part of graph.Store the builder needs.
type SubcategoryLister interface {
	Subcategories(ctx context.Context, name string) ([]string, error)
}

// Options parameterize one closure build.
type Options struct {
	Root       string
	Exceptions category.Set
	// MaxDepth is the deepest level that is still expanded; the root is at
	// depth 0. Categories found below it are kept but not expanded.
	MaxDepth int
	Policy   Policy
	// HiddenOnly admits only categories present in Hidden.
	HiddenOnly bool
	Hidden     category.Set
}

// DepthWarning names a path whose last category was not expanded because it
// sits deeper than MaxDepth.
type DepthWarning struct {
	Path []string `json:"path"`
}

func (w DepthWarning) String() string {
	return strings.Join(w.Path, " > ")
}

// Result is the outcome of a build.
type Result struct {
	Categories category.Set   `json:"categories"`
	Truncated  []DepthWarning `json:"truncated,omitempty"`
	Expanded   int            `json:"expanded"`
	Duration   time.Duration  `json:"duration_ns"`
}

// Builder walks the sub-category relation of a store.
type Builder struct {
	store  SubcategoryLister
	logger *slog.Logger
}

// New creates a builder. A nil logger means slog.Default().
func New(store SubcategoryLister, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: store, logger: logger.With("component", "closure")}
}

// node is an arena entry; parent indexes the arena, -1 for the root.
type node struct {
	name   string
	parent int
	depth  int
}

// Build runs an iterative depth-first traversal from opts.Root. A category
// already in the result is never expanded a second time, which together with
// the depth guard makes cyclic graphs terminate. Store errors abort the build.
func (b *Builder) Build(ctx context.Context, opts Options) (*Result, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("closure root is empty")
	}
	if opts.MaxDepth < 0 {
		return nil, fmt.Errorf("closure max depth must not be negative, got %d", opts.MaxDepth)
	}
	policy, err := ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartStageSpan(ctx, "closure.build",
		attribute.String("closure.root", opts.Root),
		attribute.Int("closure.max_depth", opts.MaxDepth),
		attribute.String("closure.policy", string(policy)),
	)
	defer span.End()

	start := time.Now()
	res := &Result{Categories: category.NewSet(opts.Root)}
	arena := []node{{name: opts.Root, parent: -1}}
	stack := []int{0}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cur := arena[idx]

		if cur.depth > opts.MaxDepth {
			w := DepthWarning{Path: pathOf(arena, idx)}
			res.Truncated = append(res.Truncated, w)
			b.logger.Warn("category path exceeds max depth", "path", w.String(), "max_depth", opts.MaxDepth)
			continue
		}

		children, err := b.store.Subcategories(ctx, cur.name)
		if err != nil {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("expand %q: %w", cur.name, err)
		}
		res.Expanded++

		// Pushed in reverse so the store's order is the visiting order.
		for i := len(children) - 1; i >= 0; i-- {
			child := children[i]
			if opts.HiddenOnly && !opts.Hidden.Has(child) {
				continue
			}
			if opts.Exceptions.Has(child) {
				if policy == PolicyBarrier {
					res.Categories.Add(child)
				}
				continue
			}
			if !res.Categories.Add(child) {
				continue
			}
			arena = append(arena, node{name: child, parent: idx, depth: cur.depth + 1})
			stack = append(stack, len(arena)-1)
		}
	}

	res.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("closure.size", res.Categories.Len()),
		attribute.Int("closure.expanded", res.Expanded),
		attribute.Int("closure.truncated", len(res.Truncated)),
	)
	b.logger.Info("closure built",
		"root", opts.Root,
		"categories", res.Categories.Len(),
		"expanded", res.Expanded,
		"truncated", len(res.Truncated),
		"duration", res.Duration.Round(time.Millisecond),
	)
	return res, nil
}

func pathOf(arena []node, idx int) []string {
	var rev []string
	for i := idx; i >= 0; i = arena[i].parent {
		rev = append(rev, arena[i].name)
	}
	path := make([]string, len(rev))
	for i, n := range rev {
		path[len(rev)-1-i] = n
	}
	return path
}
