package classify

import (
	"context"
	"fmt"

	"github.com/efebarandurmaz/katbot/internal/category"
	"github.com/efebarandurmaz/katbot/internal/observability"
	"go.opentelemetry.io/otel/attribute"
)

// RuleKind names a classification rule in configuration.
type RuleKind string

const (
	RuleBiography   RuleKind = "biography"
	RuleMaintenance RuleKind = "maintenance"
)

// Rule is a configured classification pass.
type Rule struct {
	Kind    RuleKind
	Pattern *category.Pattern
}

// NewRule validates kind and compiles the pattern family it needs.
func NewRule(kind RuleKind, prefixes []string) (Rule, error) {
	switch kind {
	case RuleBiography:
		p, err := category.CompilePattern(prefixes...)
		if err != nil {
			return Rule{}, fmt.Errorf("biography rule: %w", err)
		}
		return Rule{Kind: kind, Pattern: p}, nil
	case RuleMaintenance:
		if len(prefixes) > 0 {
			return Rule{}, fmt.Errorf("maintenance rule takes no patterns")
		}
		return Rule{Kind: kind}, nil
	default:
		return Rule{}, fmt.Errorf("unknown rule %q", kind)
	}
}

// Apply runs the rule over every page, recording a span for the pass.
func (r Rule) Apply(ctx context.Context, pages category.PageMap, allowed category.Set) Matches {
	_, span := observability.StartStageSpan(ctx, "classify."+string(r.Kind),
		attribute.Int("classify.pages", len(pages)),
		attribute.Int("classify.allowed", allowed.Len()),
	)
	defer span.End()

	var out Matches
	switch r.Kind {
	case RuleBiography:
		out = BareBiographies(pages, allowed, r.Pattern)
	case RuleMaintenance:
		out = MaintenanceOnly(pages, allowed)
	}
	span.SetAttributes(attribute.Int("classify.matches", len(out)))
	return out
}
