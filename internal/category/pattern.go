package category

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is a family of name prefixes compiled into one anchored alternation.
// A nil Pattern matches nothing.
type Pattern struct {
	prefixes []string
	re       *regexp.Regexp
}

// CompilePattern builds a Pattern from prefixes, preserving their order.
// Prefixes are literal text, not regular expressions.
func CompilePattern(prefixes ...string) (*Pattern, error) {
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("pattern family needs at least one prefix")
	}
	quoted := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" {
			return nil, fmt.Errorf("pattern family contains an empty prefix")
		}
		quoted = append(quoted, regexp.QuoteMeta(p))
	}
	re, err := regexp.Compile(`^(?:` + strings.Join(quoted, "|") + `)`)
	if err != nil {
		return nil, fmt.Errorf("compile pattern family: %w", err)
	}
	return &Pattern{prefixes: append([]string(nil), prefixes...), re: re}, nil
}

// MustCompilePattern is like CompilePattern but panics on error.
func MustCompilePattern(prefixes ...string) *Pattern {
	p, err := CompilePattern(prefixes...)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether name starts with one of the prefixes.
func (p *Pattern) Match(name string) bool {
	if p == nil {
		return false
	}
	return p.re.MatchString(name)
}

// MatchAny reports whether at least one name in the set matches.
func (p *Pattern) MatchAny(names Set) bool {
	if p == nil {
		return false
	}
	for n := range names {
		if p.re.MatchString(n) {
			return true
		}
	}
	return false
}

// Prefixes returns a copy of the prefix list.
func (p *Pattern) Prefixes() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.prefixes...)
}

func (p *Pattern) String() string {
	if p == nil {
		return "<none>"
	}
	return p.re.String()
}
