// Package classify decides which pages carry no substantive categorization.
// Every function here is pure: it reads page category sets, an allowed set and
// a pattern family, and never performs I/O.
package classify

import (
	"sort"

	"github.com/efebarandurmaz/katbot/internal/category"
)

// FullyExplained reports whether every category in cats is a member of allowed
// or matches pattern. A nil pattern excuses nothing. The empty set is always
// fully explained.
func FullyExplained(cats, allowed category.Set, pattern *category.Pattern) bool {
	for c := range cats {
		if allowed.Has(c) {
			continue
		}
		if pattern.Match(c) {
			continue
		}
		return false
	}
	return true
}

// IsBareBiography is rule A: the page has at least one biography-structure
// category, and every category it has is administrative or biography-structure.
func IsBareBiography(cats, hidden category.Set, biography *category.Pattern) bool {
	return biography.MatchAny(cats) && FullyExplained(cats, hidden, biography)
}

// IsMaintenanceOnly is rule B: every category on the page is administrative.
// No pattern excusal applies. A page without categories qualifies.
func IsMaintenanceOnly(cats, hidden category.Set) bool {
	return FullyExplained(cats, hidden, nil)
}

// Match is a page selected by a rule.
type Match struct {
	ID    int64
	Title string
}

// Matches is a list of selected pages.
type Matches []Match

// Titles returns the stored titles, deduplicated and sorted.
func (m Matches) Titles() []string {
	seen := make(category.Set, len(m))
	for _, p := range m {
		seen.Add(p.Title)
	}
	return seen.Sorted()
}

// IDs returns the page IDs in ascending order.
func (m Matches) IDs() []int64 {
	ids := make([]int64, len(m))
	for i, p := range m {
		ids[i] = p.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BareBiographies applies rule A to every page.
func BareBiographies(pages category.PageMap, hidden category.Set, biography *category.Pattern) Matches {
	var out Matches
	for _, p := range pages {
		if IsBareBiography(p.Categories, hidden, biography) {
			out = append(out, Match{ID: p.ID, Title: p.Title})
		}
	}
	return sorted(out)
}

// MaintenanceOnly applies rule B to every page.
func MaintenanceOnly(pages category.PageMap, hidden category.Set) Matches {
	var out Matches
	for _, p := range pages {
		if IsMaintenanceOnly(p.Categories, hidden) {
			out = append(out, Match{ID: p.ID, Title: p.Title})
		}
	}
	return sorted(out)
}

func sorted(m Matches) Matches {
	sort.Slice(m, func(i, j int) bool { return m[i].ID < m[j].ID })
	return m
}
