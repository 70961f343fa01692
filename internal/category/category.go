// Package category holds the value types shared by the category graph,
// the closure builder and the page classifier.
package category

import (
	"encoding/json"
	"sort"
	"strings"
)

// Namespaces used by the MediaWiki schema.
const (
	NamespaceArticle  = 0
	NamespaceCategory = 14
)

// Set is an unordered set of category names. Names are underscore-separated
// and compared byte for byte.
type Set map[string]struct{}

// NewSet builds a set from the given names.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Add inserts a name and reports whether it was not already present.
func (s Set) Add(name string) bool {
	if _, ok := s[name]; ok {
		return false
	}
	s[name] = struct{}{}
	return true
}

// Has reports membership. A nil set contains nothing.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Remove deletes a name from the set.
func (s Set) Remove(name string) {
	delete(s, name)
}

// Len returns the number of names.
func (s Set) Len() int { return len(s) }

// Union returns a new set holding the members of s and every other set.
func (s Set) Union(others ...Set) Set {
	n := len(s)
	for _, o := range others {
		n += len(o)
	}
	out := make(Set, n)
	for k := range s {
		out[k] = struct{}{}
	}
	for _, o := range others {
		for k := range o {
			out[k] = struct{}{}
		}
	}
	return out
}

// Sorted returns the members in codepoint order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array so cached blobs are stable.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of names.
func (s *Set) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewSet(names...)
	return nil
}

// Page is an article with its direct category memberships.
type Page struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	Categories Set    `json:"categories"`
}

// PageMap indexes pages by page ID.
type PageMap map[int64]*Page

// Add records a membership row, creating the page on first sight.
func (m PageMap) Add(id int64, title, cat string) {
	p, ok := m[id]
	if !ok {
		p = &Page{ID: id, Title: title, Categories: make(Set)}
		m[id] = p
	}
	p.Categories.Add(cat)
}

// Memberships returns the total number of page/category pairs.
func (m PageMap) Memberships() int {
	n := 0
	for _, p := range m {
		n += len(p.Categories)
	}
	return n
}

// DisplayTitle converts a stored title to its displayed form.
func DisplayTitle(title string) string {
	return strings.ReplaceAll(title, "_", " ")
}
