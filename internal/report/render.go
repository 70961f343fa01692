// Package report renders classified titles as a wiki list and writes the
// list into an existing page after a marker.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/efebarandurmaz/katbot/internal/category"
)

// ErrMarkerNotFound is returned when the page body lacks the list marker.
var ErrMarkerNotFound = errors.New("report: list marker not found")

const dateLayout = "2006-01-02"

// NormalizeTitles converts titles to display form and sorts them by
// codepoint. Duplicates that collapse to the same display title are kept once.
func NormalizeTitles(titles []string) []string {
	seen := make(map[string]struct{}, len(titles))
	out := make([]string, 0, len(titles))
	for _, t := range titles {
		d := category.DisplayTitle(t)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// List renders display titles as one "* [[Title]]" line each.
func List(display []string) string {
	var b strings.Builder
	for i, t := range display {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("* [[")
		b.WriteString(t)
		b.WriteString("]]")
	}
	return b.String()
}

// Render builds the block that follows the marker: the header line, a
// blank line and the list. header takes the count and the date.
func Render(titles []string, header string, date time.Time) string {
	display := NormalizeTitles(titles)
	return fmt.Sprintf(header, len(display), date.Format(dateLayout)) + "\n\n" + List(display)
}

// CheckHeader reports whether header formats a count and then a date, that
// is whether its only verbs are one %d followed by one %s.
func CheckHeader(header string) error {
	var verbs []byte
	for i := 0; i < len(header); i++ {
		if header[i] != '%' {
			continue
		}
		i++
		for i < len(header) && strings.IndexByte("+-# 0123456789.", header[i]) >= 0 {
			i++
		}
		if i == len(header) {
			return fmt.Errorf("header %q ends inside a verb", header)
		}
		if header[i] == '%' {
			continue
		}
		verbs = append(verbs, header[i])
	}
	if string(verbs) != "ds" {
		return fmt.Errorf("header %q must contain %%d for the count and then %%s for the date", header)
	}
	return nil
}

// InsertAfterMarker keeps body up to and including the first marker and
// replaces everything after it with block.
func InsertAfterMarker(body, marker, block string) (string, error) {
	p := strings.Index(body, marker)
	if marker == "" || p < 0 {
		return "", fmt.Errorf("%w: %q", ErrMarkerNotFound, marker)
	}
	return body[:p+len(marker)] + block, nil
}

// DumpSorted writes lines, sorted and newline-terminated, to dir/name.
func DumpSorted(dir, name string, lines []string) error {
	sorted := append([]string(nil), lines...)
	sort.Strings(sorted)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dump directory: %w", err)
	}
	var b strings.Builder
	for _, l := range sorted {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write dump %s: %w", path, err)
	}
	return nil
}
