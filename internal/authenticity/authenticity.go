// Package authenticity decides whether an uploaded document plausibly
// belongs to the reference template family without being the untouched
// template itself.
package authenticity

import (
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/MikeSquared-Agency/emprende/internal/document"
	"github.com/MikeSquared-Agency/emprende/internal/normalize"
)

// Default similarity band in percent. Both bounds are exclusive.
const (
	DefaultMinSimilarity = 5.0
	DefaultMaxSimilarity = 90.0
)

// Validator scores candidates against a fixed reference.
type Validator struct {
	Min float64
	Max float64
}

// New returns a validator for the given band, falling back to the defaults
// when the band is empty or inverted.
func New(min, max float64) *Validator {
	if min < 0 || max <= min || max > 100 {
		min, max = DefaultMinSimilarity, DefaultMaxSimilarity
	}
	return &Validator{Min: min, Max: max}
}

// Similarity returns the matching-blocks ratio of the two normalized texts
// as a percentage in [0,100]. Texts are compared as word sequences.
func Similarity(reference, candidate string) float64 {
	a := normalize.Words(reference)
	b := normalize.Words(candidate)
	if len(a) == 0 && len(b) == 0 {
		return 100
	}
	m := difflib.NewMatcherWithJunk(a, b, false, nil)
	return m.Ratio() * 100
}

// IsAuthentic accepts only candidates strictly inside the band.
func (v *Validator) IsAuthentic(reference, candidate string) bool {
	s := Similarity(reference, candidate)
	return s > v.Min && s < v.Max
}

// IsAuthentic applies the default band.
func IsAuthentic(reference, candidate string) bool {
	return New(DefaultMinSimilarity, DefaultMaxSimilarity).IsAuthentic(reference, candidate)
}

var unnamedColumn = regexp.MustCompile(`(?i)^unnamed:\s*\d+$`)

// SchemaMatches is the spreadsheet analogue of IsAuthentic: after dropping an
// unnamed leading index column (and a fully-null leading column on the
// candidate), column names must match exactly and at least one data row must
// carry a value.
func SchemaMatches(reference []string, candidate *document.Document) bool {
	if candidate == nil || !candidate.Tabular() {
		return false
	}
	ref := reference
	if len(ref) > 0 && isIndexHeader(ref[0]) {
		ref = ref[1:]
	}
	cols, rows := candidate.Columns, candidate.Rows
	if len(cols) > 0 && isIndexHeader(cols[0]) {
		cols, rows = cols[1:], trimFirst(rows)
	}
	if len(cols) > 0 && len(rows) > 0 && columnEmpty(rows, 0) {
		cols, rows = cols[1:], trimFirst(rows)
	}
	if len(ref) == 0 || len(ref) != len(cols) {
		return false
	}
	for i := range ref {
		if strings.TrimSpace(ref[i]) != strings.TrimSpace(cols[i]) {
			return false
		}
	}
	for _, row := range rows {
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				return true
			}
		}
	}
	return false
}

func isIndexHeader(h string) bool {
	h = strings.TrimSpace(h)
	return h == "" || unnamedColumn.MatchString(h)
}

func columnEmpty(rows [][]string, idx int) bool {
	for _, row := range rows {
		if idx < len(row) && strings.TrimSpace(row[idx]) != "" {
			return false
		}
	}
	return true
}

func trimFirst(rows [][]string) [][]string {
	out := make([][]string, len(rows))
	for i, row := range rows {
		if len(row) > 0 {
			out[i] = row[1:]
		}
	}
	return out
}
