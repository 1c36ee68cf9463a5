package authenticity

import (
	"strings"

	"github.com/MikeSquared-Agency/emprende/internal/normalize"
)

// Denylist holds disallowed title terms in normalized form.
type Denylist struct {
	terms []string
	raw   []string
}

// NewDenylist normalizes each term; blank terms are ignored.
func NewDenylist(terms []string) *Denylist {
	d := &Denylist{}
	for _, t := range terms {
		n := normalize.Text(t)
		if n == "" {
			continue
		}
		d.terms = append(d.terms, n)
		d.raw = append(d.raw, strings.TrimSpace(t))
	}
	return d
}

// Match reports the first denylisted term found in title as a whole-word
// (or whole-phrase) match, ignoring case and accents.
func (d *Denylist) Match(title string) (string, bool) {
	if d == nil || len(d.terms) == 0 {
		return "", false
	}
	padded := " " + normalize.Text(title) + " "
	for i, term := range d.terms {
		if strings.Contains(padded, " "+term+" ") {
			return d.raw[i], true
		}
	}
	return "", false
}

// Len returns the number of usable terms.
func (d *Denylist) Len() int {
	if d == nil {
		return 0
	}
	return len(d.terms)
}
