package extractor

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/MikeSquared-Agency/emprende/internal/normalize"
)

// accentClasses lets an unaccented label match accented text and vice versa.
var accentClasses = map[rune]string{
	'a': "[aáàäâ]",
	'e': "[eéèëê]",
	'i': "[iíìïî]",
	'o': "[oóòöô]",
	'u': "[uúùüû]",
	'n': "[nñ]",
}

const (
	boundary  = `(?:^|[^\pL\pN])`
	separator = `[ \t]*[:\-–—][ \t]*`
)

var (
	paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
)

type anchor struct {
	field    Field
	find     *regexp.Regexp
	strip    *regexp.Regexp
	leading  *regexp.Regexp
	recovery []*regexp.Regexp
}

// Extractor segments document text into catalog fields.
type Extractor struct {
	catalog Catalog
	anchors []anchor
	logger  *slog.Logger
}

func New(catalog Catalog, logger *slog.Logger) *Extractor {
	e := &Extractor{catalog: catalog, logger: logger}
	for _, f := range catalog.Fields {
		alt := labelAlternation(f.Labels())
		a := anchor{
			field:   f,
			find:    anchorPattern(alt),
			strip:   regexp.MustCompile(`(?i)` + boundary + `(?:` + alt + `)[ \t]*[:\-–—]`),
			leading: regexp.MustCompile(`(?i)^(?:` + alt + `)(?:[^\pL\pN]|\z)`),
		}
		if f.HighValue {
			a.recovery = recoveryPatterns(f, catalog.StopWords)
		}
		e.anchors = append(e.anchors, a)
	}
	return e
}

// Catalog returns the anchor table this extractor was built from.
func (e *Extractor) Catalog() Catalog {
	return e.catalog
}

// Extract is a pure function of (text, catalog). Unresolved fields are nil.
func (e *Extractor) Extract(text string) Result {
	type hit struct {
		labelStart int
		valueStart int
	}

	hits := make([]*hit, len(e.anchors))
	pos := 0
	for i, a := range e.anchors {
		start, end, ok := a.findFrom(text, pos)
		if !ok {
			continue
		}
		hits[i] = &hit{labelStart: start, valueStart: end}
		pos = end
	}

	res := Result{Fields: make(FieldSet, len(e.anchors))}
	for i, a := range e.anchors {
		res.Fields[a.field.Name] = nil
		h := hits[i]
		if h == nil {
			continue
		}

		end := -1
		for j := i + 1; j < len(hits); j++ {
			if hits[j] != nil {
				end = hits[j].labelStart
				break
			}
		}
		if end < 0 {
			end = len(text)
			if br := paragraphBreak.FindStringIndex(text[h.valueStart:]); br != nil {
				end = h.valueStart + br[0]
			}
		}
		if end < h.valueStart {
			continue
		}
		res.Fields[a.field.Name] = a.clean(text[h.valueStart:end])
	}

	hasIdentity, identityFound := false, false
	for _, a := range e.anchors {
		name := a.field.Name
		if a.field.HighValue && res.Fields[name] == nil {
			if v := a.recover(text); v != nil {
				res.Fields[name] = v
				res.Recovered = append(res.Recovered, name)
			}
		}
		if a.field.HighValue && res.Fields[name] == nil {
			res.Incomplete = append(res.Incomplete, name)
		}
		if a.field.Identity {
			hasIdentity = true
			if res.Fields[name] != nil {
				identityFound = true
			}
		}
	}
	res.IdentityMissing = hasIdentity && !identityFound

	if e.logger != nil {
		e.logger.Debug("fields extracted",
			"resolved", len(e.anchors)-len(res.Fields.Missing(e.catalog.Names())),
			"total", len(e.anchors),
			"recovered", res.Recovered,
			"incomplete", res.Incomplete,
		)
	}
	return res
}

// Extract runs a one-off extraction with a freshly compiled catalog.
func Extract(text string, catalog Catalog) FieldSet {
	return New(catalog, nil).Extract(text).Fields
}

// anchorPattern matches a label at the start of a line followed by a
// separator or whitespace, or anywhere in a line when followed by an explicit
// separator. Group 1 or group 2 holds the label.
func anchorPattern(alt string) *regexp.Regexp {
	return regexp.MustCompile(`(?im)(?:^[ \t]*(` + alt + `)(?:` + separator + `|\s+|\z)|[^\pL\pN](` + alt + `)` + separator + `)`)
}

// findFrom returns the label start and match end of the first anchor hit
// whose label begins at or after pos. Matching runs over the whole text so
// that line starts are the real ones.
func (a anchor) findFrom(text string, pos int) (int, int, bool) {
	for _, loc := range a.find.FindAllStringSubmatchIndex(text, -1) {
		start := loc[2]
		if start < 0 {
			start = loc[4]
		}
		if start >= pos {
			return start, loc[1], true
		}
	}
	return 0, 0, false
}

// clean strips repeated anchor labels captured by over-greedy segmentation,
// collapses whitespace and maps empty values to nil.
func (a anchor) clean(raw string) *string {
	v := a.strip.ReplaceAllString(raw, " ")
	v = strings.TrimSpace(whitespaceRun.ReplaceAllString(v, " "))
	for {
		loc := a.leading.FindStringIndex(v)
		if loc == nil {
			break
		}
		v = strings.TrimSpace(v[loc[1]:])
	}
	v = strings.TrimLeft(v, ":-–— ")
	if v == "" {
		return nil
	}
	return &v
}

func (a anchor) recover(text string) *string {
	for _, re := range a.recovery {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if v := a.clean(m[1]); v != nil {
			return v
		}
	}
	return nil
}

// recoveryPatterns builds the looser keyword patterns used when anchor
// ordering missed a high-value field. The first form expects a colon within
// a short heading; the second takes whatever follows the keyword.
func recoveryPatterns(f Field, stopWords []string) []*regexp.Regexp {
	keywords := f.Keywords
	if len(keywords) == 0 {
		keywords = f.Labels()
	}
	own := make(map[string]bool)
	for _, k := range keywords {
		own[normalize.Text(k)] = true
	}
	var stops []string
	for _, s := range stopWords {
		if !own[normalize.Text(s)] {
			stops = append(stops, s)
		}
	}

	kw := labelAlternation(keywords)
	tail := `\z`
	if len(stops) > 0 {
		tail = boundary + `(?:` + labelAlternation(stops) + `)|\z`
	}
	return []*regexp.Regexp{
		regexp.MustCompile(`(?is)` + boundary + `(?:` + kw + `)[^\n:]{0,60}:\s*(.+?)(?:` + tail + `)`),
		regexp.MustCompile(`(?is)` + boundary + `(?:` + kw + `)[ \t]*[\-–—]?\s*(.+?)(?:` + tail + `)`),
	}
}

// labelAlternation returns an accent-tolerant alternation of the labels,
// longest first so "Correo electrónico" wins over "Correo".
func labelAlternation(labels []string) string {
	seen := make(map[string]bool)
	var pats []string
	for _, l := range labels {
		p := labelPattern(l)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		pats = append(pats, p)
	}
	sort.SliceStable(pats, func(i, j int) bool { return len(pats[i]) > len(pats[j]) })
	return strings.Join(pats, "|")
}

func labelPattern(label string) string {
	label = strings.TrimSpace(normalize.StripAccents(label))
	var sb strings.Builder
	inSpace := false
	for _, r := range label {
		if r == ' ' || r == '\t' || r == '\n' {
			if !inSpace {
				sb.WriteString(`\s+`)
			}
			inSpace = true
			continue
		}
		inSpace = false
		if class, ok := accentClasses[toLower(r)]; ok {
			sb.WriteString(class)
			continue
		}
		sb.WriteString(regexp.QuoteMeta(string(r)))
	}
	return sb.String()
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}
