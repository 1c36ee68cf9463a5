package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Text canonicalizes extracted document text for hashing and comparison.
// Steps, in order: NFD decomposition with combining marks removed, lowercase,
// drop everything outside [a-z0-9 \n], collapse whitespace runs to one space, trim.
func Text(s string) string {
	folded := strings.ToLower(StripAccents(s))

	var sb strings.Builder
	sb.Grow(len(folded))
	pendingSpace := false
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			pendingSpace = false
			sb.WriteRune(r)
		case r == ' ' || r == '\n' || unicode.IsSpace(r):
			pendingSpace = true
		}
	}
	return sb.String()
}

// StripAccents removes combining marks after canonical decomposition,
// e.g. "Solución" -> "Solucion". Case is preserved.
func StripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Words splits normalized text into its space-separated tokens.
func Words(s string) []string {
	return strings.Fields(Text(s))
}
