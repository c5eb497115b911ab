// Package scrub redacts structured PII patterns from free-text capture
// fields before they leave the capturing process.
package scrub

import (
	"regexp"
)

// RedactionToken replaces every matched sensitive substring.
const RedactionToken = "[REDACTED]"

// MaxTextLen bounds the text length, in runes, before pattern matching.
// Truncating first bounds the cost of regex evaluation on hostile input.
const MaxTextLen = 512

// pattern pairs a name with its compiled expression. The order is load
// bearing: broader patterns (card numbers) run after the more specific ones
// so partial overlaps redact cleanly.
type pattern struct {
	name string
	re   *regexp.Regexp
}

// patterns is the exhaustive, ordered PII pattern set. MustCompile makes a
// bad pattern fail at process start, never at first use.
var patterns = []pattern{
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{"iban", regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)},
	{"card", regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)},
	{"phone", regexp.MustCompile(`\+?\d{1,3}[ \-.]?\(?\d{2,4}\)?(?:[ \-.]?\d{2,4}){2,4}`)},
	{"home_path", regexp.MustCompile(`(?:/(?:Users|home)/|[A-Za-z]:\\Users\\)[^\s/\\]+(?:[/\\][^\s]*)?`)},
}

// Sanitize truncates text and replaces every PII match with the redaction
// token. A nil input returns nil: "no title" stays distinguishable from a
// fully-redacted title, which still carries its token(s). Sanitize is
// idempotent and safe for concurrent use.
func Sanitize(text *string) *string {
	if text == nil {
		return nil
	}

	s := truncate(*text, MaxTextLen)
	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, RedactionToken)
	}
	return &s
}

// SanitizeString is Sanitize for callers holding a plain string.
func SanitizeString(text string) string {
	return *Sanitize(&text)
}

// ContainsPII reports whether text matches any pattern without rewriting it.
// Used by logging paths that must decide visibility cheaply.
func ContainsPII(text string) bool {
	s := truncate(text, MaxTextLen)
	for _, p := range patterns {
		if p.re.MatchString(s) {
			return true
		}
	}
	return false
}

// truncate bounds s to n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
