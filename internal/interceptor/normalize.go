package interceptor

import (
	"regexp"
	"strings"
)

// stringLiteralRe and numberLiteralRe mask quoted strings and bare numeric
// literals. No SQL parser ships in the dependency set this project draws
// from, so template normalization is a regex pass rather than an AST walk
// (see DESIGN.md).
var (
	stringLiteralRe = regexp.MustCompile(`'(?:[^']|'')*'`)
	numberLiteralRe = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// Normalize reduces sql to a template signature with literals masked
// (spec.md §4.9 step 1), so two queries differing only in parameter
// values share one cache entry and one decision.
func Normalize(sql string) string {
	masked := stringLiteralRe.ReplaceAllString(sql, "?")
	masked = numberLiteralRe.ReplaceAllString(masked, "?")
	masked = whitespaceRe.ReplaceAllString(masked, " ")
	return strings.TrimSpace(masked)
}
