package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/wisbric/indexadvisor/internal/core"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s is a syntactically legal unquoted SQL
// identifier. This is necessary but not sufficient: callers must also
// confirm presence in the catalog (Catalog.IsValidated) before composing
// SQL with it — per spec.md §4.2, identifiers are validated against both
// the regex and catalog membership before any SQL composition.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// QuoteIdentifier double-quotes s for safe inclusion in composed SQL,
// escaping embedded quotes. Callers must validate with ValidIdentifier
// (and catalog membership) first; QuoteIdentifier itself does not consult
// the catalog — it exists so no call site ever builds SQL via raw string
// interpolation (spec.md §4.2).
func QuoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// ValidateAndQuote is the single helper every other component must go
// through before composing SQL that names table, field. It rejects any
// identifier that is not both syntactically valid and present in the
// catalog as an indexable field.
func (c *Catalog) ValidateAndQuote(table, field string) (quotedTable, quotedField string, err error) {
	if !ValidIdentifier(table) || !ValidIdentifier(field) {
		return "", "", fmt.Errorf("%w: %q.%q", core.ErrIdentifierRejected, table, field)
	}
	if !c.IsValidated(table, field) {
		return "", "", fmt.Errorf("%w: %q.%q", core.ErrUnknownField, table, field)
	}
	return QuoteIdentifier(table), QuoteIdentifier(field), nil
}
