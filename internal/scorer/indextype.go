package scorer

import "strings"

// IndexType enumerates the DDL shapes C7 can emit (spec.md §4.6
// "Index-type selection").
type IndexType string

const (
	IndexTypeBTree           IndexType = "btree"
	IndexTypeBTreeTemporal   IndexType = "btree_temporal"
	IndexTypeTextPattern     IndexType = "text_pattern_ops"
	IndexTypePartial         IndexType = "partial"
	IndexTypeExpressionLower IndexType = "expression_lower"
)

// QueryPattern summarizes how a field is used in predicates, enough to
// choose an index shape (spec.md §4.6).
type QueryPattern struct {
	FieldType      string // catalog field type, e.g. "timestamp", "text", "boolean"
	UsesEquality   bool
	UsesRange      bool
	UsesLikePrefix bool // LIKE 'prefix%'
	AlwaysNonNull  bool // every observed predicate filters IS NOT NULL
	AlwaysCaseFold bool // every observed predicate wraps the field in lower()/upper()
}

// SelectIndexType picks a DDL shape for a query pattern: equality maps to
// a plain btree; range predicates on a temporal field get a btree with a
// partition hint; LIKE 'prefix%' gets a text_pattern_ops expression index;
// a field always filtered non-null gets a partial index; a field always
// compared case-insensitively gets an expression index on lower(x).
func SelectIndexType(p QueryPattern) IndexType {
	if p.AlwaysCaseFold {
		return IndexTypeExpressionLower
	}
	if p.UsesLikePrefix {
		return IndexTypeTextPattern
	}
	if p.UsesRange && isTemporal(p.FieldType) {
		return IndexTypeBTreeTemporal
	}
	if p.AlwaysNonNull {
		return IndexTypePartial
	}
	return IndexTypeBTree
}

func isTemporal(fieldType string) bool {
	t := strings.ToLower(fieldType)
	return strings.Contains(t, "timestamp") || strings.Contains(t, "date") || strings.Contains(t, "time")
}

// IndexTypeFactor scales expected benefit by how reliably the chosen index
// type delivers on its query pattern (spec.md §4.6 "adjusted_benefit =
// expected_benefit × selectivity_factor × index_type_factor"). Expression
// and partial indexes carry a small discount: they serve only the matched
// predicate shape, so a shift in query patterns erodes their value faster
// than a plain btree's.
func IndexTypeFactor(t IndexType) float64 {
	switch t {
	case IndexTypeBTree, IndexTypeBTreeTemporal:
		return 1.0
	case IndexTypeTextPattern:
		return 0.9
	case IndexTypePartial:
		return 0.85
	case IndexTypeExpressionLower:
		return 0.85
	default:
		return 0.75
	}
}
