package discovery

// indexableTypes is the set of information_schema.columns.data_type values
// a secondary b-tree index can usefully target. Composite/unbounded types
// (json, arrays, large objects) are excluded — indexing them needs an
// operator's deliberate expression-index choice, not an automatic default.
var indexableTypes = map[string]bool{
	"smallint":                    true,
	"integer":                     true,
	"bigint":                      true,
	"numeric":                     true,
	"real":                        true,
	"double precision":            true,
	"character varying":          true,
	"character":                   true,
	"text":                        true,
	"boolean":                     true,
	"date":                        true,
	"timestamp without time zone": true,
	"timestamp with time zone":    true,
	"uuid":                        true,
	"inet":                        true,
}

// isIndexableType reports whether pgType is a scalar type worth indexing
// by default. Unrecognized types default to false: an unknown type is
// treated the same as a composite type until an operator opts it in.
func isIndexableType(pgType string) bool {
	return indexableTypes[pgType]
}
