package indexer

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/wisbric/indexadvisor/internal/scorer"
)

const maxPostgresIdentifierLen = 63

// IndexName deterministically derives a Postgres-safe index name from the
// table and field set: "idx_adv_<table>_<fields>", hashed down with a
// short FNV-1a suffix when the natural name would exceed Postgres's
// 63-byte identifier limit, so the same candidate always proposes the
// same name across passes (so rollback can drop an index this system
// already created by name).
func IndexName(table string, fields []string) string {
	base := "idx_adv_" + table + "_" + strings.Join(fields, "_")
	if len(base) <= maxPostgresIdentifierLen {
		return base
	}

	h := fnv.New32a()
	h.Write([]byte(base))
	suffix := fmt.Sprintf("_%x", h.Sum32())
	keep := maxPostgresIdentifierLen - len(suffix)
	if keep < 0 {
		keep = 0
	}
	return base[:keep] + suffix
}

// BuildCreateSQL composes the CREATE INDEX CONCURRENTLY statement for a
// candidate, shaped per spec.md §4.6's index-type rules. table and
// quotedFields must already have passed catalog.ValidateAndQuote.
func BuildCreateSQL(indexName, table string, quotedFields []string, indexType scorer.IndexType) string {
	cols := strings.Join(quotedFields, ", ")

	switch indexType {
	case scorer.IndexTypeTextPattern:
		parts := make([]string, len(quotedFields))
		for i, f := range quotedFields {
			parts[i] = f + " text_pattern_ops"
		}
		cols = strings.Join(parts, ", ")
		return fmt.Sprintf(`CREATE INDEX CONCURRENTLY %q ON %q (%s)`, indexName, table, cols)

	case scorer.IndexTypePartial:
		return fmt.Sprintf(`CREATE INDEX CONCURRENTLY %q ON %q (%s) WHERE %s IS NOT NULL`, indexName, table, cols, quotedFields[0])

	case scorer.IndexTypeExpressionLower:
		parts := make([]string, len(quotedFields))
		for i, f := range quotedFields {
			parts[i] = "lower(" + f + ")"
		}
		cols = strings.Join(parts, ", ")
		return fmt.Sprintf(`CREATE INDEX CONCURRENTLY %q ON %q (%s)`, indexName, table, cols)

	default: // btree, btree_temporal (the temporal-partition hint is not expressed in DDL)
		return fmt.Sprintf(`CREATE INDEX CONCURRENTLY %q ON %q (%s)`, indexName, table, cols)
	}
}

// BuildDropSQL composes the statement issued on rollback or C10 cleanup.
func BuildDropSQL(indexName string) string {
	return fmt.Sprintf(`DROP INDEX CONCURRENTLY IF EXISTS %q`, indexName)
}
