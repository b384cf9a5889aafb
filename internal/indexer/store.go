package indexer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the narrow database seam this package needs: enough to run
// CREATE/DROP INDEX CONCURRENTLY and to read the existing index shape off
// pg_catalog. CREATE INDEX CONCURRENTLY cannot run inside a transaction
// block, so callers must pass a plain pool connection, not one already
// inside a Begin/Commit.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store drives the DDL half of C7 against pg_catalog directly.
type Store struct {
	db DBTX
}

// NewStore wraps a DBTX (expected to be acquired from the pool's
// long-running partition, per spec.md §5 pool discipline).
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// ExistingIndexSets returns, for table, each existing index's column name
// list in index-key order — used to skip proposing a duplicate of an index
// that already covers a candidate's field set.
func (s *Store) ExistingIndexSets(ctx context.Context, table string) ([][]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT i.indexrelid, a.attname
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE c.relname = $1
		ORDER BY i.indexrelid, array_position(i.indkey, a.attnum)
	`, table)
	if err != nil {
		return nil, fmt.Errorf("reading existing indexes for %s: %w", table, err)
	}
	defer rows.Close()

	var (
		out     [][]string
		current []string
		lastOID uint32
		first   = true
	)
	for rows.Next() {
		var oid uint32
		var col string
		if err := rows.Scan(&oid, &col); err != nil {
			return nil, fmt.Errorf("scanning existing index columns: %w", err)
		}
		if first || oid != lastOID {
			if len(current) > 0 {
				out = append(out, current)
			}
			current = nil
			lastOID = oid
			first = false
		}
		current = append(current, col)
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out, rows.Err()
}

// CreateIndexConcurrently runs a CREATE INDEX CONCURRENTLY statement built
// by BuildCreateSQL.
func (s *Store) CreateIndexConcurrently(ctx context.Context, sql string) error {
	_, err := s.db.Exec(ctx, sql)
	return err
}

// DropIndexConcurrently runs a DROP INDEX CONCURRENTLY statement built by
// BuildDropSQL, used for auto-rollback and C10-driven retirement.
func (s *Store) DropIndexConcurrently(ctx context.Context, sql string) error {
	_, err := s.db.Exec(ctx, sql)
	return err
}

// coveredBy reports whether existing (a column list in index-key order)
// already satisfies a query needing an index leading with fields — an
// index on (a, b, c) covers a lookup needing (a, b) or (a), but not (b, c).
func coveredBy(existing, fields []string) bool {
	if len(fields) > len(existing) {
		return false
	}
	for i, f := range fields {
		if existing[i] != f {
			return false
		}
	}
	return true
}
