package lifecycle

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/indexadvisor/internal/core"
)

// DBTX is the narrow database seam this package needs, matching
// internal/indexer's DBTX: pg_catalog/information_schema reads plus the
// one DDL statement (DROP INDEX CONCURRENTLY) this package ever issues.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DBStore drives C10's catalog reads against pg_catalog and
// information_schema directly, the same way internal/indexer.Store does
// for C7.
type DBStore struct {
	db DBTX
}

// NewStore wraps a DBTX.
func NewStore(db DBTX) *DBStore {
	return &DBStore{db: db}
}

// UnusedIndexes returns every non-constraint index at least minSizeKB in
// size that pg_stat_user_indexes has never recorded a scan against.
// Primary-key and unique indexes are excluded: dropping them would break
// the constraint they back, which is out of scope for a retirement pass.
func (s *DBStore) UnusedIndexes(ctx context.Context, minSizeKB int64) ([]IndexInfo, error) {
	rows, err := s.db.Query(ctx, `
		SELECT i.relname, t.relname, pg_relation_size(ix.indexrelid) / 1024, COALESCE(su.idx_scan, 0)
		FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_class t ON t.oid = ix.indrelid
		LEFT JOIN pg_stat_user_indexes su ON su.indexrelid = ix.indexrelid
		WHERE NOT ix.indisprimary
		  AND NOT ix.indisunique
		  AND COALESCE(su.idx_scan, 0) = 0
		  AND pg_relation_size(ix.indexrelid) / 1024 >= $1
		ORDER BY pg_relation_size(ix.indexrelid) DESC
	`, minSizeKB)
	if err != nil {
		return nil, fmt.Errorf("querying unused indexes: %w", err)
	}
	defer rows.Close()

	var out []IndexInfo
	for rows.Next() {
		var info IndexInfo
		if err := rows.Scan(&info.Name, &info.Table, &info.SizeKB, &info.IndexScans); err != nil {
			return nil, fmt.Errorf("scanning unused index row: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// AllIndexes returns every non-primary-key index across all tables with
// its columns in index-key order, for redundant-index detection.
func (s *DBStore) AllIndexes(ctx context.Context) ([]IndexInfo, error) {
	rows, err := s.db.Query(ctx, `
		SELECT i.relname, t.relname, a.attname, pg_relation_size(ix.indexrelid) / 1024
		FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE NOT ix.indisprimary
		ORDER BY t.relname, i.relname, array_position(ix.indkey, a.attnum)
	`)
	if err != nil {
		return nil, fmt.Errorf("querying all indexes: %w", err)
	}
	defer rows.Close()

	var (
		out     []IndexInfo
		current IndexInfo
		started bool
	)
	for rows.Next() {
		var name, table, col string
		var sizeKB int64
		if err := rows.Scan(&name, &table, &col, &sizeKB); err != nil {
			return nil, fmt.Errorf("scanning index column row: %w", err)
		}
		if !started || current.Name != name || current.Table != table {
			if started {
				out = append(out, current)
			}
			current = IndexInfo{Name: name, Table: table, SizeKB: sizeKB}
			started = true
		}
		current.Columns = append(current.Columns, col)
	}
	if started {
		out = append(out, current)
	}
	return out, rows.Err()
}

// BloatCandidates returns every table whose dead-tuple ratio
// (n_dead_tup / (n_live_tup + n_dead_tup)) is at or above floor.
func (s *DBStore) BloatCandidates(ctx context.Context, floor float64) ([]BloatCandidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT relname, n_live_tup, n_dead_tup
		FROM pg_stat_user_tables
		WHERE (n_live_tup + n_dead_tup) > 0
		  AND n_dead_tup::float8 / (n_live_tup + n_dead_tup) >= $1
		ORDER BY n_dead_tup DESC
	`, floor)
	if err != nil {
		return nil, fmt.Errorf("querying table bloat: %w", err)
	}
	defer rows.Close()

	var out []BloatCandidate
	for rows.Next() {
		var c BloatCandidate
		if err := rows.Scan(&c.Table, &c.LiveTuples, &c.DeadTuples); err != nil {
			return nil, fmt.Errorf("scanning bloat row: %w", err)
		}
		if total := c.LiveTuples + c.DeadTuples; total > 0 {
			c.DeadTupleRatio = float64(c.DeadTuples) / float64(total)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ForeignKeysWithoutIndex returns every foreign-key column with no index
// leading with that column, checking only the leading (first) key column
// of each candidate index since that is what a FK lookup or cascade scan
// actually needs.
func (s *DBStore) ForeignKeysWithoutIndex(ctx context.Context) ([]FKSuggestion, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tc.table_name, kcu.column_name, ccu.table_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND NOT EXISTS (
		    SELECT 1
		    FROM pg_index ix
		    JOIN pg_class t ON t.oid = ix.indrelid
		    JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ix.indkey[0]
		    WHERE t.relname = tc.table_name AND a.attname = kcu.column_name
		  )
	`)
	if err != nil {
		return nil, fmt.Errorf("querying foreign keys without index: %w", err)
	}
	defer rows.Close()

	var out []FKSuggestion
	for rows.Next() {
		var f FKSuggestion
		if err := rows.Scan(&f.Table, &f.Column, &f.References); err != nil {
			return nil, fmt.Errorf("scanning foreign key row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// TotalIndexSizeKB sums the on-disk size of every index in the database,
// for the monthly storage-budget review.
func (s *DBStore) TotalIndexSizeKB(ctx context.Context) (int64, error) {
	var totalKB int64
	row := s.db.QueryRow(ctx, `SELECT COALESCE(SUM(pg_relation_size(indexrelid)), 0) / 1024 FROM pg_index`)
	if err := row.Scan(&totalKB); err != nil {
		return 0, fmt.Errorf("summing index storage: %w", err)
	}
	return totalKB, nil
}

// DropIndexConcurrently runs a DROP INDEX CONCURRENTLY statement built by
// indexer.BuildDropSQL.
func (s *DBStore) DropIndexConcurrently(ctx context.Context, sql string) error {
	if _, err := s.db.Exec(ctx, sql); err != nil {
		return fmt.Errorf("%w: %v", core.ErrDDLFailure, err)
	}
	return nil
}
