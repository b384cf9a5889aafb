package discovery

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DBTX is the narrow database seam this package needs.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// DBStore reads information_schema directly, the same way
// internal/catalog and internal/lifecycle read pg_catalog.
type DBStore struct {
	db DBTX
}

// NewStore wraps a DBTX.
func NewStore(db DBTX) *DBStore {
	return &DBStore{db: db}
}

// Columns returns every column of every base table in schema, excluding
// table names in exclude (golang-migrate's own bookkeeping table, by
// default).
func (s *DBStore) Columns(ctx context.Context, schema string, exclude []string) ([]Column, error) {
	rows, err := s.db.Query(ctx, `
		SELECT table_name, column_name, data_type, (is_nullable = 'NO')
		FROM information_schema.columns
		WHERE table_schema = $1
		  AND table_name <> ALL($2)
		  AND table_name IN (
			SELECT table_name FROM information_schema.tables
			WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		  )
		ORDER BY table_name, column_name
	`, schema, exclude)
	if err != nil {
		return nil, fmt.Errorf("reading information_schema.columns: %w", err)
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Table, &c.Field, &c.Type, &c.IsRequired); err != nil {
			return nil, fmt.Errorf("scanning information_schema.columns row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
