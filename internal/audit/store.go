// Package audit implements C8: the immutable mutation/audit log every
// decision-making component appends to.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/indexadvisor/internal/core"
)

// DBTX is the narrow DB seam Store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the synchronous half of C8: a direct insert used wherever a
// mutation record must be written strictly before or after a side effect
// it describes (spec.md §4.8's "atomic with the operation" contract for
// DDL — see internal/indexer for how pre/post records bracket a DDL call).
type Store struct {
	db DBTX
}

// NewStore wraps a DBTX for mutation-log storage.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// Record inserts one MutationRecord and returns its assigned ID. Records
// are never updated or deleted; a correction is a later record of the
// appropriate kind (spec.md §4.8).
func (s *Store) Record(ctx context.Context, rec core.MutationRecord) (int64, error) {
	if rec.Payload == nil {
		rec.Payload = []byte("{}")
	}
	var id int64
	row := s.db.QueryRow(ctx, `
		INSERT INTO audit.mutations (tenant, kind, table_name, field_name, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id
	`, rec.Tenant, string(rec.Kind), rec.Table, rec.Field, rec.Payload)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrAuditWriteFailure, err)
	}
	return id, nil
}

// Filter narrows Recent's result set; zero-valued fields are unconstrained.
type Filter struct {
	Tenant *string
	Table  string
	Kind   core.MutationKind
	Since  time.Time
}

// Recent returns the most recent records matching filter, newest first,
// capped at limit (spec.md §4.8 "recent(filter, limit)").
func (s *Store) Recent(ctx context.Context, filter Filter, limit int) ([]core.MutationRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, tenant, kind, table_name, field_name, payload, occurred_at
		FROM audit.mutations
		WHERE ($1::text IS NULL OR tenant = $1)
		  AND ($2 = '' OR table_name = $2)
		  AND ($3 = '' OR kind = $3)
		  AND occurred_at >= $4
		ORDER BY occurred_at DESC, id DESC
		LIMIT $5
	`, filter.Tenant, filter.Table, string(filter.Kind), filter.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent mutations: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByIndex returns every record whose payload references indexName, newest
// first (spec.md §4.8 "by_index(name)").
func (s *Store) ByIndex(ctx context.Context, indexName string) ([]core.MutationRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, tenant, kind, table_name, field_name, payload, occurred_at
		FROM audit.mutations
		WHERE payload->>'index_name' = $1
		ORDER BY occurred_at DESC, id DESC
	`, indexName)
	if err != nil {
		return nil, fmt.Errorf("querying mutations by index: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Summary is an aggregate count of mutation kinds over a trailing window
// (spec.md §4.8 "summary(window)").
type Summary struct {
	Window time.Duration
	Counts map[core.MutationKind]int64
}

// Summary counts mutations by kind over the trailing window.
func (s *Store) Summary(ctx context.Context, window time.Duration) (Summary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT kind, count(*) FROM audit.mutations
		WHERE occurred_at >= now() - make_interval(secs => $1)
		GROUP BY kind
	`, window.Seconds())
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing mutations: %w", err)
	}
	defer rows.Close()

	out := Summary{Window: window, Counts: make(map[core.MutationKind]int64)}
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return Summary{}, fmt.Errorf("scanning mutation summary: %w", err)
		}
		out.Counts[core.MutationKind(kind)] = count
	}
	return out, rows.Err()
}

func scanRecords(rows pgx.Rows) ([]core.MutationRecord, error) {
	var out []core.MutationRecord
	for rows.Next() {
		var rec core.MutationRecord
		var kind string
		if err := rows.Scan(&rec.ID, &rec.Tenant, &kind, &rec.Table, &rec.Field, &rec.Payload, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("scanning mutation record: %w", err)
		}
		rec.Kind = core.MutationKind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}
