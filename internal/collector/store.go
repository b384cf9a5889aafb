package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/indexadvisor/internal/core"
)

// DBTX matches catalog.DBTX's shape; duplicated rather than shared to keep
// collector free of a catalog import for this narrow seam.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists telemetry.events batches and serves the aggregation reads
// C7's candidate-selection phase needs.
type Store struct {
	db DBTX
}

// NewStore wraps a DBTX for telemetry storage.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// InsertBatch writes a batch of events using pgx's CopyFrom for throughput;
// per-thread order is preserved within the batch (spec.md §4.3), but no
// ordering is guaranteed across concurrently flushing buffers.
func (s *Store) InsertBatch(ctx context.Context, events []core.QueryEvent) error {
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{e.Tenant, e.Table, e.Field, string(e.Kind), e.DurationMS, e.OccurredAt}
	}

	_, err := s.db.(interface {
		CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	}).CopyFrom(ctx, pgx.Identifier{"telemetry", "events"},
		[]string{"tenant", "table_name", "field_name", "kind", "duration_ms", "occurred_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copying telemetry batch: %w", err)
	}
	return nil
}

// FieldActivity summarizes one (tenant, table, field)'s traffic over a window.
type FieldActivity struct {
	Tenant        *string
	Table         string
	Field         string
	QueryCount    int64
	ReadCount     int64
	WriteCount    int64
	AvgDurationMS float64
	P95DurationMS float64
}

// Aggregate reports per-(tenant, table, field) activity since windowStart,
// feeding C7's candidate-selection phase (spec.md §4.7 step 1).
func (s *Store) Aggregate(ctx context.Context, windowStart time.Time) ([]FieldActivity, error) {
	rows, err := s.db.Query(ctx, `
		SELECT
			tenant, table_name, field_name,
			count(*) AS query_count,
			count(*) FILTER (WHERE kind = 'read') AS read_count,
			count(*) FILTER (WHERE kind = 'write') AS write_count,
			avg(duration_ms) AS avg_duration_ms,
			percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms) AS p95_duration_ms
		FROM telemetry.events
		WHERE occurred_at >= $1 AND field_name IS NOT NULL
		GROUP BY tenant, table_name, field_name
	`, windowStart)
	if err != nil {
		return nil, fmt.Errorf("aggregating telemetry: %w", err)
	}
	defer rows.Close()

	var out []FieldActivity
	for rows.Next() {
		var a FieldActivity
		var field *string
		if err := rows.Scan(&a.Tenant, &a.Table, &field, &a.QueryCount, &a.ReadCount, &a.WriteCount, &a.AvgDurationMS, &a.P95DurationMS); err != nil {
			return nil, fmt.Errorf("scanning aggregate: %w", err)
		}
		if field != nil {
			a.Field = *field
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune deletes events older than olderThan. Nothing in this module calls
// it; the lifecycle manager's passes do not prune telemetry.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM telemetry.events WHERE occurred_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning telemetry events: %w", err)
	}
	return tag.RowsAffected(), nil
}
