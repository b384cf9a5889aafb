package safeguards

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// IndexCounter is the narrow DB seam WriteOverheadGuard needs to count a
// table's existing indexes.
type IndexCounter interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WriteOverheadGuard is the write-overhead gate (spec.md §4.5
// "Write-overhead guard"): denies when a table already carries maxIndexes
// or more indexes. It does not estimate the per-write overhead of adding
// another index. May be disabled.
type WriteOverheadGuard struct {
	db         IndexCounter
	enabled    bool
	maxIndexes int
}

// NewWriteOverheadGuard constructs a WriteOverheadGuard.
func NewWriteOverheadGuard(db IndexCounter, maxIndexes int, enabled bool) *WriteOverheadGuard {
	return &WriteOverheadGuard{db: db, enabled: enabled, maxIndexes: maxIndexes}
}

func (w *WriteOverheadGuard) Name() string { return "write_overhead_guard" }

func (w *WriteOverheadGuard) Check(ctx context.Context, target Target) Verdict {
	if !w.enabled {
		return Verdict{Allow: true}
	}

	var count int
	row := w.db.QueryRow(ctx, `
		SELECT count(*) FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		WHERE c.relname = $1
	`, target.Table)
	if err := row.Scan(&count); err != nil {
		// Unable to determine current index count: fail closed, this gate
		// exists specifically to cap write overhead.
		return Verdict{Allow: false, Reason: "unable to count existing indexes: " + err.Error()}
	}

	if count >= w.maxIndexes {
		return Verdict{Allow: false, Reason: "table already at or above the configured index budget"}
	}
	return Verdict{Allow: true}
}

var _ Gate = (*WriteOverheadGuard)(nil)
