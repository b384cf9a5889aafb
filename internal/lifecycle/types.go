// Package lifecycle implements C10: the scheduled hourly/weekly/monthly
// passes that keep the indexes this system created honest over time —
// retiring ones nothing uses, flagging bloat and redundancy, and
// surfacing foreign keys nothing indexes (spec.md §4.10).
package lifecycle

import (
	"context"
	"time"

	"github.com/wisbric/indexadvisor/internal/core"
	"github.com/wisbric/indexadvisor/internal/safeguards"
)

// Mode mirrors indexer.Mode: advisory passes only record findings, apply
// passes execute the drops they find safe.
type Mode string

const (
	ModeAdvisory Mode = "advisory"
	ModeApply    Mode = "apply"
)

// Config bundles C10's tunables (spec.md §6's `lifecycle.*` keys).
type Config struct {
	Mode                     Mode
	HourlyInterval           time.Duration
	WeeklyInterval           time.Duration
	MonthlyInterval          time.Duration
	UnusedIndexMinSizeKB     int64
	BloatDeadTupleRatioFloor float64
	StorageBudgetKB          int64 // 0 = unbounded
}

// IndexInfo describes one existing index: its table, its columns in
// index-key order, its size, and how many scans it has served.
type IndexInfo struct {
	Name       string
	Table      string
	Columns    []string
	SizeKB     int64
	IndexScans int64
}

// BloatCandidate is a table whose dead-tuple ratio has crossed the
// configured floor, per pg_stat_user_tables (no assumption that the
// pgstattuple extension is installed).
type BloatCandidate struct {
	Table          string
	DeadTupleRatio float64
	LiveTuples     int64
	DeadTuples     int64
}

// FKSuggestion is a foreign-key column with no leading index supporting
// it — the classic "every join and every ON DELETE CASCADE on this column
// does a sequential scan" gap.
type FKSuggestion struct {
	Table      string
	Column     string
	References string
}

// RedundantPair is a narrower index whose leading columns are already a
// prefix of a wider index on the same table.
type RedundantPair struct {
	Table            string
	Kept             string
	Redundant        string
	RedundantColumns []string
}

// WeeklySummary reports what one weekly pass found and did.
type WeeklySummary struct {
	UnusedFound, UnusedDropped       int
	BloatFound                       int
	RedundantFound, RedundantDropped int
	FKSuggestionsFound               int
	Errors                           int
}

// MonthlySummary reports what one monthly pass found.
type MonthlySummary struct {
	TotalStorageKB  int64
	OverBudget      bool
	BreakerSnapshot map[string]string
	ExplainCoverage float64
	Retrained       bool
}

// Store is the narrow database seam the lifecycle manager needs.
type Store interface {
	UnusedIndexes(ctx context.Context, minSizeKB int64) ([]IndexInfo, error)
	AllIndexes(ctx context.Context) ([]IndexInfo, error)
	BloatCandidates(ctx context.Context, deadTupleRatioFloor float64) ([]BloatCandidate, error)
	ForeignKeysWithoutIndex(ctx context.Context) ([]FKSuggestion, error)
	TotalIndexSizeKB(ctx context.Context) (int64, error)
	DropIndexConcurrently(ctx context.Context, sql string) error
}

// SafeguardStack is the seam onto C5 so a drop clears the same gates an
// index creation does.
type SafeguardStack interface {
	Check(ctx context.Context, target safeguards.Target) safeguards.Verdict
}

// LockReleaser releases the advisory lock SafeguardStack.Check took for a
// target once the gated drop completes.
type LockReleaser interface {
	Release(ctx context.Context, target safeguards.Target)
}

// LockSweeper force-releases locally-tracked advisory locks older than
// their max age, for the hourly pass.
type LockSweeper interface {
	SweepStale(ctx context.Context) int
}

// BreakerBookkeeper reports circuit-breaker state per operation class, for
// the hourly and monthly passes.
type BreakerBookkeeper interface {
	Classes() []string
	State(opClass string) string
}

// CoverageReporter reports C4's EXPLAIN coverage ratio, for the monthly
// health summary.
type CoverageReporter interface {
	Coverage() float64
}

// AuditLog is the seam onto C8's non-blocking append path.
type AuditLog interface {
	Append(rec core.MutationRecord)
}

// MLRetrainer retrains any trained scoring components; the default does
// nothing, since no model is trained yet (spec.md §4.6 "Optional ML
// refinement" has no trainer to run until one exists).
type MLRetrainer interface {
	Retrain(ctx context.Context) error
}

// NoopRetrainer is MLRetrainer's default.
type NoopRetrainer struct{}

func (NoopRetrainer) Retrain(context.Context) error { return nil }
