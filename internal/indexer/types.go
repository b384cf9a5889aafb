// Package indexer implements C7: the orchestrator pass that turns observed
// telemetry into index decisions, gates them through safeguards, and
// executes, verifies, and registers the ones it is allowed to apply.
package indexer

import (
	"context"
	"time"

	"github.com/wisbric/indexadvisor/internal/collector"
	"github.com/wisbric/indexadvisor/internal/core"
	"github.com/wisbric/indexadvisor/internal/safeguards"
)

// Mode selects how far a decided candidate is allowed to progress.
type Mode string

const (
	ModeAdvisory Mode = "advisory" // record the decision, never touch the schema
	ModeDryRun   Mode = "dry_run"  // record the decision plus the DDL that would run
	ModeApply    Mode = "apply"    // gate, execute, verify, register
)

// Config bounds one orchestrator pass (spec.md §4.7).
type Config struct {
	Mode                 Mode
	WindowLookback       time.Duration // how far back Aggregate looks for traffic
	MinQueriesPerHour    int
	ThresholdMultiplier  float64
	MaxIndexesPerTable   int
	RollbackThresholdPct float64 // plan-cost regression that triggers auto-rollback
	RollbackLatencyPct   float64 // carried in Config but not read by verify; only plan-cost regression triggers auto-rollback
	PassDeadline         time.Duration
	CanaryEnabled        bool
	SelectivityTolerance float64
	CooccurrenceMin      float64
	CorrelationMin       float64
}

// Catalog is the slice of catalog.Catalog the orchestrator depends on.
type Catalog interface {
	Fields() []core.FieldDescriptor
	Lookup(table, field string) (core.FieldDescriptor, bool)
	ValidateAndQuote(table, field string) (quotedTable, quotedField string, err error)
}

// TelemetrySource is the slice of collector.Store the orchestrator reads.
type TelemetrySource interface {
	Aggregate(ctx context.Context, windowStart time.Time) ([]collector.FieldActivity, error)
}

// SafeguardStack is the slice of safeguards.Stack the orchestrator consults
// before any DDL.
type SafeguardStack interface {
	Check(ctx context.Context, target safeguards.Target) safeguards.Verdict
}

// LockReleaser releases an advisory lock the safeguard stack's lock manager
// acquired during Check, regardless of how the DDL attempt turned out.
type LockReleaser interface {
	Release(ctx context.Context, target safeguards.Target)
}

// BreakerRecorder feeds a DDL attempt's outcome back into the circuit
// breaker gate so consecutive failures trip it open.
type BreakerRecorder interface {
	RecordResult(opClass string, err error)
}

// IndexStore is the slice of indexer.Store (this package's own DDL-facing
// store) the orchestrator drives.
type IndexStore interface {
	ExistingIndexSets(ctx context.Context, table string) ([][]string, error)
	CreateIndexConcurrently(ctx context.Context, sql string) error
	DropIndexConcurrently(ctx context.Context, sql string) error
}

// AuditRecorder is audit.Store's synchronous half, used to bracket DDL with
// an immutable pre/post record pair.
type AuditRecorder interface {
	Record(ctx context.Context, rec core.MutationRecord) (int64, error)
}

// AuditLog is audit.Log's asynchronous half, used for decisions that don't
// need to bracket a DDL call (advisory/dry_run records, gate denials,
// scorer rejections).
type AuditLog interface {
	Append(rec core.MutationRecord)
}

// IndexRegistry persists a created index's version row. Backed by
// lifecycle.Registry (lifecycle.index_versions).
type IndexRegistry interface {
	Register(ctx context.Context, v core.IndexVersion) error
}

// ExperimentRegistry starts a canary ramp for a newly created index.
// Backed by lifecycle.Registry (lifecycle.ab_experiments).
type ExperimentRegistry interface {
	Start(ctx context.Context, e core.Experiment) error
}

// RepresentativeQueryProvider supplies a template/query/args triple C7 can
// re-EXPLAIN before and after a DDL change, for the verify phase's
// regression check. Until C9 records real representative queries per
// (table, fields), NoopQueryProvider reports none available and verify is
// skipped rather than guessed at.
type RepresentativeQueryProvider interface {
	RepresentativeQuery(table string, fields []string) (templateKey, query string, args []any, ok bool)
}

// NoopQueryProvider is the zero-value RepresentativeQueryProvider.
type NoopQueryProvider struct{}

func (NoopQueryProvider) RepresentativeQuery(string, []string) (string, string, []any, bool) {
	return "", "", nil, false
}

// PassSummary reports what one orchestrator pass did, for logging and the
// control plane's status surface.
type PassSummary struct {
	CandidatesConsidered int
	Decided              int
	Denied               int
	Created              int
	RolledBack           int
	Errors               int
	Duration             time.Duration
}
