package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/indexadvisor/internal/core"
	"github.com/wisbric/indexadvisor/internal/plananalyzer"
	"github.com/wisbric/indexadvisor/internal/safeguards"
	"github.com/wisbric/indexadvisor/internal/scorer"
)

// Orchestrator is C7: the pass that walks telemetry into index decisions
// and, in apply mode, carries the ones that clear every gate through to a
// verified, registered index (spec.md §4.7).
type Orchestrator struct {
	logger *slog.Logger
	cfg    Config

	catalog      Catalog
	telemetry    TelemetrySource
	planAnalyzer *plananalyzer.Analyzer
	scorer       *scorer.Scorer
	correlation  *scorer.CorrelationDetector

	selectivityEstimator *scorer.SelectivityEstimator
	queryProvider        RepresentativeQueryProvider

	safeguards    SafeguardStack
	lockReleaser  LockReleaser
	breaker       BreakerRecorder
	indexStore    IndexStore
	auditStore    AuditRecorder
	auditLog      AuditLog
	indexRegistry IndexRegistry
	experiments   ExperimentRegistry

	mu      sync.Mutex // serializes passes; a second trigger while one runs is a no-op
	running bool
}

// Deps bundles every collaborator Orchestrator needs, so New stays a
// single readable call at the wiring site instead of a long positional
// argument list.
type Deps struct {
	Catalog              Catalog
	Telemetry            TelemetrySource
	PlanAnalyzer         *plananalyzer.Analyzer
	Scorer               *scorer.Scorer
	Correlation          *scorer.CorrelationDetector
	SelectivityEstimator *scorer.SelectivityEstimator
	QueryProvider        RepresentativeQueryProvider
	Safeguards           SafeguardStack
	LockReleaser         LockReleaser
	Breaker              BreakerRecorder
	IndexStore           IndexStore
	AuditStore           AuditRecorder
	AuditLog             AuditLog
	IndexRegistry        IndexRegistry
	Experiments          ExperimentRegistry
}

// New constructs an Orchestrator. QueryProvider defaults to
// NoopQueryProvider when nil.
func New(logger *slog.Logger, cfg Config, d Deps) *Orchestrator {
	qp := d.QueryProvider
	if qp == nil {
		qp = NoopQueryProvider{}
	}
	return &Orchestrator{
		logger:               logger,
		cfg:                  cfg,
		catalog:              d.Catalog,
		telemetry:            d.Telemetry,
		planAnalyzer:         d.PlanAnalyzer,
		scorer:               d.Scorer,
		correlation:          d.Correlation,
		selectivityEstimator: d.SelectivityEstimator,
		queryProvider:        qp,
		safeguards:           d.Safeguards,
		lockReleaser:         d.LockReleaser,
		breaker:              d.Breaker,
		indexStore:           d.IndexStore,
		auditStore:           d.AuditStore,
		auditLog:             d.AuditLog,
		indexRegistry:        d.IndexRegistry,
		experiments:          d.Experiments,
	}
}

// Start runs RunOnce every cfg interval until ctx is cancelled. The caller
// supplies interval separately from Config since the control plane's
// run_once trigger
// and the periodic cadence share the same Orchestrator but different
// schedules.
func (o *Orchestrator) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.RunOnce(ctx); err != nil {
				o.logger.Error("indexer: pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes one full orchestrator pass. Concurrent calls collapse:
// if a pass is already running, the second call returns immediately with a
// zero PassSummary rather than overlapping DDL against the same catalog
// snapshot.
func (o *Orchestrator) RunOnce(ctx context.Context) (PassSummary, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return PassSummary{}, nil
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PassDeadline)
	defer cancel()

	summary := PassSummary{}

	windowStart := start.Add(-o.cfg.WindowLookback)
	activities, err := o.telemetry.Aggregate(ctx, windowStart)
	if err != nil {
		return summary, fmt.Errorf("aggregating telemetry: %w", err)
	}

	candidates := o.buildCandidates(ctx, activities)
	summary.CandidatesConsidered = len(candidates)

	results := make([]scorer.Result, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, o.scorer.Score(c))
	}

	budgets := o.budgetsFor(ctx, results)
	results = scorer.Apply(results, budgets)

	sort.SliceStable(results, func(i, j int) bool { return results[i].CompositeScore > results[j].CompositeScore })

	for _, r := range results {
		// A pass-deadline check between candidates: partially completed
		// passes requeue the remainder for the next tick rather than
		// straggle past the deadline (spec.md §5).
		if err := ctx.Err(); err != nil {
			o.logger.Warn("indexer: pass deadline reached, requeuing remaining candidates", "remaining", summary.CandidatesConsidered-summary.Decided-summary.Denied)
			break
		}

		if !r.Decide {
			summary.Denied++
			o.recordRejected(r)
			continue
		}
		summary.Decided++

		switch o.cfg.Mode {
		case ModeApply:
			o.applyOne(ctx, r, &summary)
		case ModeDryRun:
			o.recordDryRun(r)
		default:
			o.recordAdvisory(r)
		}
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

// budgetsFor derives per-table remaining slots from the current schema and
// the configured ceiling; per-tenant budgets aren't configured (spec.md §6
// defines no such knob), so that map is left nil and Apply treats it as
// unbounded.
func (o *Orchestrator) budgetsFor(ctx context.Context, results []scorer.Result) scorer.Budgets {
	perTable := make(map[string]int)
	global := 0
	seen := make(map[string]bool)
	for _, r := range results {
		if seen[r.Candidate.Table] {
			continue
		}
		seen[r.Candidate.Table] = true
		existing, err := o.indexStore.ExistingIndexSets(ctx, r.Candidate.Table)
		if err != nil {
			existing = nil
		}
		remaining := o.cfg.MaxIndexesPerTable - len(existing)
		if remaining < 0 {
			remaining = 0
		}
		perTable[r.Candidate.Table] = remaining
		global += remaining
	}
	return scorer.Budgets{PerTable: perTable, GlobalRemaining: global}
}

func payload(r scorer.Result, mode string, extra string) core.MutationPayload {
	reason := r.Rationale.Reason
	if extra != "" {
		reason = extra
	}
	return core.MutationPayload{
		Reason:      reason,
		Confidence:  r.Confidence,
		Mode:        mode,
		PrePlanCost: r.Candidate.PlanCostWithout,
	}
}

func mustJSON(p core.MutationPayload) json.RawMessage {
	b, err := json.Marshal(p)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

func (o *Orchestrator) recordRejected(r scorer.Result) {
	o.auditLog.Append(mutationRecord(r, core.MutationCreateIndex, payload(r, "", "")))
}

func (o *Orchestrator) recordAdvisory(r scorer.Result) {
	o.auditLog.Append(mutationRecord(r, core.MutationCreateIndex, payload(r, string(ModeAdvisory), "")))
}

func (o *Orchestrator) recordDryRun(r scorer.Result) {
	quotedFields, err := o.quoteAll(r.Candidate.Table, r.Candidate.Fields)
	if err != nil {
		o.logger.Error("indexer: validating identifiers for dry run", "table", r.Candidate.Table, "fields", r.Candidate.Fields, "error", err)
		o.auditLog.Append(mutationRecord(r, core.MutationCreateIndex, payload(r, string(ModeDryRun), "dry_run: identifier validation failed: "+err.Error())))
		return
	}
	indexName := IndexName(r.Candidate.Table, r.Candidate.Fields)
	sql := BuildCreateSQL(indexName, r.Candidate.Table, quotedFields, r.Candidate.IndexType)
	o.auditLog.Append(mutationRecord(r, core.MutationCreateIndex, payload(r, string(ModeDryRun), "dry_run: would execute "+sql)))
}

// applyOne gates, executes, verifies, and registers a single decided
// candidate (spec.md §4.7 steps 3-8). Every path releases the advisory
// lock the safeguard stack's lock manager took out during Check.
func (o *Orchestrator) applyOne(ctx context.Context, r scorer.Result, summary *PassSummary) {
	target := safeguards.Target{Table: r.Candidate.Table, Fields: sortedCopy(r.Candidate.Fields), OpClass: "create_index"}

	verdict := o.safeguards.Check(ctx, target)
	if !verdict.Allow {
		o.auditLog.Append(mutationRecord(r, core.MutationCreateIndex, core.MutationPayload{
			Reason: verdict.Reason,
			Gate:   verdict.Gate,
			Mode:   string(ModeApply),
		}))
		return
	}
	defer o.lockReleaser.Release(ctx, target)

	quotedFields, err := o.quoteAll(r.Candidate.Table, r.Candidate.Fields)
	if err != nil {
		o.logger.Error("indexer: validating identifiers before DDL", "table", r.Candidate.Table, "fields", r.Candidate.Fields, "error", err)
		summary.Errors++
		return
	}

	operationID := uuid.NewString()
	indexName := IndexName(r.Candidate.Table, r.Candidate.Fields)
	createSQL := BuildCreateSQL(indexName, r.Candidate.Table, quotedFields, r.Candidate.IndexType)

	preRec := core.MutationRecord{
		Kind:   core.MutationCreateIndex,
		Tenant: r.Candidate.Tenant,
		Table:  r.Candidate.Table,
		Field:  strings.Join(r.Candidate.Fields, ","),
		Payload: mustJSON(core.MutationPayload{
			Reason:      r.Rationale.Reason,
			Confidence:  r.Confidence,
			Mode:        string(ModeApply),
			OperationID: operationID,
		}),
	}
	if _, err := o.auditStore.Record(ctx, preRec); err != nil {
		o.logger.Error("indexer: recording pre-DDL audit entry", "error", err)
	}

	ddlErr := o.indexStore.CreateIndexConcurrently(ctx, createSQL)
	o.breaker.RecordResult("create_index", ddlErr)

	if ddlErr != nil {
		summary.Errors++
		o.auditStore.Record(ctx, core.MutationRecord{
			Kind:   core.MutationCreateIndex,
			Tenant: r.Candidate.Tenant,
			Table:  r.Candidate.Table,
			Field:  strings.Join(r.Candidate.Fields, ","),
			Payload: mustJSON(core.MutationPayload{
				Reason:      fmt.Sprintf("ddl failed: %v", ddlErr),
				OperationID: operationID,
			}),
		})
		o.logger.Error("indexer: create index concurrently failed", "index", indexName, "table", r.Candidate.Table, "error", ddlErr)
		return
	}
	summary.Created++

	regressed := o.verify(ctx, r, indexName)
	if regressed {
		summary.RolledBack++
		o.rollback(ctx, r, indexName, operationID)
		return
	}

	o.register(ctx, r, indexName, createSQL, operationID)
}

// verify re-runs the representative query (if C9 has supplied one) and
// reports whether the post-creation plan cost regressed beyond the
// configured tolerance. With no representative query available, verify
// passes trivially — there is nothing to compare against yet.
func (o *Orchestrator) verify(ctx context.Context, r scorer.Result, indexName string) bool {
	tmplKey, query, args, ok := o.queryProvider.RepresentativeQuery(r.Candidate.Table, r.Candidate.Fields)
	if !ok || !r.Candidate.PlanAvailable {
		return false
	}
	after, err := o.planAnalyzer.Analyze(ctx, tmplKey+":post:"+indexName, query, args, true)
	if err != nil {
		o.logger.Warn("indexer: verify EXPLAIN failed, leaving index in place", "index", indexName, "error", err)
		return false
	}
	if r.Candidate.PlanCostWithout <= 0 {
		return false
	}
	regressionPct := (after.TotalCost - r.Candidate.PlanCostWithout) / r.Candidate.PlanCostWithout * 100
	return regressionPct > o.cfg.RollbackThresholdPct
}

func (o *Orchestrator) rollback(ctx context.Context, r scorer.Result, indexName, operationID string) {
	dropSQL := BuildDropSQL(indexName)
	if err := o.indexStore.DropIndexConcurrently(ctx, dropSQL); err != nil {
		o.logger.Error("indexer: auto-rollback drop failed", "index", indexName, "error", err)
	}
	o.auditStore.Record(ctx, core.MutationRecord{
		Kind:   core.MutationRollback,
		Tenant: r.Candidate.Tenant,
		Table:  r.Candidate.Table,
		Field:  strings.Join(r.Candidate.Fields, ","),
		Payload: mustJSON(core.MutationPayload{
			Reason:      "post-creation plan cost regressed beyond tolerance; rolled back",
			OperationID: operationID,
		}),
	})
}

func (o *Orchestrator) register(ctx context.Context, r scorer.Result, indexName, createSQL, operationID string) {
	version := core.IndexVersion{
		IndexName:  indexName,
		Table:      r.Candidate.Table,
		Definition: createSQL,
		CreatedBy:  "indexer",
	}
	if o.indexRegistry != nil {
		if err := o.indexRegistry.Register(ctx, version); err != nil {
			o.logger.Error("indexer: registering index version", "index", indexName, "error", err)
		}
	}

	if o.cfg.CanaryEnabled && o.experiments != nil {
		if err := o.experiments.Start(ctx, core.Experiment{
			IndexName:    indexName,
			Table:        r.Candidate.Table,
			Status:       core.ExperimentRamping,
			TrafficShare: 0.1,
			StartedAt:    time.Now(),
		}); err != nil {
			o.logger.Error("indexer: starting canary experiment", "index", indexName, "error", err)
		}
	}

	o.auditStore.Record(ctx, core.MutationRecord{
		Kind:   core.MutationCreateIndex,
		Tenant: r.Candidate.Tenant,
		Table:  r.Candidate.Table,
		Field:  strings.Join(r.Candidate.Fields, ","),
		Payload: mustJSON(core.MutationPayload{
			Reason:      r.Rationale.Reason,
			Confidence:  r.Confidence,
			Mode:        string(ModeApply),
			OperationID: operationID,
		}),
	})
}

func (o *Orchestrator) quoteAll(table string, fields []string) ([]string, error) {
	quotedFields := make([]string, len(fields))
	for i, f := range fields {
		_, qf, err := o.catalog.ValidateAndQuote(table, f)
		if err != nil {
			return nil, err
		}
		quotedFields[i] = qf
	}
	return quotedFields, nil
}

func sortedCopy(fields []string) []string {
	out := append([]string(nil), fields...)
	sort.Strings(out)
	return out
}

func mutationRecord(r scorer.Result, kind core.MutationKind, p core.MutationPayload) core.MutationRecord {
	return core.MutationRecord{
		Kind:    kind,
		Tenant:  r.Candidate.Tenant,
		Table:   r.Candidate.Table,
		Field:   strings.Join(r.Candidate.Fields, ","),
		Payload: mustJSON(p),
	}
}
