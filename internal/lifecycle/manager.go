package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/wisbric/indexadvisor/internal/core"
	"github.com/wisbric/indexadvisor/internal/indexer"
	"github.com/wisbric/indexadvisor/internal/safeguards"
)

// Deps bundles Manager's collaborators.
type Deps struct {
	Store       Store
	Safeguards  SafeguardStack
	LockRelease LockReleaser
	LockSweep   LockSweeper
	Breaker     BreakerBookkeeper
	Coverage    CoverageReporter
	AuditLog    AuditLog
	Retrainer   MLRetrainer
}

// Manager is C10: the hourly/weekly/monthly passes that keep the index
// set honest. Every decision it makes flows through the same safeguard
// stack and audit log C7 uses (spec.md §4.10: "All decisions here flow
// through §4.7 step 3 (safeguards) and §4.8 (audit)").
type Manager struct {
	logger *slog.Logger
	cfg    Config

	store       Store
	safeguards  SafeguardStack
	lockRelease LockReleaser
	lockSweep   LockSweeper
	breaker     BreakerBookkeeper
	coverage    CoverageReporter
	auditLog    AuditLog
	retrainer   MLRetrainer
}

// New constructs a Manager. d.Retrainer defaults to NoopRetrainer when nil.
func New(logger *slog.Logger, cfg Config, d Deps) *Manager {
	if d.Retrainer == nil {
		d.Retrainer = NoopRetrainer{}
	}
	return &Manager{
		logger:      logger,
		cfg:         cfg,
		store:       d.Store,
		safeguards:  d.Safeguards,
		lockRelease: d.LockRelease,
		lockSweep:   d.LockSweep,
		breaker:     d.Breaker,
		coverage:    d.Coverage,
		auditLog:    d.AuditLog,
		retrainer:   d.Retrainer,
	}
}

// Start launches the three cadence loops until ctx is cancelled. Each runs
// once immediately and then on its own ticker, following
// pkg/roster/worker.go's RunScheduleTopUpLoop shape: log and continue on
// error rather than aborting the loop.
func (m *Manager) Start(ctx context.Context) {
	go m.loop(ctx, "hourly", m.cfg.HourlyInterval, func(ctx context.Context) error {
		return m.RunHourly(ctx)
	})
	go m.loop(ctx, "weekly", m.cfg.WeeklyInterval, func(ctx context.Context) error {
		_, err := m.RunWeekly(ctx)
		return err
	})
	go m.loop(ctx, "monthly", m.cfg.MonthlyInterval, func(ctx context.Context) error {
		_, err := m.RunMonthly(ctx)
		return err
	})
}

func (m *Manager) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	m.logger.Info("lifecycle: cadence loop started", "cadence", name, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := run(ctx); err != nil {
		m.logger.Error("lifecycle: initial pass failed", "cadence", name, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lifecycle: cadence loop stopped", "cadence", name)
			return
		case <-ticker.C:
			if err := run(ctx); err != nil {
				m.logger.Error("lifecycle: pass failed", "cadence", name, "error", err)
			}
		}
	}
}

// RunHourly sweeps stale advisory locks and logs circuit-breaker state per
// operation class.
func (m *Manager) RunHourly(ctx context.Context) error {
	if m.lockSweep != nil {
		if n := m.lockSweep.SweepStale(ctx); n > 0 {
			m.logger.Info("lifecycle: swept stale advisory locks", "count", n)
		}
	}
	if m.breaker != nil {
		for _, class := range m.breaker.Classes() {
			m.logger.Info("lifecycle: breaker state", "class", class, "state", m.breaker.State(class))
		}
	}
	return nil
}

// RunWeekly performs unused-index, bloat, redundant-index, and
// missing-foreign-key-index detection. In apply mode, unused and
// redundant indexes clear the safeguard stack before being dropped; bloat
// and foreign-key findings are always advisory — there is no telemetry
// basis to auto-build a new index, and VACUUM policy is out of scope here.
func (m *Manager) RunWeekly(ctx context.Context) (WeeklySummary, error) {
	var summary WeeklySummary

	unused, err := m.store.UnusedIndexes(ctx, m.cfg.UnusedIndexMinSizeKB)
	if err != nil {
		m.logger.Warn("lifecycle: listing unused indexes", "error", err)
	}
	summary.UnusedFound = len(unused)
	for _, idx := range unused {
		if m.cfg.Mode == ModeApply {
			if m.dropIndex(ctx, idx, "unused index: no scans recorded") {
				summary.UnusedDropped++
			} else {
				summary.Errors++
			}
		} else {
			m.recordFinding(idx.Table, fmt.Sprintf("unused index candidate %s: no scans recorded, %s", idx.Name, humanize.Bytes(uint64(idx.SizeKB)*1024)))
		}
	}

	bloat, err := m.store.BloatCandidates(ctx, m.cfg.BloatDeadTupleRatioFloor)
	if err != nil {
		m.logger.Warn("lifecycle: detecting table bloat", "error", err)
	}
	summary.BloatFound = len(bloat)
	for _, b := range bloat {
		m.recordFinding(b.Table, fmt.Sprintf("bloat candidate: dead tuple ratio %.2f", b.DeadTupleRatio))
	}

	all, err := m.store.AllIndexes(ctx)
	if err != nil {
		m.logger.Warn("lifecycle: listing indexes", "error", err)
	}
	redundant := DetectRedundant(all)
	summary.RedundantFound = len(redundant)
	byName := make(map[string]IndexInfo, len(all))
	for _, idx := range all {
		byName[idx.Name] = idx
	}
	for _, r := range redundant {
		idx, ok := byName[r.Redundant]
		if !ok {
			continue
		}
		if m.cfg.Mode == ModeApply {
			if m.dropIndex(ctx, idx, "redundant: covered by "+r.Kept) {
				summary.RedundantDropped++
			} else {
				summary.Errors++
			}
		} else {
			m.recordFinding(r.Table, fmt.Sprintf("redundant index candidate %s: covered by %s", r.Redundant, r.Kept))
		}
	}

	fks, err := m.store.ForeignKeysWithoutIndex(ctx)
	if err != nil {
		m.logger.Warn("lifecycle: detecting foreign keys without index", "error", err)
	}
	summary.FKSuggestionsFound = len(fks)
	for _, fk := range fks {
		m.recordFinding(fk.Table, fmt.Sprintf("foreign key %s references %s with no supporting index", fk.Column, fk.References))
	}

	return summary, nil
}

// RunMonthly reviews the storage budget, snapshots overall health, and
// runs any configured ML retraining.
func (m *Manager) RunMonthly(ctx context.Context) (MonthlySummary, error) {
	var summary MonthlySummary

	totalKB, err := m.store.TotalIndexSizeKB(ctx)
	if err != nil {
		m.logger.Warn("lifecycle: computing total index storage", "error", err)
	}
	summary.TotalStorageKB = totalKB
	if m.cfg.StorageBudgetKB > 0 && totalKB > m.cfg.StorageBudgetKB {
		summary.OverBudget = true
		m.recordFinding("", fmt.Sprintf("index storage %s exceeds budget %s", humanize.Bytes(uint64(totalKB)*1024), humanize.Bytes(uint64(m.cfg.StorageBudgetKB)*1024)))
	}

	if m.breaker != nil {
		summary.BreakerSnapshot = make(map[string]string)
		for _, class := range m.breaker.Classes() {
			summary.BreakerSnapshot[class] = m.breaker.State(class)
		}
	}
	if m.coverage != nil {
		summary.ExplainCoverage = m.coverage.Coverage()
	}

	if err := m.retrainer.Retrain(ctx); err != nil {
		m.logger.Warn("lifecycle: ML retraining pass failed", "error", err)
	} else {
		summary.Retrained = true
		m.recordFinding("", "ml retraining pass completed")
	}

	return summary, nil
}

// dropIndex runs idx through the safeguard stack and, if it clears,
// executes DROP INDEX CONCURRENTLY, auditing the outcome either way.
func (m *Manager) dropIndex(ctx context.Context, idx IndexInfo, reason string) bool {
	target := safeguards.Target{Table: idx.Table, Fields: idx.Columns, OpClass: "lifecycle_drop"}

	if m.safeguards != nil {
		v := m.safeguards.Check(ctx, target)
		if !v.Allow {
			m.append(core.MutationLifecycleFinding, idx.Table, strings.Join(idx.Columns, ","), core.MutationPayload{
				Reason: reason + " (denied: " + v.Reason + ")",
				Gate:   v.Gate,
			})
			return false
		}
		if m.lockRelease != nil {
			defer m.lockRelease.Release(ctx, target)
		}
	}

	operationID := uuid.NewString()
	sql := indexer.BuildDropSQL(idx.Name)
	if err := m.store.DropIndexConcurrently(ctx, sql); err != nil {
		m.logger.Error("lifecycle: dropping index", "index", idx.Name, "error", err)
		m.append(core.MutationDropIndex, idx.Table, strings.Join(idx.Columns, ","), core.MutationPayload{
			Reason:      reason + ": " + err.Error(),
			OperationID: operationID,
		})
		return false
	}

	m.append(core.MutationDropIndex, idx.Table, strings.Join(idx.Columns, ","), core.MutationPayload{
		Reason:      reason,
		OperationID: operationID,
	})
	return true
}

func (m *Manager) recordFinding(table, reason string) {
	m.append(core.MutationLifecycleFinding, table, "", core.MutationPayload{
		Reason: reason,
		Mode:   string(m.cfg.Mode),
	})
}

func (m *Manager) append(kind core.MutationKind, table, field string, p core.MutationPayload) {
	if m.auditLog == nil {
		return
	}
	m.auditLog.Append(core.MutationRecord{Kind: kind, Table: table, Field: field, Payload: mustJSON(p)})
}
