package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/indexadvisor/internal/core"
)

// Watcher is C11: reconciles the catalog against information_schema on
// demand (Sync) and on a daily cadence (Start).
type Watcher struct {
	logger *slog.Logger
	cfg    Config

	store   Store
	catalog Catalog
	audit   AuditLog
}

// New constructs a Watcher.
func New(logger *slog.Logger, cfg Config, store Store, catalog Catalog, audit AuditLog) *Watcher {
	return &Watcher{logger: logger, cfg: cfg, store: store, catalog: catalog, audit: audit}
}

// Start runs Sync once immediately and then on cfg.Interval, following the
// same run-once-then-ticker shape as internal/lifecycle.Manager.Start
// (internal/indexer.Orchestrator.Start, by contrast, waits for its first
// tick).
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("discovery: watcher started", "interval", w.cfg.Interval)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("discovery: watcher stopped")
			return
		case <-ticker.C:
			w.runAndLog(ctx)
		}
	}
}

func (w *Watcher) runAndLog(ctx context.Context) {
	report, err := w.Sync(ctx)
	if err != nil {
		w.logger.Error("discovery: sync failed", "error", err)
		return
	}
	if report.Added > 0 || report.Removed > 0 || report.TypeChanged > 0 {
		w.logger.Info("discovery: drift reconciled",
			"added", report.Added, "removed", report.Removed, "type_changed", report.TypeChanged, "errors", report.Errors)
	}
}

// Sync reads information_schema for cfg.Schema, diffs it against the
// catalog's current field set, and reconciles: new columns are inserted,
// columns no longer present are tombstoned (cascading a disable to every
// tenant's expression via Catalog.Tombstone), and columns whose type
// changed are re-upserted with IsIndexable re-derived from the new type
// and the operator's DefaultActive and Group carried over from the
// existing descriptor, so a drift event never silently resets those. Running Sync
// twice in a row with no database change is a no-op the second time,
// since the diff against the now-refreshed catalog is empty (spec.md §8's
// bootstrap/discovery idempotency property).
func (w *Watcher) Sync(ctx context.Context) (Report, error) {
	var report Report

	columns, err := w.store.Columns(ctx, w.cfg.Schema, w.cfg.ExcludeTables)
	if err != nil {
		return report, fmt.Errorf("discovery sync: %w", err)
	}

	discovered := make(map[fieldKey]Column, len(columns))
	for _, c := range columns {
		discovered[fieldKey{c.Table, c.Field}] = c
	}

	existing := make(map[fieldKey]core.FieldDescriptor)
	for _, f := range w.catalog.Fields() {
		existing[fieldKey{f.Table, f.Field}] = f
	}

	var upserts []core.FieldDescriptor
	for key, col := range discovered {
		cur, known := existing[key]
		switch {
		case !known:
			upserts = append(upserts, core.FieldDescriptor{
				Table:         col.Table,
				Field:         col.Field,
				Type:          col.Type,
				IsRequired:    col.IsRequired,
				IsIndexable:   isIndexableType(col.Type),
				DefaultActive: false,
				Group:         "discovered",
			})
			report.Added++
			w.append(col.Table, col.Field, "column discovered: "+col.Type)
		case cur.Type != col.Type:
			upserts = append(upserts, core.FieldDescriptor{
				Table:         col.Table,
				Field:         col.Field,
				Type:          col.Type,
				IsRequired:    col.IsRequired,
				IsIndexable:   isIndexableType(col.Type),
				DefaultActive: cur.DefaultActive,
				Group:         cur.Group,
			})
			report.TypeChanged++
			w.append(col.Table, col.Field, fmt.Sprintf("column type changed: %s -> %s", cur.Type, col.Type))
		}
	}

	if len(upserts) > 0 {
		if err := w.catalog.BootstrapFromConfig(ctx, upserts); err != nil {
			report.Errors++
			return report, fmt.Errorf("reconciling discovered columns: %w", err)
		}
	}

	for key, f := range existing {
		if _, stillPresent := discovered[key]; !stillPresent {
			if err := w.catalog.Tombstone(ctx, f.Table, f.Field); err != nil {
				w.logger.Error("discovery: tombstoning removed column", "table", f.Table, "field", f.Field, "error", err)
				report.Errors++
				continue
			}
			report.Removed++
			w.append(f.Table, f.Field, "column removed")
		}
	}

	return report, nil
}

func (w *Watcher) append(table, field, reason string) {
	if w.audit == nil {
		return
	}
	payload, err := json.Marshal(core.MutationPayload{Reason: reason})
	if err != nil {
		payload = []byte("{}")
	}
	w.audit.Append(core.MutationRecord{
		Kind:    core.MutationSchemaSync,
		Table:   table,
		Field:   field,
		Payload: payload,
	})
}

type fieldKey struct {
	table string
	field string
}
