// Package catalog implements C2: the canonical field set ("genome") and
// per-tenant field activation ("expression"), with an in-process cache and
// the identifier-validation primitive every other component must use
// before composing SQL.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/wisbric/indexadvisor/internal/core"
)

type fieldKey struct {
	table string
	field string
}

// storeAPI is the slice of Store's methods Catalog depends on, narrowed to
// an interface so tests can substitute an in-memory fake instead of a live
// database.
type storeAPI interface {
	AllFields(ctx context.Context) ([]core.FieldDescriptor, error)
	UpsertField(ctx context.Context, f core.FieldDescriptor) error
	TombstoneField(ctx context.Context, table, field string) error
	ActiveFields(ctx context.Context, tenant string) ([]core.TenantExpression, error)
	SetExpression(ctx context.Context, tenant, table, field string, enabled bool) error
	DeleteTenant(ctx context.Context, tenant string) error
}

// Catalog is the sole source of truth for what the core may touch
// (spec.md §4.2, §3 "Ownership"). It fronts Store with a short-critical-
// section in-process cache of the allowed (table, field) set. The
// tenantTables map is allocated but never filled or read, so the cache
// does not record which tables carry a tenant column.
type Catalog struct {
	store storeAPI

	mu           sync.RWMutex
	fields       map[fieldKey]core.FieldDescriptor
	tenantTables map[string]bool
	loaded       bool
}

// New constructs a Catalog backed by store. The cache starts empty;
// callers should call Refresh once at startup.
func New(store storeAPI) *Catalog {
	return &Catalog{
		store:        store,
		fields:       make(map[fieldKey]core.FieldDescriptor),
		tenantTables: make(map[string]bool),
	}
}

// Refresh reloads the in-process cache from the store. Called at startup,
// after any mutation, and must NOT be trusted across a detected schema
// drift (spec.md §4.2) — C11 reconciles drift through BootstrapFromConfig
// and Tombstone, each of which refreshes the cache after its write;
// Invalidate drops the cache without reloading it.
func (c *Catalog) Refresh(ctx context.Context) error {
	fields, err := c.store.AllFields(ctx)
	if err != nil {
		return fmt.Errorf("refreshing catalog: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields = make(map[fieldKey]core.FieldDescriptor, len(fields))
	for _, f := range fields {
		c.fields[fieldKey{f.Table, f.Field}] = f
	}
	c.loaded = true
	return nil
}

// Invalidate drops the entire cache without reloading; the next Lookup or
// IsValidated will report nothing until Refresh is called again. Used when
// a schema drift is detected and the cache must not be consulted until
// resynced (spec.md §4.2).
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields = make(map[fieldKey]core.FieldDescriptor)
	c.loaded = false
}

// Lookup returns the field descriptor for (table, field) if present and
// non-tombstoned, mirroring spec.md §4.2's lookup(table, field) -> Option.
func (c *Catalog) Lookup(table, field string) (core.FieldDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.fields[fieldKey{table, field}]
	if !ok || f.Tombstoned {
		return core.FieldDescriptor{}, false
	}
	return f, true
}

// IsValidated reports whether (table, field) is a known, non-tombstoned,
// indexable field. This is the gate every SQL-composing component calls
// before touching an identifier (spec.md §4.2). A closed (empty) cache
// rejects everything, matching the "closed by default" boundary behavior
// in spec.md §8.
func (c *Catalog) IsValidated(table, field string) bool {
	f, ok := c.Lookup(table, field)
	return ok && f.IsIndexable
}

// ActiveFields returns the set of (table, field) pairs enabled for tenant,
// reading through to the store (this set is per-tenant and not cached —
// only the genome is cached, per spec.md §4.2's description of "the
// allowed (table, field) set").
func (c *Catalog) ActiveFields(ctx context.Context, tenant string) ([]core.TenantExpression, error) {
	return c.store.ActiveFields(ctx, tenant)
}

// Enable activates (table, field) for tenant. It is idempotent: enabling
// twice changes nothing (spec.md §8 round-trip property).
func (c *Catalog) Enable(ctx context.Context, tenant, table, field string) error {
	f, ok := c.Lookup(table, field)
	if !ok {
		return fmt.Errorf("%w: %s.%s", core.ErrUnknownField, table, field)
	}
	if !f.IsIndexable {
		return fmt.Errorf("%w: %s.%s is not indexable", core.ErrCatalogInconsistent, table, field)
	}
	return c.store.SetExpression(ctx, tenant, table, field, true)
}

// Disable deactivates (table, field) for tenant.
func (c *Catalog) Disable(ctx context.Context, tenant, table, field string) error {
	return c.store.SetExpression(ctx, tenant, table, field, false)
}

// BootstrapFromConfig seeds the genome from a statically configured set of
// field descriptors (e.g. read from the host's schema-describing config at
// startup), then refreshes the cache. Idempotent: running it twice with
// the same input yields identical catalog state (spec.md §8).
func (c *Catalog) BootstrapFromConfig(ctx context.Context, descriptors []core.FieldDescriptor) error {
	for _, f := range descriptors {
		if err := c.store.UpsertField(ctx, f); err != nil {
			return fmt.Errorf("bootstrapping field %s.%s: %w", f.Table, f.Field, err)
		}
	}
	return c.Refresh(ctx)
}

// Tombstone marks a field removed (schema drift) and cascades a disable to
// every tenant's expression, then refreshes the cache.
func (c *Catalog) Tombstone(ctx context.Context, table, field string) error {
	if err := c.store.TombstoneField(ctx, table, field); err != nil {
		return err
	}
	return c.Refresh(ctx)
}

// InitializeTenant activates every field flagged DefaultActive for a newly
// onboarded tenant (spec.md §3: "A TenantExpression is created on tenant
// initialization"). Idempotent: calling it twice for the same tenant
// leaves the same fields enabled.
func (c *Catalog) InitializeTenant(ctx context.Context, tenant string) error {
	for _, f := range c.Fields() {
		if !f.DefaultActive {
			continue
		}
		if err := c.store.SetExpression(ctx, tenant, f.Table, f.Field, true); err != nil {
			return fmt.Errorf("initializing tenant %s field %s.%s: %w", tenant, f.Table, f.Field, err)
		}
	}
	return nil
}

// RemoveTenant destroys every TenantExpression row for tenant (spec.md §3:
// "destroyed on tenant removal").
func (c *Catalog) RemoveTenant(ctx context.Context, tenant string) error {
	return c.store.DeleteTenant(ctx, tenant)
}

// Fields returns every cached, non-tombstoned field descriptor, for
// callers that need to enumerate the genome rather than look up one
// (table, field) pair at a time — C7's candidate-selection phase walks
// this to know which fields are even eligible before consulting telemetry.
func (c *Catalog) Fields() []core.FieldDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.FieldDescriptor, 0, len(c.fields))
	for _, f := range c.fields {
		if !f.Tombstoned {
			out = append(out, f)
		}
	}
	return out
}

// Loaded reports whether Refresh has successfully completed at least once.
func (c *Catalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Size returns the number of cached field descriptors, for status reporting.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.fields)
}
