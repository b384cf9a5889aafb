// Package controlplane implements the host control-plane HTTP surface
// (spec.md §6 "To host control plane"): bypass_set, status, run_once, plus
// the unauthenticated /healthz and /metrics endpoints every other
// background worker's health is observed through.
package controlplane

import (
	"context"

	"github.com/wisbric/indexadvisor/internal/core"
	"github.com/wisbric/indexadvisor/internal/indexer"
	"github.com/wisbric/indexadvisor/internal/lifecycle"
	"github.com/wisbric/indexadvisor/internal/safeguards"
)

// Analyzer runs one C7 auto-indexer pass on demand (run_once kind=analyze).
type Analyzer interface {
	RunOnce(ctx context.Context) (indexer.PassSummary, error)
}

// Lifecycle runs the C10 weekly/monthly passes on demand.
type Lifecycle interface {
	RunWeekly(ctx context.Context) (lifecycle.WeeklySummary, error)
	RunMonthly(ctx context.Context) (lifecycle.MonthlySummary, error)
}

// TenantAdmin provisions a tenant's default field activation
// (run_once kind=tenant); it has no operation for removing a tenant.
type TenantAdmin interface {
	InitializeTenant(ctx context.Context, tenant string) error
}

// Overrides is the slice of config.Overrides the bypass_set operation
// mutates.
type Overrides interface {
	SetBool(key string, value bool)
	Clear(key string)
	Snapshot() map[string]any
}

// BreakerReporter reports circuit-breaker state per operation class.
type BreakerReporter interface {
	Classes() []string
	State(opClass string) string
}

// CoverageReporter reports the EXPLAIN plan cache's coverage fraction.
type CoverageReporter interface {
	Coverage() float64
}

// PoolReporter reports connection pool occupancy.
type PoolReporter interface {
	Stats() PoolStats
}

// PoolStats mirrors platform.Pool.Stats' shape, narrowed so this package
// doesn't need to import internal/platform for a single struct.
type PoolStats struct {
	InUse        int32
	Idle         int32
	MaxConns     int32
	AcquireFails int64
	Broken       int64
}

// WindowChecker reports whether the maintenance window currently allows
// DDL, reusing the same Gate interface every safeguard implements.
type WindowChecker interface {
	Check(ctx context.Context, target safeguards.Target) safeguards.Verdict
}

// AuditLog records every bypass_set call as a MutationRecord(kind=system_toggle).
type AuditLog interface {
	Append(rec core.MutationRecord)
}

// FeatureDefaults holds the env/config-derived value for every feature
// toggle scope bypass_set can flip (spec.md §6: "scope ∈ {feature:auto_indexing,
// feature:stats, feature:interceptor, ...}"). Overrides layers on top per key.
type FeatureDefaults struct {
	AutoIndexing bool
	Stats        bool
	Interceptor  bool
	MLScoring    bool
}

// Scopes recognized by bypass_set (spec.md §6).
const (
	ScopeFeatureAutoIndexing = "feature:auto_indexing"
	ScopeFeatureStats        = "feature:stats"
	ScopeFeatureInterceptor  = "feature:interceptor"
	ScopeModule              = "module"
	ScopeSystem              = "system"
	ScopeStartup             = "startup"
)

var validScopes = map[string]bool{
	ScopeFeatureAutoIndexing: true,
	ScopeFeatureStats:        true,
	ScopeFeatureInterceptor:  true,
	ScopeModule:              true,
	ScopeSystem:              true,
	ScopeStartup:             true,
}
