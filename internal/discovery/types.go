// Package discovery implements C11: reading the database's
// information_schema on demand and on a daily cadence, diffing it against
// the catalog, and reconciling additions, removals, and type changes
// (spec.md §4.11).
package discovery

import (
	"context"
	"time"

	"github.com/wisbric/indexadvisor/internal/core"
)

// Config bundles C11's tunables (spec.md §6's `discovery.*` keys).
type Config struct {
	Schema        string
	ExcludeTables []string
	Interval      time.Duration
}

// Column is one information_schema.columns row for an application table.
type Column struct {
	Table      string
	Field      string
	Type       string
	IsRequired bool
}

// Store is the narrow database seam this package needs.
type Store interface {
	Columns(ctx context.Context, schema string, exclude []string) ([]Column, error)
}

// Catalog is the seam onto C2 this package reconciles against.
type Catalog interface {
	Fields() []core.FieldDescriptor
	BootstrapFromConfig(ctx context.Context, descriptors []core.FieldDescriptor) error
	Tombstone(ctx context.Context, table, field string) error
	Invalidate()
}

// AuditLog is the seam onto C8's append path.
type AuditLog interface {
	Append(rec core.MutationRecord)
}

// Report summarizes what one Sync pass found and did.
type Report struct {
	Added       int
	Removed     int
	TypeChanged int
	Errors      int
}
