package lifecycle

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/indexadvisor/internal/core"
)

// RegistryDBTX is the slice of pgxpool.Pool the registry needs.
type RegistryDBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Registry persists index_versions and ab_experiments rows, backing
// indexer.Orchestrator's IndexRegistry and ExperimentRegistry so a created
// index can later be rolled back or ramped down (spec.md §4.7, §4.10).
type Registry struct {
	db RegistryDBTX
}

// NewRegistry constructs a Registry.
func NewRegistry(db RegistryDBTX) *Registry {
	return &Registry{db: db}
}

// Register inserts an index_versions row, idempotent on index_name so a
// retried pass doesn't fail on a duplicate key.
func (r *Registry) Register(ctx context.Context, v core.IndexVersion) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO lifecycle.index_versions (index_name, table_name, definition, created_by, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (index_name) DO NOTHING`,
		v.IndexName, v.Table, v.Definition, v.CreatedBy, v.Metadata)
	if err != nil {
		return fmt.Errorf("registering index version %s: %w", v.IndexName, err)
	}
	return nil
}

// Start inserts an ab_experiments row in the ramping state.
func (r *Registry) Start(ctx context.Context, e core.Experiment) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO lifecycle.ab_experiments (index_name, table_name, status, traffic_share)
		VALUES ($1, $2, $3, $4)`,
		e.IndexName, e.Table, string(e.Status), e.TrafficShare)
	if err != nil {
		return fmt.Errorf("starting experiment for %s: %w", e.IndexName, err)
	}
	return nil
}
