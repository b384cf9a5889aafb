package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/indexadvisor/internal/core"
)

// DBTX is satisfied by both *pgxpool.Conn's underlying *pgx.Conn and a
// pgx.Tx, matching the teacher's pkg/incident/store.go seam for testing
// against either a pooled connection or a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const fieldColumns = `table_name, field_name, type, is_required, is_indexable, default_active, "group", tombstoned, created_at, updated_at`

func scanFieldRow(row pgx.Row) (core.FieldDescriptor, error) {
	var f core.FieldDescriptor
	err := row.Scan(&f.Table, &f.Field, &f.Type, &f.IsRequired, &f.IsIndexable, &f.DefaultActive, &f.Group, &f.Tombstoned, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func scanFieldRows(rows pgx.Rows) ([]core.FieldDescriptor, error) {
	defer rows.Close()
	var out []core.FieldDescriptor
	for rows.Next() {
		f, err := scanFieldRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Store is the hand-written pgx data access layer backing Catalog. No
// code-generation layer was available in this repo's dependency pack, so
// queries are written and scanned by hand, matching the teacher's
// pkg/incident/store.go shape (explicit column lists, manual row Scan).
type Store struct {
	db DBTX
}

// NewStore wraps a DBTX (a pooled connection or transaction) for catalog access.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// AllFields returns every non-tombstoned field descriptor.
func (s *Store) AllFields(ctx context.Context) ([]core.FieldDescriptor, error) {
	rows, err := s.db.Query(ctx, `SELECT `+fieldColumns+` FROM catalog.fields WHERE NOT tombstoned ORDER BY table_name, field_name`)
	if err != nil {
		return nil, fmt.Errorf("querying fields: %w", err)
	}
	return scanFieldRows(rows)
}

// GetField looks up a single field descriptor, including tombstoned ones
// (callers that need liveness check IsIndexable/Tombstoned themselves).
func (s *Store) GetField(ctx context.Context, table, field string) (core.FieldDescriptor, error) {
	row := s.db.QueryRow(ctx, `SELECT `+fieldColumns+` FROM catalog.fields WHERE table_name = $1 AND field_name = $2`, table, field)
	f, err := scanFieldRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return core.FieldDescriptor{}, fmt.Errorf("%w: %s.%s", core.ErrUnknownField, table, field)
		}
		return core.FieldDescriptor{}, fmt.Errorf("scanning field: %w", err)
	}
	return f, nil
}

// UpsertField inserts a new field descriptor or updates type/flags on
// conflict, used by both config bootstrap and discovery sync.
func (s *Store) UpsertField(ctx context.Context, f core.FieldDescriptor) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO catalog.fields (table_name, field_name, type, is_required, is_indexable, default_active, "group", tombstoned, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, now())
		ON CONFLICT (table_name, field_name) DO UPDATE SET
			type = EXCLUDED.type,
			is_required = EXCLUDED.is_required,
			is_indexable = EXCLUDED.is_indexable,
			"group" = EXCLUDED."group",
			tombstoned = false,
			updated_at = now()
	`, f.Table, f.Field, f.Type, f.IsRequired, f.IsIndexable, f.DefaultActive, f.Group)
	if err != nil {
		return fmt.Errorf("upserting field: %w", err)
	}
	return nil
}

// TombstoneField marks a field descriptor removed without deleting the row,
// per spec.md §3 "never deleted (tombstoned on removal)", and cascades to
// disable every TenantExpression for that field.
func (s *Store) TombstoneField(ctx context.Context, table, field string) error {
	_, err := s.db.Exec(ctx, `UPDATE catalog.fields SET tombstoned = true, updated_at = now() WHERE table_name = $1 AND field_name = $2`, table, field)
	if err != nil {
		return fmt.Errorf("tombstoning field: %w", err)
	}
	_, err = s.db.Exec(ctx, `UPDATE catalog.expression SET enabled = false WHERE table_name = $1 AND field_name = $2`, table, field)
	if err != nil {
		return fmt.Errorf("cascading disable on tombstone: %w", err)
	}
	return nil
}

// ActiveFields returns every (table, field) enabled for tenant.
func (s *Store) ActiveFields(ctx context.Context, tenant string) ([]core.TenantExpression, error) {
	rows, err := s.db.Query(ctx, `SELECT tenant, table_name, field_name, enabled FROM catalog.expression WHERE tenant = $1 AND enabled`, tenant)
	if err != nil {
		return nil, fmt.Errorf("querying expression: %w", err)
	}
	defer rows.Close()

	var out []core.TenantExpression
	for rows.Next() {
		var e core.TenantExpression
		if err := rows.Scan(&e.Tenant, &e.Table, &e.Field, &e.Enabled); err != nil {
			return nil, fmt.Errorf("scanning expression: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetExpression upserts the enabled flag for (tenant, table, field). The
// caller (Catalog.Enable/Disable) is responsible for the §3 invariant that
// the referenced field exists and is indexable — the foreign key enforces
// existence, IsIndexable is checked before this is called.
func (s *Store) SetExpression(ctx context.Context, tenant, table, field string, enabled bool) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO catalog.expression (tenant, table_name, field_name, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant, table_name, field_name) DO UPDATE SET enabled = EXCLUDED.enabled
	`, tenant, table, field, enabled)
	if err != nil {
		return fmt.Errorf("setting expression: %w", err)
	}
	return nil
}

// DeleteTenant removes all expression rows for a tenant (tenant removal, spec.md §3 lifecycle).
func (s *Store) DeleteTenant(ctx context.Context, tenant string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM catalog.expression WHERE tenant = $1`, tenant)
	if err != nil {
		return fmt.Errorf("deleting tenant expression: %w", err)
	}
	return nil
}
