package platform

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies all four migration sets in a fixed order: catalog
// first (genome/expression tables other components read), then telemetry,
// audit, and lifecycle. Each directory owns its own schema_migrations
// version table via golang-migrate's multi-statement support, so ordering
// only matters for readability, not correctness.
func RunMigrations(databaseURL string, catalogDir, telemetryDir, auditDir, lifecycleDir string) error {
	dirs := []struct {
		name string
		path string
	}{
		{"catalog", catalogDir},
		{"telemetry", telemetryDir},
		{"audit", auditDir},
		{"lifecycle", lifecycleDir},
	}

	for _, d := range dirs {
		if err := runMigrations(databaseURL, d.path); err != nil {
			return fmt.Errorf("running %s migrations: %w", d.name, err)
		}
	}
	return nil
}

func runMigrations(databaseURL, migrationsDir string) error {
	m, err := migrate.New(
		fmt.Sprintf("file://%s", migrationsDir),
		databaseURL,
	)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}
