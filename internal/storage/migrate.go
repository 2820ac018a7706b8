package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// migrateHooks parameterizes the migration runner over a backend: the
// tracking-table DDL differs by dialect and each backend executes SQL
// through its own driver.
type migrateHooks struct {
	trackingDDL     string
	exec            func(ctx context.Context, sql string, args ...any) error
	appliedVersions func(ctx context.Context) (map[string]bool, error)
}

// applyMigrations executes unapplied SQL migration files from the provided
// filesystem in name order, recording each in a schema_migrations table so
// it runs at most once. This is a simple forward-only runner; there is no
// down path.
func applyMigrations(ctx context.Context, migrationsFS fs.FS, logger *slog.Logger, hooks migrateHooks) error {
	if err := hooks.exec(ctx, hooks.trackingDDL); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := hooks.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		name := entry.Name()
		if applied[name] {
			logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		logger.Info("running migration", "file", name)
		if err := hooks.exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}

		if err := hooks.exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}

	return nil
}

// scanVersions collects version strings from a row iterator. Both drivers
// expose the same next/scan/err shape but not a shared interface.
func scanVersions(next func() bool, scan func(*string) error, rowsErr func() error) (map[string]bool, error) {
	applied := make(map[string]bool)
	for next() {
		var v string
		if err := scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rowsErr()
}
