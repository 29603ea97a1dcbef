// Package migrate applies the backend's schema migrations at startup.
//
// Migration SQL is embedded in the binary, so a deployed server always
// carries the schema it needs; there is no separate migration artifact to
// ship alongside it. Files live in the migrations directory and are named
//
//	NNN_descriptive_name.sql
//
// with a zero-padded version prefix. Each pending migration runs in its
// own transaction and is recorded in the schema_migrations table, so a
// failed migration leaves the database on the last good version and the
// next start retries from there.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var files embed.FS

// filePattern matches NNN_name.sql migration filenames.
var filePattern = regexp.MustCompile(`^(\d+)_(.+)\.sql$`)

// migration is one embedded schema step.
type migration struct {
	version int
	name    string
	sql     string
}

// Applied records a migration already present in schema_migrations.
type Applied struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// Migrator applies pending schema migrations against one database.
type Migrator struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a migrator for the given pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Migrator {
	return &Migrator{
		pool:   pool,
		logger: logger.With("component", "migrator"),
	}
}

// Run brings the schema up to date. Call it after connecting but before
// the pipeline, workers, or API start; a database the server cannot
// migrate is a fatal startup condition for the caller.
func (m *Migrator) Run(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensuring schema_migrations table: %w", err)
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	steps, err := loadMigrations()
	if err != nil {
		return err
	}

	applied := 0
	for _, step := range steps {
		if step.version <= current {
			continue
		}
		if err := m.apply(ctx, step); err != nil {
			return fmt.Errorf("migration %03d_%s: %w", step.version, step.name, err)
		}
		applied++
		current = step.version
	}

	if applied == 0 {
		m.logger.Info("schema up to date", "version", current)
	} else {
		m.logger.Info("schema migrated", "applied", applied, "version", current)
	}
	return nil
}

// Status reports applied migrations and the names of any still pending.
func (m *Migrator) Status(ctx context.Context) ([]Applied, []string, error) {
	var applied []Applied
	rows, err := m.pool.Query(ctx, `
		SELECT version, name, applied_at FROM schema_migrations ORDER BY version
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("reading schema_migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Version, &a.Name, &a.AppliedAt); err != nil {
			return nil, nil, err
		}
		applied = append(applied, a)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	seen := make(map[int]bool, len(applied))
	for _, a := range applied {
		seen[a.Version] = true
	}

	steps, err := loadMigrations()
	if err != nil {
		return nil, nil, err
	}
	var pending []string
	for _, step := range steps {
		if !seen[step.version] {
			pending = append(pending, fmt.Sprintf("%03d_%s", step.version, step.name))
		}
	}
	return applied, pending, nil
}

// currentVersion returns the highest applied version, 0 for a fresh database.
func (m *Migrator) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM schema_migrations
	`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// apply runs one migration and records it, atomically.
func (m *Migrator) apply(ctx context.Context, step migration) error {
	m.logger.Info("applying migration", "version", step.version, "name", step.name)

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, step.sql); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (version, name) VALUES ($1, $2)
	`, step.version, step.name); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit(ctx)
}

// loadMigrations reads the embedded SQL files, sorted by version.
func loadMigrations() ([]migration, error) {
	entries, err := files.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	steps := make([]migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, err := parseFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		sql, err := files.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		steps = append(steps, migration{version: version, name: name, sql: string(sql)})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// parseFilename splits NNN_name.sql into its version and name.
func parseFilename(filename string) (int, string, error) {
	match := filePattern.FindStringSubmatch(filename)
	if match == nil {
		return 0, "", fmt.Errorf("migration filename %q does not match NNN_name.sql", filename)
	}
	version, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, "", fmt.Errorf("migration filename %q: %w", filename, err)
	}
	return version, match[2], nil
}
