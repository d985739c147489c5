package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RecordTables are the tables the ParkWatch repositories read and write
var RecordTables = []string{"segments", "detections", "violations", "daily_statistics"}

// Migration is one schema file, versioned by its numeric prefix
type Migration struct {
	Version   int
	Name      string
	SQL       string
	AppliedAt time.Time
}

// Migrator applies migrations in version order, each in its own transaction
type Migrator struct {
	db     *DB
	source fs.FS
	now    func() time.Time
	logger *slog.Logger
}

// NewMigrator creates a migrator over the embedded schema files
func NewMigrator(db *DB) *Migrator {
	sub, _ := fs.Sub(migrationsFS, "migrations")
	return newMigrator(db, sub)
}

func newMigrator(db *DB, source fs.FS) *Migrator {
	return &Migrator{
		db:     db,
		source: source,
		now:    time.Now,
		logger: slog.Default().With("component", "migrator"),
	}
}

// Run applies every pending migration. Files are parsed before the database
// is touched, so a malformed file aborts without partial work.
func (m *Migrator) Run(ctx context.Context) error {
	pending, err := m.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		m.logger.Debug("Schema is up to date")
		return nil
	}

	for _, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("migration %03d_%s failed: %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("Applied migration", "version", mig.Version, "name", mig.Name)
	}
	return nil
}

// Pending returns the migrations not yet recorded, in version order
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	available, err := loadMigrations(m.source)
	if err != nil {
		return nil, err
	}

	if err := m.ensureVersionTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]Migration, 0, len(available))
	for _, mig := range available {
		if _, done := applied[mig.Version]; !done {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// Verify checks that every named table exists
func (m *Migrator) Verify(ctx context.Context, tables ...string) error {
	var missing []string
	for _, table := range tables {
		var name string
		err := m.db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		if err == sql.ErrNoRows {
			missing = append(missing, table)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to inspect schema: %w", err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema is missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at int64
		if err := rows.Scan(&version, &at); err != nil {
			return nil, err
		}
		out[version] = time.Unix(at, 0)
	}
	return out, rows.Err()
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	return m.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			mig.Version, mig.Name, m.now().Unix(),
		)
		return err
	})
}

// loadMigrations reads NNN_name.sql files from the root of source. Any other
// .sql name is an error.
func loadMigrations(source fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(source, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		version, name, err := parseMigrationName(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration version %d used by %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(source, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// parseMigrationName splits "001_initial_schema.sql" into 1 and "initial_schema"
func parseMigrationName(file string) (int, string, error) {
	base := strings.TrimSuffix(file, ".sql")
	prefix, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("invalid migration file name %q", file)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("invalid migration version in %q", file)
	}
	return version, name, nil
}
