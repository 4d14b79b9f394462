package sessions

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// migrationFile matches "001_create_turns.up.sql".
var migrationFile = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one embedded schema change.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// ID is the file stem, e.g. "001_create_turns".
func (m Migration) ID() string {
	return fmt.Sprintf("%03d_%s", m.Version, m.Name)
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// Migrator applies the embedded migrations of one dialect. Each migration
// runs in its own transaction together with its schema_migrations row.
type Migrator struct {
	db         *sql.DB
	dialect    Dialect
	migrations []Migration
}

func NewMigrator(db *sql.DB, dialect Dialect) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	migrations, err := loadMigrations(dialect)
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, dialect: dialect, migrations: migrations}, nil
}

// Migrate brings db up to the latest schema.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	m, err := NewMigrator(db, dialect)
	if err != nil {
		return err
	}
	_, err = m.Up(ctx)
	return err
}

// Up applies every pending migration in version order and returns them.
func (m *Migrator) Up(ctx context.Context) ([]Migration, error) {
	_, pending, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}

	var applied []Migration
	for _, mig := range pending {
		err := m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
				return fmt.Errorf("apply migration %s: %w", mig.ID(), err)
			}
			_, err := tx.ExecContext(ctx,
				m.dialect.rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
				mig.Version, mig.Name, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("record migration %s: %w", mig.ID(), err)
			}
			return nil
		})
		if err != nil {
			return applied, err
		}
		applied = append(applied, mig)
	}
	return applied, nil
}

// Down reverts the newest steps applied migrations, newest first. steps <= 0
// reverts one.
func (m *Migrator) Down(ctx context.Context, steps int) ([]Migration, error) {
	if steps <= 0 {
		steps = 1
	}
	applied, _, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}

	var reverted []Migration
	for i := len(applied) - 1; i >= 0 && len(reverted) < steps; i-- {
		mig, ok := m.byVersion(applied[i].Version)
		if !ok {
			return reverted, fmt.Errorf("applied migration %d is not known to this build", applied[i].Version)
		}
		if strings.TrimSpace(mig.Down) == "" {
			return reverted, fmt.Errorf("migration %s cannot be reverted", mig.ID())
		}
		err := m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, mig.Down); err != nil {
				return fmt.Errorf("revert migration %s: %w", mig.ID(), err)
			}
			if _, err := tx.ExecContext(ctx, m.dialect.rebind(`DELETE FROM schema_migrations WHERE version = ?`), mig.Version); err != nil {
				return fmt.Errorf("unrecord migration %s: %w", mig.ID(), err)
			}
			return nil
		})
		if err != nil {
			return reverted, err
		}
		reverted = append(reverted, mig)
	}
	return reverted, nil
}

// Status lists applied migrations in version order and the ones still pending.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at %s NOT NULL)`,
		m.dialect.timestampType()))
	if err != nil {
		return nil, nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	done := make(map[int]bool)
	for rows.Next() {
		var a AppliedMigration
		if err := rows.Scan(&a.Version, &a.Name, &a.AppliedAt); err != nil {
			return nil, nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied = append(applied, a)
		done[a.Version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("schema_migrations: %w", err)
	}

	var pending []Migration
	for _, mig := range m.migrations {
		if !done[mig.Version] {
			pending = append(pending, mig)
		}
	}
	return applied, pending, nil
}

func (m *Migrator) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) byVersion(version int) (Migration, bool) {
	for _, mig := range m.migrations {
		if mig.Version == version {
			return mig, true
		}
	}
	return Migration{}, false
}

func loadMigrations(dialect Dialect) ([]Migration, error) {
	dir := "migrations/" + string(dialect)
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, _ := strconv.Atoi(match[1])
		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version, Name: match[2]}
			byVersion[version] = mig
		} else if mig.Name != match[2] {
			return nil, fmt.Errorf("migration version %d is used by %s and %s", version, mig.Name, match[2])
		}

		data, err := migrationsFS.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if match[3] == "up" {
			mig.Up = string(data)
		} else {
			mig.Down = string(data)
		}
	}
	if len(byVersion) == 0 {
		return nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if strings.TrimSpace(mig.Up) == "" {
			return nil, fmt.Errorf("migration %s has no up script", mig.ID())
		}
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
