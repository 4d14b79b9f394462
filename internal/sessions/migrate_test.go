package sessions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/steward/internal/config"
)

func TestLoadMigrations(t *testing.T) {
	for _, dialect := range []Dialect{DialectPostgres, DialectSQLite} {
		migrations, err := loadMigrations(dialect)
		if err != nil {
			t.Fatalf("loadMigrations(%s) error = %v", dialect, err)
		}
		if len(migrations) != 2 {
			t.Fatalf("%s: expected 2 migrations, got %d", dialect, len(migrations))
		}
		if migrations[0].ID() != "001_create_turns" || migrations[1].ID() != "002_create_approvals" {
			t.Errorf("%s: ids = %s, %s", dialect, migrations[0].ID(), migrations[1].ID())
		}
		for _, m := range migrations {
			if m.Up == "" || m.Down == "" {
				t.Errorf("%s/%s: missing up or down script", dialect, m.ID())
			}
		}
	}

	if _, err := loadMigrations("mysql"); err == nil {
		t.Error("expected error for unknown dialect")
	}
}

func TestRebind(t *testing.T) {
	query := `SELECT a FROM t WHERE b = ? AND c IN (?, ?)`
	if got := DialectSQLite.rebind(query); got != query {
		t.Errorf("sqlite rebind changed the query: %s", got)
	}
	want := `SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)`
	if got := DialectPostgres.rebind(query); got != want {
		t.Errorf("postgres rebind = %s, want %s", got, want)
	}
}

func TestMigratorSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := Connect(ctx, DialectSQLite, filepath.Join(t.TempDir(), "m.db"), DefaultDBConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer db.Close()

	migrator, err := NewMigrator(db, DialectSQLite)
	if err != nil {
		t.Fatal(err)
	}

	applied, pending, err := migrator.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(applied) != 0 || len(pending) != 2 {
		t.Fatalf("fresh database: applied=%d pending=%d", len(applied), len(pending))
	}

	up, err := migrator.Up(ctx)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if len(up) != 2 {
		t.Fatalf("Up() applied %d migrations, want 2", len(up))
	}
	if again, err := migrator.Up(ctx); err != nil || len(again) != 0 {
		t.Errorf("second Up() = %v, %v; want nothing applied", again, err)
	}

	applied, _, err = migrator.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 2 || applied[1].Name != "create_approvals" {
		t.Fatalf("applied = %+v", applied)
	}
	if applied[0].AppliedAt.IsZero() || time.Since(applied[0].AppliedAt) > time.Minute {
		t.Errorf("applied_at = %v", applied[0].AppliedAt)
	}

	reverted, err := migrator.Down(ctx, 1)
	if err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if len(reverted) != 1 || reverted[0].ID() != "002_create_approvals" {
		t.Errorf("reverted = %+v", reverted)
	}
	if _, err := db.ExecContext(ctx, `SELECT 1 FROM approvals`); err == nil {
		t.Error("approvals table still present after Down")
	}
	if _, err := db.ExecContext(ctx, `SELECT 1 FROM turns`); err != nil {
		t.Errorf("turns table dropped by a one-step Down: %v", err)
	}

	// More steps than applied migrations stops at the first.
	reverted, err = migrator.Down(ctx, 5)
	if err != nil || len(reverted) != 1 {
		t.Errorf("Down(5) = %+v, %v", reverted, err)
	}
	if reverted, err := migrator.Down(ctx, 1); err != nil || len(reverted) != 0 {
		t.Errorf("Down() on empty schema = %+v, %v", reverted, err)
	}
}

func TestMigratorUpPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	migrator, err := NewMigrator(db, DialectPostgres)
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations \(version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at TIMESTAMPTZ NOT NULL\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version, name, applied_at FROM schema_migrations ORDER BY version`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "name", "applied_at"}).
			AddRow(1, "create_turns", time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS approvals`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO schema_migrations \(version, name, applied_at\) VALUES \(\$1, \$2, \$3\)`).
		WithArgs(2, "create_approvals", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := migrator.Up(context.Background())
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if len(applied) != 1 || applied[0].Version != 2 {
		t.Errorf("applied = %+v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMigratorRollsBackFailedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	migrator, err := NewMigrator(db, DialectPostgres)
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version, name, applied_at FROM schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "name", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS turns`).WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	applied, err := migrator.Up(context.Background())
	if err == nil {
		t.Fatal("expected error from failed migration")
	}
	if len(applied) != 0 {
		t.Errorf("applied = %+v, want none", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestOpenMigrator(t *testing.T) {
	if _, _, err := OpenMigrator(context.Background(), config.StorageConfig{Driver: "memory"}); err == nil {
		t.Error("expected error for memory storage")
	}

	migrator, db, err := OpenMigrator(context.Background(), config.StorageConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "open.db"),
	})
	if err != nil {
		t.Fatalf("OpenMigrator() error = %v", err)
	}
	defer db.Close()

	_, pending, err := migrator.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("OpenMigrator applied migrations: pending = %d", len(pending))
	}
}
