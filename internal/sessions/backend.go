package sessions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/config"
)

// Backend bundles the stores selected by configuration.
type Backend struct {
	Transcripts Store
	Approvals   agent.ApprovalStore
	db          *sql.DB
}

// Open builds the stores for cfg. The memory driver needs no DSN.
func Open(ctx context.Context, cfg config.StorageConfig) (*Backend, error) {
	switch cfg.Driver {
	case "", "memory":
		return &Backend{
			Transcripts: NewMemoryStore(),
			Approvals:   agent.NewMemoryApprovalStore(),
		}, nil
	case "sqlite", "postgres":
		dialect := Dialect(cfg.Driver)
		db, err := OpenDB(ctx, dialect, cfg.DSN, DefaultDBConfig())
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Driver, err)
		}
		return &Backend{
			Transcripts: NewSQLStore(db, dialect),
			Approvals:   NewSQLApprovalStore(db, dialect),
			db:          db,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// Close releases the database, if any.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// OpenMigrator connects to the configured database without migrating it.
// The caller closes the returned database.
func OpenMigrator(ctx context.Context, cfg config.StorageConfig) (*Migrator, *sql.DB, error) {
	switch cfg.Driver {
	case "sqlite", "postgres":
	case "", "memory":
		return nil, nil, fmt.Errorf("storage driver %q has no schema", "memory")
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	dialect := Dialect(cfg.Driver)
	db, err := Connect(ctx, dialect, cfg.DSN, DefaultDBConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("open %s storage: %w", cfg.Driver, err)
	}
	migrator, err := NewMigrator(db, dialect)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return migrator, db, nil
}
