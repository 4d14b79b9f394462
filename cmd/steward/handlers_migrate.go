package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/steward/internal/sessions"
)

// =============================================================================
// Migration Command Handlers
// =============================================================================

func openMigrator(cmd *cobra.Command, flags *globalFlags) (*sessions.Migrator, *sql.DB, error) {
	cfg, err := loadConfig(resolveConfigPath(flags.configPath))
	if err != nil {
		return nil, nil, err
	}
	if storageDriver(cfg) == "memory" {
		return nil, nil, fmt.Errorf("storage.driver is memory: there is no schema to migrate")
	}
	return sessions.OpenMigrator(cmd.Context(), cfg.Storage)
}

func runMigrateUp(cmd *cobra.Command, flags *globalFlags) error {
	migrator, db, err := openMigrator(cmd, flags)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := migrator.Up(cmd.Context())
	out := cmd.OutOrStdout()
	for _, m := range applied {
		fmt.Fprintf(out, "Applied %s\n", m.ID())
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
	}
	return nil
}

func runMigrateDown(cmd *cobra.Command, flags *globalFlags, steps int) error {
	if steps < 1 {
		return fmt.Errorf("--steps must be at least 1")
	}
	migrator, db, err := openMigrator(cmd, flags)
	if err != nil {
		return err
	}
	defer db.Close()

	reverted, err := migrator.Down(cmd.Context(), steps)
	out := cmd.OutOrStdout()
	for _, m := range reverted {
		fmt.Fprintf(out, "Reverted %s\n", m.ID())
	}
	if err != nil {
		return err
	}
	if len(reverted) == 0 {
		fmt.Fprintln(out, "No migrations to roll back.")
	}
	return nil
}

func runMigrateStatus(cmd *cobra.Command, flags *globalFlags) error {
	migrator, db, err := openMigrator(cmd, flags)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Applied migrations:")
	if len(applied) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, a := range applied {
		fmt.Fprintf(out, "  - %03d_%s (%s)\n", a.Version, a.Name, a.AppliedAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Pending migrations:")
	if len(pending) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, m := range pending {
		fmt.Fprintf(out, "  - %s\n", m.ID())
	}
	return nil
}
