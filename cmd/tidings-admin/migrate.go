package main

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/migadu/tidings/db"
)

// newMigrateCommand constructs the `migrate` command group. The server
// should be stopped while migrating down.
func newMigrateCommand(a *app) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(m *migrate.Migrate) error) error {
		store, err := a.openStore(cmd.Context())
		if err != nil {
			return err
		}
		m, err := db.NewMigrator(store.DB().DB, store.DB().DriverName())
		if err != nil {
			return err
		}
		return fn(m)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := db.MigrateUp(cmd.Context(), store.DB()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Revert migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, _ := cmd.Flags().GetBool("all")
			limit, _ := cmd.Flags().GetInt("limit")
			if limit <= 0 && !all {
				return fmt.Errorf("--limit must be positive")
			}
			return withMigrator(cmd, func(m *migrate.Migrate) error {
				var err error
				if all {
					err = m.Down()
				} else {
					err = m.Steps(-limit)
				}
				if err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("failed to revert migrations: %w", err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
				return nil
			})
		},
	}
	downCmd.Flags().Int("limit", 1, "Number of migrations to revert")
	downCmd.Flags().Bool("all", false, "Revert every migration")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *migrate.Migrate) error {
				version, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "version: none")
					return nil
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "version: %d dirty: %t\n", version, dirty)
				return nil
			})
		},
	}

	migrateCmd.AddCommand(upCmd, downCmd, versionCmd)
	return migrateCmd
}
