package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matiasleandrokruk/toolforge/internal/infra/config"
	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
)

func newMigrateCmd(opts *options) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Migrations need only the database, so secrets are not required here.
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Database.Path == "" {
				return fmt.Errorf("database.path is required")
			}

			db, err := sqlite.NewDB(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			pending, err := sqlite.PendingMigrations(ctx, db)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pending) == 0 {
				fmt.Fprintln(out, "Database is up to date.")
				return nil
			}
			for _, name := range pending {
				fmt.Fprintf(out, "pending: %s\n", name)
			}
			if dryRun {
				return nil
			}

			if err := sqlite.MigrateUp(ctx, db); err != nil {
				return err
			}
			v, err := sqlite.MigrationVersion(ctx, db)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Applied %d migration(s), now at version %d.\n", len(pending), v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	return cmd
}
