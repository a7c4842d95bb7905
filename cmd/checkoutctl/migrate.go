package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

const envPostgresDSN = "FUNNEL_POSTGRES_DSN"

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var (
		dsn       string
		upSteps   int
		downSteps int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or inspect PostgreSQL schema migrations",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")

	run := func(action func(ctx context.Context, m migrator) (string, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			target := strings.TrimSpace(opts.env(dsn, envPostgresDSN))
			if target == "" {
				return errors.New(envPostgresDSN + " (or --dsn) is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			m, err := opts.deps.openMigrator(ctx, target)
			if err != nil {
				return fmt.Errorf("open postgres store: %w", err)
			}
			defer m.Close()

			prefix, err := action(ctx, m)
			if err != nil {
				return err
			}
			state, err := m.MigrationStatus(ctx)
			if err != nil {
				return fmt.Errorf("migration status failed: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: version=%d applied=%d pending=%d\n", prefix, state.Version, state.Applied, state.Pending)
			return err
		}
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, m migrator) (string, error) {
			if err := m.MigrateUp(ctx, upSteps); err != nil {
				return "", fmt.Errorf("migrate up failed: %w", err)
			}
			return "migrate up ok", nil
		}),
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "number of migrations to apply (0 = all)")

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, m migrator) (string, error) {
			if err := m.MigrateDown(ctx, downSteps); err != nil {
				return "", fmt.Errorf("migrate down failed: %w", err)
			}
			return "migrate down ok", nil
		}),
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current schema version",
		Args:  cobra.NoArgs,
		RunE: run(func(context.Context, migrator) (string, error) {
			return "migration status", nil
		}),
	}

	cmd.AddCommand(up, down, status)
	return cmd
}
