package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"claporcrap/api/internal/app"
	"claporcrap/api/internal/config"
	"claporcrap/api/internal/store"
)

func newMigrateCmd(cfg config.Config) *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
	migrate.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			version, err := store.RollbackLast(ctx, db, os.DirFS(cfg.MigrationsDir))
			if err != nil {
				return err
			}
			if version == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", version)
			return nil
		},
	})
	return migrate
}

func newSeedCmd(cfg config.Config) *cobra.Command {
	var count int
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Create seed critics from the persona set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			created, err := rt.service.SeedCritics(ctx, count)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d seed agents created\n", created)
			return nil
		},
	}
	seed.Flags().IntVar(&count, "count", 50, "number of critics to create (max 500)")
	return seed
}

func newSweepCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:       "sweep <heartbeat|feedback|challenges|finalize>",
		Short:     "Run one background sweep and exit",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{app.SweepHeartbeat, app.SweepFeedback, app.SweepChallenges, app.SweepFinalize},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			result, err := rt.service.RunSweep(ctx, args[0])
			if err != nil {
				return err
			}
			slog.Info("sweep finished",
				"sweep", result.Sweep,
				"processed", result.Processed,
				"finalized", result.Finalized,
				"expired", result.Expired,
				"skipped", result.Skipped,
			)
			return nil
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
