package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"key-custody-service/config"
	"key-custody-service/internal/domain"
	"key-custody-service/internal/infra"
	"key-custody-service/internal/repository"
	"key-custody-service/internal/usecase"
	"key-custody-service/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage database migrations for the key custody service (uses DATABASE_DRIVER and DATABASE_URL)",
	}
	cmd.AddCommand(migrateUpCmd(), migrateStatusCmd())
	return cmd
}

// newMigrationService は環境変数のDB設定から MigrationService を組み立てる。
func newMigrationService() (*usecase.MigrationService, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseDriver == config.DatabaseDriverMemory {
		return nil, fmt.Errorf("DATABASE_DRIVER %q has no schema to migrate", cfg.DatabaseDriver)
	}

	db, err := infra.NewDB(cfg.DatabaseDriver, cfg.DatabaseURL, false)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	files, err := migrations.ForDriver(cfg.DatabaseDriver)
	if err != nil {
		return nil, err
	}
	return usecase.NewMigrationService(repository.NewMigrationRepository(db), files), nil
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newMigrationService()
			if err != nil {
				return err
			}

			appliedCount, err := svc.ApplyMigrations(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if appliedCount == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", appliedCount)
			}
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newMigrationService()
			if err != nil {
				return err
			}

			migrations, err := svc.GetMigrationStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			// テーブル形式で出力
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			for _, m := range migrations {
				appliedAt := "-"
				if m.AppliedAt != nil {
					appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
				}
				status := "pending"
				if m.Status == domain.MigrationStatusApplied {
					status = "applied"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Version, m.Name, status, appliedAt)
			}
			return w.Flush()
		},
	}
}
