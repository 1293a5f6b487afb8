package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/aiox-platform/agentmem/internal/database"
)

func init() {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the Postgres memory schema",
		RunE:  runMigrate,
	}
	cmd.Flags().Int("down", 0, "Roll back this many migrations instead of migrating up")

	RootCmd.AddCommand(cmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	down, _ := cmd.Flags().GetInt("down")
	if down > 0 {
		if err := database.RollbackMigrations(cfg.DB.DSN(), down); err != nil {
			return err
		}
		slog.Info("migrations rolled back", "steps", down)
		return nil
	}

	if err := database.RunMigrations(cfg.DB.DSN()); err != nil {
		return err
	}
	slog.Info("migrations applied")
	return nil
}
