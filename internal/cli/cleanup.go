package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lybic/mini-agent/internal/config"
)

var cleanupOlderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal task records older than a retention age",
	Long: `Deletes finished, error and cancelled task records created before the
retention cutoff. Pending and running records are never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cleanupOlderThan > 0 {
			cfg.RetentionAge = cleanupOlderThan
		}
		return runCleanup(cfg)
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0,
		"retention age, e.g. 720h (defaults to the configured retention_age)")
}

func runCleanup(cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	deleted, err := st.CleanupOlderThan(context.Background(), cfg.RetentionAge)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	logger.Info("cleanup complete", "deleted", deleted, "older_than", cfg.RetentionAge.String())
	return nil
}
