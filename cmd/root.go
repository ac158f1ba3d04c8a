package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/skiptrace-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "skiptrace-cli",
	Short: "Batch skip-trace orchestration engine",
	Long:  "Resolves property/owner records to phone numbers and emails through a metered provider, with response caching, daily budget enforcement, and resumable batch runs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
