package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/memberworks/membersync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "membersync",
	Short: "Membership batch verification and ingestion pipeline",
	Long:  "Validates uploaded membership batches, verifies each member against the national voter roll under a shared hourly quota, resolves ward geography, and bulk-upserts the results.",
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
