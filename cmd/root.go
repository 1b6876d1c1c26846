// Package cmd implements the cloud-admin command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloud-admin/internal/config"
	"cloud-admin/internal/logger"
)

// VERSION is the current version of cloud-admin.
const VERSION = "0.3"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "cloud-admin",
	Short:         "Cluster administration plane",
	Long:          "cloud-admin runs the master, a monitor, or an admin console of a cluster admin plane.",
	Version:       VERSION,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to the yaml configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(newMasterCmd(), newMonitorCmd(), newConsoleCmd())
}

// loadConfig reads the configuration and builds the process logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, logger.New(cfg.Log), nil
}
