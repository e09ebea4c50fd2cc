package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kibble/kibble/internal/common/config"
	"github.com/kibble/kibble/internal/common/logger"
	"github.com/kibble/kibble/internal/common/tracing"
	"github.com/kibble/kibble/internal/session/api"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "kibble",
	Short:         "Attach to and drive remote coding agent sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Directory containing config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(continueCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(endCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads configuration and builds the logger shared by every command.
func setup() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	tracing.Configure("kibble-cli")
	return cfg, log, nil
}

func newAPIClient() (*api.Client, *logger.Logger, error) {
	cfg, log, err := setup()
	if err != nil {
		return nil, nil, err
	}
	return api.NewClient(cfg.API, log), log, nil
}
