package main

import (
	"fmt"
	"os"

	"github.com/martinemde/conductor/config"
	"github.com/martinemde/conductor/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version set via ldflags during build
var version = "dev"

var (
	workDir string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:     "conductor",
	Short:   "Run tool-using LLM agents with operator confirmation",
	Version: version,
	Long: `conductor drives a language model through a bounded reason-act loop:
it calls tools on the model's behalf, asks before anything mutating runs,
detects repetitive tool use, and summarizes old context when the window
fills up.

Configuration is read from $XDG_CONFIG_HOME/conductor/conductor.yml, then
./conductor.yml, then CONDUCTOR_* environment variables, then flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workDir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}
			workDir = wd
		}

		var err error
		cfg, err = config.Load(workDir, cmd.Flags())
		if err != nil {
			return err
		}
		logger, err = logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, File: cfg.LogFile})
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&workDir, "workdir", "C", "", "project directory (default: current directory)")
	flags.String("provider", "", "LLM provider (openai, anthropic)")
	flags.String("model", "", "model ID")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-file", "", "write logs to this file instead of stderr")
	flags.String("data-dir", "", "directory for the audit database and event store")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
