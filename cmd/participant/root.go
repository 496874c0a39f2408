package main

import (
	"fmt"
	"os"

	"meshcall/pkg/config"
	"meshcall/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "participant",
	Short: "Headless meshcall participant",
	Long: `participant joins a meshcall room from the command line, forms a direct
WebRTC link with every other member and publishes synthetic camera,
microphone and screen tracks. It is meant for smoke tests and load checks
against a signaling server.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (ICE servers and signaling settings)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.AddCommand(joinCmd)
}

// Execute runs the root command.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *zap.SugaredLogger {
	format := cfg.Logging.Format
	if format == "" {
		format = "console"
	}
	return logger.New(cfg.Logging.Level, format).Sugar()
}
