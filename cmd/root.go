// Package cmd wires the CLI entry points for skillforge.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/skillforge/internal/config"
	"github.com/zjrosen/skillforge/internal/log"
	"github.com/zjrosen/skillforge/internal/paths"
)

var (
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "skillforge",
	Short: "Workflow orchestration core for skill builds",
	Long: `Skillforge runs multi-step, human-gated skill-build workflows:
it spawns isolated worker processes per step, streams their typed
progress events, and keeps step status, artifacts, locks, and usage
metrics crash-consistent across restarts.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		return log.Init(paths.LogFile(), logLevel(cfg.LogLevel))
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		log.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default "+paths.ConfigFile()+")")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the YAML config over the defaults. A missing config
// file is fine; a malformed one is not.
func loadConfig() error {
	cfg = config.Defaults()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigFile(paths.ConfigFile())
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var pathErr *fs.PathError
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &pathErr) || errors.As(err, &notFound) {
			// No config file; run on defaults.
			return cfg.Validate()
		}
		return fmt.Errorf("reading config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return cfg.Validate()
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
