package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/logging"
)

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kestreld",
		Short: "Kestrel - multi-tenant automation execution engine",
		Long:  "Kestrel runs org-scoped automation modules and workflows: durable run dispatch, worker pools, log streaming, and cron scheduling",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		daemonCmd(),
		moduleCmd(),
		runCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if logLevel != "" {
		cfg.Daemon.LogLevel = logLevel
	}
	logging.SetLevelFromString(cfg.Daemon.LogLevel)
	return cfg, nil
}
