package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vesselworks/plexus/core/config"
	"github.com/vesselworks/plexus/core/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "plexus",
	Short: "Plexus - an inter-agent communication and resource substrate",
	Long: `Plexus routes prioritized messages between agents, fans events out over
named channels, and meters shared resource pools with per-agent limits.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to plexus.yaml (searches the working directory, then the user config dir)")
}

// resolveConfigPath returns the explicit --config value, or the default
// location when the flag was left empty.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return storage.DefaultConfigPath()
}

// loadConfig runs the full layering chain for the configured path.
func loadConfig() (*config.Manager, error) {
	manager := config.NewManager(resolveConfigPath())
	if err := manager.Load(); err != nil {
		return nil, err
	}
	return manager, nil
}

// setupLogging installs the configured slog handler as the default.
func setupLogging(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
