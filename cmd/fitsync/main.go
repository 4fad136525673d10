package main

import (
	"fmt"
	"os"
	"path/filepath"

	fitsync "github.com/IamNotATuringMachine/fitness-sub002"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config helpers
// ============================================================================

var configFlag string

// configPath returns the config file path, ~/.fitsync/config.toml unless --config is set.
func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	dir, err := fitsync.DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and environment, and fills storage paths
// next to the config file when they are unset.
func loadConfig() (*fitsync.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := fitsync.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = filepath.Join(dir, "cache.db")
	}
	if cfg.Sync.QueuePath == "" {
		cfg.Sync.QueuePath = filepath.Join(dir, "queue.db")
	}
	return cfg, nil
}

// loadFileConfig reads only the config file so that saving it does not
// persist environment overrides or derived paths.
func loadFileConfig() (*fitsync.Config, string, error) {
	path, err := configPath()
	if err != nil {
		return nil, "", err
	}
	cfg := fitsync.DefaultConfig()
	if data, err := os.ReadFile(path); err == nil {
		if err := unmarshalTOML(data, cfg); err != nil {
			return nil, "", fmt.Errorf("cannot parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("cannot read config: %w", err)
	}
	return cfg, path, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "fitsync",
	Short: "Offline caching proxy for the FitQuest web app",
	Long: "fitsync sits between the FitQuest foreground and its origin server.\n" +
		"It serves cached responses when the origin is unreachable, queues workouts\n" +
		"recorded offline and replays them once connectivity returns.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ~/.fitsync/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
