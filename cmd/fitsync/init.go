package main

import (
	"fmt"
	"net/url"

	fitsync "github.com/IamNotATuringMachine/fitness-sub002"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <origin>",
	Short: "Store the origin URL in ~/.fitsync/config.toml",
	Long:  "Initialize fitsync by storing the origin server URL in the local configuration file and generating an admin token if none is set.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		origin := args[0]
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("origin must be an absolute URL, got %q", origin)
		}

		cfg, path, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Server.Origin = origin
		if cfg.Server.AdminToken == "" {
			cfg.Server.AdminToken = uuid.NewString()
		}

		if err := fitsync.SaveConfig(path, cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Origin saved to %s\n", path)
		return nil
	},
}
