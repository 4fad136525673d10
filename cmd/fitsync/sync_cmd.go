package main

import (
	"encoding/json"
	"fmt"

	fitsync "github.com/IamNotATuringMachine/fitness-sub002"
	"github.com/spf13/cobra"
)

var syncJSON bool

func init() {
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Print the sync report as JSON")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync <workout-sync|analytics-sync|daily-analytics>",
	Short: "Deliver queued mutations to the origin now",
	Long:  "Run one sync pass against the origin without starting the proxy. Items that fail stay queued.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		db, workouts, analytics, err := openQueues(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		out := cmd.OutOrStdout()
		gateway := fitsync.NewGateway(fitsync.WithGatewayLogger(newLogger(cfg)))
		defer gateway.Close()
		if !syncJSON {
			gateway.On(func(n fitsync.Notification) {
				fmt.Fprintf(out, "%s: %s\n", n.Title, n.Body)
			})
		}

		coord := fitsync.NewCoordinator(workouts, analytics, client, gateway, fitsync.CoordinatorConfig{
			WorkoutEndpoint:   cfg.Sync.WorkoutEndpoint,
			AnalyticsEndpoint: cfg.Sync.AnalyticsEndpoint,
		}, newLogger(cfg))

		report, runErr := coord.Run(cmd.Context(), args[0])
		if syncJSON {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
		} else {
			fmt.Fprintf(out, "%s: %d attempted, %d delivered, %d failed\n",
				report.Tag, report.Attempted, report.Succeeded, report.Failed)
		}
		return runErr
	},
}
