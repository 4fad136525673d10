package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	fitsync "github.com/IamNotATuringMachine/fitness-sub002"
	"github.com/spf13/cobra"
)

var queueEndpoint string

func init() {
	queueAddCmd.Flags().StringVar(&queueEndpoint, "endpoint", "", "Override the origin endpoint for this mutation")
	queueCmd.AddCommand(queueLsCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueRmCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the pending mutation queues",
}

var queueLsCmd = &cobra.Command{
	Use:   "ls <workouts|analytics>",
	Short: "List pending mutations in delivery order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		db, workouts, analytics, err := openQueues(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		q, err := queueByName(args[0], workouts, analytics)
		if err != nil {
			return err
		}

		items, err := q.List(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(items) == 0 {
			fmt.Fprintf(out, "Queue %s is empty.\n", args[0])
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCREATED\tATTEMPTS\tLAST ERROR\tPAYLOAD")
		for _, m := range items {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				m.ID, m.CreatedAt.Local().Format(time.DateTime), m.Attempts,
				valueOrDefault(m.LastError, "-"), truncate(string(m.Payload), 60))
		}
		return tw.Flush()
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <workouts|analytics> <json>",
	Short: "Queue a mutation for the next sync",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		db, workouts, analytics, err := openQueues(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		q, err := queueByName(args[0], workouts, analytics)
		if err != nil {
			return err
		}

		m, err := fitsync.NewMutation(queueEndpoint, json.RawMessage(args[1]))
		if err != nil {
			return err
		}
		if err := q.Append(cmd.Context(), m); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", m.ID)
		return nil
	},
}

var queueRmCmd = &cobra.Command{
	Use:   "rm <workouts|analytics> <id...>",
	Short: "Drop pending mutations without delivering them",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		db, workouts, analytics, err := openQueues(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		q, err := queueByName(args[0], workouts, analytics)
		if err != nil {
			return err
		}
		for _, id := range args[1:] {
			if err := q.Remove(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
