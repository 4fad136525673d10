package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	fitsync "github.com/IamNotATuringMachine/fitness-sub002"
	"github.com/spf13/cobra"
)

var watchMessage string

func init() {
	watchCmd.Flags().StringVar(&watchMessage, "send", "", "Send a message (e.g. SKIP_WAITING) after connecting")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to a running proxy as a client and print its messages",
	Long:  "Open a client connection to the running proxy and print every envelope it sends until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		conn, err := fitsync.DialHub(ctx, baseURL(cfg.Server.Listen))
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer conn.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Connected as %s (controller: %s)\n", conn.ID(), valueOrDefault(conn.Controller(), "none"))

		if watchMessage != "" {
			if err := conn.Send(ctx, fitsync.Envelope{Type: watchMessage}); err != nil {
				return err
			}
		}

		for {
			env, err := conn.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			payload := "-"
			if len(env.Payload) > 0 {
				payload = string(env.Payload)
			}
			fmt.Fprintf(out, "[%s] %s\n", env.Type, payload)
		}
	},
}
