package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	fitsync "github.com/IamNotATuringMachine/fitness-sub002"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and proxy status",
	Long:  "Display the current configuration and, when the proxy is running, its generations, clients and queues.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Listen:      %s\n", cfg.Server.Listen)
		fmt.Fprintf(out, "  Origin:      %s\n", valueOrDefault(cfg.Server.Origin, "(not set)"))
		fmt.Fprintf(out, "  Version:     %s\n", cfg.Cache.Version)
		fmt.Fprintf(out, "  Cache:       %s\n", cfg.Cache.Path)
		fmt.Fprintf(out, "  Queue:       %s\n", cfg.Sync.QueuePath)
		if cfg.Server.AdminToken != "" {
			fmt.Fprintf(out, "  Admin token: %s\n", maskKey(cfg.Server.AdminToken))
		} else {
			fmt.Fprintln(out, "  Admin token: (not set, admin routes closed)")
		}
		if cfg.Push.Secret != "" {
			fmt.Fprintf(out, "  Push secret: %s\n", maskKey(cfg.Push.Secret))
		} else {
			fmt.Fprintln(out, "  Push secret: (not set, push endpoint disabled)")
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		st, err := fetchStatus(ctx, baseURL(cfg.Server.Listen), cfg.Server.AdminToken)
		if err != nil {
			fmt.Fprintf(out, "  Proxy not reachable: %v\n", err)
			return nil
		}

		fmt.Fprintf(out, "  Online:      %t\n", st.Online)
		fmt.Fprintf(out, "  Active:      %s\n", generationLabel(st.Active))
		fmt.Fprintf(out, "  Waiting:     %s\n", generationLabel(st.Waiting))
		fmt.Fprintf(out, "  Clients:     %d\n", len(st.Clients))
		fmt.Fprintf(out, "  Workouts:    %d pending\n", st.Workouts)
		fmt.Fprintf(out, "  Analytics:   %d pending\n", st.Analytics)
		for _, job := range st.Jobs {
			kind := "one-off"
			if job.Periodic {
				kind = "every " + job.Interval.String()
			}
			fmt.Fprintf(out, "  Sync job:    %s (%s)\n", job.Tag, kind)
		}
		return nil
	},
}

func fetchStatus(ctx context.Context, base, token string) (*fitsync.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/_worker/status", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var st fitsync.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// baseURL turns a listen address into a URL a local client can dial.
func baseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func generationLabel(g *fitsync.Generation) string {
	if g == nil {
		return "(none)"
	}
	return fmt.Sprintf("%s (%s)", g.Version, g.State)
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
