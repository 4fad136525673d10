package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	fitsync "github.com/IamNotATuringMachine/fitness-sub002"
	"github.com/spf13/cobra"
)

var cachePurgeAll bool

func init() {
	cacheCmd.AddCommand(cacheLsCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
	cachePurgeCmd.Flags().BoolVar(&cachePurgeAll, "all", false, "Delete every namespace, including the current generation")
	rootCmd.AddCommand(cacheCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the response cache",
	Long:  "Inspect or purge the cache file. The proxy holds the file open while serving, so stop it first.",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls [namespace]",
	Short: "List namespaces, or the entries of one namespace",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		current := fitsync.NamespacesFor(cfg.Cache.Prefix, cfg.Cache.Version)

		if len(args) == 0 {
			names, err := store.Namespaces(ctx)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(out, "Cache is empty.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAMESPACE\tENTRIES\tCURRENT")
			for _, name := range names {
				infos, err := store.Keys(ctx, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\t%t\n", name, len(infos), current.Contains(name))
			}
			return tw.Flush()
		}

		infos, err := store.Keys(ctx, args[0])
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STORED\tKEY")
		for _, info := range infos {
			key := strings.ReplaceAll(info.Key, "\n", " | ")
			fmt.Fprintf(tw, "%s\t%s\n", info.StoredAt.Local().Format(time.DateTime), key)
		}
		return tw.Flush()
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge [namespace...]",
	Short: "Delete namespaces (default: every namespace not in the current generation)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		targets := args
		if len(targets) == 0 {
			names, err := store.Namespaces(ctx)
			if err != nil {
				return err
			}
			current := fitsync.NamespacesFor(cfg.Cache.Prefix, cfg.Cache.Version)
			for _, name := range names {
				if cachePurgeAll || !current.Contains(name) {
					targets = append(targets, name)
				}
			}
		}

		for _, name := range targets {
			if err := store.DeleteNamespace(ctx, name); err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", name)
		}
		if len(targets) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to purge.")
		}
		return nil
	},
}
