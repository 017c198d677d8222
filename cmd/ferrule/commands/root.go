// Package commands implements the ferrule CLI: a cobra root command with
// "serve" and "nh add/del/list" subcommands, grounded on
// cmd/dittofs/commands/root.go's PersistentFlags + Execute() shape.
package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ferrule",
	Short: "ferrule - userspace ARP/NDP neighbor resolution",
	Long: `ferrule resolves IPv4 ARP and IPv6 NDP nexthops for a userspace
software router: it owns the per-family nexthop pools, drives the
PENDING/REACHABLE/STALE/FAILED state machine, and exposes an operator API
for static nexthop management.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command; called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/ferrule/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(nhCmd)
	rootCmd.AddCommand(versionCmd)
}
