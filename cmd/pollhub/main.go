// Package main is the pollhub daemon.
//
// Usage:
//
//	pollhub serve -c pollhub.yaml    # run the poll manager
//	pollhub validate -c pollhub.yaml # check a config file
//	pollhub version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "pollhub",
	Short: "Polling and health manager for home-automation device integrations",
	Long: `pollhub polls device integrations on per-task intervals, backs off
failing devices exponentially, never runs the same task twice at once,
and reports health over HTTP, Prometheus and MQTT.

Quick start:
  1. Write a config file (pollhub.yaml)
  2. Check it:  pollhub validate -c pollhub.yaml
  3. Run it:    pollhub serve -c pollhub.yaml`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pollhub %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
