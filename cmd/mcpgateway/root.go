package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcpgateway",
	Short: "Multiplexed real-time gateway in front of MCP tool servers",
	Long: `mcpgateway accepts long-lived client connections on a set of named
endpoints and routes their messages to registered upstream MCP servers.

Upstreams are health checked and protected by a circuit breaker. Each
endpoint has its own admission rules, rate limits and heartbeat settings.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (JSON or YAML)")
}
