package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "mcprunner",
		Short: "Run MCP servers in isolated containers and proxy clients to them",
		Long: `mcprunner provisions one sandboxed container per MCP server deployment and
exposes it to clients over SSE or streamable HTTP, whatever transport the
server itself speaks. Idle deployments are paused and deleted automatically.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the runner API and MCP proxy",
		RunE:  runServe,
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
