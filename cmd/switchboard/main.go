// Package main is the switchboard CLI: the serve daemon plus the control
// surface commands that talk to it over the local control plane API.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "LLM agent orchestration daemon",
		Long: `Switchboard routes user requests through a fallback chain of LLM
providers, gates tool calls through a tiered policy engine and dispatches
approved calls to configured agents.

Run "switchboard serve" to start the daemon; the other commands talk to a
running daemon over its control plane API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildChatCmd(),
		buildResumeCmd(),
		buildProviderCmd(),
		buildOrchestrateCmd(),
		buildRegistryCmd(),
		buildPolicyCmd(),
	)

	return rootCmd
}
