package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "switchboard.yaml"

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the switchboard daemon",
		Long: `Start the daemon: load configuration, build the provider fallback
chain, publish the agent registry and serve the control plane API.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  switchboard serve

  # Start with custom config and debug logging
  switchboard serve --config /etc/switchboard/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func buildStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon runtime status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Control plane address (default from config or 127.0.0.1:8787)")
	return cmd
}

func buildChatCmd() *cobra.Command {
	var (
		addr      string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "chat <input>",
		Short: "Send one orchestration request",
		Args:  cobra.ExactArgs(1),
		Example: `  switchboard chat "summarize the open incidents"
  switchboard chat --session 2f8a "and the closed ones?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, addr, sessionID, args[0])
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Control plane address")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id to continue")
	return cmd
}

func buildResumeCmd() *cobra.Command {
	var (
		addr    string
		approve []string
		denyAll bool
	)
	cmd := &cobra.Command{
		Use:   "resume <confirmation-id>",
		Short: "Resolve a suspended request awaiting confirmation",
		Args:  cobra.ExactArgs(1),
		Example: `  # Approve the listed tool calls, deny the rest
  switchboard resume 7c41 --approve call-1 --approve call-2

  # Deny everything that was awaiting confirmation
  switchboard resume 7c41 --deny-all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, addr, args[0], approve, denyAll)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Control plane address")
	cmd.Flags().StringArrayVar(&approve, "approve", nil, "Call id to approve (repeatable)")
	cmd.Flags().BoolVar(&denyAll, "deny-all", false, "Deny every awaiting call")
	return cmd
}

func buildProviderCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Inspect and switch the active provider",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "Control plane address")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the fallback chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProviderList(cmd, addr)
		},
	}
	useCmd := &cobra.Command{
		Use:   "use <provider-id>",
		Short: "Start new requests from the given provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProviderUse(cmd, addr, args[0])
		},
	}
	cmd.AddCommand(listCmd, useCmd)
	return cmd
}

func buildOrchestrateCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:       "orchestrate on|off",
		Short:     "Toggle orchestration without restarting the daemon",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrate(cmd, addr, args[0])
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Control plane address")
	return cmd
}

func buildRegistryCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Manage the tool registry",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "Control plane address")

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild and publish a new registry snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegistryRefresh(cmd, addr)
		},
	}
	cmd.AddCommand(refreshCmd)
	return cmd
}

func buildPolicyCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and dry-run the policy rule set",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List static rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyList(cmd, configPath)
		},
	}

	var (
		tool string
		args string
	)
	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a hypothetical tool call against the rules",
		Example: `  switchboard policy eval --tool run_command --args '{"command":"rm -rf /tmp"}'`,
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			return runPolicyEval(cmd, configPath, tool, args)
		},
	}
	evalCmd.Flags().StringVar(&tool, "tool", "", "Tool id to evaluate")
	evalCmd.Flags().StringVar(&args, "args", "", "Tool arguments as a JSON object")
	_ = evalCmd.MarkFlagRequired("tool")

	cmd.AddCommand(listCmd, evalCmd)
	return cmd
}
