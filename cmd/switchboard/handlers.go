package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/switchboard-ai/switchboard/internal/agents"
	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/controlplane"
	"github.com/switchboard-ai/switchboard/internal/credentials"
	"github.com/switchboard-ai/switchboard/internal/orchestrator"
	"github.com/switchboard-ai/switchboard/internal/policy"
	"github.com/switchboard-ai/switchboard/internal/providers"
	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/sessions"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	logger.Info("starting switchboard",
		"version", version,
		"config", configPath,
		"providers", len(cfg.Orchestration.Providers),
		"chain", strings.Join(cfg.Fallback.Chain, ","),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	catalog := agents.NewCatalog(cfg.Registry.Agents)
	reg := registry.New(catalog, registry.Options{
		DuplicateWarnLimit: cfg.Registry.DuplicateWarnLimit,
		Logger:             logger,
	})
	if _, err := reg.Refresh(ctx); err != nil {
		return fmt.Errorf("initial registry build failed: %w", err)
	}

	eng, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("failed to compile policy rules: %w", err)
	}

	promReg := prometheus.NewRegistry()
	var metrics *orchestrator.Metrics
	if cfg.Metrics.Enabled {
		metrics = orchestrator.NewMetrics(promReg)
	}

	slots, err := buildSlots(ctx, cfg)
	if err != nil {
		return err
	}
	chain := orchestrator.NewChain(slots, cfg.Fallback.MaxRetries, cfg.Fallback.RetryBackoff, logger, metrics)

	orch := orchestrator.New(orchestrator.Options{
		Registry:       reg,
		Policy:         eng,
		Store:          store,
		Executor:       agents.NewRunner(cfg.Registry.Agents, logger),
		Chain:          chain,
		SystemPrompt:   cfg.Orchestration.SystemPrompt,
		RequestTimeout: cfg.Fallback.RequestTimeout,
		MaxParallelism: cfg.Fallback.MaxParallelism,
		Logger:         logger,
		Metrics:        metrics,
	})
	orch.SetEnabled(cfg.Orchestration.Enabled)
	if dp := cfg.Orchestration.DefaultProvider; dp != "" {
		if err := orch.UseProvider(dp); err != nil {
			return err
		}
	}

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Registry.RefreshSchedule, func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := reg.Refresh(refreshCtx); err != nil {
			logger.Error("scheduled registry refresh failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid registry refresh schedule: %w", err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	pruner := sessions.NewPruner(store, cfg.Sessions.InactivityWindow, cfg.Sessions.SweepSchedule, logger)
	pruner.OnSweep(func(time.Time) {
		eng.PruneConstitution(cfg.Sessions.ConstitutionTTL, func(sessionID string) (time.Time, bool) {
			lookupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			session, err := store.Get(lookupCtx, sessionID)
			if err != nil {
				return time.Time{}, false
			}
			return session.LastActiveAt, true
		})
	})
	if err := pruner.Start(); err != nil {
		return fmt.Errorf("failed to start session pruner: %w", err)
	}
	defer pruner.Stop()

	watcher := config.NewWatcher(configPath, func(next *config.Config) {
		if err := eng.Reload(next.Policy); err != nil {
			logger.Error("policy reload failed, previous rules stay in effect", "error", err)
			return
		}
		orch.SetEnabled(next.Orchestration.Enabled)
		logger.Info("configuration reloaded", "rules", len(next.Policy.Rules))
	}, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = promReg
	}
	server := controlplane.NewServer(controlplane.Options{
		Addr:         cfg.Server.Addr,
		Orchestrator: orch,
		Registry:     reg,
		Policy:       eng,
		Store:        store,
		Gatherer:     gatherer,
		Version:      version,
		Logger:       logger,
	})
	if err := server.Start(); err != nil {
		return err
	}

	logger.Info("switchboard started", "addr", cfg.Server.Addr)
	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Stop(shutdownCtx)

	logger.Info("switchboard stopped")
	return nil
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func buildStore(cfg config.StorageConfig) (sessions.Store, func(), error) {
	if cfg.Driver == "sqlite" {
		s, err := sessions.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	}
	return sessions.NewMemoryStore(), func() {}, nil
}

func buildSlots(ctx context.Context, cfg *config.Config) ([]orchestrator.Slot, error) {
	envVars := make(map[string]string, len(cfg.Orchestration.Providers))
	for id, p := range cfg.Orchestration.Providers {
		if p.APIKeyEnv != "" {
			envVars[id] = p.APIKeyEnv
		}
	}
	creds := credentials.NewEnvSource(envVars)

	chainIDs := cfg.Fallback.Chain
	if len(chainIDs) == 0 {
		return nil, fmt.Errorf("fallback chain is empty")
	}

	slots := make([]orchestrator.Slot, 0, len(chainIDs))
	for _, id := range chainIDs {
		pcfg := cfg.Orchestration.Providers[id]
		adapter, err := providers.New(ctx, id, pcfg, creds)
		if err != nil {
			return nil, err
		}
		slots = append(slots, orchestrator.Slot{
			Adapter: adapter,
			Descriptor: models.ProviderDescriptor{
				ID:                id,
				Kind:              pcfg.Kind,
				Model:             pcfg.Model,
				SupportsToolCalls: adapter.SupportsToolCalls(),
				Temperature:       pcfg.Temperature,
				MaxToolIterations: pcfg.MaxToolIterations,
			},
		})
	}
	return slots, nil
}

func runStatus(cmd *cobra.Command, addr string) error {
	client := newAPIClient(addr)
	var status controlplane.Status
	if err := client.getJSON(cmd.Context(), "/api/status", &status); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Uptime:         %s\n", status.Uptime)
	fmt.Fprintf(out, "Version:        %s\n", status.Version)
	fmt.Fprintf(out, "Orchestration:  %s\n", onOff(status.Orchestration))
	fmt.Fprintf(out, "Sessions:       %d\n", status.SessionCount)
	fmt.Fprintf(out, "Registry:       v%d, %d tools\n", status.Registry.Version, status.Registry.ToolCount)
	for _, warn := range status.Registry.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", warn)
	}
	fmt.Fprintln(out, "Providers:")
	for _, p := range status.Providers {
		marker := " "
		if p.Active {
			marker = "*"
		}
		fmt.Fprintf(out, "  %s %s (%s)\n", marker, p.ID, p.Model)
	}
	return nil
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func runChat(cmd *cobra.Command, addr, sessionID, input string) error {
	client := newAPIClient(addr)
	var res controlplane.ChatResponse
	err := client.postJSON(cmd.Context(), "/api/chat", map[string]string{
		"session_id": sessionID,
		"input":      input,
	}, &res)
	if err != nil {
		return err
	}
	printChatResponse(cmd, &res)
	return nil
}

func runResume(cmd *cobra.Command, addr, confirmationID string, approve []string, denyAll bool) error {
	if len(approve) == 0 && !denyAll {
		return fmt.Errorf("pass --approve <call-id> or --deny-all")
	}
	approvals := make(map[string]bool, len(approve))
	for _, id := range approve {
		approvals[id] = true
	}

	client := newAPIClient(addr)
	var res controlplane.ChatResponse
	err := client.postJSON(cmd.Context(), "/api/confirmations/"+confirmationID,
		map[string]any{"approvals": approvals}, &res)
	if err != nil {
		return err
	}
	printChatResponse(cmd, &res)
	return nil
}

func printChatResponse(cmd *cobra.Command, res *controlplane.ChatResponse) {
	out := cmd.OutOrStdout()
	if res.Text != "" {
		fmt.Fprintln(out, res.Text)
	}
	switch res.FinishReason {
	case "done":
	case "awaiting_user_confirmation":
		fmt.Fprintf(out, "[%d tool calls need confirmation; resolve with: switchboard resume %s --approve <call-id>]\n",
			res.Unresolved, res.ConfirmationID)
	case "chain_exhausted":
		fmt.Fprintln(out, "[every provider in the chain failed]")
		for _, f := range res.Failures {
			fmt.Fprintf(out, "  %s: %s %s\n", f.Provider, f.Reason, f.Message)
		}
	default:
		fmt.Fprintf(out, "[finished: %s after %d iterations]\n", res.FinishReason, res.Iterations)
	}
	fmt.Fprintf(out, "[session %s]\n", res.SessionID)
}

func runProviderList(cmd *cobra.Command, addr string) error {
	client := newAPIClient(addr)
	var resp struct {
		Providers []controlplane.ProviderStatus `json:"providers"`
	}
	if err := client.getJSON(cmd.Context(), "/api/providers", &resp); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, p := range resp.Providers {
		marker := " "
		if p.Active {
			marker = "*"
		}
		tools := "native tools"
		if !p.SupportsToolCalls {
			tools = "prompt shim"
		}
		fmt.Fprintf(out, "%s %s  %s  (%s)\n", marker, p.ID, p.Model, tools)
	}
	return nil
}

func runProviderUse(cmd *cobra.Command, addr, providerID string) error {
	client := newAPIClient(addr)
	err := client.postJSON(cmd.Context(), "/api/providers/active",
		map[string]string{"provider": providerID}, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "active provider: %s\n", providerID)
	return nil
}

func runOrchestrate(cmd *cobra.Command, addr, state string) error {
	var enabled bool
	switch state {
	case "on":
		enabled = true
	case "off":
		enabled = false
	default:
		return fmt.Errorf("expected on or off, got %q", state)
	}

	client := newAPIClient(addr)
	err := client.postJSON(cmd.Context(), "/api/orchestration",
		map[string]bool{"enabled": enabled}, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "orchestration: %s\n", state)
	return nil
}

func runRegistryRefresh(cmd *cobra.Command, addr string) error {
	client := newAPIClient(addr)
	var status controlplane.RegistryStatus
	if err := client.postJSON(cmd.Context(), "/api/registry/refresh", struct{}{}, &status); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "registry refreshed: v%d, %d tools\n", status.Version, status.ToolCount)
	for _, warn := range status.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", warn)
	}
	return nil
}

func runPolicyList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	eng, err := policy.NewEngine(cfg.Policy, slog.Default())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "approval mode: %s\n", eng.Mode())
	for _, r := range eng.Rules() {
		line := fmt.Sprintf("%-8s %-8s %-24s %s", r.Tier, r.Action, r.Name, r.ToolPattern)
		if r.ArgPattern != "" {
			line += "  args=" + r.ArgPattern
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runPolicyEval(cmd *cobra.Command, configPath, tool, args string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	eng, err := policy.NewEngine(cfg.Policy, slog.Default())
	if err != nil {
		return err
	}

	var raw json.RawMessage
	if args != "" {
		if !json.Valid([]byte(args)) {
			return fmt.Errorf("--args must be valid JSON")
		}
		raw = json.RawMessage(args)
	}

	d := eng.Evaluate(policy.Request{ToolID: tool, Args: raw})
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "action: %s\n", d.Action)
	if d.MatchedRule != "" {
		fmt.Fprintf(out, "rule:   %s\n", d.MatchedRule)
	}
	if d.Reason != "" {
		fmt.Fprintf(out, "reason: %s\n", d.Reason)
	}
	return nil
}
