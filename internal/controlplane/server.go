// Package controlplane serves the HTTP control surface: runtime status,
// one-shot orchestration requests, confirmation resolution, provider and
// policy management. It binds to a local address; it carries no
// authentication of its own.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/orchestrator"
	"github.com/switchboard-ai/switchboard/internal/policy"
	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/sessions"
)

// Options configures the control plane server.
type Options struct {
	Addr         string
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Policy       *policy.Engine
	Store        sessions.Store

	// Gatherer enables /metrics when set.
	Gatherer prometheus.Gatherer

	Version string
	Logger  *slog.Logger
}

// Server is the control plane HTTP server.
type Server struct {
	addr      string
	orch      *orchestrator.Orchestrator
	registry  *registry.Registry
	policy    *policy.Engine
	store     sessions.Store
	gatherer  prometheus.Gatherer
	version   string
	logger    *slog.Logger
	startTime time.Time

	httpServer *http.Server
	listener   net.Listener
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		addr:     opts.Addr,
		orch:     opts.Orchestrator,
		registry: opts.Registry,
		policy:   opts.Policy,
		store:    opts.Store,
		gatherer: opts.Gatherer,
		version:  opts.Version,
		logger:   opts.Logger,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/confirmations/{id}", s.handleResolveConfirmation)
	mux.HandleFunc("GET /api/providers", s.handleListProviders)
	mux.HandleFunc("POST /api/providers/active", s.handleUseProvider)
	mux.HandleFunc("POST /api/orchestration", s.handleOrchestration)
	mux.HandleFunc("POST /api/registry/refresh", s.handleRegistryRefresh)
	mux.HandleFunc("GET /api/policy/rules", s.handlePolicyRules)
	mux.HandleFunc("POST /api/policy/eval", s.handlePolicyEval)
	mux.HandleFunc("GET /api/sessions/{id}/constitution", s.handleListConstitution)
	mux.HandleFunc("POST /api/sessions/{id}/constitution", s.handleAddConstitution)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}

	s.httpServer = server
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control plane server error", "error", err)
		}
	}()

	s.logger.Info("control plane listening", "addr", s.addr)
	return nil
}

// Addr returns the bound listen address, useful when Options.Addr used
// port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop drains the server.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("control plane shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime).Round(time.Second)
	status := Status{
		Uptime:         uptime.String(),
		UptimeSeconds:  int64(uptime.Seconds()),
		StartTime:      s.startTime.Format(time.RFC3339),
		Version:        s.version,
		Orchestration:  s.orch.Enabled(),
		ActiveProvider: s.orch.ActiveProvider(),
		Registry:       s.registryStatus(),
	}
	for _, slot := range s.orch.Chain().Slots() {
		status.Providers = append(status.Providers, ProviderStatus{
			ID:                slot.Descriptor.ID,
			Model:             slot.Descriptor.Model,
			SupportsToolCalls: slot.Descriptor.SupportsToolCalls,
			Active:            slot.Descriptor.ID == status.ActiveProvider,
		})
	}
	if list, err := s.store.List(r.Context()); err == nil {
		status.SessionCount = len(list)
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) registryStatus() RegistryStatus {
	snap := s.registry.Snapshot()
	rs := RegistryStatus{
		Version:   snap.Version(),
		ToolCount: snap.Len(),
		BuiltAt:   snap.BuiltAt(),
	}
	for _, warn := range snap.Warnings() {
		rs.Warnings = append(rs.Warnings, warn.ToolID+": "+warn.Detail)
	}
	return rs
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Input     string `json:"input"`
}

// ChatResponse mirrors orchestrator.Result on the wire.
type ChatResponse struct {
	SessionID      string          `json:"session_id"`
	Text           string          `json:"text,omitempty"`
	FinishReason   string          `json:"finish_reason"`
	Iterations     int             `json:"iterations"`
	Provider       string          `json:"provider,omitempty"`
	ConfirmationID string          `json:"confirmation_id,omitempty"`
	Unresolved     int             `json:"unresolved_tool_calls,omitempty"`
	Failures       []FailureStatus `json:"failures,omitempty"`
}

// FailureStatus is one provider's terminal failure in an exhausted chain.
type FailureStatus struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
	Message  string `json:"message,omitempty"`
}

func chatResponseFrom(res *orchestrator.Result) ChatResponse {
	out := ChatResponse{
		SessionID:      res.SessionID,
		Text:           res.Text,
		FinishReason:   string(res.FinishReason),
		Iterations:     res.Iterations,
		Provider:       res.Provider,
		ConfirmationID: res.ConfirmationID,
		Unresolved:     res.UnresolvedCall,
	}
	for _, f := range res.Failures {
		out.Failures = append(out.Failures, FailureStatus{
			Provider: f.Provider,
			Reason:   string(f.Reason),
			Message:  f.Message,
		})
	}
	return out
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		s.jsonError(w, "input is required", http.StatusBadRequest)
		return
	}

	res, err := s.orch.Handle(r.Context(), req.SessionID, req.Input)
	if err != nil {
		if errors.Is(err, orchestrator.ErrDisabled) {
			s.jsonError(w, "orchestration is disabled", http.StatusServiceUnavailable)
			return
		}
		s.logger.Error("chat request failed", "error", err)
		s.jsonError(w, "orchestration failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, chatResponseFrom(res))
}

type resolveRequest struct {
	Approvals map[string]bool `json:"approvals"`
}

func (s *Server) handleResolveConfirmation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.orch.Resume(r.Context(), id, req.Approvals)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrDisabled):
			s.jsonError(w, "orchestration is disabled", http.StatusServiceUnavailable)
		case errors.Is(err, sessions.ErrPendingNotFound):
			s.jsonError(w, "confirmation not found", http.StatusNotFound)
		default:
			s.logger.Error("confirmation resolution failed", "confirmation_id", id, "error", err)
			s.jsonError(w, "orchestration failed", http.StatusInternalServerError)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, chatResponseFrom(res))
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	active := s.orch.ActiveProvider()
	var out []ProviderStatus
	for _, slot := range s.orch.Chain().Slots() {
		out = append(out, ProviderStatus{
			ID:                slot.Descriptor.ID,
			Model:             slot.Descriptor.Model,
			SupportsToolCalls: slot.Descriptor.SupportsToolCalls,
			Active:            slot.Descriptor.ID == active,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleUseProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" {
		s.jsonError(w, "provider is required", http.StatusBadRequest)
		return
	}
	if err := s.orch.UseProvider(req.Provider); err != nil {
		s.jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"active_provider": req.Provider})
}

func (s *Server) handleOrchestration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		s.jsonError(w, "enabled is required", http.StatusBadRequest)
		return
	}
	s.orch.SetEnabled(*req.Enabled)
	s.logger.Info("orchestration toggled", "enabled", *req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

func (s *Server) handleRegistryRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := s.registry.Refresh(r.Context()); err != nil {
		s.logger.Error("registry refresh failed", "error", err)
		s.jsonError(w, "registry refresh failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, s.registryStatus())
}

func (s *Server) handlePolicyRules(w http.ResponseWriter, _ *http.Request) {
	var out []RuleStatus
	for _, rule := range s.policy.Rules() {
		out = append(out, RuleStatus{
			Name:        rule.Name,
			Priority:    rule.Tier.String(),
			Action:      string(rule.Action),
			ToolPattern: rule.ToolPattern,
			ArgPattern:  rule.ArgPattern,
			Reason:      rule.Reason,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"approval_mode": string(s.policy.Mode()),
		"rules":         out,
	})
}

type policyEvalRequest struct {
	SessionID string          `json:"session_id,omitempty"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`
}

func (s *Server) handlePolicyEval(w http.ResponseWriter, r *http.Request) {
	var req policyEvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tool == "" {
		s.jsonError(w, "tool is required", http.StatusBadRequest)
		return
	}
	d := s.policy.Evaluate(policy.Request{
		SessionID: req.SessionID,
		ToolID:    req.Tool,
		Args:      req.Args,
	})
	s.writeJSON(w, http.StatusOK, map[string]string{
		"action":       string(d.Action),
		"matched_rule": d.MatchedRule,
		"reason":       d.Reason,
	})
}

type constitutionRequest struct {
	Name        string `json:"name"`
	Priority    string `json:"priority"`
	Action      string `json:"action"`
	ToolPattern string `json:"tool_pattern"`
	ArgPattern  string `json:"arg_pattern,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (s *Server) handleAddConstitution(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req constitutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.ToolPattern == "" {
		s.jsonError(w, "name and tool_pattern are required", http.StatusBadRequest)
		return
	}
	if _, err := s.store.Get(r.Context(), sessionID); err != nil {
		s.jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	if req.Priority == "" {
		req.Priority = "user"
	}
	if req.Action == "" {
		req.Action = "allow"
	}
	err := s.policy.AddConstitutionRule(sessionID, config.RuleConfig{
		Name:        req.Name,
		Priority:    req.Priority,
		Action:      req.Action,
		ToolPattern: req.ToolPattern,
		ArgPattern:  req.ArgPattern,
		Reason:      req.Reason,
	})
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("constitution rule added", "session_id", sessionID, "rule", req.Name)
	s.writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID, "rule": req.Name})
}

func (s *Server) handleListConstitution(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var out []RuleStatus
	for _, rule := range s.policy.ConstitutionRules(sessionID) {
		out = append(out, RuleStatus{
			Name:        rule.Name,
			Priority:    rule.Tier.String(),
			Action:      string(rule.Action),
			ToolPattern: rule.ToolPattern,
			ArgPattern:  rule.ArgPattern,
			Reason:      rule.Reason,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "rules": out})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, msg string, status int) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
