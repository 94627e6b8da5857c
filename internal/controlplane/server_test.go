package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/orchestrator"
	"github.com/switchboard-ai/switchboard/internal/policy"
	"github.com/switchboard-ai/switchboard/internal/providers"
	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/sessions"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

type cannedAdapter struct {
	name string
	text string
}

func (a *cannedAdapter) Name() string            { return a.name }
func (a *cannedAdapter) Model() string           { return a.name + "-model" }
func (a *cannedAdapter) SupportsToolCalls() bool { return true }

func (a *cannedAdapter) Send(context.Context, *providers.Request) (*providers.Result, error) {
	return &providers.Result{Text: a.text, StopReason: "end_turn"}, nil
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New(registry.StaticSource{
		{ID: "files", DisplayName: "Files", Description: "File operations"},
	}, registry.Options{Logger: logger})
	if _, err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("registry refresh: %v", err)
	}

	eng, err := policy.NewEngine(config.PolicyConfig{
		ApprovalMode: "yolo",
		Rules: []config.RuleConfig{
			{Name: "deny-files", Priority: "admin", Action: "deny", ToolPattern: "files", Reason: "disabled"},
		},
	}, logger)
	if err != nil {
		t.Fatalf("policy engine: %v", err)
	}

	store := sessions.NewMemoryStore()
	adapter := &cannedAdapter{name: "alpha", text: "canned reply"}
	chain := orchestrator.NewChain([]orchestrator.Slot{{
		Adapter: adapter,
		Descriptor: models.ProviderDescriptor{
			ID: "alpha", Model: adapter.Model(), SupportsToolCalls: true, MaxToolIterations: 3,
		},
	}}, 1, time.Millisecond, logger, nil)

	orch := orchestrator.New(orchestrator.Options{
		Registry: reg,
		Policy:   eng,
		Store:    store,
		Executor: orchestrator.ToolExecutorFunc(func(context.Context, string, json.RawMessage) (*models.ToolResult, error) {
			return &models.ToolResult{Content: "ok"}, nil
		}),
		Chain:          chain,
		RequestTimeout: 5 * time.Second,
		Logger:         logger,
	})

	srv := NewServer(Options{
		Addr:         "127.0.0.1:0",
		Orchestrator: orch,
		Registry:     reg,
		Policy:       eng,
		Store:        store,
		Version:      "test",
		Logger:       logger,
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, "http://" + srv.Addr()
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, payload, out any) int {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	_, base := startTestServer(t)

	var status Status
	if code := getJSON(t, base+"/api/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if !status.Orchestration {
		t.Error("Orchestration = false, want true")
	}
	if status.ActiveProvider != "alpha" {
		t.Errorf("ActiveProvider = %q, want alpha", status.ActiveProvider)
	}
	if status.Registry.ToolCount != 1 {
		t.Errorf("Registry.ToolCount = %d, want 1", status.Registry.ToolCount)
	}
	if len(status.Providers) != 1 || !status.Providers[0].Active {
		t.Errorf("Providers = %+v, want one active slot", status.Providers)
	}
}

func TestChatEndpoint(t *testing.T) {
	_, base := startTestServer(t)

	var res ChatResponse
	code := postJSON(t, base+"/api/chat", map[string]string{"input": "hello"}, &res)
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if res.Text != "canned reply" {
		t.Errorf("Text = %q, want %q", res.Text, "canned reply")
	}
	if res.FinishReason != "done" {
		t.Errorf("FinishReason = %q, want done", res.FinishReason)
	}
	if res.SessionID == "" {
		t.Error("SessionID is empty")
	}
}

func TestChatRequiresInput(t *testing.T) {
	_, base := startTestServer(t)
	if code := postJSON(t, base+"/api/chat", map[string]string{}, nil); code != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", code)
	}
}

func TestOrchestrationToggle(t *testing.T) {
	_, base := startTestServer(t)

	if code := postJSON(t, base+"/api/orchestration", map[string]bool{"enabled": false}, nil); code != http.StatusOK {
		t.Fatalf("toggle status = %d, want 200", code)
	}
	if code := postJSON(t, base+"/api/chat", map[string]string{"input": "hi"}, nil); code != http.StatusServiceUnavailable {
		t.Errorf("chat while disabled = %d, want 503", code)
	}

	if code := postJSON(t, base+"/api/orchestration", map[string]bool{"enabled": true}, nil); code != http.StatusOK {
		t.Fatalf("re-enable status = %d, want 200", code)
	}
	if code := postJSON(t, base+"/api/chat", map[string]string{"input": "hi"}, nil); code != http.StatusOK {
		t.Errorf("chat after re-enable = %d, want 200", code)
	}
}

func TestProviderEndpoints(t *testing.T) {
	_, base := startTestServer(t)

	var resp struct {
		Providers []ProviderStatus `json:"providers"`
	}
	if code := getJSON(t, base+"/api/providers", &resp); code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", code)
	}
	if len(resp.Providers) != 1 {
		t.Fatalf("len(Providers) = %d, want 1", len(resp.Providers))
	}

	if code := postJSON(t, base+"/api/providers/active", map[string]string{"provider": "ghost"}, nil); code != http.StatusNotFound {
		t.Errorf("use unknown provider = %d, want 404", code)
	}
}

func TestPolicyEndpoints(t *testing.T) {
	_, base := startTestServer(t)

	var rules struct {
		ApprovalMode string       `json:"approval_mode"`
		Rules        []RuleStatus `json:"rules"`
	}
	if code := getJSON(t, base+"/api/policy/rules", &rules); code != http.StatusOK {
		t.Fatalf("rules status = %d, want 200", code)
	}
	if rules.ApprovalMode != "yolo" {
		t.Errorf("ApprovalMode = %q, want yolo", rules.ApprovalMode)
	}
	if len(rules.Rules) != 1 || rules.Rules[0].Name != "deny-files" {
		t.Errorf("Rules = %+v, want [deny-files]", rules.Rules)
	}

	var eval struct {
		Action      string `json:"action"`
		MatchedRule string `json:"matched_rule"`
	}
	if code := postJSON(t, base+"/api/policy/eval", map[string]string{"tool": "files"}, &eval); code != http.StatusOK {
		t.Fatalf("eval status = %d, want 200", code)
	}
	if eval.Action != "deny" || eval.MatchedRule != "deny-files" {
		t.Errorf("eval = %+v, want deny via deny-files", eval)
	}
}

func TestRegistryRefreshEndpoint(t *testing.T) {
	_, base := startTestServer(t)

	var first, second RegistryStatus
	if code := postJSON(t, base+"/api/registry/refresh", struct{}{}, &first); code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", code)
	}
	if code := postJSON(t, base+"/api/registry/refresh", struct{}{}, &second); code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", code)
	}
	if second.Version <= first.Version {
		t.Errorf("version after refresh = %d, want > %d", second.Version, first.Version)
	}
}

func TestConstitutionEndpoints(t *testing.T) {
	_, base := startTestServer(t)

	var chat ChatResponse
	if code := postJSON(t, base+"/api/chat", map[string]string{"input": "hello"}, &chat); code != http.StatusOK {
		t.Fatalf("chat status = %d, want 200", code)
	}

	rule := map[string]string{"name": "ask-search", "action": "ask_user", "tool_pattern": "search_*"}
	code := postJSON(t, base+"/api/sessions/"+chat.SessionID+"/constitution", rule, nil)
	if code != http.StatusCreated {
		t.Fatalf("add constitution status = %d, want 201", code)
	}
	if code := postJSON(t, base+"/api/sessions/ghost/constitution", rule, nil); code != http.StatusNotFound {
		t.Errorf("add for unknown session = %d, want 404", code)
	}
	bogus := map[string]string{"name": "bogus", "action": "reject", "tool_pattern": "files"}
	if code := postJSON(t, base+"/api/sessions/"+chat.SessionID+"/constitution", bogus, nil); code != http.StatusBadRequest {
		t.Errorf("add with unknown action = %d, want 400", code)
	}

	var listed struct {
		Rules []RuleStatus `json:"rules"`
	}
	if code := getJSON(t, base+"/api/sessions/"+chat.SessionID+"/constitution", &listed); code != http.StatusOK {
		t.Fatalf("list constitution status = %d, want 200", code)
	}
	if len(listed.Rules) != 1 || listed.Rules[0].Name != "ask-search" {
		t.Errorf("Rules = %+v, want [ask-search]", listed.Rules)
	}

	var eval struct {
		Action      string `json:"action"`
		MatchedRule string `json:"matched_rule"`
	}
	payload := map[string]string{"session_id": chat.SessionID, "tool": "search_docs"}
	if code := postJSON(t, base+"/api/policy/eval", payload, &eval); code != http.StatusOK {
		t.Fatalf("eval status = %d, want 200", code)
	}
	if eval.Action != "ask_user" || eval.MatchedRule != "ask-search" {
		t.Errorf("eval = %+v, want ask_user via ask-search", eval)
	}
}

func TestUnknownConfirmation(t *testing.T) {
	_, base := startTestServer(t)
	code := postJSON(t, base+"/api/confirmations/nope", map[string]any{"approvals": map[string]bool{}}, nil)
	if code != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", code)
	}
}
