package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/policy"
	"github.com/switchboard-ai/switchboard/internal/providers"
	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/sessions"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

type scriptStep struct {
	res *providers.Result
	err error
}

// scriptedAdapter replays a fixed response sequence and records every
// request it received.
type scriptedAdapter struct {
	name     string
	noTools  bool
	mu       sync.Mutex
	steps    []scriptStep
	requests []*providers.Request
}

func (a *scriptedAdapter) Name() string            { return a.name }
func (a *scriptedAdapter) Model() string           { return a.name + "-model" }
func (a *scriptedAdapter) SupportsToolCalls() bool { return !a.noTools }

func (a *scriptedAdapter) Send(_ context.Context, req *providers.Request) (*providers.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	turns := make([]models.Turn, len(req.Turns))
	copy(turns, req.Turns)
	a.requests = append(a.requests, &providers.Request{
		System: req.System,
		Turns:  turns,
		Tools:  req.Tools,
	})
	if len(a.steps) == 0 {
		return nil, fmt.Errorf("adapter %s: script exhausted", a.name)
	}
	step := a.steps[0]
	a.steps = a.steps[1:]
	return step.res, step.err
}

func (a *scriptedAdapter) sendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

func (a *scriptedAdapter) request(i int) *providers.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[i]
}

func textStep(text string) scriptStep {
	return scriptStep{res: &providers.Result{Text: text, StopReason: "end_turn"}}
}

func callStep(text string, calls ...models.ToolCall) scriptStep {
	return scriptStep{res: &providers.Result{Text: text, ToolCalls: calls, StopReason: "tool_use"}}
}

func errStep(reason providers.Reason, msg string) scriptStep {
	return scriptStep{err: &providers.AdapterError{Reason: reason, Message: msg}}
}

func call(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Input: json.RawMessage(args)}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSlot(a providers.Adapter, maxIter int) Slot {
	return Slot{
		Adapter: a,
		Descriptor: models.ProviderDescriptor{
			ID:                a.Name(),
			Model:             a.Model(),
			SupportsToolCalls: a.SupportsToolCalls(),
			MaxToolIterations: maxIter,
		},
	}
}

func testRegistry(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()
	var src registry.StaticSource
	for _, id := range ids {
		src = append(src, models.AgentDescriptor{ID: id, DisplayName: id, Description: id + " agent"})
	}
	r := registry.New(src, registry.Options{Logger: discardLogger()})
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("registry refresh: %v", err)
	}
	return r
}

func testPolicy(t *testing.T, cfg config.PolicyConfig) *policy.Engine {
	t.Helper()
	if cfg.ApprovalMode == "" {
		cfg.ApprovalMode = "yolo"
	}
	eng, err := policy.NewEngine(cfg, discardLogger())
	if err != nil {
		t.Fatalf("policy engine: %v", err)
	}
	return eng
}

// recordingExecutor answers every call with a canned payload and records
// tool ids in execution order.
type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	block chan struct{}
}

func (e *recordingExecutor) Execute(ctx context.Context, toolID string, args json.RawMessage) (*models.ToolResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, toolID)
	e.mu.Unlock()
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := e.fail[toolID]; ok {
		return nil, err
	}
	return &models.ToolResult{Content: toolID + " ok"}, nil
}

func (e *recordingExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

type fixture struct {
	orch  *Orchestrator
	store sessions.Store
	exec  *recordingExecutor
}

func newFixture(t *testing.T, policyCfg config.PolicyConfig, adapters ...*scriptedAdapter) *fixture {
	t.Helper()
	slots := make([]Slot, len(adapters))
	for i, a := range adapters {
		slots[i] = testSlot(a, 3)
	}
	exec := &recordingExecutor{}
	store := sessions.NewMemoryStore()
	orch := New(Options{
		Registry:       testRegistry(t, "files", "search"),
		Policy:         testPolicy(t, policyCfg),
		Store:          store,
		Executor:       exec,
		Chain:          NewChain(slots, 2, time.Millisecond, discardLogger(), nil),
		SystemPrompt:   "You are a test orchestrator.",
		RequestTimeout: 5 * time.Second,
		MaxParallelism: 2,
		Logger:         discardLogger(),
	})
	return &fixture{orch: orch, store: store, exec: exec}
}

func TestHandlePlainResponse(t *testing.T) {
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{textStep("hello there")}}
	f := newFixture(t, config.PolicyConfig{}, a)

	res, err := f.orch.Handle(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishDone {
		t.Errorf("FinishReason = %v, want %v", res.FinishReason, models.FinishDone)
	}
	if res.Text != "hello there" {
		t.Errorf("Text = %q, want %q", res.Text, "hello there")
	}
	if res.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0", res.Iterations)
	}
	if res.Provider != "alpha" {
		t.Errorf("Provider = %q, want %q", res.Provider, "alpha")
	}

	history, err := f.store.History(context.Background(), res.SessionID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("history roles = %v/%v, want user/assistant", history[0].Role, history[1].Role)
	}
}

func TestHandleToolCallRoundTrip(t *testing.T) {
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		callStep("", call("c1", "files", `{"task":"list the repo"}`)),
		textStep("done"),
	}}
	f := newFixture(t, config.PolicyConfig{}, a)

	res, err := f.orch.Handle(context.Background(), "", "list files")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishDone {
		t.Fatalf("FinishReason = %v, want %v", res.FinishReason, models.FinishDone)
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
	if got := f.exec.executed(); len(got) != 1 || got[0] != "files" {
		t.Errorf("executed tools = %v, want [files]", got)
	}

	// The second provider request must carry the tool result turn.
	second := a.request(1)
	last := second.Turns[len(second.Turns)-1]
	if last.Role != models.RoleTool {
		t.Fatalf("last turn role = %v, want tool", last.Role)
	}
	if len(last.ToolResults) != 1 || last.ToolResults[0].ToolCallID != "c1" {
		t.Errorf("tool results = %+v, want one result for c1", last.ToolResults)
	}
}

func TestIterationCountCarriesAcrossFailover(t *testing.T) {
	// alpha serves one tool turn then dies with a terminal auth error;
	// beta must see the accumulated context and the iteration count must
	// keep counting from where alpha left it.
	alpha := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		callStep("", call("c1", "files", `{"task":"a"}`)),
		errStep(providers.ReasonAuth, "key revoked"),
	}}
	beta := &scriptedAdapter{name: "beta", steps: []scriptStep{
		callStep("", call("c2", "search", `{"task":"b"}`)),
		textStep("final"),
	}}
	f := newFixture(t, config.PolicyConfig{}, alpha, beta)

	res, err := f.orch.Handle(context.Background(), "", "go")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishDone {
		t.Fatalf("FinishReason = %v, want %v", res.FinishReason, models.FinishDone)
	}
	if res.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", res.Iterations)
	}
	if res.Provider != "beta" {
		t.Errorf("Provider = %q, want %q", res.Provider, "beta")
	}

	// beta's first request must include alpha's turn and its tool result.
	first := beta.request(0)
	var sawAlphaCall, sawAlphaResult bool
	for _, turn := range first.Turns {
		for _, c := range turn.ToolCalls {
			if c.ID == "c1" {
				sawAlphaCall = true
			}
		}
		for _, r := range turn.ToolResults {
			if r.ToolCallID == "c1" {
				sawAlphaResult = true
			}
		}
	}
	if !sawAlphaCall || !sawAlphaResult {
		t.Errorf("beta context missing alpha's work: call=%v result=%v", sawAlphaCall, sawAlphaResult)
	}
}

func TestMaxIterationsTerminatesExactlyAtBound(t *testing.T) {
	// Bound is 3; the third tool-returning turn terminates without
	// dispatching its calls.
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		callStep("", call("c1", "files", `{"task":"1"}`)),
		callStep("", call("c2", "files", `{"task":"2"}`)),
		callStep("partial answer", call("c3", "files", `{"task":"3"}`)),
	}}
	f := newFixture(t, config.PolicyConfig{}, a)

	res, err := f.orch.Handle(context.Background(), "", "loop forever")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishMaxIterations {
		t.Fatalf("FinishReason = %v, want %v", res.FinishReason, models.FinishMaxIterations)
	}
	if res.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", res.Iterations)
	}
	if res.UnresolvedCall != 1 {
		t.Errorf("UnresolvedCall = %d, want 1", res.UnresolvedCall)
	}
	if res.Text != "partial answer" {
		t.Errorf("Text = %q, want partial text preserved", res.Text)
	}
	if got := f.exec.executed(); len(got) != 2 {
		t.Errorf("executed %d tools, want 2 (third turn undispatched)", len(got))
	}
}

func TestParallelCallsResolveBeforeNextProviderTurn(t *testing.T) {
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		callStep("", call("c1", "files", `{"task":"a"}`), call("c2", "search", `{"task":"b"}`)),
		textStep("both done"),
	}}
	f := newFixture(t, config.PolicyConfig{}, a)

	res, err := f.orch.Handle(context.Background(), "", "fan out")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishDone {
		t.Fatalf("FinishReason = %v, want %v", res.FinishReason, models.FinishDone)
	}

	second := a.request(1)
	last := second.Turns[len(second.Turns)-1]
	if len(last.ToolResults) != 2 {
		t.Fatalf("tool results before next turn = %d, want 2", len(last.ToolResults))
	}
	got := map[string]bool{}
	for _, r := range last.ToolResults {
		got[r.ToolCallID] = true
	}
	if !got["c1"] || !got["c2"] {
		t.Errorf("tool result ids = %v, want c1 and c2", got)
	}
}

func TestCircularDependencyFailsFast(t *testing.T) {
	c1 := call("c1", "files", `{"task":"a"}`)
	c1.DependsOn = []string{"c2"}
	c2 := call("c2", "files", `{"task":"b"}`)
	c2.DependsOn = []string{"c1"}
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		callStep("", c1, c2, call("c3", "search", `{"task":"c"}`)),
		textStep("recovered"),
	}}
	f := newFixture(t, config.PolicyConfig{}, a)

	start := time.Now()
	res, err := f.orch.Handle(context.Background(), "", "fan out")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Handle() took %v, want a fast failure instead of the request deadline", elapsed)
	}
	if res.FinishReason != models.FinishDone {
		t.Fatalf("FinishReason = %v, want %v", res.FinishReason, models.FinishDone)
	}

	if got := f.exec.executed(); len(got) != 1 || got[0] != "search" {
		t.Errorf("executed = %v, want only the independent call [search]", got)
	}

	second := a.request(1)
	last := second.Turns[len(second.Turns)-1]
	if len(last.ToolResults) != 3 {
		t.Fatalf("tool results = %d, want 3 (every call resolved)", len(last.ToolResults))
	}
	byID := map[string]models.ToolResult{}
	for _, r := range last.ToolResults {
		byID[r.ToolCallID] = r
	}
	for _, id := range []string{"c1", "c2"} {
		if !byID[id].IsError {
			t.Errorf("result %s IsError = false, want circular dependency error", id)
		}
	}
	if byID["c3"].IsError {
		t.Errorf("result c3 IsError = true, want success: %q", byID["c3"].Content)
	}
}

func TestPolicyDenyBecomesErrorResult(t *testing.T) {
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		callStep("", call("c1", "files", `{"task":"rm -rf /"}`)),
		textStep("acknowledged"),
	}}
	f := newFixture(t, config.PolicyConfig{
		ApprovalMode: "yolo",
		Rules: []config.RuleConfig{
			{Name: "deny-files", Priority: "admin", Action: "deny", ToolPattern: "files", Reason: "files agent disabled"},
		},
	}, a)

	res, err := f.orch.Handle(context.Background(), "", "try it")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishDone {
		t.Fatalf("FinishReason = %v, want %v", res.FinishReason, models.FinishDone)
	}
	if got := f.exec.executed(); len(got) != 0 {
		t.Errorf("executed tools = %v, want none", got)
	}

	second := a.request(1)
	last := second.Turns[len(second.Turns)-1]
	if len(last.ToolResults) != 1 || !last.ToolResults[0].IsError {
		t.Fatalf("tool results = %+v, want one error result", last.ToolResults)
	}
	if content := last.ToolResults[0].Content; content == "" {
		t.Error("denial result content is empty")
	}
}

func TestInvalidArgumentsBecomeErrorResult(t *testing.T) {
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		callStep("", call("c1", "files", `{"task":42}`)),
		textStep("recovered"),
	}}
	f := newFixture(t, config.PolicyConfig{}, a)

	res, err := f.orch.Handle(context.Background(), "", "bad args")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishDone {
		t.Fatalf("FinishReason = %v, want %v", res.FinishReason, models.FinishDone)
	}
	if got := f.exec.executed(); len(got) != 0 {
		t.Errorf("executed tools = %v, want none", got)
	}
	second := a.request(1)
	last := second.Turns[len(second.Turns)-1]
	if last.Role != models.RoleTool || len(last.ToolResults) != 1 || !last.ToolResults[0].IsError {
		t.Fatalf("expected one error tool result, got %+v", last)
	}
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		callStep("", call("c1", "nonexistent", `{"task":"x"}`)),
		textStep("ok"),
	}}
	f := newFixture(t, config.PolicyConfig{}, a)

	res, err := f.orch.Handle(context.Background(), "", "unknown tool")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishDone {
		t.Fatalf("FinishReason = %v, want %v", res.FinishReason, models.FinishDone)
	}
	if got := f.exec.executed(); len(got) != 0 {
		t.Errorf("executed tools = %v, want none", got)
	}
}

func TestCapabilityUnsupportedSkipsProviderBeforeSend(t *testing.T) {
	alpha := &scriptedAdapter{name: "alpha", noTools: true, steps: []scriptStep{textStep("never sent")}}
	beta := &scriptedAdapter{name: "beta", steps: []scriptStep{textStep("from beta")}}
	f := newFixture(t, config.PolicyConfig{}, alpha, beta)

	res, err := f.orch.Handle(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishDone {
		t.Errorf("FinishReason = %v, want %v", res.FinishReason, models.FinishDone)
	}
	if res.Provider != "beta" {
		t.Errorf("Provider = %q, want beta", res.Provider)
	}
	if alpha.sendCount() != 0 {
		t.Errorf("alpha sends = %d, want 0 (skipped without a network call)", alpha.sendCount())
	}
	if beta.sendCount() != 1 {
		t.Errorf("beta sends = %d, want 1", beta.sendCount())
	}
}

func TestChainExhaustedAggregatesFailures(t *testing.T) {
	alpha := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		errStep(providers.ReasonAuth, "bad key"),
	}}
	beta := &scriptedAdapter{name: "beta", steps: []scriptStep{
		errStep(providers.ReasonAuth, "expired key"),
	}}
	f := newFixture(t, config.PolicyConfig{}, alpha, beta)

	res, err := f.orch.Handle(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishChainExhausted {
		t.Fatalf("FinishReason = %v, want %v", res.FinishReason, models.FinishChainExhausted)
	}
	if len(res.Failures) != 2 {
		t.Fatalf("len(Failures) = %d, want 2", len(res.Failures))
	}
	if res.Failures[0].Provider != "alpha" || res.Failures[1].Provider != "beta" {
		t.Errorf("failure providers = %s/%s, want alpha/beta",
			res.Failures[0].Provider, res.Failures[1].Provider)
	}
}

func TestRetryableErrorRetriesSameProvider(t *testing.T) {
	alpha := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		errStep(providers.ReasonRateLimit, "slow down"),
		textStep("second try worked"),
	}}
	beta := &scriptedAdapter{name: "beta"}
	f := newFixture(t, config.PolicyConfig{}, alpha, beta)

	res, err := f.orch.Handle(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishDone {
		t.Fatalf("FinishReason = %v, want %v", res.FinishReason, models.FinishDone)
	}
	if res.Provider != "alpha" {
		t.Errorf("Provider = %q, want alpha (no failover on retryable)", res.Provider)
	}
	if n := alpha.sendCount(); n != 2 {
		t.Errorf("alpha sends = %d, want 2", n)
	}
	if n := beta.sendCount(); n != 0 {
		t.Errorf("beta sends = %d, want 0", n)
	}
}

func TestAskUserSuspendsAndResumeApproves(t *testing.T) {
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		callStep("", call("c1", "files", `{"task":"delete everything"}`)),
		textStep("carried out"),
	}}
	f := newFixture(t, config.PolicyConfig{
		ApprovalMode: "yolo",
		Rules: []config.RuleConfig{
			{Name: "confirm-files", Priority: "user", Action: "ask_user", ToolPattern: "files", Reason: "destructive"},
		},
	}, a)

	res, err := f.orch.Handle(context.Background(), "", "do it")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishAwaitingConfirmation {
		t.Fatalf("FinishReason = %v, want %v", res.FinishReason, models.FinishAwaitingConfirmation)
	}
	if res.ConfirmationID == "" {
		t.Fatal("ConfirmationID is empty")
	}
	if got := f.exec.executed(); len(got) != 0 {
		t.Errorf("executed before approval = %v, want none", got)
	}

	pc, err := f.store.GetPending(context.Background(), res.ConfirmationID)
	if err != nil {
		t.Fatalf("GetPending() error = %v", err)
	}
	if len(pc.Calls) != 1 || pc.Calls[0].Status != models.CallAwaiting {
		t.Fatalf("pending calls = %+v, want one awaiting call", pc.Calls)
	}
	if pc.Context.IterationCount != 1 {
		t.Errorf("persisted IterationCount = %d, want 1", pc.Context.IterationCount)
	}

	out, err := f.orch.Resume(context.Background(), res.ConfirmationID, map[string]bool{"c1": true})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.FinishReason != models.FinishDone {
		t.Fatalf("resumed FinishReason = %v, want %v", out.FinishReason, models.FinishDone)
	}
	if out.Text != "carried out" {
		t.Errorf("resumed Text = %q, want %q", out.Text, "carried out")
	}
	if out.Iterations != 1 {
		t.Errorf("resumed Iterations = %d, want 1 (preserved across suspension)", out.Iterations)
	}
	if got := f.exec.executed(); len(got) != 1 || got[0] != "files" {
		t.Errorf("executed after approval = %v, want [files]", got)
	}

	if _, err := f.store.GetPending(context.Background(), res.ConfirmationID); !errors.Is(err, sessions.ErrPendingNotFound) {
		t.Errorf("GetPending after resume = %v, want ErrPendingNotFound", err)
	}
}

func TestResumeDenialProducesErrorResult(t *testing.T) {
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		callStep("", call("c1", "files", `{"task":"delete"}`)),
		textStep("understood"),
	}}
	f := newFixture(t, config.PolicyConfig{
		ApprovalMode: "yolo",
		Rules: []config.RuleConfig{
			{Name: "confirm-files", Priority: "user", Action: "ask_user", ToolPattern: "files"},
		},
	}, a)

	res, err := f.orch.Handle(context.Background(), "", "do it")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	out, err := f.orch.Resume(context.Background(), res.ConfirmationID, nil)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.FinishReason != models.FinishDone {
		t.Fatalf("resumed FinishReason = %v, want %v", out.FinishReason, models.FinishDone)
	}
	if got := f.exec.executed(); len(got) != 0 {
		t.Errorf("executed after denial = %v, want none", got)
	}

	second := a.request(1)
	last := second.Turns[len(second.Turns)-1]
	if len(last.ToolResults) != 1 || !last.ToolResults[0].IsError {
		t.Fatalf("tool results = %+v, want one error result", last.ToolResults)
	}
}

func TestMixedTurnCarriesAllowedCallsThroughSuspension(t *testing.T) {
	// One call is auto-allowed, its sibling needs confirmation. Neither may
	// run before Resume; both must run after approval.
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		callStep("", call("c1", "search", `{"task":"find"}`), call("c2", "files", `{"task":"write"}`)),
		textStep("done"),
	}}
	f := newFixture(t, config.PolicyConfig{
		ApprovalMode: "yolo",
		Rules: []config.RuleConfig{
			{Name: "confirm-files", Priority: "user", Action: "ask_user", ToolPattern: "files"},
		},
	}, a)

	res, err := f.orch.Handle(context.Background(), "", "go")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishAwaitingConfirmation {
		t.Fatalf("FinishReason = %v, want %v", res.FinishReason, models.FinishAwaitingConfirmation)
	}
	if got := f.exec.executed(); len(got) != 0 {
		t.Errorf("executed before approval = %v, want none", got)
	}

	out, err := f.orch.Resume(context.Background(), res.ConfirmationID, map[string]bool{"c2": true})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.FinishReason != models.FinishDone {
		t.Fatalf("resumed FinishReason = %v, want %v", out.FinishReason, models.FinishDone)
	}
	got := map[string]bool{}
	for _, id := range f.exec.executed() {
		got[id] = true
	}
	if !got["search"] || !got["files"] {
		t.Errorf("executed tools = %v, want search and files", got)
	}
}

func TestSuspensionSurvivesStoreHandoff(t *testing.T) {
	// Same store, fresh orchestrator: the persisted confirmation is all the
	// new process needs to resume.
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		callStep("", call("c1", "files", `{"task":"x"}`)),
	}}
	f := newFixture(t, config.PolicyConfig{
		ApprovalMode: "yolo",
		Rules: []config.RuleConfig{
			{Name: "confirm-files", Priority: "user", Action: "ask_user", ToolPattern: "files"},
		},
	}, a)

	res, err := f.orch.Handle(context.Background(), "", "do it")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	replacement := &scriptedAdapter{name: "alpha", steps: []scriptStep{textStep("after restart")}}
	exec := &recordingExecutor{}
	orch2 := New(Options{
		Registry:       testRegistry(t, "files", "search"),
		Policy:         testPolicy(t, config.PolicyConfig{}),
		Store:          f.store,
		Executor:       exec,
		Chain:          NewChain([]Slot{testSlot(replacement, 3)}, 2, time.Millisecond, discardLogger(), nil),
		RequestTimeout: 5 * time.Second,
		Logger:         discardLogger(),
	})

	out, err := orch2.Resume(context.Background(), res.ConfirmationID, map[string]bool{"c1": true})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.FinishReason != models.FinishDone {
		t.Fatalf("resumed FinishReason = %v, want %v", out.FinishReason, models.FinishDone)
	}
	if out.Text != "after restart" {
		t.Errorf("resumed Text = %q, want %q", out.Text, "after restart")
	}
	if got := exec.executed(); len(got) != 1 || got[0] != "files" {
		t.Errorf("executed tools = %v, want [files]", got)
	}
}

func TestDisabledRejectsRequests(t *testing.T) {
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{textStep("hi")}}
	f := newFixture(t, config.PolicyConfig{}, a)

	f.orch.SetEnabled(false)
	if _, err := f.orch.Handle(context.Background(), "", "hi"); !errors.Is(err, ErrDisabled) {
		t.Errorf("Handle() error = %v, want ErrDisabled", err)
	}
	if _, err := f.orch.Resume(context.Background(), "whatever", nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("Resume() error = %v, want ErrDisabled", err)
	}

	f.orch.SetEnabled(true)
	if _, err := f.orch.Handle(context.Background(), "", "hi"); err != nil {
		t.Errorf("Handle() after re-enable error = %v", err)
	}
}

func TestUseProviderSwitchesChainStart(t *testing.T) {
	alpha := &scriptedAdapter{name: "alpha"}
	beta := &scriptedAdapter{name: "beta", steps: []scriptStep{textStep("from beta")}}
	f := newFixture(t, config.PolicyConfig{}, alpha, beta)

	if err := f.orch.UseProvider("beta"); err != nil {
		t.Fatalf("UseProvider() error = %v", err)
	}
	if got := f.orch.ActiveProvider(); got != "beta" {
		t.Errorf("ActiveProvider() = %q, want beta", got)
	}

	res, err := f.orch.Handle(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.Provider != "beta" {
		t.Errorf("Provider = %q, want beta", res.Provider)
	}
	if n := alpha.sendCount(); n != 0 {
		t.Errorf("alpha sends = %d, want 0", n)
	}

	if err := f.orch.UseProvider("gamma"); err == nil {
		t.Error("UseProvider(gamma) = nil, want error for unknown provider")
	}
}

func TestTimeoutCancelsUndispatchedCalls(t *testing.T) {
	block := make(chan struct{})
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		callStep("", call("c1", "files", `{"task":"slow"}`)),
	}}
	exec := &recordingExecutor{block: block}
	store := sessions.NewMemoryStore()
	orch := New(Options{
		Registry:       testRegistry(t, "files"),
		Policy:         testPolicy(t, config.PolicyConfig{}),
		Store:          store,
		Executor:       exec,
		Chain:          NewChain([]Slot{testSlot(a, 3)}, 0, time.Millisecond, discardLogger(), nil),
		RequestTimeout: 50 * time.Millisecond,
		Logger:         discardLogger(),
	})

	res, err := orch.Handle(context.Background(), "", "hang")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.FinishReason != models.FinishCancelled {
		t.Errorf("FinishReason = %v, want %v", res.FinishReason, models.FinishCancelled)
	}
	if res.UnresolvedCall != 1 {
		t.Errorf("UnresolvedCall = %d, want 1", res.UnresolvedCall)
	}
	close(block)
}

func TestHistoryIsAppendOnlyAcrossRequests(t *testing.T) {
	a := &scriptedAdapter{name: "alpha", steps: []scriptStep{
		textStep("first answer"),
		textStep("second answer"),
	}}
	f := newFixture(t, config.PolicyConfig{}, a)

	first, err := f.orch.Handle(context.Background(), "", "one")
	if err != nil {
		t.Fatalf("first Handle() error = %v", err)
	}
	if _, err := f.orch.Handle(context.Background(), first.SessionID, "two"); err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}

	history, err := f.store.History(context.Background(), first.SessionID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant}
	if len(history) != len(wantRoles) {
		t.Fatalf("len(history) = %d, want %d", len(history), len(wantRoles))
	}
	for i, want := range wantRoles {
		if history[i].Role != want {
			t.Errorf("history[%d].Role = %v, want %v", i, history[i].Role, want)
		}
	}
	if history[1].Content != "first answer" {
		t.Errorf("history[1].Content = %q, earlier turn was rewritten", history[1].Content)
	}
}
