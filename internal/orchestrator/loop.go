// Package orchestrator drives the agent loop: it routes user input through
// the fallback chain of provider adapters, gates returned tool calls through
// the policy engine, dispatches approved calls to the external tool
// executor, and synthesizes a final result. Each request owns its context
// exclusively; the registry snapshot and policy rule set it reads are
// immutable shared views.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/internal/policy"
	"github.com/switchboard-ai/switchboard/internal/providers"
	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/sessions"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

// Options configures an Orchestrator.
type Options struct {
	Registry *registry.Registry
	Policy   *policy.Engine
	Store    sessions.Store
	Executor ToolExecutor
	Chain    *Chain

	// SystemPrompt is prepended to every provider request.
	SystemPrompt string

	// RequestTimeout bounds one request's wall clock. Zero means 120s.
	RequestTimeout time.Duration

	// MaxParallelism bounds concurrent tool dispatches within one turn.
	// Zero means 4.
	MaxParallelism int

	Logger  *slog.Logger
	Metrics *Metrics
}

// Orchestrator runs the loop. Safe for concurrent use; every Handle call
// runs independently.
type Orchestrator struct {
	registry       *registry.Registry
	policy         *policy.Engine
	store          sessions.Store
	executor       ToolExecutor
	chain          *Chain
	system         string
	requestTimeout time.Duration
	maxParallel    int
	logger         *slog.Logger
	metrics        *Metrics

	mu         sync.RWMutex
	enabled    bool
	startIndex int
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 120 * time.Second
	}
	if opts.MaxParallelism <= 0 {
		opts.MaxParallelism = 4
	}
	return &Orchestrator{
		registry:       opts.Registry,
		policy:         opts.Policy,
		store:          opts.Store,
		executor:       opts.Executor,
		chain:          opts.Chain,
		system:         opts.SystemPrompt,
		requestTimeout: opts.RequestTimeout,
		maxParallel:    opts.MaxParallelism,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		enabled:        true,
	}
}

// Enabled reports whether orchestration is switched on.
func (o *Orchestrator) Enabled() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.enabled
}

// SetEnabled toggles orchestration. Requests issued while disabled fail
// with ErrDisabled; in-flight requests are unaffected.
func (o *Orchestrator) SetEnabled(enabled bool) {
	o.mu.Lock()
	o.enabled = enabled
	o.mu.Unlock()
}

// Chain returns the fallback chain.
func (o *Orchestrator) Chain() *Chain {
	return o.chain
}

// ActiveProvider returns the provider new requests start from.
func (o *Orchestrator) ActiveProvider() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	slots := o.chain.Slots()
	if o.startIndex < len(slots) {
		return slots[o.startIndex].Descriptor.ID
	}
	return ""
}

// UseProvider switches new requests to start the chain at the given
// provider. The rest of the chain still applies beyond it.
func (o *Orchestrator) UseProvider(providerID string) error {
	idx := o.chain.IndexOf(providerID)
	if idx < 0 {
		return fmt.Errorf("provider %q is not in the fallback chain", providerID)
	}
	o.mu.Lock()
	o.startIndex = idx
	o.mu.Unlock()
	o.logger.Info("active provider switched", "provider", providerID)
	return nil
}

// Result is the structured outcome of one orchestration request. A request
// that ends in MaxIterationsReached or ChainExhausted is still a Result,
// not an error; only process-scope failures surface as errors.
type Result struct {
	SessionID      string
	Text           string
	FinishReason   models.FinishReason
	Iterations     int
	Provider       string
	UnresolvedCall int
	ConfirmationID string
	Failures       []ProviderFailure
}

// Handle runs one orchestration request: the user's input against the
// session's accumulated context.
func (o *Orchestrator) Handle(ctx context.Context, sessionID, input string) (*Result, error) {
	if !o.Enabled() {
		return nil, ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	session, err := o.ensureSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	userTurn := &models.Turn{Role: models.RoleUser, Content: input}
	if err := o.store.AppendTurn(ctx, session.ID, userTurn); err != nil {
		return nil, fmt.Errorf("failed to persist user turn: %w", err)
	}
	history, err := o.store.History(ctx, session.ID, 0)
	if err != nil {
		return nil, err
	}

	o.mu.RLock()
	start := o.startIndex
	o.mu.RUnlock()

	octx := &models.OrchestrationContext{
		SessionID:     session.ID,
		Turns:         history,
		ProviderIndex: start,
		StartedAt:     time.Now(),
	}
	return o.runLoop(ctx, octx, o.registry.Snapshot(), o.chain.cursor(start))
}

// Resume continues a suspended request once the caller has decided its
// awaiting calls. approvals maps call id to the user's verdict; calls
// absent from the map are denied. No prior turn is re-derived: the loop
// picks up from the persisted context.
func (o *Orchestrator) Resume(ctx context.Context, confirmationID string, approvals map[string]bool) (*Result, error) {
	if !o.Enabled() {
		return nil, ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	pc, err := o.store.GetPending(ctx, confirmationID)
	if err != nil {
		return nil, err
	}

	octx := pc.Context
	octx.StartedAt = time.Now()
	snap := o.registry.Snapshot()
	cur := o.chain.cursor(octx.ProviderIndex)

	resultsTurn := &models.Turn{Role: models.RoleTool}
	var toDispatch []models.ToolCall
	for _, p := range pc.Calls {
		switch p.Status {
		case models.CallAllowed:
			toDispatch = append(toDispatch, p.Call)
		case models.CallAwaiting:
			if approvals[p.Call.ID] {
				toDispatch = append(toDispatch, p.Call)
			} else {
				resultsTurn.ToolResults = append(resultsTurn.ToolResults, models.ToolResult{
					ToolCallID: p.Call.ID,
					Content:    "tool call denied by user",
					IsError:    true,
				})
			}
		}
	}

	outcome := dispatchCalls(ctx, o.executor, toDispatch, o.maxParallel, o.logger)
	o.countDispatches(outcome)
	resultsTurn.ToolResults = append(resultsTurn.ToolResults, outcome.Results...)
	if len(outcome.Cancelled) > 0 {
		return o.finish(octx.SessionID, &Result{
			SessionID:      octx.SessionID,
			FinishReason:   models.FinishCancelled,
			Iterations:     octx.IterationCount,
			UnresolvedCall: len(outcome.Cancelled),
		}, &octx)
	}

	if err := o.appendTurn(ctx, &octx, resultsTurn); err != nil {
		return nil, err
	}
	if err := o.store.DeletePending(ctx, confirmationID); err != nil && !errors.Is(err, sessions.ErrPendingNotFound) {
		o.logger.Warn("failed to delete pending confirmation", "id", confirmationID, "error", err)
	}

	return o.runLoop(ctx, &octx, snap, cur)
}

// runLoop drives turns until a terminal state. The iteration bound is the
// aggregate max across the chain and iteration_count carries across
// provider swaps unchanged.
func (o *Orchestrator) runLoop(ctx context.Context, octx *models.OrchestrationContext, snap *registry.Snapshot, cur *cursor) (*Result, error) {
	bound := o.chain.MaxToolIterations()

	for {
		o.logger.Debug("loop state", "session_id", octx.SessionID, "state", StateAwaitingProvider, "iteration", octx.IterationCount)
		req := &providers.Request{
			System: o.system,
			Turns:  octx.Turns,
			Tools:  snap.Tools(),
		}
		res, err := cur.send(ctx, req)
		if err != nil {
			var exhausted *ChainExhaustedError
			if errors.As(err, &exhausted) {
				return o.finish(octx.SessionID, &Result{
					SessionID:    octx.SessionID,
					FinishReason: models.FinishChainExhausted,
					Iterations:   octx.IterationCount,
					Failures:     exhausted.Failures,
				}, octx)
			}
			if ctx.Err() != nil {
				return o.finish(octx.SessionID, &Result{
					SessionID:    octx.SessionID,
					FinishReason: models.FinishCancelled,
					Iterations:   octx.IterationCount,
				}, octx)
			}
			return nil, err
		}
		octx.ProviderIndex = cur.index

		assistantTurn := &models.Turn{
			Role:      models.RoleAssistant,
			Content:   res.Text,
			ToolCalls: res.ToolCalls,
			Provider:  cur.provider(),
		}
		if err := o.appendTurn(ctx, octx, assistantTurn); err != nil {
			return nil, err
		}

		if len(res.ToolCalls) == 0 {
			return o.finish(octx.SessionID, &Result{
				SessionID:    octx.SessionID,
				Text:         res.Text,
				FinishReason: models.FinishDone,
				Iterations:   octx.IterationCount,
				Provider:     cur.provider(),
			}, octx)
		}

		octx.IterationCount++
		if octx.IterationCount >= bound {
			return o.finish(octx.SessionID, &Result{
				SessionID:      octx.SessionID,
				Text:           res.Text,
				FinishReason:   models.FinishMaxIterations,
				Iterations:     octx.IterationCount,
				Provider:       cur.provider(),
				UnresolvedCall: len(res.ToolCalls),
			}, octx)
		}

		o.logger.Debug("loop state", "session_id", octx.SessionID, "state", StatePolicyGating, "calls", len(res.ToolCalls))
		resultsTurn := &models.Turn{Role: models.RoleTool}
		allowed, pending := o.gateCalls(octx.SessionID, snap, res.ToolCalls, resultsTurn)

		if len(pending) > 0 {
			return o.suspend(ctx, octx, resultsTurn, allowed, pending)
		}

		o.logger.Debug("loop state", "session_id", octx.SessionID, "state", StateDispatching, "calls", len(allowed))
		outcome := dispatchCalls(ctx, o.executor, allowed, o.maxParallel, o.logger)
		o.countDispatches(outcome)
		resultsTurn.ToolResults = append(resultsTurn.ToolResults, outcome.Results...)
		if len(outcome.Cancelled) > 0 {
			if len(resultsTurn.ToolResults) > 0 {
				// Persist completed work even though the request is gone.
				_ = o.appendTurn(context.WithoutCancel(ctx), octx, resultsTurn)
			}
			return o.finish(octx.SessionID, &Result{
				SessionID:      octx.SessionID,
				FinishReason:   models.FinishCancelled,
				Iterations:     octx.IterationCount,
				UnresolvedCall: len(outcome.Cancelled),
			}, octx)
		}

		if err := o.appendTurn(ctx, octx, resultsTurn); err != nil {
			return nil, err
		}
	}
}

// gateCalls validates and policy-gates one turn's calls. Validation
// failures and denials become error results on resultsTurn; allowed calls
// and calls awaiting user confirmation are returned separately.
func (o *Orchestrator) gateCalls(sessionID string, snap *registry.Snapshot, calls []models.ToolCall, resultsTurn *models.Turn) ([]models.ToolCall, []models.PendingCall) {
	var allowed []models.ToolCall
	var pending []models.PendingCall

	for _, call := range calls {
		if err := validateCall(snap, call); err != nil {
			resultsTurn.ToolResults = append(resultsTurn.ToolResults, models.ToolResult{
				ToolCallID: call.ID,
				Content:    "invalid arguments: " + err.Error(),
				IsError:    true,
			})
			continue
		}

		decision := o.policy.Evaluate(policy.Request{
			SessionID: sessionID,
			ToolID:    call.Name,
			Args:      call.Input,
		})
		if o.metrics != nil {
			o.metrics.PolicyDecisions.WithLabelValues(string(decision.Action)).Inc()
		}

		switch decision.Action {
		case policy.ActionAllow:
			allowed = append(allowed, call)
		case policy.ActionDeny:
			msg := "tool call denied by policy"
			if decision.MatchedRule != "" {
				msg += " rule " + decision.MatchedRule
			}
			if decision.Reason != "" {
				msg += ": " + decision.Reason
			}
			resultsTurn.ToolResults = append(resultsTurn.ToolResults, models.ToolResult{
				ToolCallID: call.ID,
				Content:    msg,
				IsError:    true,
			})
		case policy.ActionAskUser:
			pending = append(pending, models.PendingCall{
				Call:     call,
				Status:   models.CallAwaiting,
				RuleName: decision.MatchedRule,
				Reason:   decision.Reason,
			})
		default:
			// Every call must resolve to exactly one outcome; an
			// unrecognized action becomes an error result rather than a
			// silently dropped call.
			o.logger.Error("policy returned unknown action",
				"action", decision.Action,
				"rule", decision.MatchedRule,
				"tool", call.Name,
			)
			resultsTurn.ToolResults = append(resultsTurn.ToolResults, models.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("tool call rejected: policy produced unknown action %q", decision.Action),
				IsError:    true,
			})
		}
	}
	return allowed, pending
}

// suspend persists the loop state and releases the request. Allowed calls
// from the same turn ride along so Resume can dispatch them together with
// whatever the user approves.
func (o *Orchestrator) suspend(ctx context.Context, octx *models.OrchestrationContext, resultsTurn *models.Turn, allowed []models.ToolCall, pending []models.PendingCall) (*Result, error) {
	if len(resultsTurn.ToolResults) > 0 {
		if err := o.appendTurn(ctx, octx, resultsTurn); err != nil {
			return nil, err
		}
	}

	calls := make([]models.PendingCall, 0, len(allowed)+len(pending))
	for _, call := range allowed {
		calls = append(calls, models.PendingCall{Call: call, Status: models.CallAllowed})
	}
	calls = append(calls, pending...)

	pc := &models.PendingConfirmation{
		ID:        uuid.NewString(),
		SessionID: octx.SessionID,
		Context:   *octx,
		Calls:     calls,
	}
	if err := o.store.SavePending(ctx, pc); err != nil {
		return nil, fmt.Errorf("failed to persist suspension: %w", err)
	}
	o.logger.Info("request suspended awaiting user confirmation",
		"session_id", octx.SessionID,
		"confirmation_id", pc.ID,
		"awaiting", len(pending),
	)

	return o.finish(octx.SessionID, &Result{
		SessionID:      octx.SessionID,
		FinishReason:   models.FinishAwaitingConfirmation,
		Iterations:     octx.IterationCount,
		ConfirmationID: pc.ID,
		UnresolvedCall: len(pending),
	}, octx)
}

func (o *Orchestrator) appendTurn(ctx context.Context, octx *models.OrchestrationContext, turn *models.Turn) error {
	if err := o.store.AppendTurn(ctx, octx.SessionID, turn); err != nil {
		return fmt.Errorf("failed to persist turn: %w", err)
	}
	octx.Turns = append(octx.Turns, *turn)
	return nil
}

func (o *Orchestrator) ensureSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID != "" {
		session, err := o.store.Get(ctx, sessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, sessions.ErrNotFound) {
			return nil, err
		}
	}
	session := &models.Session{ID: sessionID}
	if err := o.store.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (o *Orchestrator) countDispatches(outcome dispatchOutcome) {
	if o.metrics == nil {
		return
	}
	for _, res := range outcome.Results {
		status := "ok"
		if res.IsError {
			status = "error"
		}
		o.metrics.ToolDispatches.WithLabelValues(status).Inc()
	}
	for range outcome.Cancelled {
		o.metrics.ToolDispatches.WithLabelValues("cancelled").Inc()
	}
}

func (o *Orchestrator) finish(sessionID string, result *Result, octx *models.OrchestrationContext) (*Result, error) {
	if o.metrics != nil {
		o.metrics.Requests.WithLabelValues(string(result.FinishReason)).Inc()
		o.metrics.Iterations.Observe(float64(result.Iterations))
		o.metrics.RequestDuration.Observe(time.Since(octx.StartedAt).Seconds())
	}
	o.logger.Info("orchestration request finished",
		"session_id", sessionID,
		"finish_reason", result.FinishReason,
		"iterations", result.Iterations,
		"provider", result.Provider,
	)
	return result, nil
}
