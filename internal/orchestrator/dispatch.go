package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/switchboard-ai/switchboard/pkg/models"
)

// ToolExecutor is the external collaborator that actually runs tools. The
// orchestrator treats it as a black box with a success/failure payload.
type ToolExecutor interface {
	Execute(ctx context.Context, toolID string, args json.RawMessage) (*models.ToolResult, error)
}

// ToolExecutorFunc adapts a function to the ToolExecutor interface.
type ToolExecutorFunc func(ctx context.Context, toolID string, args json.RawMessage) (*models.ToolResult, error)

func (f ToolExecutorFunc) Execute(ctx context.Context, toolID string, args json.RawMessage) (*models.ToolResult, error) {
	return f(ctx, toolID, args)
}

// dispatchOutcome separates calls that produced a result from calls that
// were cancelled before (or while) running.
type dispatchOutcome struct {
	Results   []models.ToolResult
	Cancelled []string
}

// dispatchCalls runs approved calls through the executor. Independent calls
// run concurrently up to maxParallel; a call that declares DependsOn waits
// for those calls to finish first. On context expiry, undispatched calls are
// reported as cancelled and results of executions that were already running
// are discarded. Results come back in call order.
func dispatchCalls(ctx context.Context, exec ToolExecutor, calls []models.ToolCall, maxParallel int, logger *slog.Logger) dispatchOutcome {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	done := make(map[string]chan struct{}, len(calls))
	for _, call := range calls {
		done[call.ID] = make(chan struct{})
	}
	cyclic := cyclicCalls(calls)

	type slot struct {
		result    *models.ToolResult
		cancelled bool
	}
	slots := make([]slot, len(calls))
	sem := make(chan struct{}, maxParallel)

	var wg sync.WaitGroup
	for i, call := range calls {
		// A call caught in a dependency cycle can never run; fail it up
		// front instead of letting its goroutine wait out the deadline.
		if cyclic[call.ID] {
			logger.Warn("tool call has a circular dependency", "call_id", call.ID, "depends_on", call.DependsOn)
			close(done[call.ID])
			slots[i] = slot{result: &models.ToolResult{
				ToolCallID: call.ID,
				Content:    "tool call not dispatched: circular dependency",
				IsError:    true,
			}}
			continue
		}
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			defer close(done[call.ID])

			// Dependencies first; a cancelled dependency cancels us.
			for _, dep := range call.DependsOn {
				ch, ok := done[dep]
				if !ok {
					logger.Warn("tool call depends on unknown call id", "call_id", call.ID, "depends_on", dep)
					continue
				}
				select {
				case <-ch:
				case <-ctx.Done():
					slots[i] = slot{cancelled: true}
					return
				}
			}

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				slots[i] = slot{cancelled: true}
				return
			}
			if ctx.Err() != nil {
				slots[i] = slot{cancelled: true}
				return
			}

			res, err := exec.Execute(ctx, call.Name, call.Input)
			if ctx.Err() != nil {
				// The execution was allowed to finish but the request is
				// gone; its result is discarded.
				slots[i] = slot{cancelled: true}
				return
			}
			if err != nil {
				res = &models.ToolResult{
					ToolCallID: call.ID,
					Content:    err.Error(),
					IsError:    true,
				}
			}
			if res.ToolCallID == "" {
				res.ToolCallID = call.ID
			}
			slots[i] = slot{result: res}
		}(i, call)
	}
	wg.Wait()

	var out dispatchOutcome
	for i, s := range slots {
		if s.cancelled {
			out.Cancelled = append(out.Cancelled, calls[i].ID)
			continue
		}
		if s.result != nil {
			out.Results = append(out.Results, *s.result)
		}
	}
	return out
}

// cyclicCalls reports the call ids that can never dispatch because their
// in-batch dependencies form a cycle (directly, through a chain, or by
// self-reference). Dependencies on ids outside the batch count as satisfied.
func cyclicCalls(calls []models.ToolCall) map[string]bool {
	inBatch := make(map[string]bool, len(calls))
	for _, c := range calls {
		inBatch[c.ID] = true
	}

	resolved := make(map[string]bool, len(calls))
	for progressed := true; progressed; {
		progressed = false
		for _, c := range calls {
			if resolved[c.ID] {
				continue
			}
			ready := true
			for _, dep := range c.DependsOn {
				if inBatch[dep] && !resolved[dep] {
					ready = false
					break
				}
			}
			if ready {
				resolved[c.ID] = true
				progressed = true
			}
		}
	}

	var cyclic map[string]bool
	for _, c := range calls {
		if !resolved[c.ID] {
			if cyclic == nil {
				cyclic = make(map[string]bool, len(calls))
			}
			cyclic[c.ID] = true
		}
	}
	return cyclic
}
