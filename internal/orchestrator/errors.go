package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/switchboard-ai/switchboard/internal/providers"
)

// ErrDisabled is returned when orchestration is switched off.
var ErrDisabled = errors.New("orchestration is disabled")

// State names the loop's position within one iteration, reported in debug
// logs. Terminal states are models.FinishReason values instead.
type State string

const (
	StateAwaitingProvider State = "awaiting_provider"
	StatePolicyGating     State = "policy_gating"
	StateDispatching      State = "dispatching"
)

// ProviderFailure records one provider's terminal failure during a request.
type ProviderFailure struct {
	Provider string
	Reason   providers.Reason
	Message  string
}

// ChainExhaustedError aggregates the terminal failure of every provider in
// the chain once no provider is left to try.
type ChainExhaustedError struct {
	Failures []ProviderFailure
}

func (e *ChainExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Provider, f.Reason))
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}
