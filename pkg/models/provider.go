package models

// ProviderDescriptor is the registry's view of a configured provider slot.
// MaxToolIterations bounds consecutive tool-call turns for requests served
// by this provider; the orchestrator takes the maximum across a fallback
// chain so a mid-request swap never tightens the bound retroactively.
type ProviderDescriptor struct {
	ID                string  `json:"id"`
	Kind              string  `json:"kind"`
	Model             string  `json:"model"`
	SupportsToolCalls bool    `json:"supports_tool_calls"`
	Temperature       float64 `json:"temperature,omitempty"`
	MaxToolIterations int     `json:"max_tool_iterations,omitempty"`
}

// FinishReason reports how an orchestration request ended.
type FinishReason string

const (
	FinishDone                 FinishReason = "done"
	FinishMaxIterations        FinishReason = "max_iterations_reached"
	FinishChainExhausted       FinishReason = "chain_exhausted"
	FinishAwaitingConfirmation FinishReason = "awaiting_user_confirmation"
	FinishCancelled            FinishReason = "cancelled"
)
