package models

import "time"

// Session groups related orchestration requests under one conversation.
type Session struct {
	ID           string            `json:"id"`
	Title        string            `json:"title,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
}

// OrchestrationContext is the portable loop state for one request. It is
// JSON-serializable so a suspended request can be persisted and resumed
// after a process restart.
type OrchestrationContext struct {
	SessionID      string    `json:"session_id"`
	Turns          []Turn    `json:"turns"`
	IterationCount int       `json:"iteration_count"`
	ProviderIndex  int       `json:"provider_index"`
	StartedAt      time.Time `json:"started_at"`
}

// PendingCall is one gated tool call inside a suspended request.
type PendingCall struct {
	Call     ToolCall       `json:"call"`
	Status   ToolCallStatus `json:"status"`
	RuleName string         `json:"rule_name,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// PendingConfirmation is a suspended orchestration request waiting on a user
// decision for one or more tool calls. Approved and already-denied calls from
// the same turn ride along so resume can dispatch with full context.
type PendingConfirmation struct {
	ID        string               `json:"id"`
	SessionID string               `json:"session_id"`
	Context   OrchestrationContext `json:"context"`
	Calls     []PendingCall        `json:"calls"`
	CreatedAt time.Time            `json:"created_at"`
}
