package models

import "encoding/json"

// Tool describes a callable capability exposed to the model. ParamSchema is
// a JSON Schema document validated against each call's arguments before the
// call is policy-gated.
type Tool struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name,omitempty"`
	Description string          `json:"description"`
	ParamSchema json.RawMessage `json:"param_schema"`
}

// AgentDescriptor describes a delegatable sub-agent. Agents share the
// registry namespace with tools so a single identifier resolves either kind.
type AgentDescriptor struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name,omitempty"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ToolCall is a single invocation request emitted by a provider. DependsOn
// lists call IDs from the same turn whose results must be available before
// this call dispatches.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	DependsOn []string        `json:"depends_on,omitempty"`
}

// ToolCallStatus tracks a call through gating and dispatch.
type ToolCallStatus string

const (
	CallPending   ToolCallStatus = "pending"
	CallAllowed   ToolCallStatus = "allowed"
	CallDenied    ToolCallStatus = "denied"
	CallAwaiting  ToolCallStatus = "awaiting_confirmation"
	CallCancelled ToolCallStatus = "cancelled"
	CallCompleted ToolCallStatus = "completed"
)

// ToolResult is the outcome of executing a single tool call.
type ToolResult struct {
	ToolCallID string            `json:"tool_call_id"`
	Content    string            `json:"content"`
	IsError    bool              `json:"is_error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
