package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/pkg/models"
)

const toolCallFence = "```tool_call"

// PromptShim layers tool calling onto an adapter whose model has no native
// support. Tools are described in the system prompt, the model is asked to
// emit fenced tool_call JSON blocks, and the shim parses those blocks back
// into structured ToolCalls. Everything downstream sees a normal
// tool-capable adapter.
type PromptShim struct {
	inner Adapter
}

func NewPromptShim(inner Adapter) *PromptShim {
	return &PromptShim{inner: inner}
}

func (s *PromptShim) Name() string { return s.inner.Name() }

func (s *PromptShim) Model() string { return s.inner.Model() }

func (s *PromptShim) SupportsToolCalls() bool { return true }

func (s *PromptShim) Send(ctx context.Context, req *Request) (*Result, error) {
	if len(req.Tools) == 0 && !hasToolTurns(req.Turns) {
		return s.inner.Send(ctx, req)
	}

	shimReq := &Request{
		System:      joinSystem(req.System, renderToolInstructions(req.Tools)),
		Turns:       flattenToolTurns(req.Turns),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	res, err := s.inner.Send(ctx, shimReq)
	if err != nil {
		return nil, err
	}

	text, calls, err := parseToolCallBlocks(res.Text)
	if err != nil {
		return nil, &AdapterError{
			Reason:   ReasonMalformed,
			Provider: s.inner.Name(),
			Model:    s.inner.Model(),
			Message:  err.Error(),
			Cause:    err,
		}
	}
	res.Text = text
	res.ToolCalls = calls
	if len(calls) > 0 {
		res.StopReason = "tool_use"
	}
	return res, nil
}

func hasToolTurns(turns []models.Turn) bool {
	for _, t := range turns {
		if len(t.ToolCalls) > 0 || len(t.ToolResults) > 0 {
			return true
		}
	}
	return false
}

func joinSystem(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// renderToolInstructions describes the tool set and the fenced-block
// protocol in plain prose the model can follow.
func renderToolInstructions(tools []models.Tool) string {
	if len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You can invoke the following tools. To invoke one, emit a fenced block of the form:\n")
	b.WriteString("```tool_call\n{\"tool\": \"<tool id>\", \"arguments\": {...}}\n```\n")
	b.WriteString("Emit one block per invocation and no other text inside the block. ")
	b.WriteString("Tool results will be provided in the next message. ")
	b.WriteString("When you have everything you need, answer directly without any tool_call block.\n\nAvailable tools:\n")
	for _, tool := range tools {
		fmt.Fprintf(&b, "\n- %s: %s\n  parameters (JSON Schema): %s\n", tool.ID, tool.Description, string(tool.ParamSchema))
	}
	return b.String()
}

// flattenToolTurns rewrites structured tool traffic as plain text so the
// inner adapter never sees ToolCalls or ToolResults it cannot express.
func flattenToolTurns(turns []models.Turn) []models.Turn {
	out := make([]models.Turn, 0, len(turns))
	for _, turn := range turns {
		flat := turn
		flat.ToolCalls = nil
		flat.ToolResults = nil

		var b strings.Builder
		b.WriteString(turn.Content)
		for _, tc := range turn.ToolCalls {
			payload, _ := json.Marshal(map[string]any{
				"tool":      tc.Name,
				"arguments": json.RawMessage(tc.Input),
			})
			fmt.Fprintf(&b, "\n%s\n%s\n```", toolCallFence, payload)
		}
		for _, tr := range turn.ToolResults {
			status := "succeeded"
			if tr.IsError {
				status = "failed"
			}
			fmt.Fprintf(&b, "\nTool call %s %s. Output:\n%s", tr.ToolCallID, status, tr.Content)
		}
		flat.Content = b.String()
		if turn.Role == models.RoleTool {
			flat.Role = models.RoleUser
		}
		if flat.Content != "" {
			out = append(out, flat)
		}
	}
	return out
}

// parseToolCallBlocks extracts fenced tool_call blocks from model output.
// The surrounding prose is returned as the remaining text. A block that
// opens but does not parse is a malformed response.
func parseToolCallBlocks(text string) (string, []models.ToolCall, error) {
	var calls []models.ToolCall
	var prose strings.Builder

	rest := text
	for {
		start := strings.Index(rest, toolCallFence)
		if start < 0 {
			prose.WriteString(rest)
			break
		}
		prose.WriteString(rest[:start])

		body := rest[start+len(toolCallFence):]
		end := strings.Index(body, "```")
		if end < 0 {
			return "", nil, fmt.Errorf("unterminated tool_call block")
		}

		var payload struct {
			Tool      string          `json:"tool"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(body[:end])), &payload); err != nil {
			return "", nil, fmt.Errorf("invalid tool_call block: %w", err)
		}
		if payload.Tool == "" {
			return "", nil, fmt.Errorf("tool_call block missing tool id")
		}
		args := payload.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, models.ToolCall{
			ID:    "call-" + uuid.NewString()[:8],
			Name:  payload.Tool,
			Input: args,
		})

		rest = body[end+3:]
	}
	return strings.TrimSpace(prose.String()), calls, nil
}
