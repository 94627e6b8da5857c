package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

const defaultMaxTokens = 4096

// AnthropicAdapter performs single round trips against Anthropic's Messages
// API. Safe for concurrent use.
type AnthropicAdapter struct {
	client      anthropic.Client
	name        string
	model       string
	temperature float64
	maxTokens   int64
}

func NewAnthropicAdapter(name string, cfg config.ProviderConfig, apiKey string) *AnthropicAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicAdapter{
		client:      anthropic.NewClient(opts...),
		name:        name,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   defaultMaxTokens,
	}
}

func (a *AnthropicAdapter) Name() string { return a.name }

func (a *AnthropicAdapter) Model() string { return a.model }

func (a *AnthropicAdapter) SupportsToolCalls() bool { return true }

func (a *AnthropicAdapter) Send(ctx context.Context, req *Request) (*Result, error) {
	messages, err := a.convertTurns(req.Turns)
	if err != nil {
		return nil, NewAdapterError(a.name, a.model, err).WithReason(ReasonMalformed)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	temp := req.Temperature
	if temp == 0 {
		temp = a.temperature
	}
	if temp > 0 {
		params.Temperature = anthropic.Float(temp)
	}
	if len(req.Tools) > 0 {
		tools, err := a.convertTools(req.Tools)
		if err != nil {
			return nil, NewAdapterError(a.name, a.model, err).WithReason(ReasonMalformed)
		}
		params.Tools = tools
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		ae := NewAdapterError(a.name, a.model, err)
		var apierr *anthropic.Error
		if errors.As(err, &apierr) {
			ae = ae.WithStatus(apierr.StatusCode)
		}
		return nil, ae
	}

	result := &Result{
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			result.Text += v.Text
		case anthropic.ToolUseBlock:
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:    v.ID,
				Name:  v.Name,
				Input: json.RawMessage(v.Input),
			})
		}
	}
	return result, nil
}

// convertTurns maps transcript turns onto Anthropic content blocks. System
// turns are excluded here; the system prompt travels in params.System. Tool
// turns become user messages carrying tool_result blocks.
func (a *AnthropicAdapter) convertTurns(turns []models.Turn) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, turn := range turns {
		if turn.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if turn.Content != "" {
			content = append(content, anthropic.NewTextBlock(turn.Content))
		}
		for _, tr := range turn.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range turn.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if turn.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func (a *AnthropicAdapter) convertTools(tools []models.Tool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.ParamSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.ID, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.ID)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for tool %s", tool.ID)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		out = append(out, param)
	}
	return out, nil
}
