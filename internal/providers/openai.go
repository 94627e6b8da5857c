package providers

import (
	"context"
	"encoding/json"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

// OpenAIAdapter performs single round trips against the Chat Completions
// API. Safe for concurrent use.
type OpenAIAdapter struct {
	client      *openai.Client
	name        string
	model       string
	temperature float64
}

func NewOpenAIAdapter(name string, cfg config.ProviderConfig, apiKey string) *OpenAIAdapter {
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIAdapter{
		client:      openai.NewClientWithConfig(clientCfg),
		name:        name,
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

func (a *OpenAIAdapter) Name() string { return a.name }

func (a *OpenAIAdapter) Model() string { return a.model }

func (a *OpenAIAdapter) SupportsToolCalls() bool { return true }

func (a *OpenAIAdapter) Send(ctx context.Context, req *Request) (*Result, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: a.convertTurns(req.Turns, req.System),
	}
	temp := req.Temperature
	if temp == 0 {
		temp = a.temperature
	}
	if temp > 0 {
		chatReq.Temperature = float32(temp)
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = int(req.MaxTokens)
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.ID,
				Description: tool.Description,
				Parameters:  tool.ParamSchema,
			},
		})
	}

	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		ae := NewAdapterError(a.name, a.model, err)
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			ae = ae.WithStatus(apiErr.HTTPStatusCode)
		}
		return nil, ae
	}
	if len(resp.Choices) == 0 {
		return nil, (&AdapterError{
			Reason:   ReasonMalformed,
			Provider: a.name,
			Model:    a.model,
			Message:  "response contained no choices",
		})
	}

	choice := resp.Choices[0]
	result := &Result{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return result, nil
}

// convertTurns maps transcript turns onto chat messages. Tool results become
// role=tool messages keyed by tool_call_id.
func (a *OpenAIAdapter) convertTurns(turns []models.Turn, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, turn := range turns {
		switch turn.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			for _, tr := range turn.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: turn.Content,
			}
			for _, tc := range turn.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, msg)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: turn.Content,
			})
		}
	}
	return out
}
