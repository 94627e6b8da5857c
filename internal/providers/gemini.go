package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

// GeminiAdapter performs single round trips against the Gemini API. Gemini
// function calls carry no call id, so the adapter mints one per call and
// resolves result turns back to function names through the transcript.
type GeminiAdapter struct {
	client      *genai.Client
	name        string
	model       string
	temperature float64
}

func NewGeminiAdapter(ctx context.Context, name string, cfg config.ProviderConfig, apiKey string) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{
		client:      client,
		name:        name,
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

func (a *GeminiAdapter) Name() string { return a.name }

func (a *GeminiAdapter) Model() string { return a.model }

func (a *GeminiAdapter) SupportsToolCalls() bool { return true }

func (a *GeminiAdapter) Send(ctx context.Context, req *Request) (*Result, error) {
	contents := a.convertTurns(req.Turns)

	genCfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		genCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	temp := req.Temperature
	if temp == 0 {
		temp = a.temperature
	}
	if temp > 0 {
		genCfg.Temperature = genai.Ptr(float32(temp))
	}
	if req.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		genCfg.Tools = convertGeminiTools(req.Tools)
	}

	resp, err := a.client.Models.GenerateContent(ctx, a.model, contents, genCfg)
	if err != nil {
		return nil, NewAdapterError(a.name, a.model, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &AdapterError{
			Reason:   ReasonMalformed,
			Provider: a.name,
			Model:    a.model,
			Message:  "response contained no candidates",
		}
	}

	candidate := resp.Candidates[0]
	result := &Result{StopReason: strings.ToLower(string(candidate.FinishReason))}
	if resp.UsageMetadata != nil {
		result.Usage = Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			result.Text += part.Text
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:    part.FunctionCall.Name + "-" + uuid.NewString()[:8],
				Name:  part.FunctionCall.Name,
				Input: args,
			})
		}
	}
	return result, nil
}

func (a *GeminiAdapter) convertTurns(turns []models.Turn) []*genai.Content {
	// Call ids are local to the transcript; Gemini wants function names on
	// result parts instead.
	callNames := make(map[string]string)
	for _, turn := range turns {
		for _, tc := range turn.ToolCalls {
			callNames[tc.ID] = tc.Name
		}
	}

	var out []*genai.Content
	for _, turn := range turns {
		if turn.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if turn.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		if turn.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: turn.Content})
		}
		for _, tc := range turn.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}
		for _, tr := range turn.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{"result": tr.Content, "error": tr.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     callNames[tr.ToolCallID],
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func convertGeminiTools(tools []models.Tool) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.ParamSchema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.ID,
			Description: tool.Description,
			Parameters:  convertGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertGeminiSchema maps a JSON Schema document onto Gemini's native
// Schema type, recursing through properties and items.
func convertGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = convertGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = convertGeminiSchema(items)
	}
	return schema
}
