// Package providers implements the model adapters Switchboard orchestrates
// across: Anthropic, OpenAI and Gemini, plus a prompt-based shim that gives
// tool calling to models without native support.
//
// Adapters are stateless request/response translators. Retry, fallback and
// iteration accounting live in the orchestrator; an adapter's only job is to
// perform one round trip and classify any failure.
package providers

import (
	"context"
	"fmt"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/credentials"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

// Request is one provider round trip: the accumulated conversation, the
// tool set from the registry snapshot, and sampling parameters.
type Request struct {
	System      string
	Turns       []models.Turn
	Tools       []models.Tool
	Temperature float64
	MaxTokens   int64
}

// Usage reports token consumption for one round trip.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Result is the provider's reply: synthesized text, any tool calls, and the
// provider's own stop reason verbatim.
type Result struct {
	Text       string
	ToolCalls  []models.ToolCall
	StopReason string
	Usage      Usage
}

// Adapter is one provider slot in the fallback chain. Send performs exactly
// one model round trip; failures are returned as *AdapterError so the chain
// manager can decide between retry and advance.
type Adapter interface {
	Name() string
	Model() string
	SupportsToolCalls() bool
	Send(ctx context.Context, req *Request) (*Result, error)
}

// New constructs the adapter for one configured provider slot, resolving its
// credential and applying the prompt shim when configured.
func New(ctx context.Context, id string, cfg config.ProviderConfig, creds credentials.Source) (Adapter, error) {
	key, err := creds.Lookup(id)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", id, err)
	}

	var adapter Adapter
	switch cfg.Kind {
	case "anthropic":
		adapter = NewAnthropicAdapter(id, cfg, key)
	case "openai":
		adapter = NewOpenAIAdapter(id, cfg, key)
	case "gemini":
		adapter, err = NewGeminiAdapter(ctx, id, cfg, key)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", id, cfg.Kind)
	}

	if cfg.ToolShim {
		adapter = NewPromptShim(adapter)
	}
	return adapter, nil
}
