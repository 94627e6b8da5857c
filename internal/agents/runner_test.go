package agents

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/switchboard-ai/switchboard/internal/config"
)

func TestRunnerPassesArgsOnStdin(t *testing.T) {
	r := NewRunner([]config.AgentConfig{
		{ID: "echo", Command: "cat"},
	}, nil)

	res, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"task":"hello"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("IsError = true, content %q", res.Content)
	}
	if !strings.Contains(res.Content, `"task":"hello"`) {
		t.Errorf("Content = %q, want stdin echoed back", res.Content)
	}
	if res.Metadata["agent"] != "echo" {
		t.Errorf(`Metadata["agent"] = %q, want echo`, res.Metadata["agent"])
	}
	if _, err := strconv.ParseInt(res.Metadata["duration_ms"], 10, 64); err != nil {
		t.Errorf(`Metadata["duration_ms"] = %q, want integer milliseconds`, res.Metadata["duration_ms"])
	}
}

func TestRunnerNonZeroExitIsErrorResult(t *testing.T) {
	r := NewRunner([]config.AgentConfig{
		{ID: "fail", Command: "echo broken >&2; exit 3"},
	}, nil)

	res, err := r.Execute(context.Background(), "fail", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v, want error result instead", err)
	}
	if !res.IsError {
		t.Error("IsError = false, want true")
	}
	if !strings.Contains(res.Content, "broken") {
		t.Errorf("Content = %q, want stderr captured", res.Content)
	}
}

func TestRunnerUnknownAgent(t *testing.T) {
	r := NewRunner(nil, nil)
	if _, err := r.Execute(context.Background(), "ghost", nil); err == nil {
		t.Error("Execute(ghost) = nil error, want unknown agent error")
	}
}

func TestRunnerTimeout(t *testing.T) {
	r := NewRunner([]config.AgentConfig{
		{ID: "slow", Command: "sleep 5", Timeout: 50 * time.Millisecond},
	}, nil)

	if _, err := r.Execute(context.Background(), "slow", nil); err == nil {
		t.Error("Execute(slow) = nil error, want deadline error")
	}
}

func TestRunnerTruncatesOutput(t *testing.T) {
	r := NewRunner([]config.AgentConfig{
		{ID: "noisy", Command: "head -c 400000 /dev/zero | tr '\\0' 'x'"},
	}, nil)

	res, err := r.Execute(context.Background(), "noisy", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(res.Content) > maxOutput+100 {
		t.Errorf("len(Content) = %d, want truncated near %d", len(res.Content), maxOutput)
	}
	if !strings.Contains(res.Content, "[output truncated]") {
		t.Error("Content missing truncation marker")
	}
}

func TestCatalogDescriptors(t *testing.T) {
	c := NewCatalog([]config.AgentConfig{
		{ID: "researcher", DisplayName: "Researcher", Description: "Looks things up", Capabilities: []string{"web"}, Command: "true"},
		{ID: "coder", Description: "Writes code", Command: "true"},
	})

	descs, err := c.Descriptors(context.Background())
	if err != nil {
		t.Fatalf("Descriptors() error = %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("len(descs) = %d, want 2", len(descs))
	}
	if descs[0].ID != "researcher" || descs[1].ID != "coder" {
		t.Errorf("descriptor ids = %s/%s, want researcher/coder", descs[0].ID, descs[1].ID)
	}
	if len(descs[0].Capabilities) != 1 || descs[0].Capabilities[0] != "web" {
		t.Errorf("capabilities = %v, want [web]", descs[0].Capabilities)
	}
}
