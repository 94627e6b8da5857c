package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

const (
	defaultTimeout = 5 * time.Minute
	maxOutput      = 256 * 1024
)

// Runner executes agent invocations as subprocesses. The call arguments go
// to the command as a JSON document on stdin; stdout becomes the tool
// result. A non-zero exit turns stderr into an error result rather than a
// loop failure.
type Runner struct {
	agents map[string]config.AgentConfig
	logger *slog.Logger
}

func NewRunner(agents []config.AgentConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]config.AgentConfig, len(agents))
	for _, a := range agents {
		m[a.ID] = a
	}
	return &Runner{agents: m, logger: logger}
}

func (r *Runner) Execute(ctx context.Context, toolID string, args json.RawMessage) (*models.ToolResult, error) {
	agent, ok := r.agents[toolID]
	if !ok {
		return nil, fmt.Errorf("no agent configured for tool %q", toolID)
	}

	timeout := agent.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", agent.Command)
	if agent.WorkDir != "" {
		cmd.Dir = agent.WorkDir
	}
	if len(agent.Env) > 0 {
		env := os.Environ()
		for k, v := range agent.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdout := newLimitedBuffer(maxOutput)
	stderr := newLimitedBuffer(maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(args) > 0 {
		cmd.Stdin = bytes.NewReader(args)
	}

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("agent %s failed to start: %w", toolID, err)
		}
		r.logger.Warn("agent exited with error",
			"agent", toolID,
			"exit_code", exitErr.ExitCode(),
			"duration", elapsed,
		)
		content := stderr.String()
		if content == "" {
			content = fmt.Sprintf("agent %s exited with code %d", toolID, exitErr.ExitCode())
		}
		return &models.ToolResult{Content: content, IsError: true}, nil
	}

	r.logger.Debug("agent completed", "agent", toolID, "duration", elapsed)
	return &models.ToolResult{
		Content: stdout.String(),
		Metadata: map[string]string{
			"agent":       toolID,
			"duration_ms": strconv.FormatInt(elapsed.Milliseconds(), 10),
		},
	}, nil
}

// limitedBuffer keeps the first max bytes and drops the rest, so a noisy
// agent cannot blow up the conversation context.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
