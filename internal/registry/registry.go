// Package registry builds the canonical tool set from agent capability
// descriptors and publishes it as immutable snapshots.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchboard-ai/switchboard/pkg/models"
)

// Source supplies agent capability descriptors for a build. Discovery is
// external; the registry only cares about the descriptor list.
type Source interface {
	Descriptors(ctx context.Context) ([]models.AgentDescriptor, error)
}

// StaticSource serves a fixed descriptor list.
type StaticSource []models.AgentDescriptor

func (s StaticSource) Descriptors(context.Context) ([]models.AgentDescriptor, error) {
	return []models.AgentDescriptor(s), nil
}

// ErrTooManyDuplicates is returned when a build records more duplicate-id
// collisions than the configured limit tolerates. At startup this is fatal.
type ErrTooManyDuplicates struct {
	Limit    int
	Warnings []Warning
}

func (e *ErrTooManyDuplicates) Error() string {
	return fmt.Sprintf("registry build recorded %d duplicate tool ids (limit %d)", len(e.Warnings), e.Limit)
}

// Options configures a Registry.
type Options struct {
	// DuplicateWarnLimit bounds tolerated duplicate-id collisions per
	// build. Zero means 8.
	DuplicateWarnLimit int
	Logger             *slog.Logger
}

// Registry owns the published snapshot pointer. Reads are a single atomic
// load; Refresh builds a complete new snapshot off to the side and swaps it
// in, so readers never observe a partial tool set.
type Registry struct {
	source    Source
	warnLimit int
	logger    *slog.Logger

	buildMu sync.Mutex
	version atomic.Uint64
	current atomic.Pointer[Snapshot]
}

func New(source Source, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DuplicateWarnLimit <= 0 {
		opts.DuplicateWarnLimit = 8
	}
	r := &Registry{
		source:    source,
		warnLimit: opts.DuplicateWarnLimit,
		logger:    opts.Logger,
	}
	r.current.Store(&Snapshot{tools: map[string]models.Tool{}})
	return r
}

// Snapshot returns the currently published snapshot. The caller may hold it
// for the lifetime of a request; later refreshes do not affect it.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Refresh builds a new snapshot from the source and publishes it. On error
// the previous snapshot stays published.
func (r *Registry) Refresh(ctx context.Context) (*Snapshot, error) {
	r.buildMu.Lock()
	defer r.buildMu.Unlock()

	descs, err := r.source.Descriptors(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry source failed: %w", err)
	}

	snap := &Snapshot{
		version: r.version.Add(1),
		builtAt: time.Now(),
		tools:   make(map[string]models.Tool, len(descs)),
	}
	for _, d := range descs {
		tool, err := toolFromDescriptor(d)
		if err != nil {
			return nil, fmt.Errorf("descriptor %s: %w", d.ID, err)
		}
		if _, exists := snap.tools[tool.ID]; exists {
			// First registration wins; the newer descriptor is rejected.
			w := Warning{ToolID: tool.ID, Detail: "duplicate tool id, newer descriptor rejected"}
			snap.warnings = append(snap.warnings, w)
			r.logger.Warn("duplicate tool id rejected", "tool_id", tool.ID)
			continue
		}
		snap.tools[tool.ID] = tool
		snap.order = append(snap.order, tool.ID)
	}

	if len(snap.warnings) > r.warnLimit {
		return nil, &ErrTooManyDuplicates{Limit: r.warnLimit, Warnings: snap.warnings}
	}

	r.current.Store(snap)
	r.logger.Info("registry snapshot published",
		"version", snap.version,
		"tools", len(snap.order),
		"warnings", len(snap.warnings),
	)
	return snap, nil
}

// taskParamSchema is the parameter schema every agent-backed tool exposes:
// one required task string plus optional structured hints.
type taskParamSchema struct {
	Type       string                `json:"type"`
	Properties map[string]schemaProp `json:"properties"`
	Required   []string              `json:"required"`
}

type schemaProp struct {
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Items       *schemaProp `json:"items,omitempty"`
}

func toolFromDescriptor(d models.AgentDescriptor) (models.Tool, error) {
	if d.ID == "" {
		return models.Tool{}, fmt.Errorf("descriptor has empty id")
	}
	schema := taskParamSchema{
		Type: "object",
		Properties: map[string]schemaProp{
			"task": {
				Type:        "string",
				Description: "The task to delegate to this agent, stated completely and self-contained.",
			},
			"context": {
				Type:        "string",
				Description: "Optional background the agent needs beyond the task statement.",
			},
			"constraints": {
				Type:        "array",
				Description: "Optional hard requirements the result must satisfy.",
				Items:       &schemaProp{Type: "string"},
			},
		},
		Required: []string{"task"},
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return models.Tool{}, err
	}
	return models.Tool{
		ID:          d.ID,
		DisplayName: d.DisplayName,
		Description: d.Description,
		ParamSchema: raw,
	}, nil
}
