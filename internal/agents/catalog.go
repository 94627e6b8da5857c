// Package agents holds the configured agent catalog and the command-backed
// runner that executes agent invocations. The catalog feeds the registry;
// the runner is the orchestrator's tool executor.
package agents

import (
	"context"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

// Catalog serves the configured agents as registry descriptors.
type Catalog struct {
	agents []config.AgentConfig
}

func NewCatalog(agents []config.AgentConfig) *Catalog {
	out := make([]config.AgentConfig, len(agents))
	copy(out, agents)
	return &Catalog{agents: out}
}

func (c *Catalog) Descriptors(context.Context) ([]models.AgentDescriptor, error) {
	descs := make([]models.AgentDescriptor, 0, len(c.agents))
	for _, a := range c.agents {
		descs = append(descs, models.AgentDescriptor{
			ID:           a.ID,
			DisplayName:  a.DisplayName,
			Description:  a.Description,
			Capabilities: a.Capabilities,
		})
	}
	return descs, nil
}
