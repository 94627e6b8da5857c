package registry

import (
	"time"

	"github.com/switchboard-ai/switchboard/pkg/models"
)

// Snapshot is an immutable view of the tool set. Once published it is never
// mutated, so any number of in-flight requests can read it without locks
// while newer snapshots are built and swapped in.
type Snapshot struct {
	version  uint64
	builtAt  time.Time
	tools    map[string]models.Tool
	order    []string
	warnings []Warning
}

// Warning records a descriptor rejected during a build, typically a
// duplicate tool id.
type Warning struct {
	ToolID string
	Detail string
}

// Get returns the tool with the given id.
func (s *Snapshot) Get(id string) (models.Tool, bool) {
	t, ok := s.tools[id]
	return t, ok
}

// Tools returns all tools in registration order. The returned slice is
// freshly allocated; callers may not reach the snapshot's internals.
func (s *Snapshot) Tools() []models.Tool {
	out := make([]models.Tool, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tools[id])
	}
	return out
}

func (s *Snapshot) Len() int { return len(s.order) }

// Version increases monotonically with each build.
func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Warnings returns build warnings recorded for this snapshot.
func (s *Snapshot) Warnings() []Warning {
	out := make([]Warning, len(s.warnings))
	copy(out, s.warnings)
	return out
}
