package controlplane

import "time"

// Status is the runtime summary served at /api/status.
type Status struct {
	Uptime         string           `json:"uptime"`
	UptimeSeconds  int64            `json:"uptime_seconds"`
	StartTime      string           `json:"start_time"`
	Version        string           `json:"version,omitempty"`
	Orchestration  bool             `json:"orchestration_enabled"`
	ActiveProvider string           `json:"active_provider"`
	Providers      []ProviderStatus `json:"providers"`
	Registry       RegistryStatus   `json:"registry"`
	SessionCount   int              `json:"session_count"`
}

// ProviderStatus describes one slot of the fallback chain.
type ProviderStatus struct {
	ID                string `json:"id"`
	Model             string `json:"model"`
	SupportsToolCalls bool   `json:"supports_tool_calls"`
	Active            bool   `json:"active"`
}

// RegistryStatus summarizes the published tool snapshot.
type RegistryStatus struct {
	Version   uint64    `json:"version"`
	ToolCount int       `json:"tool_count"`
	BuiltAt   time.Time `json:"built_at"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// RuleStatus is one policy rule as listed by /api/policy/rules.
type RuleStatus struct {
	Name        string `json:"name"`
	Priority    string `json:"priority"`
	Action      string `json:"action"`
	ToolPattern string `json:"tool_pattern"`
	ArgPattern  string `json:"arg_pattern,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
