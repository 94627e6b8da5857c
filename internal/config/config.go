package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Switchboard. A parse or
// validation failure at startup is fatal; callers must not fall back to a
// partially-decoded config.
type Config struct {
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Fallback      FallbackConfig      `yaml:"fallback"`
	Policy        PolicyConfig        `yaml:"policy"`
	Registry      RegistryConfig      `yaml:"registry"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Server        ServerConfig        `yaml:"server"`
}

type ServerConfig struct {
	// Addr is the control plane listen address.
	Addr string `yaml:"addr"`
}

type OrchestrationConfig struct {
	Enabled         bool                      `yaml:"enabled"`
	DefaultProvider string                    `yaml:"default_provider"`
	SystemPrompt    string                    `yaml:"system_prompt"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	// Kind selects the adapter family: anthropic, openai or gemini.
	Kind              string  `yaml:"kind"`
	Model             string  `yaml:"model"`
	Temperature       float64 `yaml:"temperature"`
	MaxToolIterations int     `yaml:"max_tool_iterations"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	BaseURL           string  `yaml:"base_url"`
	// ToolShim wraps the adapter in the prompt-based tool protocol for
	// models without native tool-call support.
	ToolShim bool `yaml:"tool_shim"`
}

type FallbackConfig struct {
	Chain          []string      `yaml:"chain"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxParallelism int           `yaml:"max_parallelism"`
}

type PolicyConfig struct {
	// ApprovalMode is the default when no rule matches: yolo, auto_edit
	// or ask.
	ApprovalMode string       `yaml:"approval_mode"`
	Rules        []RuleConfig `yaml:"rules"`
	// PureEditTools lists tool ids AutoEdit auto-approves when no rule
	// matches. Empty means the built-in default list.
	PureEditTools []string `yaml:"pure_edit_tools"`
}

type RuleConfig struct {
	Name        string `yaml:"name"`
	Priority    string `yaml:"priority"` // admin, user or default
	Action      string `yaml:"action"`   // allow, deny or ask_user
	ToolPattern string `yaml:"tool_pattern"`
	ArgPattern  string `yaml:"arg_pattern"`
	Reason      string `yaml:"reason"`
}

type RegistryConfig struct {
	// DuplicateWarnLimit bounds how many duplicate tool-id collisions a
	// build tolerates (each recorded as a warning) before the build is
	// treated as fatal.
	DuplicateWarnLimit int           `yaml:"duplicate_warn_limit"`
	RefreshSchedule    string        `yaml:"refresh_schedule"`
	Agents             []AgentConfig `yaml:"agents"`
}

// AgentConfig declares one executable agent. The registry publishes it as a
// tool; the runner invokes its command with the call arguments on stdin.
type AgentConfig struct {
	ID           string            `yaml:"id"`
	DisplayName  string            `yaml:"display_name"`
	Description  string            `yaml:"description"`
	Capabilities []string          `yaml:"capabilities"`
	Command      string            `yaml:"command"`
	WorkDir      string            `yaml:"workdir"`
	Env          map[string]string `yaml:"env"`
	Timeout      time.Duration     `yaml:"timeout"`
}

type SessionsConfig struct {
	InactivityWindow time.Duration `yaml:"inactivity_window"`
	ConstitutionTTL  time.Duration `yaml:"constitution_ttl"`
	SweepSchedule    string        `yaml:"sweep_schedule"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // memory or sqlite
	Path   string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads, merges and validates the configuration file. Includes are
// resolved and environment variables expanded before decoding.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a single in-memory YAML document, used by tests and the
// policy dry-run command.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Fallback.MaxRetries == 0 {
		cfg.Fallback.MaxRetries = 2
	}
	if cfg.Fallback.RetryBackoff == 0 {
		cfg.Fallback.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Fallback.RequestTimeout == 0 {
		cfg.Fallback.RequestTimeout = 120 * time.Second
	}
	if cfg.Fallback.MaxParallelism == 0 {
		cfg.Fallback.MaxParallelism = 4
	}
	if cfg.Policy.ApprovalMode == "" {
		cfg.Policy.ApprovalMode = "ask"
	}
	if cfg.Registry.DuplicateWarnLimit == 0 {
		cfg.Registry.DuplicateWarnLimit = 8
	}
	if cfg.Registry.RefreshSchedule == "" {
		cfg.Registry.RefreshSchedule = "@every 5m"
	}
	if cfg.Sessions.InactivityWindow == 0 {
		cfg.Sessions.InactivityWindow = 24 * time.Hour
	}
	if cfg.Sessions.ConstitutionTTL == 0 {
		cfg.Sessions.ConstitutionTTL = time.Hour
	}
	if cfg.Sessions.SweepSchedule == "" {
		cfg.Sessions.SweepSchedule = "@every 10m"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8787"
	}
	for id, p := range cfg.Orchestration.Providers {
		if p.MaxToolIterations == 0 {
			p.MaxToolIterations = 10
		}
		cfg.Orchestration.Providers[id] = p
	}
}

var (
	validKinds      = map[string]bool{"anthropic": true, "openai": true, "gemini": true}
	validActions    = map[string]bool{"allow": true, "deny": true, "ask_user": true}
	validPriorities = map[string]bool{"admin": true, "user": true, "default": true}
	validModes      = map[string]bool{"yolo": true, "auto_edit": true, "ask": true}
)

// Validate checks cross-field consistency after defaults are applied.
func (c *Config) Validate() error {
	for id, p := range c.Orchestration.Providers {
		if !validKinds[p.Kind] {
			return fmt.Errorf("provider %s: unknown kind %q", id, p.Kind)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %s: model is required", id)
		}
	}
	if dp := c.Orchestration.DefaultProvider; dp != "" {
		if _, ok := c.Orchestration.Providers[dp]; !ok {
			return fmt.Errorf("default_provider %q is not a configured provider", dp)
		}
	}
	for _, id := range c.Fallback.Chain {
		if _, ok := c.Orchestration.Providers[id]; !ok {
			return fmt.Errorf("fallback chain references unknown provider %q", id)
		}
	}
	if !validModes[c.Policy.ApprovalMode] {
		return fmt.Errorf("unknown approval_mode %q", c.Policy.ApprovalMode)
	}
	for i, r := range c.Policy.Rules {
		if r.Name == "" {
			return fmt.Errorf("policy rule %d: name is required", i)
		}
		if !validPriorities[r.Priority] {
			return fmt.Errorf("policy rule %s: unknown priority %q", r.Name, r.Priority)
		}
		if !validActions[r.Action] {
			return fmt.Errorf("policy rule %s: unknown action %q", r.Name, r.Action)
		}
		if r.ToolPattern == "" {
			return fmt.Errorf("policy rule %s: tool_pattern is required", r.Name)
		}
	}
	for i, a := range c.Registry.Agents {
		if a.ID == "" {
			return fmt.Errorf("registry agent %d: id is required", i)
		}
		if a.Command == "" {
			return fmt.Errorf("registry agent %s: command is required", a.ID)
		}
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage driver sqlite requires a path")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}
