package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/harun/loom/pkg/agent"
	"github.com/harun/loom/pkg/hooks"
	"github.com/harun/loom/pkg/toolregistry"
)

// Backend names accepted in sessions.backend.
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// Config represents the main loom configuration
type Config struct {
	// Data directory; relative session, log, and audit paths live under it.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace bounds the filesystem tools.
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	Agent    agent.AgentConfig `json:"agent" mapstructure:"agent"`
	AI       AIConfig          `json:"ai" mapstructure:"ai"`
	Sessions SessionsConfig    `json:"sessions" mapstructure:"sessions"`
	Tools    ToolsConfig       `json:"tools" mapstructure:"tools"`
	Logging  LoggingConfig     `json:"logging" mapstructure:"logging"`
	Metrics  MetricsConfig     `json:"metrics" mapstructure:"metrics"`
	Tracing  TracingConfig     `json:"tracing" mapstructure:"tracing"`
	Hooks    HooksConfig       `json:"hooks" mapstructure:"hooks"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Model    string `json:"model,omitempty" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// SessionsConfig selects and tunes the session store.
type SessionsConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // jsonl, sqlite
	// Dir holds JSONL logs; SQLitePath the database file.
	Dir        string `json:"dir" mapstructure:"dir"`
	SQLitePath string `json:"sqlite_path" mapstructure:"sqlite_path"`
	// RetentionDays deletes sessions idle longer than this; 0 disables cleanup.
	RetentionDays   int    `json:"retention_days" mapstructure:"retention_days"`
	CleanupSchedule string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
}

// ToolsConfig holds tool configuration
type ToolsConfig struct {
	Policy         toolregistry.Policy `json:"policy" mapstructure:"policy"`
	TimeoutSeconds int                 `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxOutputBytes int                 `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	// RedactPatterns are extra regular expressions scrubbed from log output.
	RedactPatterns []string `json:"redact_patterns" mapstructure:"redact_patterns"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// HooksConfig lists shell scripts run on session lifecycle events.
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Hooks   []hooks.Hook `json:"hooks" mapstructure:"hooks"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: agent.DefaultConfig(),
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Sessions: SessionsConfig{
			Backend:         BackendJSONL,
			RetentionDays:   30,
			CleanupSchedule: "0 3 * * *",
		},
		Tools: ToolsConfig{
			Policy: toolregistry.Policy{
				Allow: []string{"*"},
				Deny:  []string{},
			},
			TimeoutSeconds: 60,
			MaxOutputBytes: 64 * 1024,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Pretty:    true,
		},
		Tracing: TracingConfig{
			ServiceName: "loom",
		},
	}
}

// ApplyPaths fills empty paths from DataDir.
func (c *Config) ApplyPaths() {
	if c.DataDir == "" {
		return
	}
	if c.Sessions.Dir == "" {
		c.Sessions.Dir = filepath.Join(c.DataDir, "sessions")
	}
	if c.Sessions.SQLitePath == "" {
		c.Sessions.SQLitePath = filepath.Join(c.DataDir, "sessions.db")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "loom.log")
	}
	if c.Logging.AuditFile == "" {
		c.Logging.AuditFile = filepath.Join(c.DataDir, "audit.log")
	}
	if c.WorkspacePath == "" {
		c.WorkspacePath = filepath.Join(c.DataDir, "workspace")
	}
}

// Retention returns the session retention window, zero when disabled.
func (c *Config) Retention() time.Duration {
	if c.Sessions.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.Sessions.RetentionDays) * 24 * time.Hour
}

// ToolTimeout returns the per-call tool timeout.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tools.TimeoutSeconds) * time.Second
}

// AuthProfiles converts configured profiles for agent.NewFailoverModel.
func (c *Config) AuthProfiles() []agent.AuthProfile {
	out := make([]agent.AuthProfile, 0, len(c.AI.Profiles))
	for _, p := range c.AI.Profiles {
		out = append(out, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Model:    p.Model,
			Priority: p.Priority,
		})
	}
	return out
}

// Secrets returns configured credentials for log redaction.
func (c *Config) Secrets() []string {
	var out []string
	for _, p := range c.AI.Profiles {
		if p.APIKey != "" {
			out = append(out, p.APIKey)
		}
	}
	return out
}

// String returns a JSON representation of the config with keys masked.
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.AI.Profiles[i] = p
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks structural validity. Credentials are checked separately
// by ValidateCredentials so offline commands work without them.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("AI profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if !isSupportedProvider(profile.Provider) {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai, gemini)", profile.ID, profile.Provider)
		}
	}

	switch c.Sessions.Backend {
	case "", BackendJSONL, BackendSQLite:
	default:
		return fmt.Errorf("invalid session backend %s (must be: jsonl, sqlite)", c.Sessions.Backend)
	}
	if c.Sessions.RetentionDays < 0 {
		return fmt.Errorf("sessions.retention_days must be >= 0")
	}

	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent.max_iterations must be >= 0")
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent.max_retries must be >= 0")
	}
	if c.Hooks.Enabled {
		if _, err := hooks.NewManager(hooks.Config{Enabled: true, Hooks: c.Hooks.Hooks}); err != nil {
			return fmt.Errorf("invalid hooks: %w", err)
		}
	}
	return nil
}

// ValidateCredentials requires at least one usable AI profile.
func (c *Config) ValidateCredentials() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}
	for _, profile := range c.AI.Profiles {
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
	}
	return nil
}

func isSupportedProvider(name string) bool {
	for _, p := range agent.SupportedProviders() {
		if p == name {
			return true
		}
	}
	return false
}
