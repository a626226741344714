// Package config holds the root configuration for the taskclaw daemon.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Workspace string          `json:"workspace"` // workspace directory (logs, skills, AGENTS.md)
	Store     StoreConfig     `json:"store"`
	Agents    []AgentConfig   `json:"agents"`
	Providers ProvidersConfig `json:"providers"`
	Tools     ToolsConfig     `json:"tools"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Tracing   TracingConfig   `json:"tracing,omitempty"`
}

// StoreConfig selects the log backend.
type StoreConfig struct {
	Backend string `json:"backend"` // "file" (default), "sqlite", "postgres"
	DSN     string `json:"dsn,omitempty"`
}

// AgentConfig declares one agent the runtime manager hosts.
type AgentConfig struct {
	ID            string   `json:"id"`
	DisplayName   string   `json:"display_name,omitempty"`
	Provider      string   `json:"provider"` // "anthropic" or "openai"
	Model         string   `json:"model,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
	Streaming     bool     `json:"streaming,omitempty"`
	SkillAllow    []string `json:"skill_allow,omitempty"` // nil = all, [] = none
}

// ProvidersConfig configures the LLM providers.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
	// RequestsPerSecond rate-limits all providers; 0 disables.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
}

// ProviderConfig is one provider's connection settings.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty"` // overridden by the env var when set
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ToolsConfig tunes tool dispatch.
type ToolsConfig struct {
	PolicyMode          string `json:"policy_mode,omitempty"` // "default", "strict", "trusted"
	RestrictToWorkspace *bool  `json:"restrict_to_workspace,omitempty"`
	HeartbeatSeconds    int    `json:"heartbeat_seconds,omitempty"`
	SubtaskTimeoutSecs  int    `json:"subtask_timeout_seconds,omitempty"`
}

// RestrictWorkspace defaults to true.
func (t *ToolsConfig) RestrictWorkspace() bool {
	if t.RestrictToWorkspace == nil {
		return true
	}
	return *t.RestrictToWorkspace
}

// Heartbeat returns the tool heartbeat interval.
func (t *ToolsConfig) Heartbeat() time.Duration {
	if t.HeartbeatSeconds <= 0 {
		return 4 * time.Second
	}
	return time.Duration(t.HeartbeatSeconds) * time.Second
}

// SubtaskTimeout returns the per-child subtask wait limit.
func (t *ToolsConfig) SubtaskTimeout() time.Duration {
	if t.SubtaskTimeoutSecs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(t.SubtaskTimeoutSecs) * time.Second
}

// RuntimeConfig tunes the agent runtime.
type RuntimeConfig struct {
	SnapshotEverySeconds int `json:"snapshot_every_seconds,omitempty"`
}

// SnapshotInterval returns how often the task projection snapshots.
func (r *RuntimeConfig) SnapshotInterval() time.Duration {
	if r.SnapshotEverySeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.SnapshotEverySeconds) * time.Second
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // host:port of the OTLP collector
	Protocol string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure bool   `json:"insecure,omitempty"`
}
