// Package config holds the CHAPO gateway configuration: a JSON5 file with
// environment overrides for secrets.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Provider  ProviderConfig  `json:"provider"`
	Agent     AgentConfig     `json:"agent"`
	Sessions  SessionsConfig  `json:"sessions"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Actions   ActionsConfig   `json:"actions,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`

	// MCPServers adds external MCP tool servers to the registry, keyed by
	// server name.
	MCPServers map[string]MCPServerConfig `json:"mcpServers,omitempty"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	Transport  string            `json:"transport"` // stdio, sse, streamable-http
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"toolPrefix,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
	Disabled   bool              `json:"disabled,omitempty"`
}

// GatewayConfig configures the WebSocket/HTTP listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"` // env: CHAPO_GATEWAY_TOKEN
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`

	// RateLimitRPM > 0 enables the per-connection limiter at that RPM;
	// 0 or negative disables it.
	RateLimitRPM int `json:"rateLimitRpm,omitempty"`
}

// Addr returns the listen address.
func (g GatewayConfig) Addr() string { return fmt.Sprintf("%s:%d", g.Host, g.Port) }

// ProviderConfig selects the LLM backend. Any OpenAI-compatible API works.
type ProviderConfig struct {
	Name    string `json:"name"`
	APIKey  string `json:"apiKey,omitempty"` // env: CHAPO_PROVIDER_API_KEY
	APIBase string `json:"apiBase,omitempty"`
	Model   string `json:"model,omitempty"`
}

// AgentConfig tunes the decision loop.
type AgentConfig struct {
	ProjectRoot               string  `json:"projectRoot"`
	RestrictToRoot            bool    `json:"restrictToRoot"`
	MaxIterations             int     `json:"maxIterations"`
	TrivialIterations         int     `json:"trivialIterations"`
	MaxSubTurns               int     `json:"maxSubTurns"`
	CompactionThresholdTokens int     `json:"compactionThresholdTokens"`
	CompactionKeepFraction    float64 `json:"compactionKeepFraction"`
	SelfValidation            bool    `json:"selfValidation"`
	MaxRetries                int     `json:"maxRetries"`
}

// SessionsConfig controls session retention and the durable event log.
type SessionsConfig struct {
	IdleTTL      Duration `json:"idleTtl"`
	SweepCron    string   `json:"sweepCron"`
	EventLogPath string   `json:"eventLogPath,omitempty"` // sqlite file; empty disables durable replay
	SnapshotDir  string   `json:"snapshotDir,omitempty"`  // empty disables state persistence
}

// DatabaseConfig enables the Postgres delegation history when URL is set.
type DatabaseConfig struct {
	URL           string `json:"url,omitempty"` // env: CHAPO_DATABASE_URL
	MigrationsDir string `json:"migrationsDir,omitempty"`
}

// ActionsConfig points external-action tools at the collaborator service.
// An empty endpoint means dry-run: actions are acknowledged, nothing leaves
// the process.
type ActionsConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"` // host:port, no scheme
	ServiceName string `json:"serviceName,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener. The auth key comes
// from TS_AUTHKEY, never from the file.
type TailscaleConfig struct {
	Enabled  bool   `json:"enabled"`
	Hostname string `json:"hostname,omitempty"`
	StateDir string `json:"stateDir,omitempty"`
}

// Duration is a time.Duration that marshals as a string ("24h", "90m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		parsed, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return fmt.Errorf("invalid duration %s: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	// Bare numbers are nanoseconds; accept them for hand-edited files.
	var ns int64
	if _, err := fmt.Sscan(s, &ns); err != nil {
		return fmt.Errorf("invalid duration %s", s)
	}
	*d = Duration(ns)
	return nil
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8917,
		},
		Provider: ProviderConfig{
			Name:    "openai",
			APIBase: "https://api.openai.com/v1",
			Model:   "gpt-4.1",
		},
		Agent: AgentConfig{
			ProjectRoot:               ".",
			RestrictToRoot:            true,
			MaxIterations:             20,
			TrivialIterations:         8,
			MaxSubTurns:               10,
			CompactionThresholdTokens: 160_000,
			CompactionKeepFraction:    0.4,
			SelfValidation:            true,
			MaxRetries:                3,
		},
		Sessions: SessionsConfig{
			IdleTTL:   Duration(24 * time.Hour),
			SweepCron: "0 * * * *",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "chapo-gateway",
		},
	}
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent.maxIterations must not be negative")
	}
	if c.Agent.CompactionKeepFraction < 0 || c.Agent.CompactionKeepFraction > 1 {
		return fmt.Errorf("agent.compactionKeepFraction must be within [0,1]")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint required when telemetry is enabled")
	}
	return nil
}
