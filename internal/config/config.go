// Package config loads hivechat configuration from a JSON5 file with
// environment overrides. The same file drives both the relay and gateway
// processes; each reads its own section.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Relay     RelayConfig     `json:"relay"`
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	LLMRouter LLMRouterConfig `json:"llm_router"`
	Adapters  AdaptersConfig  `json:"adapters"`
	Tracing   TracingConfig   `json:"tracing"`
}

// RelayConfig configures the central relay process.
type RelayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"token"` // shared secret for auth frames
	AllowedOrigins  []string `json:"allowed_origins"`
	MaxMessageChars int      `json:"max_message_chars"`

	// Rate limiting: one fixed window per (subject, purpose).
	RateLimitMax      int `json:"rate_limit_max"`       // max hits per window, 0 = disabled
	RateLimitWindowMS int `json:"rate_limit_window_ms"` // window length

	// Pending agent-to-agent requests.
	PendingRequestMax       int `json:"pending_request_max"`
	PendingRequestTimeoutMS int `json:"pending_request_timeout_ms"`

	// Inbound payload guard.
	MaxFrameDepth int `json:"max_frame_depth"`
	MaxFrameItems int `json:"max_frame_items"`

	// Streaming message assembly.
	StreamMaxChars  int `json:"stream_max_chars"`
	StreamStaleSecs int `json:"stream_stale_secs"`
	DeletedAgentCap int `json:"deleted_agent_cap"`
}

// GatewayConfig configures a gateway host process.
type GatewayConfig struct {
	RelayURL  string `json:"relay_url"`
	GatewayID string `json:"gateway_id"`
	Token     string `json:"token"`
	StateDir  string `json:"state_dir"` // PID records, bridge socket info

	// Adapter run limits (defaults, overridable per adapter).
	IdleTimeoutSecs   int   `json:"idle_timeout_secs"`
	RunTimeoutSecs    int   `json:"run_timeout_secs"`
	MaxOutputBytes    int64 `json:"max_output_bytes"`
	MaxConcurrentRuns int   `json:"max_concurrent_runs"`

	Agents []AgentConfig `json:"agents"`
}

// AgentConfig declares one agent this gateway owns.
type AgentConfig struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Type       string   `json:"type"` // adapter type name
	WorkingDir string   `json:"working_dir"`
	Keywords   []string `json:"keywords"`
}

// DatabaseConfig selects the persistence backend. PostgresDSN takes
// precedence; SQLitePath is the standalone fallback.
type DatabaseConfig struct {
	PostgresDSN string `json:"postgres_dsn"`
	SQLitePath  string `json:"sqlite_path"`
}

// RedisConfig configures the shared counter store.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// LLMRouterConfig configures the optional LLM-assisted message router.
// Empty BaseURL disables it; routing then falls back to the heuristic.
type LLMRouterConfig struct {
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	TimeoutMS int    `json:"timeout_ms"`
}

// AdaptersConfig holds user-declared external command adapters, keyed by
// type name. Looked up when a type is not built in.
type AdaptersConfig struct {
	Custom map[string]CustomAdapter `json:"custom"`
}

// CustomAdapter declares an external agent command.
type CustomAdapter struct {
	Command      string            `json:"command"`
	Args         []string          `json:"args"`
	Env          map[string]string `json:"env"`
	PromptViaArg bool              `json:"prompt_via_arg"` // default: prompt via stdin
}

// TracingConfig configures the optional OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"` // OTLP/HTTP endpoint
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Host:                    "0.0.0.0",
			Port:                    18890,
			MaxMessageChars:         32000,
			RateLimitMax:            30,
			RateLimitWindowMS:       60000,
			PendingRequestMax:       256,
			PendingRequestTimeoutMS: 30000,
			MaxFrameDepth:           16,
			MaxFrameItems:           1024,
			StreamMaxChars:          256 * 1024,
			StreamStaleSecs:         120,
			DeletedAgentCap:         512,
		},
		Gateway: GatewayConfig{
			RelayURL:          "ws://127.0.0.1:18890/ws/gateway",
			StateDir:          "~/.hivechat",
			IdleTimeoutSecs:   120,
			RunTimeoutSecs:    600,
			MaxOutputBytes:    4 * 1024 * 1024,
			MaxConcurrentRuns: 4,
		},
		LLMRouter: LLMRouterConfig{
			Model:     "gpt-4o-mini",
			TimeoutMS: 5000,
		},
	}
}

// RateWindow returns the configured fixed-window length.
func (r RelayConfig) RateWindow() time.Duration {
	if r.RateLimitWindowMS <= 0 {
		return time.Minute
	}
	return time.Duration(r.RateLimitWindowMS) * time.Millisecond
}

// Timeout returns the router call timeout.
func (l LLMRouterConfig) Timeout() time.Duration {
	if l.TimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(l.TimeoutMS) * time.Millisecond
}

// PendingTimeout returns the nominal agent request timeout.
func (r RelayConfig) PendingTimeout() time.Duration {
	if r.PendingRequestTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.PendingRequestTimeoutMS) * time.Millisecond
}
