package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("HIVECHAT_RELAY_TOKEN", &c.Relay.Token)
	envStr("HIVECHAT_HOST", &c.Relay.Host)
	if v := os.Getenv("HIVECHAT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Relay.Port = port
		}
	}
	if v := os.Getenv("HIVECHAT_ALLOWED_ORIGINS"); v != "" {
		c.Relay.AllowedOrigins = strings.Split(v, ",")
	}

	envStr("HIVECHAT_GATEWAY_ID", &c.Gateway.GatewayID)
	envStr("HIVECHAT_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("HIVECHAT_RELAY_URL", &c.Gateway.RelayURL)
	envStr("HIVECHAT_STATE_DIR", &c.Gateway.StateDir)

	envStr("HIVECHAT_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("HIVECHAT_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("HIVECHAT_REDIS_ADDR", &c.Redis.Addr)
	envStr("HIVECHAT_REDIS_PASSWORD", &c.Redis.Password)

	envStr("HIVECHAT_LLM_ROUTER_URL", &c.LLMRouter.BaseURL)
	envStr("HIVECHAT_LLM_ROUTER_KEY", &c.LLMRouter.APIKey)
	envStr("HIVECHAT_LLM_ROUTER_MODEL", &c.LLMRouter.Model)

	envStr("HIVECHAT_TRACE_ENDPOINT", &c.Tracing.Endpoint)
	if v := os.Getenv("HIVECHAT_TRACE_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "true" || v == "1"
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
