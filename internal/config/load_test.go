package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.Port != 18890 {
		t.Errorf("default port = %d", cfg.Relay.Port)
	}
	if cfg.Gateway.MaxConcurrentRuns != 4 {
		t.Errorf("default max_concurrent_runs = %d", cfg.Gateway.MaxConcurrentRuns)
	}
}

func TestLoadJSON5(t *testing.T) {
	// Comments and trailing commas are accepted.
	path := writeConfig(t, `{
		// relay section
		relay: {
			port: 9000,
			token: "s3cret",
		},
		gateway: {
			gateway_id: "gw-1",
			agents: [
				{id: "coder", type: "claude", keywords: ["go", "review"]},
			],
		},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.Port != 9000 || cfg.Relay.Token != "s3cret" {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	if len(cfg.Gateway.Agents) != 1 || cfg.Gateway.Agents[0].ID != "coder" {
		t.Fatalf("agents = %+v", cfg.Gateway.Agents)
	}
	if got := cfg.Gateway.Agents[0].Keywords; len(got) != 2 || got[0] != "go" {
		t.Errorf("keywords = %v", got)
	}
	// Unset fields keep their defaults.
	if cfg.Relay.MaxMessageChars != 32000 {
		t.Errorf("max_message_chars = %d", cfg.Relay.MaxMessageChars)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := writeConfig(t, `{relay: `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, `{relay: {token: "from-file", port: 9000}}`)

	t.Setenv("HIVECHAT_RELAY_TOKEN", "from-env")
	t.Setenv("HIVECHAT_PORT", "9100")
	t.Setenv("HIVECHAT_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.Token != "from-env" {
		t.Errorf("token = %q, want env value", cfg.Relay.Token)
	}
	if cfg.Relay.Port != 9100 {
		t.Errorf("port = %d, want env value", cfg.Relay.Port)
	}
	if len(cfg.Relay.AllowedOrigins) != 2 || cfg.Relay.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("allowed origins = %v", cfg.Relay.AllowedOrigins)
	}
}

func TestEnvOverrideIgnoresBadPort(t *testing.T) {
	path := writeConfig(t, `{relay: {port: 9000}}`)
	t.Setenv("HIVECHAT_PORT", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.Port != 9000 {
		t.Errorf("port = %d, want file value kept", cfg.Relay.Port)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/state"); got != filepath.Join(home, "state") {
		t.Errorf("ExpandHome(~/state) = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome(/abs/path) = %q", got)
	}
	if got := ExpandHome("relative"); got != "relative" {
		t.Errorf("ExpandHome(relative) = %q", got)
	}
}
