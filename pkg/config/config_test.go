package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "colloquy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 8080 {
		t.Errorf("bind = %s:%d, want default 0.0.0.0:8080", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Engine.MaxTurns != 50 {
		t.Errorf("engine max turns = %d, want default 50", cfg.Engine.MaxTurns)
	}
}

func TestLoadExpandsEnvAndOverrides(t *testing.T) {
	t.Setenv("TEST_COLLOQUY_KEY", "sk-secret")
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9000
storage:
  rooms_dir: /tmp/rooms
platforms:
  main:
    provider: OpenAI
    api_key: ${TEST_COLLOQUY_KEY}
    model: gpt-4o
engine:
  max_turns: 12
  stop_threshold: 0.9
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if got := cfg.Platforms["main"].APIKey; got != "sk-secret" {
		t.Errorf("api key = %q, env not expanded", got)
	}
	if got := cfg.Platforms["main"].Provider; got != "openai" {
		t.Errorf("provider = %q, want normalized openai", got)
	}
	if cfg.Engine.MaxTurns != 12 || cfg.Engine.StopThreshold != 0.9 {
		t.Errorf("engine overrides not applied: %+v", cfg.Engine)
	}
	// Unset engine fields keep their defaults.
	if cfg.Engine.ThinkTimeout != 30*time.Second {
		t.Errorf("think timeout = %v, want default", cfg.Engine.ThinkTimeout)
	}
}

func TestEnvBindOverrides(t *testing.T) {
	t.Setenv("BIND_HOST", "10.0.0.5")
	t.Setenv("BIND_PORT", "7777")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "10.0.0.5" || cfg.Server.Port != 7777 {
		t.Errorf("bind overrides not applied: %+v", cfg.Server)
	}
}

func TestLoadRejectsPlatformWithoutProvider(t *testing.T) {
	path := writeConfig(t, `
platforms:
  broken:
    model: gpt-4o
`)
	if _, err := Load(path); err == nil {
		t.Fatal("platform without provider should be rejected")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "colloquy.yaml")
	cfg := Default()
	cfg.Server.Port = 9999
	cfg.Platforms["local"] = PlatformConfig{Provider: "openai", BaseURL: "http://localhost:11434/v1", Model: "llama3"}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", loaded.Server.Port)
	}
	if got := loaded.Platforms["local"]; got.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("platform = %+v", got)
	}
}
