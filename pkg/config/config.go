// Package config loads the service's YAML configuration, expanding
// ${ENV_VAR} references in string values before parsing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/colloquy-dev/colloquy/pkg/discussion"
)

// FileConfig is the YAML structure of the service config file.
type FileConfig struct {
	// Server binds the HTTP + websocket listener.
	Server ServerConfig `yaml:"server" json:"server"`

	// Storage locates the on-disk room store.
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Platforms maps a platform name (referenced by agents) to backend
	// credentials. APIKey can be a literal or "${ENV_VAR}".
	Platforms map[string]PlatformConfig `yaml:"platforms" json:"platforms"`

	// Engine overrides the discussion engine defaults. Unset fields keep
	// their defaults.
	Engine discussion.Config `yaml:"engine" json:"engine"`
}

// ServerConfig is the listener address.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Addr returns the host:port bind address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig locates durable state.
type StorageConfig struct {
	// RoomsDir is the room store root. Default "./rooms".
	RoomsDir string `yaml:"rooms_dir" json:"rooms_dir"`
}

// PlatformConfig is one backend endpoint.
type PlatformConfig struct {
	// Provider: "openai" | "anthropic" (or any openai-compatible via BaseURL).
	Provider string `yaml:"provider" json:"provider"`

	// BaseURL overrides the default provider endpoint.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// APIKey can be a literal key or "${ENV_VAR}".
	APIKey string `yaml:"api_key" json:"api_key"`

	// Model is the default model for agents on this platform.
	Model string `yaml:"model" json:"model"`
}

// Default returns the built-in configuration.
func Default() *FileConfig {
	return &FileConfig{
		Server:    ServerConfig{Host: "0.0.0.0", Port: 8080},
		Storage:   StorageConfig{RoomsDir: "./rooms"},
		Platforms: map[string]PlatformConfig{},
		Engine:    discussion.DefaultConfig(),
	}
}

// Load reads and parses a YAML config file, expanding ${ENV_VAR} references
// before parsing, then applies environment overrides. A missing file yields
// the defaults.
func Load(path string) (*FileConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Run on defaults; the settings endpoint can create the file later.
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment set the bind address without editing
// the file: BIND_HOST and BIND_PORT win over the YAML values.
func applyEnvOverrides(cfg *FileConfig) {
	if host := os.Getenv("BIND_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("BIND_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 && p < 65536 {
			cfg.Server.Port = p
		}
	}
}

func validate(cfg *FileConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", cfg.Server.Port)
	}
	if cfg.Storage.RoomsDir == "" {
		cfg.Storage.RoomsDir = "./rooms"
	}
	for name, p := range cfg.Platforms {
		provider := strings.ToLower(strings.TrimSpace(p.Provider))
		if provider == "" {
			return fmt.Errorf("config: platform %s: provider is required", name)
		}
		p.Provider = provider
		cfg.Platforms[name] = p
	}
	return nil
}

// Save writes the config back to disk via a temp file plus rename, so a
// concurrent Load never sees a torn file. Used by the settings endpoint.
func Save(path string, cfg *FileConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename %s: %w", path, err)
	}
	return nil
}
