// Package config handles configuration loading from TOML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/xonecas/symb/internal/mcp"
)

// Config is the root configuration structure.
type Config struct {
	DefaultProvider string                    `toml:"default_provider"`
	Providers       map[string]ProviderConfig `toml:"providers"`
	MCP             MCPConfig                 `toml:"mcp"`
	Cache           CacheConfig               `toml:"cache"`
	Agent           AgentConfig               `toml:"agent"`
}

// AgentConfig holds Reply Loop tuning knobs.
type AgentConfig struct {
	// ContextLimit is the model's context window in tokens, used by the
	// compactor's pressure signal. Zero uses the model's known window from the provider
	// table (128000 for models it does not list).
	ContextLimit int `toml:"context_limit"`
	// CompactThreshold overrides the default 0.80 auto-compact threshold.
	CompactThreshold float64 `toml:"compact_threshold"`
	// MaxTurns overrides DefaultMaxTurns (1000).
	MaxTurns int `toml:"max_turns"`
	// Mode selects the permission inspector's mode: auto, chat, approve, smart_approve.
	Mode string `toml:"mode"`
}

// CacheConfig holds web cache settings.
type CacheConfig struct {
	TTLHours int `toml:"ttl_hours"`
}

// CacheTTLOrDefault returns the configured TTL or 24 hours if unset.
func (c CacheConfig) CacheTTLOrDefault() int {
	if c.TTLHours <= 0 {
		return 24
	}
	return c.TTLHours
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	// Kind selects the adapter family: "ollama" (default), "openai",
	// "anthropic", "gemini", "vllm", "claude_cli", "codex_cli", "chatgpt_codex".
	Kind        string  `toml:"kind"`
	Endpoint    string  `toml:"endpoint"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`

	// APIKeyEnv names the environment variable holding the provider's API
	// key (Anthropic, Gemini, OpenAI-compatible, vLLM). Falls back to
	// credentials.json via Credentials.GetAPIKey(name) when unset.
	APIKeyEnv string `toml:"api_key_env"`

	// Binary is the subprocess executable for CLI-backed providers
	// (claude_cli: "claude", codex_cli: "codex").
	Binary string `toml:"binary"`
	// ReasoningEffort and Skills are passed to the Codex CLI adapter.
	ReasoningEffort string   `toml:"reasoning_effort"`
	Skills          []string `toml:"skills"`
	// PermissionMode selects the Claude/Codex CLI permission-flag mapping:
	// "auto", "smart_approve", "approve", "chat".
	PermissionMode string `toml:"permission_mode"`
}

// MCPConfig holds MCP proxy and extension settings.
type MCPConfig struct {
	Upstream string `toml:"upstream"`

	// Extensions configures external tool-providing extensions
	// (stdio/streamable_http MCP servers) connected at startup.
	Extensions []mcp.ExtensionConfig `toml:"extensions"`
}

// Load reads configuration from a TOML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Providers: make(map[string]ProviderConfig),
	}

	// Config file is required
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	// File must exist
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Load from file
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider must be configured"))
	} else {
		for name, providerCfg := range c.Providers {
			errs = append(errs, validateProviderConfig(name, providerCfg)...)
		}
	}

	// Validate default provider if specified
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// cliBackedKinds never need an HTTP endpoint: they speak to a local
// subprocess (Claude Code CLI / Codex CLI) instead.
var cliBackedKinds = map[string]bool{"claude_cli": true, "codex_cli": true}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cliBackedKinds[cfg.Kind] {
		return errs
	}
	if cfg.Endpoint == "" {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint is required", name))
	} else if err := validateEndpoint(cfg.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint=%q is invalid: %v", name, cfg.Endpoint, err))
	}

	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("providers.%s.model is required", name))
	}

	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}

	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"SYMB_MCP_ENDPOINT", func(v string) {
			if v != "" {
				cfg.MCP.Upstream = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// DataDir returns the path to the Symb data directory (~/.config/symb).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "symb"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
