package mcp

import (
	"fmt"
	"time"
)

// ExtensionType tags one variant of ExtensionConfig's union.
type ExtensionType string

const (
	ExtensionStdio          ExtensionType = "stdio"
	ExtensionStreamableHTTP ExtensionType = "streamable_http"
	ExtensionSse            ExtensionType = "sse" // legacy, rejected at connect
	ExtensionBuiltin        ExtensionType = "builtin"
	ExtensionPlatform       ExtensionType = "platform"
	ExtensionFrontend       ExtensionType = "frontend"
)

// ExtensionConfig describes one tool-providing extension. Exactly the fields
// relevant to Type are populated; the rest are left zero, the same
// single-struct union shape conversation.ContentPart uses.
type ExtensionConfig struct {
	Type        ExtensionType `toml:"type" json:"type"`
	Name        string        `toml:"name" json:"name"`
	Description string        `toml:"description" json:"description,omitempty"`

	// Stdio
	Cmd     string            `toml:"cmd" json:"cmd,omitempty"`
	Args    []string          `toml:"args" json:"args,omitempty"`
	Envs    map[string]string `toml:"envs" json:"envs,omitempty"`
	EnvKeys []string          `toml:"env_keys" json:"env_keys,omitempty"`

	// StreamableHttp / Sse
	URI     string            `toml:"uri" json:"uri,omitempty"`
	Headers map[string]string `toml:"headers" json:"headers,omitempty"`

	// Frontend: tool definitions the surrounding client executes itself.
	FrontendTools        []Tool `toml:"-" json:"frontend_tools,omitempty"`
	FrontendInstructions string `toml:"instructions" json:"instructions,omitempty"`

	// TimeoutSeconds bounds every ListTools/CallTool against this extension.
	// Zero means DefaultExtensionTimeout.
	TimeoutSeconds int `toml:"timeout" json:"timeout,omitempty"`

	// AvailableTools, when non-empty, restricts the tools exposed to the
	// model to this allowlist.
	AvailableTools []string `toml:"available_tools" json:"available_tools,omitempty"`

	// Bundled marks extensions shipped with the runtime rather than
	// user-configured ones.
	Bundled bool `toml:"bundled" json:"bundled,omitempty"`
}

// DefaultExtensionTimeout bounds extension calls when the config does not
// set one.
const DefaultExtensionTimeout = 60 * time.Second

// Timeout returns the configured per-extension timeout or the default.
func (c ExtensionConfig) Timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultExtensionTimeout
}

// Validate checks the fields the extension's transport needs. Sse configs
// are rejected outright: the legacy transport is recognized so old configs
// produce a useful error instead of a connection failure.
func (c ExtensionConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("extension config: name is required")
	}
	switch c.Type {
	case ExtensionStdio:
		if c.Cmd == "" {
			return fmt.Errorf("extension %s: stdio requires cmd", c.Name)
		}
	case ExtensionStreamableHTTP:
		if c.URI == "" {
			return fmt.Errorf("extension %s: streamable_http requires uri", c.Name)
		}
	case ExtensionSse:
		return fmt.Errorf("extension %s: sse transport is no longer supported, use streamable_http", c.Name)
	case ExtensionBuiltin, ExtensionPlatform:
		// name is enough
	case ExtensionFrontend:
		if len(c.FrontendTools) == 0 {
			return fmt.Errorf("extension %s: frontend extension declares no tools", c.Name)
		}
	default:
		return fmt.Errorf("extension %s: unknown type %q", c.Name, c.Type)
	}
	return nil
}
