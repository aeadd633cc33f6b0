package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials holds per-provider API keys, persisted as credentials.json
// (0600) under the data directory. OAuth-backed providers keep their token
// caches in their own state directories (e.g. <dataDir>/chatgpt_codex/tokens.json), not here —
// this file is only ever plain API keys.
type Credentials struct {
	Providers map[string]ProviderCredentials `json:"providers"`

	path string
}

// ProviderCredentials is the stored secret material for one provider.
type ProviderCredentials struct {
	APIKey string `json:"api_key"`
}

// LoadCredentials reads the credentials file under the data directory,
// returning an empty (but saveable) set when none exists yet.
func LoadCredentials() (*Credentials, error) {
	dir, err := DataDir()
	if err != nil {
		return nil, err
	}
	creds := &Credentials{
		Providers: make(map[string]ProviderCredentials),
		path:      filepath.Join(dir, "credentials.json"),
	}

	data, err := os.ReadFile(creds.path) //nolint:gosec // G304: path derived from the data dir
	if os.IsNotExist(err) {
		return creds, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

// Save writes the credentials back with 0600 permissions.
func (c *Credentials) Save() error {
	if _, err := EnsureDataDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0600)
}

// GetAPIKey returns the API key for provider, or "" when unset.
func (c *Credentials) GetAPIKey(provider string) string {
	if c == nil || c.Providers == nil {
		return ""
	}
	return c.Providers[provider].APIKey
}

// SetAPIKey records an API key for provider. Call Save to persist.
func (c *Credentials) SetAPIKey(provider, apiKey string) {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderCredentials)
	}
	c.Providers[provider] = ProviderCredentials{APIKey: apiKey}
}
