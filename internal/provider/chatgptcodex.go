package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/agenterr"
)

// TokenCache is the on-disk OAuth token cache for the ChatGPT-Codex backend,
// persisted at <dataDir>/chatgpt_codex/tokens.json.
type TokenCache struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IDToken      string    `json:"id_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccountID    string    `json:"account_id,omitempty"`
}

// LoadTokenCache reads the token cache from configDir/chatgpt_codex/tokens.json.
func LoadTokenCache(configDir string) (*TokenCache, error) {
	path := filepath.Join(configDir, "chatgpt_codex", "tokens.json")
	data, err := os.ReadFile(path) //nolint:gosec
	if os.IsNotExist(err) {
		return &TokenCache{}, nil
	}
	if err != nil {
		return nil, err
	}
	var tc TokenCache
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("decode token cache: %w", err)
	}
	return &tc, nil
}

// Save persists the token cache.
func (tc *TokenCache) Save(configDir string) error {
	dir := filepath.Join(configDir, "chatgpt_codex")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "tokens.json"), data, 0600)
}

// NeedsRefresh reports whether the access token will expire within the next
// 60 seconds, so a refresh happens before a request can go out with a token
// about to lapse.
func (tc *TokenCache) NeedsRefresh() bool {
	return tc.AccessToken == "" || time.Until(tc.ExpiresAt) < 60*time.Second
}

// accountIDFromIDToken extracts the chatgpt_account_id claim from an
// id_token. The token's signature is not verified: the claim is decoded
// and used as-is, and when jwksReachable is false a warning that the claim
// is unverified is logged.
func accountIDFromIDToken(idToken string, jwksReachable bool) (string, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed id_token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode id_token payload: %w", err)
	}
	var claims struct {
		ChatGPTAccountID string `json:"chatgpt_account_id"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("decode id_token claims: %w", err)
	}
	if !jwksReachable {
		log.Warn().Msg("chatgpt-codex: JWKS unreachable, using unverified id_token claims")
	}
	return claims.ChatGPTAccountID, nil
}

// ChatGPTCodex adapts the OAuth-to-OpenAI-hosted Responses API backend. The
// device-code browser round trip happens out of process; this adapter
// consumes an already-populated TokenCache and keeps it refreshed.
type ChatGPTCodex struct {
	name       string
	endpoint   string
	configDir  string
	model      string
	httpClient *http.Client

	mu     sync.Mutex
	tokens *TokenCache
}

// NewChatGPTCodex builds the adapter, loading any cached tokens from
// configDir.
func NewChatGPTCodex(name, endpoint, configDir, model string) (*ChatGPTCodex, error) {
	tokens, err := LoadTokenCache(configDir)
	if err != nil {
		return nil, err
	}
	if endpoint == "" {
		endpoint = "https://chatgpt.com/backend-api/codex"
	}
	return &ChatGPTCodex{
		name:       name,
		endpoint:   endpoint,
		configDir:  configDir,
		model:      model,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		tokens:     tokens,
	}, nil
}

func (c *ChatGPTCodex) Name() string { return c.name }

func (c *ChatGPTCodex) Close() error { return nil }

func (c *ChatGPTCodex) ListModels(ctx context.Context) ([]Model, error) { return nil, nil }

// refreshIfNeeded proactively refreshes the access token 60s before expiry.
// The actual token endpoint call is a simple POST; errors are returned as
// plain errors, which ChatStream prefixes with "chatgpt-codex authentication".
func (c *ChatGPTCodex) refreshIfNeeded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tokens.NeedsRefresh() {
		return nil
	}
	if c.tokens.RefreshToken == "" {
		return fmt.Errorf("chatgpt-codex: no refresh token cached, re-authentication required")
	}

	form := strings.NewReader(fmt.Sprintf("grant_type=refresh_token&refresh_token=%s", c.tokens.RefreshToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/oauth/token", form)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chatgpt-codex: token refresh request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chatgpt-codex: token refresh failed with status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("chatgpt-codex: decode token response: %w", err)
	}

	c.tokens.AccessToken = body.AccessToken
	if body.RefreshToken != "" {
		c.tokens.RefreshToken = body.RefreshToken
	}
	c.tokens.IDToken = body.IDToken
	c.tokens.ExpiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	if body.IDToken != "" {
		if acct, err := accountIDFromIDToken(body.IDToken, false); err == nil {
			c.tokens.AccountID = acct
		}
	}

	return c.tokens.Save(c.configDir)
}

// ChatStream issues a Responses-API-format streaming request, reusing the
// same request/response shapes and SSE dispatcher as the Codex CLI's hosted
// sibling backend (openai_common.go) since both speak the Responses API.
func (c *ChatGPTCodex) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	if err := c.refreshIfNeeded(ctx); err != nil {
		return nil, fmt.Errorf("chatgpt-codex authentication: %w", err)
	}

	reqBody := responsesRequest{
		Model:  c.model,
		Input:  toResponsesInput(messages),
		Tools:  toResponsesTools(tools),
		Stream: true,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/responses", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	c.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+c.tokens.AccessToken)
	if c.tokens.AccountID != "" {
		req.Header.Set("ChatGPT-Account-Id", c.tokens.AccountID)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatgpt-codex request failed: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, agenterr.Authentication("chatgpt-codex: authentication rejected")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, classifyStreamError(resp.StatusCode, string(data), resp.Header.Get("Retry-After"))
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		parseResponsesSSEStream(ctx, resp.Body, events)
	}()
	return events, nil
}
