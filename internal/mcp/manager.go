package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ToolNameSeparator joins an extension name and a tool name in the
// model-visible tool list. The manager strips it again before dispatch.
const ToolNameSeparator = "__"

// MoimProvider is implemented by extensions that can contribute a short
// status line to the system prompt (message-of-interest moment, e.g. a
// background-task summary).
type MoimProvider interface {
	GetMoim(ctx context.Context, sessionID string) string
}

// extensionEntry is one registered extension plus its live connection.
type extensionEntry struct {
	config ExtensionConfig
	client UpstreamClient // nil for builtin/frontend extensions
	proxy  *Proxy         // builtin extensions route here instead
	moim   MoimProvider
}

// Manager owns the set of tool-providing extensions: it connects them per
// their ExtensionConfig, exposes their tools to the model under
// <extension>__<tool> names, strips the prefix on dispatch, and multiplexes
// their server notifications into one channel. Builtin tools registered on
// the builtin proxy keep their bare names; only external extensions are
// prefixed.
type Manager struct {
	mu         sync.RWMutex
	extensions map[string]*extensionEntry
	builtin    *Proxy

	pendingMu       sync.Mutex
	pendingFrontend map[string]chan *ToolResult

	notifications chan ServerNotification

	// OnStateChanged, if set, is invoked after AddExtension/RemoveExtension
	// succeed so the reply loop can rebuild its tool list and system prompt.
	OnStateChanged func()
}

// NewManager builds a Manager whose builtin tools live on proxy (may be
// nil when the host registers no builtins).
func NewManager(builtin *Proxy) *Manager {
	return &Manager{
		extensions:      map[string]*extensionEntry{},
		builtin:         builtin,
		pendingFrontend: map[string]chan *ToolResult{},
		notifications:   make(chan ServerNotification, 64),
	}
}

// Notifications returns the merged notification stream from every connected
// extension.
func (m *Manager) Notifications() <-chan ServerNotification { return m.notifications }

// AddExtension validates cfg, establishes the transport, and registers the
// extension. For stdio it spawns the subprocess; for streamable_http it
// dials the endpoint; sse configs are rejected by Validate.
func (m *Manager) AddExtension(ctx context.Context, cfg ExtensionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.extensions[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("extension %s: already registered", cfg.Name)
	}
	m.mu.Unlock()

	entry := &extensionEntry{config: cfg}

	switch cfg.Type {
	case ExtensionStdio:
		client, err := NewStdioClient(cfg.Cmd, cfg.Args, cfg.Envs)
		if err != nil {
			return fmt.Errorf("extension %s: %w", cfg.Name, err)
		}
		ictx, cancel := context.WithTimeout(ctx, cfg.Timeout())
		_, err = client.Initialize(ictx, map[string]interface{}{"name": "symb", "version": "0.1.0"})
		cancel()
		if err != nil {
			client.Close() //nolint:errcheck
			return fmt.Errorf("extension %s: initialize: %w", cfg.Name, err)
		}
		entry.client = client
		go m.forwardNotifications(cfg.Name, client.Notifications())

	case ExtensionStreamableHTTP:
		client := NewClient(cfg.URI, WithHeaders(cfg.Headers), WithTimeout(cfg.Timeout()))
		ictx, cancel := context.WithTimeout(ctx, cfg.Timeout())
		_, err := client.Initialize(ictx, map[string]interface{}{"name": "symb", "version": "0.1.0"})
		cancel()
		if err != nil {
			return fmt.Errorf("extension %s: initialize: %w", cfg.Name, err)
		}
		entry.client = client

	case ExtensionBuiltin, ExtensionPlatform, ExtensionFrontend:
		// No transport: builtin/platform tools live on m.builtin, frontend
		// tools are satisfied by the surrounding client.
	}

	if mp, ok := entry.client.(MoimProvider); ok {
		entry.moim = mp
	}

	m.mu.Lock()
	m.extensions[cfg.Name] = entry
	m.mu.Unlock()

	if m.OnStateChanged != nil {
		m.OnStateChanged()
	}
	return nil
}

// RegisterUpstream registers an already-connected client under name, used
// by tests and by hosts that manage their own transports.
func (m *Manager) RegisterUpstream(cfg ExtensionConfig, client UpstreamClient) {
	entry := &extensionEntry{config: cfg, client: client}
	if mp, ok := client.(MoimProvider); ok {
		entry.moim = mp
	}
	m.mu.Lock()
	m.extensions[cfg.Name] = entry
	m.mu.Unlock()
}

// RemoveExtension disconnects and deregisters an extension.
func (m *Manager) RemoveExtension(name string) error {
	m.mu.Lock()
	entry, ok := m.extensions[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("extension %s: not registered", name)
	}
	delete(m.extensions, name)
	m.mu.Unlock()

	if closer, ok := entry.client.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Str("extension", name).Msg("extension close failed")
		}
	}
	if m.OnStateChanged != nil {
		m.OnStateChanged()
	}
	return nil
}

// ExtensionNames lists registered extensions in stable order.
func (m *Manager) ExtensionNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.extensions))
	for name := range m.extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) forwardNotifications(extension string, ch <-chan ServerNotification) {
	for n := range ch {
		select {
		case m.notifications <- n:
		default:
			log.Warn().Str("extension", extension).Str("method", n.Method).Msg("notification buffer full, dropping")
		}
	}
}

// ListTools returns the model-visible tool list: builtin tools under their
// bare names, every external extension's tools prefixed
// <extension>__<tool>, filtered by the config's AvailableTools allowlist. A
// failing extension is logged and skipped so one dead server never hides
// the rest (ExtensionLoadFailed semantics).
func (m *Manager) ListTools(ctx context.Context) ([]Tool, error) {
	var out []Tool

	if m.builtin != nil {
		tools, err := m.builtin.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, tools...)
	}

	m.mu.RLock()
	entries := make([]*extensionEntry, 0, len(m.extensions))
	for _, e := range m.extensions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].config.Name < entries[j].config.Name })

	for _, e := range entries {
		var tools []Tool
		switch {
		case e.config.Type == ExtensionFrontend:
			tools = e.config.FrontendTools
		case e.client != nil:
			tctx, cancel := context.WithTimeout(ctx, e.config.Timeout())
			var err error
			tools, err = e.client.ListTools(tctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("extension", e.config.Name).Msg("extension list_tools failed, skipping")
				continue
			}
		default:
			continue
		}

		for _, t := range tools {
			if !toolAllowed(e.config.AvailableTools, t.Name) {
				continue
			}
			t.Name = e.config.Name + ToolNameSeparator + t.Name
			out = append(out, t)
		}
	}
	return out, nil
}

func toolAllowed(allowlist []string, name string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, a := range allowlist {
		if a == name {
			return true
		}
	}
	return false
}

// CallTool dispatches a model-visible tool name: a prefixed name is routed
// to its extension with the prefix stripped; anything else goes to the
// builtin proxy. Frontend tools are not executed here: CallTool has no
// tool-call id to park them under, so a frontend tool called through it gets
// an error result; CallToolWithID parks the call on a placeholder the host
// must satisfy via HandleToolResult, keyed by the model's tool-call id
// (never synthesized).
func (m *Manager) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolResult, error) {
	return m.CallToolWithID(ctx, "", name, arguments)
}

// CallToolWithID is CallTool with the model's tool-call id attached so a
// frontend tool's placeholder can be correlated by the host.
func (m *Manager) CallToolWithID(ctx context.Context, requestID, name string, arguments json.RawMessage) (*ToolResult, error) {
	extName, toolName, prefixed := strings.Cut(name, ToolNameSeparator)
	if prefixed {
		m.mu.RLock()
		entry, ok := m.extensions[extName]
		m.mu.RUnlock()
		if ok {
			return m.callExtension(ctx, entry, requestID, toolName, arguments)
		}
		// Not a known extension prefix (e.g. a builtin whose own name
		// contains the separator, like platform__manage_schedule): fall
		// through to the builtin proxy.
	}

	if m.builtin != nil {
		return m.builtin.CallTool(ctx, name, arguments)
	}
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("tool not found: %s", name)}},
		IsError: true,
	}, nil
}

func (m *Manager) callExtension(ctx context.Context, entry *extensionEntry, requestID, toolName string, arguments json.RawMessage) (*ToolResult, error) {
	if entry.config.Type == ExtensionFrontend {
		return m.awaitFrontendResult(ctx, requestID)
	}
	if entry.client == nil {
		return &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("extension %s has no transport", entry.config.Name)}},
			IsError: true,
		}, nil
	}

	var args interface{}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, fmt.Errorf("unmarshal arguments: %w", err)
		}
	}

	tctx, cancel := context.WithTimeout(ctx, entry.config.Timeout())
	defer cancel()
	return entry.client.CallTool(tctx, toolName, args)
}

// awaitFrontendResult parks until the host supplies the tool's result via
// HandleToolResult, or ctx is cancelled.
func (m *Manager) awaitFrontendResult(ctx context.Context, requestID string) (*ToolResult, error) {
	if requestID == "" {
		return &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: "frontend tool call has no request id"}},
			IsError: true,
		}, nil
	}

	ch := make(chan *ToolResult, 1)
	m.pendingMu.Lock()
	m.pendingFrontend[requestID] = ch
	m.pendingMu.Unlock()

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		m.pendingMu.Lock()
		delete(m.pendingFrontend, requestID)
		m.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// HandleToolResult is the host callback that satisfies a frontend tool's
// placeholder. Unknown ids are logged and ignored (the call likely already
// cancelled).
func (m *Manager) HandleToolResult(requestID string, result *ToolResult) {
	m.pendingMu.Lock()
	ch, ok := m.pendingFrontend[requestID]
	delete(m.pendingFrontend, requestID)
	m.pendingMu.Unlock()
	if !ok {
		log.Warn().Str("request_id", requestID).Msg("frontend result for unknown or expired request")
		return
	}
	ch <- result
}

// Moims collects each extension's status line for the system prompt,
// keeping only non-empty contributions, prefixed by extension name.
func (m *Manager) Moims(ctx context.Context, sessionID string) []string {
	m.mu.RLock()
	entries := make([]*extensionEntry, 0, len(m.extensions))
	for _, e := range m.extensions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].config.Name < entries[j].config.Name })

	var out []string
	for _, e := range entries {
		if e.moim == nil {
			continue
		}
		if s := e.moim.GetMoim(ctx, sessionID); s != "" {
			out = append(out, e.config.Name+": "+s)
		}
	}
	return out
}

// FrontendInstructions concatenates every frontend extension's instruction
// block for inclusion in the system prompt.
func (m *Manager) FrontendInstructions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, e := range m.extensions {
		if e.config.Type == ExtensionFrontend && e.config.FrontendInstructions != "" {
			out = append(out, e.config.FrontendInstructions)
		}
	}
	sort.Strings(out)
	return out
}

// IsFrontendTool reports whether a model-visible tool name routes to a
// frontend extension (the reply loop emits a placeholder for these rather
// than executing them server-side).
func (m *Manager) IsFrontendTool(name string) bool {
	extName, _, ok := strings.Cut(name, ToolNameSeparator)
	if !ok {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.extensions[extName]
	return ok && e.config.Type == ExtensionFrontend
}

// Close disconnects every extension and the builtin proxy.
func (m *Manager) Close() error {
	m.mu.Lock()
	entries := m.extensions
	m.extensions = map[string]*extensionEntry{}
	m.mu.Unlock()

	for name, e := range entries {
		if closer, ok := e.client.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				log.Warn().Err(err).Str("extension", name).Msg("extension close failed")
			}
		}
	}
	if m.builtin != nil {
		return m.builtin.Close()
	}
	return nil
}
