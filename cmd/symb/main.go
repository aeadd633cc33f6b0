// Command symb is a terminal client for the reply loop: it reads one line
// of user input at a time, drives internal/agent.Loop, and renders the
// resulting events to stdout. It is the minimal host the agent events in
// internal/agent/events.go assume; rich terminal rendering lives in other
// front ends.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/acpshim"
	"github.com/xonecas/symb/internal/agent"
	"github.com/xonecas/symb/internal/config"
	"github.com/xonecas/symb/internal/conversation"
	"github.com/xonecas/symb/internal/inspect"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/mcptools"
	"github.com/xonecas/symb/internal/permission"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/shell"
	"github.com/xonecas/symb/internal/store"
	"github.com/xonecas/symb/internal/treesitter"
)

// readOnlyTools seeds the permission inspector's SmartApprove split: tools
// here never require approval, everything else does.
var readOnlyTools = map[string]bool{
	"Read":      true,
	"Grep":      true,
	"GitStatus": true,
	"GitDiff":   true,
	"WebFetch":  true,
	"WebSearch": true,
}

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagSession := flag.String("session", "", "resume a session by ID")
	flagList := flag.Bool("list", false, "list sessions and exit")
	flagContinue := flag.Bool("continue", false, "continue the most recently updated session")
	flagACPLog := flag.String("acp-log", "", "write ACP tool_call/tool_call_update notifications (newline-delimited JSON) to this file")
	flag.StringVar(flagSession, "s", "", "resume a session by ID")
	flag.BoolVar(flagList, "l", false, "list sessions and exit")
	flag.BoolVar(flagContinue, "c", false, "continue the most recently updated session")
	flag.Parse()

	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		p := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(p); err == nil {
			configPath = p
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	registry := buildRegistry(cfg, creds)
	providerName, providerCfg := resolveProvider(cfg, registry)

	prov, err := registry.Create(providerName, providerCfg.Model, provider.Options{Temperature: providerCfg.Temperature})
	if err != nil {
		fmt.Printf("Error creating provider %q: %v\n", providerName, err)
		os.Exit(1)
	}
	defer prov.Close()

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Error preparing data directory: %v\n", err)
		os.Exit(1)
	}

	sessionStore, err := store.Open(filepath.Join(dataDir, "sessions", "sessions.db"))
	if err != nil {
		fmt.Printf("Error opening session store: %v\n", err)
		os.Exit(1)
	}
	defer sessionStore.Close()

	ctx := context.Background()

	if *flagList {
		listSessions(ctx, sessionStore)
		return
	}

	permStore, err := permission.Open(filepath.Join(dataDir, "permissions.json"))
	if err != nil {
		fmt.Printf("Error opening permission store: %v\n", err)
		os.Exit(1)
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Printf("Warning: failed to get working directory: %v\n", err)
		cwd = "."
	}

	sess, err := resolveSession(ctx, *flagSession, *flagContinue, sessionStore, cwd)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	// Tool execution is rooted at the session's working directory, which on
	// resume may differ from the process cwd.
	root := sess.WorkingDir
	if root == "" {
		root = cwd
	}

	// The working plan is mirrored into the session row's extension_data so
	// a resumed session picks it up where it left off.
	todo := mcptools.NewTodoList(func(content string) {
		err := sessionStore.UpdateSession(sess.ID).
			ExtensionData(map[string]any{"todo": content}).
			Apply(ctx)
		if err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("failed to persist plan to session")
		}
	})
	if prior, ok := sess.ExtensionData["todo"].(string); ok {
		todo.Seed(prior)
	}

	webCache := openWebCache(cfg)
	if webCache != nil {
		defer webCache.Close()
	}

	svc := setupServices(cfg, creds, webCache, todo, root)
	defer svc.manager.Close()

	tsIndex := treesitter.NewIndex(root)
	if err := tsIndex.Build(); err != nil {
		log.Warn().Err(err).Msg("tree-sitter index build failed")
	}

	initialTools, err := svc.manager.ListTools(ctx)
	if err != nil {
		fmt.Printf("Warning: failed to list tools: %v\n", err)
	}

	subAgentHandler := mcptools.NewSubAgentHandler(prov, svc.shell, webCache, svc.exaKey, initialTools, root)
	svc.proxy.RegisterTool(mcptools.NewSubAgentTool(), subAgentHandler.Handle)

	taskRegistry := mcptools.NewTaskRegistry()
	svc.proxy.RegisterTool(mcptools.NewDynamicTaskTool(), mcptools.MakeDynamicTaskHandler(taskRegistry))
	svc.proxy.RegisterTool(mcptools.NewExecuteTasksTool(), mcptools.MakeExecuteTasksHandler(taskRegistry, subAgentHandler))
	svc.proxy.RegisterTool(mcptools.NewRouterSearchTool(), mcptools.MakeRouterSearchHandler(svc.manager))

	mode := inspect.Mode(cfg.Agent.Mode)
	if mode == "" {
		mode = inspect.ModeSmartApprove
	}

	var acpSink acpshim.Sink
	if *flagACPLog != "" {
		f, err := os.OpenFile(*flagACPLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			fmt.Printf("Warning: failed to open ACP log %q: %v\n", *flagACPLog, err)
		} else {
			defer f.Close()
			acpSink = acpshim.NewWriterSink(f)
		}
	}

	loop := agent.New(agent.Config{
		Provider:           prov,
		Summarizer:         provider.Summarizer{Provider: prov},
		Store:              sessionStore,
		Proxy:              svc.manager,
		Permissions:        permStore,
		Mode:               mode,
		ReadOnlyTools:      readOnlyTools,
		ContextLimit:       firstNonZero(cfg.Agent.ContextLimit, provider.ContextLimit(providerCfg.Model)),
		CompactThreshold:   cfg.Agent.CompactThreshold,
		MaxTurns:           cfg.Agent.MaxTurns,
		RequireAlternation: providerCfg.Kind == "anthropic",
		ACPSink:            acpSink,
		SymbolIndex:        tsIndex,
		Notifications:      svc.manager.Notifications(),
		Moim: func(ctx context.Context) []string {
			moims := svc.manager.Moims(ctx, sess.ID)
			if m := todo.Moim(); m != "" {
				moims = append(moims, m)
			}
			return moims
		},
		OnExtensionsChanged: func(ctx context.Context) {
			if _, err := svc.manager.ListTools(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to refresh tool list after extension change")
			}
		},
	})

	fmt.Printf("Session %s (%s, %s/%s). Type a message, or 'exit' to quit.\n", sess.ID, root, providerName, providerCfg.Model)
	runREPL(ctx, loop, permStore, sess.ID)
}

// runREPL reads one line of input at a time from stdin, drives one Loop.Run
// call per line, and renders the emitted events.
func runREPL(ctx context.Context, loop *agent.Loop, permStore *permission.Store, sessionID string) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			return
		}

		events := make(chan agent.Event)
		turnCtx, cancel := context.WithCancel(ctx)
		go func() {
			if err := loop.Run(turnCtx, sessionID, text, events); err != nil {
				fmt.Printf("\n[error] %v\n", err)
			}
		}()

		for evt := range events {
			renderEvent(evt, permStore)
		}
		cancel()
	}
}

func renderEvent(evt agent.Event, permStore *permission.Store) {
	switch evt.Type {
	case agent.EventMessage:
		renderMessage(evt.Message)
	case agent.EventActionRequired:
		outcome := promptApproval(evt.ToolName)
		permStore.HandleConfirmation(evt.ToolName, evt.RequestID, outcome)
	case agent.EventHistoryReplaced:
		fmt.Println("\n[conversation compacted]")
	case agent.EventModelChange:
		fmt.Printf("\n[model changed to %s]\n", evt.Model)
	case agent.EventMcpNotification:
		fmt.Printf("\n[%s] %s\n", evt.Notification.Method, string(evt.Notification.Params))
	}
}

func renderMessage(msg conversation.Message) {
	for _, p := range msg.Content {
		switch p.Type {
		case conversation.PartText:
			if msg.Role == conversation.RoleAssistant {
				fmt.Printf("\n%s\n", p.Text)
			}
		case conversation.PartThinking:
			fmt.Printf("\n[thinking] %s\n", p.Text)
		case conversation.PartToolRequest:
			if p.Call != nil {
				fmt.Printf("\n[tool call] %s(%s)\n", p.Call.Name, string(p.Call.Arguments))
			}
		case conversation.PartToolResponse:
			if p.ResultErr != "" {
				fmt.Printf("[tool error] %s\n", p.ResultErr)
			} else if p.Result != nil {
				for _, c := range p.Result.Content {
					fmt.Printf("[tool result] %s\n", c.Text)
				}
			}
		}
	}
}

// promptApproval blocks on stdin for a one-shot confirmation. A host driving
// the ACP wire protocol (§6.1) would instead map this to
// request_permission's AllowAlways/AllowOnce/RejectOnce/RejectAlways set.
func promptApproval(toolName string) permission.Outcome {
	fmt.Printf("\nAllow tool %q? [y]es/[n]o/[A]lways/[N]ever: ", toolName)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	switch strings.TrimSpace(line) {
	case "A":
		return permission.AlwaysAllowOutcome
	case "N":
		return permission.AlwaysDeny
	case "y", "Y", "":
		return permission.AllowOnce
	default:
		return permission.DenyOnce
	}
}

func buildRegistry(cfg *config.Config, creds *config.Credentials) *provider.Registry {
	registry := provider.NewRegistry()
	for name, pcfg := range cfg.Providers {
		registry.RegisterFactory(name, newFactory(name, pcfg, creds))
	}
	return registry
}

func newFactory(name string, pcfg config.ProviderConfig, creds *config.Credentials) provider.Factory {
	apiKey := resolveAPIKey(pcfg, creds, name)
	switch pcfg.Kind {
	case "openai":
		return provider.NewOpenAIFactory(name, pcfg.Endpoint, apiKey)
	case "anthropic":
		return provider.NewAnthropicFactory(name, pcfg.Endpoint, apiKey)
	case "gemini":
		return provider.NewGeminiFactory(name, pcfg.Endpoint, apiKey)
	case "vllm":
		return provider.NewVLLMFactory(name, pcfg.Endpoint, apiKey)
	case "claude_cli":
		binary := pcfg.Binary
		if binary == "" {
			binary = "claude"
		}
		return provider.NewClaudeCLIFactory(name, binary, "", permissionModeFromString(pcfg.PermissionMode))
	case "codex_cli":
		binary := pcfg.Binary
		if binary == "" {
			binary = "codex"
		}
		return provider.NewCodexCLIFactory(name, binary, pcfg.ReasoningEffort, pcfg.Skills)
	case "chatgpt_codex":
		// The adapter keeps its token cache under <dataDir>/chatgpt_codex/.
		dataDir, _ := config.EnsureDataDir()
		return provider.NewChatGPTCodexFactory(name, pcfg.Endpoint, dataDir)
	default:
		return provider.NewOllamaFactory(name, pcfg.Endpoint)
	}
}

func resolveAPIKey(pcfg config.ProviderConfig, creds *config.Credentials, name string) string {
	if pcfg.APIKeyEnv != "" {
		if v := os.Getenv(pcfg.APIKeyEnv); v != "" {
			return v
		}
	}
	return creds.GetAPIKey(name)
}

func permissionModeFromString(s string) provider.PermissionMode {
	switch s {
	case "auto":
		return provider.PermissionAuto
	case "approve":
		return provider.PermissionApprove
	case "chat":
		return provider.PermissionChat
	default:
		return provider.PermissionSmartApprove
	}
}

func resolveProvider(cfg *config.Config, registry *provider.Registry) (string, config.ProviderConfig) {
	name := cfg.DefaultProvider
	if name == "" {
		providers := registry.List()
		if len(providers) == 0 {
			fmt.Println("Error: no providers configured")
			os.Exit(1)
		}
		name = providers[0]
	}
	pcfg, ok := cfg.Providers[name]
	if !ok {
		fmt.Printf("Error: provider %q not found\n", name)
		os.Exit(1)
	}
	return name, pcfg
}

type services struct {
	proxy   *mcp.Proxy
	manager *mcp.Manager
	shell   *shell.Shell
	exaKey  string
}

// setupServices registers the builtin tool suite, all rooted at the session
// working directory, and connects configured extensions.
func setupServices(cfg *config.Config, creds *config.Credentials, webCache *store.WebCache, todo *mcptools.TodoList, root string) services {
	var upstream mcp.UpstreamClient
	if cfg.MCP.Upstream != "" {
		upstream = mcp.NewClient(cfg.MCP.Upstream)
	}
	proxy := mcp.NewProxy(upstream)
	if err := proxy.Initialize(context.Background()); err != nil {
		fmt.Printf("Warning: MCP init failed: %v\n", err)
	}

	fileTracker := mcptools.NewFileReadTracker()
	proxy.RegisterTool(mcptools.NewReadTool(), mcptools.NewReadHandler(fileTracker, root).Handle)
	proxy.RegisterTool(mcptools.NewEditTool(), mcptools.NewEditHandler(fileTracker, root).Handle)
	proxy.RegisterTool(mcptools.NewGrepTool(), mcptools.MakeGrepHandler(root))
	proxy.RegisterTool(mcptools.NewGitStatusTool(), mcptools.MakeGitStatusHandler(root))
	proxy.RegisterTool(mcptools.NewGitDiffTool(), mcptools.MakeGitDiffHandler(root))

	proxy.RegisterTool(mcptools.NewWebFetchTool(), mcptools.MakeWebFetchHandler(webCache))
	exaKey := creds.GetAPIKey("exa_ai")
	proxy.RegisterTool(mcptools.NewWebSearchTool(), mcptools.MakeWebSearchHandler(webCache, exaKey, ""))

	sh := shell.New(root, shell.DefaultRules())
	proxy.RegisterTool(mcptools.NewShellTool(), mcptools.NewShellHandler(sh).Handle)

	proxy.RegisterTool(mcptools.NewTodoWriteTool(), mcptools.MakeTodoWriteHandler(todo))

	manager := mcp.NewManager(proxy)
	proxy.RegisterTool(mcp.NewManageExtensionsTool(), mcp.MakeManageExtensionsHandler(manager))
	proxy.RegisterTool(mcp.NewManageScheduleTool(), mcp.MakeManageScheduleHandler(mcp.NewScheduleRegistry()))

	// A failing extension is logged and skipped; the session continues
	// without it.
	for _, ext := range cfg.MCP.Extensions {
		if err := manager.AddExtension(context.Background(), ext); err != nil {
			log.Warn().Err(err).Str("extension", ext.Name).Msg("extension load failed")
		}
	}

	return services{
		proxy:   proxy,
		manager: manager,
		shell:   sh,
		exaKey:  exaKey,
	}
}

func openWebCache(cfg *config.Config) *store.WebCache {
	dataDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Warning: cache dir failed: %v\n", err)
		return nil
	}
	ttl := time.Duration(cfg.Cache.CacheTTLOrDefault()) * time.Hour
	cache, err := store.OpenWebCache(filepath.Join(dataDir, "cache.db"), ttl)
	if err != nil {
		fmt.Printf("Warning: cache open failed: %v\n", err)
		return nil
	}
	return cache
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "symb.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) //nolint:gosec
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return nil
}

func listSessions(ctx context.Context, st *store.SessionStore) {
	entries, err := st.ListSessions(ctx)
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No sessions found")
		return
	}
	for _, e := range entries {
		desc := strings.ReplaceAll(e.Description, "\n", " ")
		if len(desc) > 60 {
			desc = desc[:60]
		}
		fmt.Printf("%s  %s  %3d msgs  %s\n", e.ID, e.UpdatedAt.Format("2006-01-02 15:04"), e.MessageCount, desc)
	}
}

func resolveSession(ctx context.Context, sessionID string, cont bool, st *store.SessionStore, cwd string) (*store.Session, error) {
	switch {
	case sessionID != "":
		ok, err := st.SessionExists(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("session %q not found", sessionID)
		}
		return st.GetSession(ctx, sessionID, false)

	case cont:
		id, err := st.LatestSessionID(ctx)
		if err != nil {
			return nil, fmt.Errorf("no sessions to continue: %w", err)
		}
		return st.GetSession(ctx, id, false)

	default:
		return st.CreateSession(ctx, cwd, "")
	}
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}
