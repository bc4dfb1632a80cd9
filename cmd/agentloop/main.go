package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/muesli/reflow/wordwrap"
	"golang.org/x/term"

	"github.com/codefionn/agentloop/internal/compact"
	"github.com/codefionn/agentloop/internal/config"
	"github.com/codefionn/agentloop/internal/fsys"
	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/orchestrator"
	"github.com/codefionn/agentloop/internal/secrets"
	"github.com/codefionn/agentloop/internal/store"
	"github.com/codefionn/agentloop/internal/telemetry"
	"github.com/codefionn/agentloop/internal/tools"
)

const maxPasswordAttempts = 3

const defaultSystemPrompt = `You are a coding assistant working inside the user's project directory.
Use the available tools to read, search and modify files and to run shell
commands. Prefer small, verifiable steps and report what you changed.`

type cliOptions struct {
	configPath   string
	provider     string
	model        string
	session      string
	systemPrompt string
	maxTurns     int
	listSessions bool
	prompt       string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	configPath := opts.configPath
	if configPath == "" {
		configPath = config.GetConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.provider != "" {
		cfg.Provider = opts.provider
	}
	if opts.maxTurns > 0 {
		cfg.MaxTurns = opts.maxTurns
	}
	if level := strings.TrimSpace(os.Getenv("AGENTLOOP_LOG_LEVEL")); level != "" {
		cfg.LogLevel = level
	}
	if path := strings.TrimSpace(os.Getenv("AGENTLOOP_LOG_PATH")); path != "" {
		cfg.LogPath = path
	}

	if err := ensureSecretsPassword(cfg); err != nil {
		return err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("fatal: %v", err)
		}
		logger.Global().Close()
	}()

	if opts.listSessions {
		return listStoredSessions(cfg.SessionDBPath)
	}

	providerCfg, err := cfg.ActiveProvider()
	if err != nil {
		return err
	}
	if opts.model != "" {
		providerCfg.Model = opts.model
	}
	apiKey, err := resolveAPIKey(cfg, providerCfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	generator, err := llm.NewGenerator(ctx, cfg.Provider, apiKey, providerCfg.Model)
	if err != nil {
		return fmt.Errorf("failed to create %s client: %w", cfg.Provider, err)
	}

	st, err := store.Open(cfg.SessionDBPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	registry := tools.NewRegistry()
	filesystem := fsys.NewCachedFS(
		cfg.Tools.WorkingDir,
		time.Duration(cfg.Tools.CacheTTLSeconds)*time.Second,
		cfg.Tools.MaxCacheEntries,
	)
	registry.Register(tools.NewReadFileTool(filesystem))
	registry.Register(tools.NewWriteFileTool(filesystem))
	registry.Register(tools.NewEditFileTool(filesystem))
	registry.Register(tools.NewApplyDiffTool(filesystem))
	registry.Register(tools.NewSearchFilesTool(filesystem))
	registry.Register(tools.NewShellTool(
		cfg.Tools.WorkingDir,
		time.Duration(cfg.Tools.ShellTimeoutSeconds)*time.Second,
	))

	mcpClients := connectMCPServers(ctx, cfg, registry)
	defer func() {
		for _, mcpClient := range mcpClients {
			mcpClient.Close()
		}
	}()

	systemPrompt := defaultSystemPrompt
	if opts.systemPrompt != "" {
		systemPrompt = opts.systemPrompt
	}
	ctrl := orchestrator.NewController(generator, registry, orchestrator.Options{
		Model:                providerCfg.Model,
		FallbackModels:       providerCfg.FallbackModels,
		SystemPrompt:         systemPrompt,
		AuthType:             cfg.Provider,
		MaxTurns:             cfg.MaxTurns,
		MaxAttempts:          cfg.Retry.MaxAttempts,
		InitialDelay:         time.Duration(cfg.Retry.InitialDelaySeconds) * time.Second,
		MaxDelay:             time.Duration(cfg.Retry.MaxDelaySeconds) * time.Second,
		ToolLoopThreshold:    cfg.LoopDetection.ToolRepeatThreshold,
		ContentLoopThreshold: cfg.LoopDetection.ContentRepeatThreshold,
		Sink:                 telemetry.LogSink{},
		Store:                st,
		SessionID:            opts.session,
	})

	if opts.session != "" {
		contents, err := st.LoadSession(opts.session)
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", opts.session, err)
		}
		if len(contents) > 0 {
			ctrl.SetHistory(contents)
			fmt.Fprintf(os.Stderr, "Resumed session %s (%d entries)\n", opts.session, len(contents))
		}
	}

	tracker := &turnTracker{}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if !tracker.interrupt() {
				fmt.Fprintln(os.Stderr, "\n(interrupt; /exit to quit)")
			}
		}
	}()

	width := displayWidth()

	prompt := opts.prompt
	if prompt == "" && !term.IsTerminal(int(os.Stdin.Fd())) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read prompt from stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
		if prompt == "" {
			return errors.New("no prompt given")
		}
	}
	if prompt != "" {
		return runOnce(ctx, ctrl, tracker, prompt, width)
	}
	r := &repl{
		ctrl:         ctrl,
		compactor:    compact.New(generator, providerCfg.Model),
		tracker:      tracker,
		systemPrompt: systemPrompt,
		width:        width,
		autoCompact:  true,
	}
	return r.run(ctx)
}

func parseArgs(args []string) (*cliOptions, error) {
	opts := &cliOptions{}
	fs := flag.NewFlagSet("agentloop", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&opts.configPath, "config", "", "path to the configuration file")
	fs.StringVar(&opts.provider, "provider", "", "override the configured provider (gemini, anthropic, openai)")
	fs.StringVar(&opts.model, "model", "", "override the configured model")
	fs.StringVar(&opts.session, "session", "", "resume the stored session with this id")
	fs.StringVar(&opts.systemPrompt, "system", "", "override the system prompt")
	fs.IntVar(&opts.maxTurns, "max-turns", 0, "cap on model round trips per prompt (0 uses the configured value)")
	fs.BoolVar(&opts.listSessions, "list-sessions", false, "list stored sessions and exit")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: agentloop [flags] [prompt]")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Runs the prompt once when given (or when piped via stdin), otherwise")
		fmt.Fprintln(os.Stderr, "starts an interactive session.")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Flags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.prompt = strings.TrimSpace(strings.Join(fs.Args(), " "))
	return opts, nil
}

func ensureSecretsPassword(cfg *config.Config) error {
	if !cfg.Secrets.PasswordSet && !cfg.HasEncryptedFields() {
		return cfg.ApplySecretsPassword("")
	}
	for attempt := 1; attempt <= maxPasswordAttempts; attempt++ {
		password, err := promptForPassword("Config password: ")
		if err != nil {
			return fmt.Errorf("failed to read config password: %w", err)
		}
		err = cfg.ApplySecretsPassword(password)
		if err == nil {
			return nil
		}
		if errors.Is(err, secrets.ErrInvalidPassword) && attempt < maxPasswordAttempts {
			fmt.Fprintln(os.Stderr, "Invalid password, try again.")
			continue
		}
		return err
	}
	return errors.New("too many password attempts")
}

func promptForPassword(promptText string) (string, error) {
	fmt.Fprint(os.Stderr, promptText)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(password), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func resolveAPIKey(cfg *config.Config, providerCfg *config.ProviderConfig) (string, error) {
	if key := strings.TrimSpace(providerCfg.APIKey); key != "" {
		return key, nil
	}
	var envVars []string
	switch cfg.Provider {
	case "gemini", "google":
		envVars = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}
	case "anthropic", "claude":
		envVars = []string{"ANTHROPIC_API_KEY"}
	case "openai":
		envVars = []string{"OPENAI_API_KEY"}
	}
	for _, name := range envVars {
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return key, nil
		}
	}
	if len(envVars) == 0 {
		return "", fmt.Errorf("no API key configured for provider %s", cfg.Provider)
	}
	return "", fmt.Errorf("no API key for provider %s (set it in the config or via %s)",
		cfg.Provider, strings.Join(envVars, " or "))
}

// connectMCPServers registers the tools of every enabled MCP server. A server
// that fails to come up is skipped so a broken entry cannot block startup.
func connectMCPServers(ctx context.Context, cfg *config.Config, registry *tools.Registry) []*mcpclient.Client {
	names := make([]string, 0, len(cfg.MCPServers))
	for name := range cfg.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	var clients []*mcpclient.Client
	for _, name := range names {
		server := cfg.MCPServers[name]
		if server == nil || server.Disabled {
			continue
		}
		mcpClient, err := tools.RegisterMCPTools(ctx, registry, tools.MCPServerConfig{
			Name:    name,
			Type:    server.Type,
			Command: server.Command,
			Args:    server.Args,
			Env:     server.Env,
			URL:     server.URL,
		})
		if err != nil {
			logger.Warn("mcp server %s unavailable: %v", name, err)
			fmt.Fprintf(os.Stderr, "Warning: mcp server %s unavailable: %v\n", name, err)
			continue
		}
		clients = append(clients, mcpClient)
	}
	return clients
}

func listStoredSessions(dbPath string) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	sessions, err := st.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No stored sessions.")
		return nil
	}
	for _, info := range sessions {
		fmt.Printf("%s  updated %s  %d entries\n",
			info.ID, info.UpdatedAt.Format("2006-01-02 15:04"), info.Contents)
	}
	return nil
}

// turnTracker hands the interrupt handler the cancel function of the turn
// currently in flight, if any.
type turnTracker struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (t *turnTracker) begin(cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
}

func (t *turnTracker) end() {
	t.mu.Lock()
	t.cancel = nil
	t.mu.Unlock()
}

// interrupt cancels the active turn and reports whether there was one.
func (t *turnTracker) interrupt() bool {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func runOnce(ctx context.Context, ctrl *orchestrator.Controller, tracker *turnTracker, prompt string, width int) error {
	err := runTurn(ctx, ctrl, tracker, prompt, width)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "[aborted]")
		return nil
	}
	var loopErr *llm.LoopDetectedError
	if errors.As(err, &loopErr) {
		return fmt.Errorf("stopped after repeated model behavior: %s", loopErr.Reason)
	}
	return err
}

// repl drives the interactive session.
type repl struct {
	ctrl         *orchestrator.Controller
	compactor    *compact.Compactor
	tracker      *turnTracker
	systemPrompt string
	width        int
	autoCompact  bool
}

func (r *repl) run(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "agentloop (model %s, session %s)\n", r.ctrl.Model(), r.ctrl.SessionID())
	fmt.Fprintln(os.Stderr, "Type /help for commands, /exit to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "/"):
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}
		reportTurnError(runTurn(ctx, r.ctrl, r.tracker, line, r.width))
		r.maybeCompact(ctx, false)
	}
}

const replHelp = `Commands:
  /clear    drop the conversation history
  /compact  summarize older history to free context space
  /model    show the active model
  /session  show the session id
  /exit     quit
`

func (r *repl) command(ctx context.Context, line string) bool {
	switch line {
	case "/exit", "/quit":
		return true
	case "/clear":
		r.ctrl.ClearHistory()
		fmt.Fprintln(os.Stderr, "History cleared.")
	case "/compact":
		r.maybeCompact(ctx, true)
	case "/model":
		fmt.Fprintln(os.Stderr, r.ctrl.Model())
	case "/session":
		fmt.Fprintln(os.Stderr, r.ctrl.SessionID())
	case "/help":
		fmt.Fprint(os.Stderr, replHelp)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %s (try /help)\n", line)
	}
	return false
}

// maybeCompact summarizes older history once the conversation approaches
// the context window. Forced runs come from the /compact command.
func (r *repl) maybeCompact(ctx context.Context, force bool) {
	history := r.ctrl.GetHistory(true)
	if !force && (!r.autoCompact || !r.compactor.NeedsCompaction(r.systemPrompt, history)) {
		return
	}

	result, err := r.compactor.Compact(ctx, r.systemPrompt, history)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[compaction failed: %v]\n", err)
		return
	}
	if !result.Compacted {
		fmt.Fprintln(os.Stderr, "Nothing to compact.")
		return
	}
	if !force && result.TokensAfter >= result.TokensBefore {
		// Summarizing made things no smaller, stop trying automatically.
		r.autoCompact = false
		fmt.Fprintln(os.Stderr, "[history compaction not shrinking the conversation, disabling it]")
		return
	}
	r.ctrl.SetHistory(result.History)
	fmt.Fprintf(os.Stderr, "[compacted history: ~%d -> ~%d tokens]\n",
		result.TokensBefore, result.TokensAfter)
}

func runTurn(ctx context.Context, ctrl *orchestrator.Controller, tracker *turnTracker, text string, width int) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tracker.begin(cancel)
	defer tracker.end()

	stream := ctrl.SendMessageStream(turnCtx, []llm.Part{&llm.TextPart{Text: text}}, "")
	return drainStream(stream, width)
}

// drainStream prints model text to stdout and everything else, thoughts and
// tool activity, to stderr so piped output stays clean.
func drainStream(stream *orchestrator.Stream, width int) error {
	printedText := false
	for event := range stream.Events() {
		switch {
		case event.Chunk != nil:
			content := event.Chunk.First()
			if content == nil {
				continue
			}
			for _, part := range content.Parts {
				switch p := part.(type) {
				case *llm.TextPart:
					fmt.Print(p.Text)
					printedText = true
				case *llm.ThoughtPart:
					fmt.Fprintf(os.Stderr, "[thinking] %s\n", strings.TrimSpace(p.Text))
				case *llm.FunctionCallPart:
					fmt.Fprintf(os.Stderr, "[tool] %s\n", p.Name)
				}
			}
		case event.ToolResult != nil:
			result := event.ToolResult
			if result.Err != nil {
				fmt.Fprintf(os.Stderr, "[tool error] %v\n", result.Err)
			} else if result.ResultDisplay != "" {
				fmt.Fprintln(os.Stderr, wordwrap.String(result.ResultDisplay, width))
			}
		}
	}
	if printedText {
		fmt.Println()
	}
	return stream.Wait()
}

func reportTurnError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "[aborted]")
		return
	}
	var loopErr *llm.LoopDetectedError
	if errors.As(err, &loopErr) {
		fmt.Fprintf(os.Stderr, "[loop detected: %s]\n", loopErr.Reason)
		return
	}
	fmt.Fprintf(os.Stderr, "[error] %v\n", err)
}

func displayWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 80
}
