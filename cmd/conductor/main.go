// Command conductor is the command-line front end for the conductor
// agent orchestration runtime.
//
// Usage:
//
//	conductor ask <query> [-agent <name>]    answer a single query
//	conductor chat [-agent <name>]           interactive REPL
//	conductor list-agents                    print the agent registry
//	conductor db init|stats|show|cleanup     history database admin
//	conductor serve [-addr <addr>]           HTTP API server
//	conductor test-server <message>          stdio MCP echo server
//
// Configuration comes from conductor.toml (override with CONDUCTOR_CONFIG)
// plus CONDUCTOR_* environment variables.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nevindra/conductor"
	"github.com/nevindra/conductor/internal/config"
	"github.com/nevindra/conductor/mcp"
	"github.com/nevindra/conductor/observer"
	"github.com/nevindra/conductor/provider/openaicompat"
	"github.com/nevindra/conductor/store/postgres"
	"github.com/nevindra/conductor/store/sqlite"
	"github.com/nevindra/conductor/tools/doc"
	"github.com/nevindra/conductor/tools/web"
)

const version = "0.1.0"

func main() {
	log.SetFlags(0)
	log.SetOutput(os.Stderr)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(os.Getenv("CONDUCTOR_CONFIG"))

	var err error
	switch os.Args[1] {
	case "ask":
		err = cmdAsk(ctx, cfg, os.Args[2:])
	case "chat":
		err = cmdChat(ctx, cfg, os.Args[2:])
	case "list-agents":
		err = cmdListAgents(ctx, cfg)
	case "db":
		err = cmdDB(ctx, cfg, os.Args[2:])
	case "serve":
		err = cmdServe(ctx, cfg, os.Args[2:])
	case "test-server":
		err = cmdTestServer(ctx, os.Args[2:])
	case "version":
		fmt.Println("conductor", version)
	case "help", "-h", "--help":
		usage()
	default:
		usage()
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}
	if err != nil {
		log.Fatalf("conductor: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: conductor <command> [arguments]

Commands:
  ask <query> [-agent <name>]   answer a single query and exit
  chat [-agent <name>]          interactive chat session
  list-agents                   list registered agents
  db <init|stats|show|cleanup>  manage the history database
  serve [-addr <addr>]          run the HTTP API server
  test-server <message>         run a stdio MCP server echoing <message>
  version                       print the version`)
}

// runtime bundles everything a query needs. close releases MCP
// connections, the history store and the observer exporters.
type runtime struct {
	client  *conductor.Client
	agents  *conductor.AgentRegistry
	pipe    *conductor.Pipeline
	history *sqlite.History
	logger  *slog.Logger
	close   func(context.Context)
}

// buildRuntime wires provider, client, agents, pipeline and history
// from config. agentFilter narrows the registry to one agent when set.
func buildRuntime(ctx context.Context, cfg config.Config, agentFilter string) (*runtime, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if os.Getenv("CONDUCTOR_DEBUG") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	if cfg.Provider.APIKey == "" {
		return nil, &conductor.ErrConfig{Agent: "conductor", Missing: openaicompat.EnvAPIKey}
	}

	var provider conductor.Provider = openaicompat.New(
		cfg.Provider.APIKey, cfg.Provider.Model, cfg.Provider.BaseURL,
		openaicompat.WithLogger(logger),
	)

	tracer := conductor.Tracer(nil)
	events := conductor.EventHandler(nil)
	var inst *observer.Instruments
	var closers []func(context.Context)

	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return nil, fmt.Errorf("observer init: %w", err)
		}
		closers = append(closers, func(ctx context.Context) {
			if err := shutdown(ctx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		})
		provider = observer.WrapProvider(provider, cfg.Provider.Model, inst)
		tracer = observer.NewTracer()
		events = observer.NewEventHandler(inst)
	}

	clientOpts := []conductor.ClientOption{
		conductor.WithLogger(logger),
		conductor.WithMaxRetries(cfg.Client.MaxRetries),
		conductor.WithMaxParallelTools(cfg.Client.MaxParallelTools),
		conductor.WithCache(cfg.Client.CacheSize, time.Duration(cfg.Client.CacheTTLSeconds)*time.Second),
		conductor.WithCallTimeout(time.Duration(cfg.Client.CallTimeoutSecs) * time.Second),
	}
	if tracer != nil {
		clientOpts = append(clientOpts, conductor.WithTracer(tracer))
	}
	if events != nil {
		clientOpts = append(clientOpts, conductor.WithEvents(events))
	}
	client := conductor.NewClient(provider, clientOpts...)

	agents, mcpClose, err := buildAgents(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if mcpClose != nil {
		closers = append(closers, mcpClose)
	}
	if agentFilter != "" {
		a, ok := agents.Get(agentFilter)
		if !ok {
			return nil, fmt.Errorf("unknown agent %q (try list-agents)", agentFilter)
		}
		agents = conductor.NewAgentRegistry(a)
	}

	history := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	if err := history.Init(ctx); err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	closers = append(closers, func(context.Context) { history.Close() })

	pipeOpts := []conductor.PipelineOption{conductor.PipelineLogger(logger)}
	if tracer != nil {
		pipeOpts = append(pipeOpts, conductor.PipelineTracer(tracer))
	}
	if events != nil {
		pipeOpts = append(pipeOpts, conductor.PipelineEvents(events))
	}
	if cfg.Embedding.APIKey != "" {
		embedder := openaicompat.NewEmbeddings(
			cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL,
			openaicompat.WithEmbeddingsDimensions(cfg.Embedding.Dimensions),
		)

		// Postgres (pgvector) when configured, embedded sqlite otherwise.
		var mem conductor.MemoryStore
		if cfg.Memory.PostgresURL != "" {
			pg := postgres.New(cfg.Memory.PostgresURL, embedder,
				postgres.WithPoolSize(cfg.Memory.PoolSize),
				postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions),
				postgres.WithLogger(logger),
			)
			if err := pg.Init(ctx); err != nil {
				logger.Warn("postgres memory init failed, continuing without recall", "error", err)
			} else {
				closers = append(closers, func(context.Context) { pg.Close() })
				if inst != nil {
					if reg, err := observer.ObservePool(inst, "postgres", pg.Stats); err != nil {
						logger.Warn("pool metrics unavailable", "error", err)
					} else {
						closers = append(closers, func(context.Context) { _ = reg.Unregister() })
					}
				}
				mem = pg
			}
		} else {
			sq := sqlite.NewMemory(history.DB(), embedder, sqlite.WithMemoryLogger(logger))
			if err := sq.Init(ctx); err != nil {
				logger.Warn("memory init failed, continuing without recall", "error", err)
			} else {
				mem = sq
			}
		}

		if mem != nil {
			execOpts := []conductor.ExecOption{
				conductor.ExecMemory(mem),
				conductor.ExecLogger(logger),
			}
			if tracer != nil {
				execOpts = append(execOpts, conductor.ExecTracer(tracer))
			}
			if events != nil {
				execOpts = append(execOpts, conductor.ExecEvents(events))
			}
			pipeOpts = append(pipeOpts, conductor.PipelineExecutor(conductor.NewExecutor(client, execOpts...)))
		}
	}
	pipe := conductor.NewPipeline(client, agents, pipeOpts...)

	return &runtime{
		client:  client,
		agents:  agents,
		pipe:    pipe,
		history: history,
		logger:  logger,
		close: func(ctx context.Context) {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i](ctx)
			}
		},
	}, nil
}

// buildAgents assembles the built-in agents plus any MCP server agents
// from the configured manifest. The returned closer shuts the MCP
// connections down; it is nil when no manifest was loaded.
func buildAgents(ctx context.Context, cfg config.Config, logger *slog.Logger) (*conductor.AgentRegistry, func(context.Context), error) {
	researcher, err := conductor.NewAgent(
		"researcher",
		"Gathers facts from the web. Use for questions that need fresh or external information.",
		"You are a research agent. Use the web_fetch tool to retrieve pages "+
			"relevant to the task and extract the facts that answer it. Cite the "+
			"source URL for every fact.\n\n{memory_context}\n\nAvailable tools:\n{tools}\n\n{output_format}",
		conductor.AgentTools(conductor.NewRegistry(web.New())),
	)
	if err != nil {
		return nil, nil, err
	}

	analyst, err := conductor.NewAgent(
		"analyst",
		"Reads local PDF documents and extracts their content. Use for tasks that reference files on disk.",
		"You are a document analyst. Use the pdf_extract tool to read the "+
			"documents named in the task and answer from their content only.\n\n"+
			"{memory_context}\n\nAvailable tools:\n{tools}\n\n{output_format}",
		conductor.AgentTools(conductor.NewRegistry(doc.New())),
	)
	if err != nil {
		return nil, nil, err
	}

	writer, err := conductor.NewAgent(
		"writer",
		"Synthesizes prose from prior task results. Use for summaries, reports and final write-ups.",
		"You are a writing agent. Compose a clear, well-structured answer "+
			"from the task description and any context provided.\n\n{memory_context}\n\n{output_format}",
	)
	if err != nil {
		return nil, nil, err
	}

	registry := conductor.NewAgentRegistry(researcher, analyst, writer)

	if _, statErr := os.Stat(cfg.MCP.ConfigPath); statErr != nil {
		return registry, nil, nil
	}
	mcpCfg, err := mcp.LoadConfig(cfg.MCP.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	manager := mcp.NewManager(mcpCfg, mcp.WithLogger(logger))
	if err := manager.Start(ctx); err != nil {
		logger.Warn("mcp startup incomplete", "error", err)
	}
	mcpAgents, err := manager.Agents()
	if err != nil {
		manager.Close()
		return nil, nil, err
	}
	for _, a := range mcpAgents {
		if err := registry.Add(a); err != nil {
			logger.Warn("skipping mcp agent", "agent", a.Name, "error", err)
		}
	}
	return registry, func(context.Context) { manager.Close() }, nil
}

func cmdAsk(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	agent := fs.String("agent", "", "restrict the run to a single agent")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return fmt.Errorf("usage: conductor ask <query> [-agent <name>]")
	}

	rt, err := buildRuntime(ctx, cfg, *agent)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	session := conductor.NewSession(rt.pipe,
		conductor.SessionHistory(rt.history),
		conductor.SessionLogger(rt.logger),
	)
	res, err := session.Ask(ctx, query)
	if err != nil {
		return err
	}
	fmt.Println(res.Report)
	return nil
}

func cmdChat(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	agent := fs.String("agent", "", "restrict the session to a single agent")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := buildRuntime(ctx, cfg, *agent)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	session := conductor.NewSession(rt.pipe,
		conductor.SessionHistory(rt.history),
		conductor.SessionLogger(rt.logger),
	)
	fmt.Printf("conductor %s — session %s (exit to quit)\n", version, session.ID())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		res, err := session.Ask(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(res.Report)
	}
}

func cmdListAgents(ctx context.Context, cfg config.Config) error {
	logger := slog.New(slog.DiscardHandler)
	agents, mcpClose, err := buildAgents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if mcpClose != nil {
		defer mcpClose(context.Background())
	}
	for _, a := range agents.All() {
		fmt.Printf("%-14s %s\n", a.Name, a.Description)
	}
	return nil
}

func cmdTestServer(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: conductor test-server <message>")
	}
	message := strings.Join(args, " ")

	srv := mcp.NewServer("conductor-test", version,
		mcp.ServerLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))),
	)
	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "echo",
			Description: "Returns the message this test server was started with.",
			InputSchema: []byte(`{"type":"object","properties":{}}`),
		},
		Execute: func(context.Context, json.RawMessage) mcp.ToolCallResult {
			return mcp.TextResult(message)
		},
	})
	return srv.Serve(ctx)
}
