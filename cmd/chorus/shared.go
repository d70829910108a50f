package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/chorus/internal/config"
	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/llm"
	"github.com/jkaninda/chorus/internal/llm/anthropic"
	"github.com/jkaninda/chorus/internal/llm/openai"
	"github.com/jkaninda/chorus/internal/observability"
	"github.com/jkaninda/chorus/internal/orchestrator"
	"github.com/jkaninda/chorus/internal/queue"
	"github.com/jkaninda/chorus/internal/reasoner"
	"github.com/jkaninda/chorus/internal/storage"
	pgstore "github.com/jkaninda/chorus/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/chorus/internal/storage/sqlite"
	"github.com/jkaninda/chorus/internal/toolkit"
	"github.com/jkaninda/chorus/internal/toolkit/arangostore"
	"github.com/jkaninda/chorus/internal/tools"
	"github.com/jkaninda/chorus/internal/tools/database"
	"github.com/jkaninda/chorus/internal/tools/file"
	mcptools "github.com/jkaninda/chorus/internal/tools/mcp"
	"github.com/jkaninda/chorus/internal/tools/web"
	"github.com/jkaninda/chorus/internal/workflow"
)

// SharedComponents holds every subsystem that both serve and run modes
// need. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // SQLite or PostgreSQL.

	Obs      *observability.Observability
	Provider llm.Provider
	Tools    *tools.Registry
	Toolkit  *toolkit.Graph
	Experts  *orchestrator.MemoryRegistry
	Engine   *orchestrator.Engine
	Redis    *redis.Client // nil = no submission queue.

	memory          *reasoner.MemoryStore
	conversation    *orchestrator.ConversationLog
	reasonerMetrics *reasoner.Metrics

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization. Callers must call
// sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	host, _ := os.Hostname()
	obs, err := observability.New(cfg.Observability, logger,
		observability.WithServiceVersion(version),
		observability.WithInstance(host, cfg.Orchestrator.Parallelism()))
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized", slog.Bool("tracing", obs.Tracer != nil))

	// LLM provider.
	provider, err := llm.Resolve(cfg.Provider.PlatformType, cfg.Provider.Fallback, providerFactory(cfg, logger), logger,
		llm.WithCooldown(cfg.Provider.FallbackCooldown()))
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	}
	sc.Provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.TracerOrNil())
	logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if includeDBCheck(cfg) {
		obs.Health.AddCheck("database", store.Ping)
	}

	// Toolkit and tools.
	if err := sc.initToolkit(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing toolkit: %w", err)
	}

	// Experts, leader and engine.
	if err := sc.initEngine(); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing engine: %w", err)
	}

	// Redis submission queue (optional).
	if cfg.Redis != nil {
		client := queue.NewClient(cfg.Redis)
		sc.Redis = client
		sc.addCleanup(func() {
			if err := client.Close(); err != nil {
				logger.Error("closing redis client", slog.String("error", err.Error()))
			}
		})
		if includeRedisCheck(cfg) {
			obs.Health.AddCheck("redis", func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			})
		}
	}

	return sc, nil
}

// initToolkit registers the builtin tools, builds the recommendation graph
// from config, attaches MCP tools and syncs the graph with ArangoDB.
func (sc *SharedComponents) initToolkit(ctx context.Context) error {
	cfg, logger := sc.Config, sc.Logger

	sc.Tools = tools.NewRegistry()
	if w := cfg.Tools.Web; w != nil {
		sc.Tools.Register(web.NewTool(web.Config{
			AllowedDomains:   w.AllowedDomains,
			MaxResponseBytes: w.MaxResponseBytes,
			TimeoutSeconds:   w.TimeoutSeconds,
		}, logger))
	}
	if d := cfg.Tools.Database; d != nil {
		sc.Tools.Register(database.NewTool(database.Config{
			DSN:            d.DSN,
			MaxRows:        d.MaxRows,
			TimeoutSeconds: d.TimeoutSeconds,
		}, logger))
	}
	if f := cfg.Tools.File; f != nil {
		roots := f.AllowedPaths
		if len(roots) == 0 {
			roots = []string{filepath.Join(cfg.ResolvedDataDir(), "files")}
		}
		sc.Tools.Register(file.NewReadTool(file.Config{
			AllowedPaths:     roots,
			MaxFileSizeBytes: f.MaxFileSizeBytes,
		}, logger))
	}

	g := toolkit.New()
	for _, a := range cfg.Toolkit.Actions {
		if err := g.AddAction(toolkit.Action{ID: a.Name, Name: a.Name, Description: a.Description}, nil, nil); err != nil {
			return err
		}
	}
	for _, a := range cfg.Toolkit.Actions {
		for _, next := range a.Next {
			if err := g.Connect(a.Name, next.Name, next.Score); err != nil {
				return fmt.Errorf("action %s: %w", a.Name, err)
			}
		}
	}
	for _, t := range sc.Tools.Toolkit() {
		if err := g.AddTool(t, nil); err != nil {
			return err
		}
	}

	if len(cfg.Tools.MCP) > 0 {
		bridge := mcptools.NewBridge(logger)
		sc.addCleanup(bridge.Close)
		for _, srv := range cfg.Tools.MCP {
			discovered, err := bridge.ConnectAndDiscover(ctx, srv)
			if err != nil {
				logger.Warn("skipping MCP server",
					slog.String("server", srv.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := mcptools.Attach(g, discovered, srv.Actions, srv.Score); err != nil {
				return fmt.Errorf("MCP server %s: %w", srv.Name, err)
			}
		}
	}

	// Tool links may name MCP tools, so they are resolved last.
	for _, a := range cfg.Toolkit.Actions {
		for _, ref := range a.Tools {
			if err := g.Connect(a.Name, ref.Name, ref.Score); err != nil {
				logger.Warn("skipping tool link",
					slog.String("action", a.Name),
					slog.String("tool", ref.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if cfg.ArangoDB != nil {
		synced, err := sc.syncToolkit(ctx, g)
		if err != nil {
			return err
		}
		g = synced
	}

	for _, t := range observability.InstrumentTools(g.Tools(), sc.Obs.Metrics, sc.Obs.TracerOrNil()) {
		if err := g.AddTool(t, nil); err != nil {
			return err
		}
	}

	sc.Toolkit = g
	logger.Debug("toolkit initialized",
		slog.Int("actions", len(g.Actions())),
		slog.Int("tools", len(g.Tools())),
	)
	return nil
}

// syncToolkit saves the configured graph to ArangoDB, or replaces it with
// the stored graph when arangodb.load is set. Stored tools get the invoker
// of the local tool with the same name.
func (sc *SharedComponents) syncToolkit(ctx context.Context, local *toolkit.Graph) (*toolkit.Graph, error) {
	ac := sc.Config.ArangoDB
	as, err := arangostore.New(arangostore.Config{
		URL:      ac.URL,
		Username: ac.Username,
		Password: ac.Password,
		Database: ac.Database,
	}, sc.Logger)
	if err != nil {
		return nil, err
	}
	if err := as.Ensure(ctx); err != nil {
		return nil, err
	}

	g := local
	if ac.Load {
		g, err = as.Load(ctx, func(_, name string) toolkit.Invoker {
			if t, ok := local.ToolByName(name); ok {
				return t.Invoker
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else if err := as.Save(ctx, local); err != nil {
		return nil, err
	}

	if err := sc.Store.SaveGraphDB(ctx, &domain.GraphDB{
		Name:     "toolkit",
		Endpoint: ac.URL,
		Database: ac.Database,
	}); err != nil {
		return nil, err
	}
	sc.Logger.Info("toolkit synced with arangodb",
		slog.String("database", ac.Database),
		slog.Bool("loaded", ac.Load),
	)
	return g, nil
}

// initEngine builds the experts, the leader and the engine around them.
func (sc *SharedComponents) initEngine() error {
	cfg, logger := sc.Config, sc.Logger
	registry := sc.Obs.Metrics.Registry

	sc.memory = reasoner.NewMemoryStore()
	sc.conversation = orchestrator.NewConversationLog(sc.Store, logger)
	sc.reasonerMetrics = reasoner.NewMetrics(registry)

	experts := make([]*orchestrator.Expert, 0, len(cfg.Experts))
	for _, ec := range cfg.Experts {
		w, err := sc.buildWorkflow(ec)
		if err != nil {
			return fmt.Errorf("expert %s: %w", ec.Name, err)
		}
		experts = append(experts, &orchestrator.Expert{
			Name:        ec.Name,
			Description: ec.Description,
			Workflow:    w,
			Reasoner:    sc.newReasoner(ec.ReasonerKind()),
		})
	}
	reg, err := orchestrator.NewMemoryRegistry(experts...)
	if err != nil {
		return err
	}
	sc.Experts = reg

	decomposer, err := orchestrator.NewDecomposer(reg, logger)
	if err != nil {
		return err
	}

	oc := cfg.Orchestrator
	leader := orchestrator.NewLeader(reg, decomposer, sc.newReasoner("dual"),
		orchestrator.Config{
			MaxParallel: oc.Parallelism(),
			RetryCap:    oc.Retries(),
			LifeCap:     oc.Life(),
		},
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(orchestrator.NewMetrics(registry)),
		orchestrator.WithEvents(orchestrator.NewEventHub()),
		orchestrator.WithConversation(sc.conversation),
	)
	sc.Engine = orchestrator.NewEngine(leader,
		orchestrator.WithStore(sc.Store),
		orchestrator.WithEngineLogger(logger),
		orchestrator.WithReleaseHook(sc.memory.Release),
	)
	logger.Debug("engine initialized",
		slog.Int("experts", len(experts)),
		slog.Int("max_parallel", oc.Parallelism()),
		slog.Int("retry_cap", oc.Retries()),
		slog.Int("life_cap", oc.Life()),
	)
	return nil
}

// buildWorkflow turns an expert's operator declarations into a workflow.
func (sc *SharedComponents) buildWorkflow(ec config.ExpertConfig) (*workflow.Workflow, error) {
	w := workflow.New(ec.Name,
		workflow.WithOperatorTimeout(sc.Config.Orchestrator.OperatorTimeout()),
		workflow.WithLogger(sc.Logger),
	)
	for _, oc := range ec.Operators {
		op := workflow.NewOperator(workflow.OperatorConfig{
			ID:              oc.ID,
			Instruction:     oc.Instruction,
			Actions:         oc.Actions,
			Threshold:       oc.Threshold,
			Hops:            oc.Hops,
			StrictRecommend: oc.StrictRecommend,
			OutputSchema:    oc.OutputSchema,
		}, sc.Toolkit, workflow.WithOperatorLogger(sc.Logger))
		if err := w.AddOperator(op); err != nil {
			return nil, err
		}
	}
	for _, e := range ec.Edges {
		if err := w.Connect(e.From, e.To); err != nil {
			return nil, err
		}
	}
	if ec.Evaluator {
		eval := workflow.NewEvalOperator(workflow.OperatorConfig{Instruction: ec.EvaluatorInstruction},
			sc.Toolkit, workflow.WithOperatorLogger(sc.Logger))
		if err := w.AttachEvaluator(eval); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (sc *SharedComponents) newReasoner(kind string) reasoner.Reasoner {
	opts := []reasoner.Option{
		reasoner.WithMemory(sc.memory),
		reasoner.WithSink(sc.conversation),
		reasoner.WithLogger(sc.Logger),
		reasoner.WithPrintMessages(sc.Config.Orchestrator.PrintReasonerMessages),
		reasoner.WithMetrics(sc.reasonerMetrics),
		reasoner.WithMaxTokens(sc.Config.Provider.Anthropic.MaxTokens),
		reasoner.WithRounds(sc.Config.Orchestrator.Rounds()),
	}
	if kind == "mono" {
		return reasoner.NewMono(sc.Provider, opts...)
	}
	return reasoner.NewDual(sc.Provider, sc.Provider, opts...)
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN is required (set storage.postgres.dsn or CHORUS_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.Schema = p.Schema
		pgCfg.ApplicationName = p.ApplicationName
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = p.ConnMaxLifetime()
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// providerFactory builds a single LLM provider by platform name.
func providerFactory(cfg *config.Config, logger *slog.Logger) llm.Factory {
	p := cfg.Provider
	return func(platform string) (llm.Provider, error) {
		switch platform {
		case "anthropic":
			return anthropic.NewClient(p.Anthropic.APIKey, p.Anthropic.Model, logger), nil
		case "openai", "":
			var opts []openai.Option
			if p.OpenAI.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(p.OpenAI.BaseURL))
			}
			return openai.NewClient(p.OpenAI.APIKey, p.OpenAI.Model, logger, opts...), nil
		case "ollama":
			return openai.NewClient(
				"",
				p.Ollama.Model,
				logger,
				openai.WithBaseURL(p.Ollama.OllamaBaseURL()),
				openai.WithName("ollama"),
			), nil
		default:
			return nil, fmt.Errorf("unknown provider: %q", platform)
		}
	}
}

func includeDBCheck(cfg *config.Config) bool {
	return cfg.Observability != nil && cfg.Observability.Health != nil && cfg.Observability.Health.IncludeDB
}

func includeRedisCheck(cfg *config.Config) bool {
	return cfg.Observability != nil && cfg.Observability.Health != nil && cfg.Observability.Health.IncludeRedis
}

// newLogger builds the process logger.
func newLogger(format string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
