package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/chatsg/chatsg"
	"github.com/chatsg/chatsg/internal/config"
	memredis "github.com/chatsg/chatsg/memory/redis"
	memsqlite "github.com/chatsg/chatsg/memory/sqlite"
	"github.com/chatsg/chatsg/observer"
	"github.com/chatsg/chatsg/provider/openaicompat"
	"github.com/chatsg/chatsg/store/jsonl"
	"github.com/chatsg/chatsg/store/postgres"
	"github.com/chatsg/chatsg/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg := config.Load(os.Getenv("CHATSG_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	// Observability (optional, OTLP HTTP exporters configured via env).
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer shutdown(context.Background())
	}

	// LLM provider with retry and rate limiting.
	baseURL := cfg.LLM.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	var llm chatsg.Provider = openaicompat.New(cfg.LLM.APIKey, cfg.LLM.Model, baseURL,
		openaicompat.WithName(cfg.LLM.Provider))
	if inst != nil {
		llm = observer.WrapProvider(llm, cfg.LLM.Model, inst)
	}
	llm = chatsg.WithRetry(llm,
		chatsg.RetryMaxAttempts(cfg.LLM.MaxAttempts),
		chatsg.RetryLogger(logger))
	if cfg.LLM.RPM > 0 || cfg.LLM.TPM > 0 {
		llm = chatsg.WithRateLimit(llm, chatsg.RPM(cfg.LLM.RPM), chatsg.TPM(cfg.LLM.TPM))
	}

	// Session store.
	var store chatsg.SessionStore
	switch cfg.Storage.Backend {
	case "jsonl", "":
		store = jsonl.New(cfg.Storage.Dir, jsonl.WithLogger(logger))
	case "sqlite":
		store = sqlite.New(cfg.Storage.Path, sqlite.WithLogger(logger))
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		store = postgres.New(pool)
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	// Memory adapter.
	var memory chatsg.Memory
	switch cfg.Memory.Backend {
	case "sqlite", "":
		memory = memsqlite.New(cfg.Memory.Path, memsqlite.WithLogger(logger))
	case "redis":
		redisOpts, err := goredis.ParseURL(cfg.Memory.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		client := goredis.NewClient(redisOpts)
		defer client.Close()
		memory = memredis.New(client, memredis.WithLogger(logger))
	case "none":
	default:
		return fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}

	// Agents.
	registry := chatsg.NewRegistry()
	registerAgents(registry, llm, cfg, inst)

	cache := chatsg.NewAgentCache(
		func(_ context.Context, agentType string) (chatsg.Agent, error) {
			agent, ok := registry.Get(agentType)
			if !ok {
				return nil, chatsg.ErrAgentNotFound
			}
			return agent, nil
		},
		chatsg.CacheCapacity(cfg.Agents.MaxCached),
		chatsg.CacheIdleTTL(time.Duration(cfg.Agents.IdleMinutes)*time.Minute),
		chatsg.CacheLogger(logger),
	)

	rt := chatsg.NewRuntime(
		chatsg.WithSessionStore(store),
		chatsg.WithMemory(memory),
		chatsg.WithRegistry(registry),
		chatsg.WithAgentCache(cache),
		chatsg.WithShutdownGrace(time.Duration(cfg.Orchestrator.ShutdownGraceMs)*time.Millisecond),
		chatsg.WithRememberOptions(
			chatsg.RememberWorkers(cfg.Memory.RememberWorkers),
			chatsg.RememberQueueCap(cfg.Memory.RememberQueueCap),
		),
		chatsg.WithOrchestratorOptions(
			chatsg.WithRequestTimeout(time.Duration(cfg.Orchestrator.RequestTimeoutMs)*time.Millisecond),
			chatsg.WithRecallBudget(time.Duration(cfg.Memory.RecallBudgetMs)*time.Millisecond),
			chatsg.WithFallbackStrategy(chatsg.FallbackStrategy(cfg.Orchestrator.FallbackStrategy)),
			chatsg.WithSessionDefaults(chatsg.SessionDefaults{
				CrossSessionMemory: cfg.Memory.CrossSessionByDefault,
				AgentLock:          cfg.Agents.AgentLockDefault,
			}),
		),
		chatsg.RuntimeLogger(logger),
	)
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("runtime start: %w", err)
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: newServer(rt, store, logger).routes(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http: listening", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		_ = rt.Stop(ctx)
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return rt.Stop(shutdownCtx)
}

// registerAgents builds the default agent pool over the shared provider.
func registerAgents(registry *chatsg.Registry, llm chatsg.Provider, cfg config.Config, inst *observer.Instruments) {
	shared := []chatsg.AgentOption{
		chatsg.AgentStateSharing(cfg.Agents.EnableStateSharing),
	}
	if cfg.LLM.Temperature > 0 {
		shared = append(shared, chatsg.AgentTemperature(cfg.LLM.Temperature))
	}
	agents := []chatsg.Agent{
		chatsg.NewAnalyticalAgent(llm, shared...),
		chatsg.NewCreativeAgent(llm, shared...),
		chatsg.NewTechnicalAgent(llm, shared...),
	}
	if cfg.Agents.EnableCRM {
		agents = append(agents, chatsg.NewCRMAgent(llm, chatsg.CRMAgentOptions(shared...)))
	}
	for _, a := range agents {
		if inst != nil {
			registry.Register(observer.WrapAgent(a, inst))
			continue
		}
		registry.Register(a)
	}
}
