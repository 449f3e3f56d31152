package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/quillforge/internal/ai"
	"github.com/kiranshivaraju/quillforge/internal/api"
	"github.com/kiranshivaraju/quillforge/internal/cache"
	"github.com/kiranshivaraju/quillforge/internal/config"
	"github.com/kiranshivaraju/quillforge/internal/pipeline"
	"github.com/kiranshivaraju/quillforge/internal/progress"
	"github.com/kiranshivaraju/quillforge/internal/queue"
	"github.com/kiranshivaraju/quillforge/internal/stages"
	"github.com/kiranshivaraju/quillforge/internal/store"
)

const redisConnectAttempts = 5

// app is the fully wired object graph. Every command builds one and closes it on exit.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store store.Store
	// cache is nil when REDIS_URL is empty.
	cache *cache.RedisCache
	// memory is the in-process progress store, used only without Redis.
	memory *progress.MemoryStore

	orchestrator *pipeline.Orchestrator
	worker       *queue.Worker
	tracker      *progress.Tracker

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	s, closeStore, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = s
	a.closers = append(a.closers, closeStore)
	logger.Info("database connected", "sqlite", cfg.Database.SQLite())

	var snapshots progress.Store
	if cfg.Redis.URL != "" {
		c, err := cache.Connect(ctx, cfg.Redis.URL, redisConnectAttempts)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.cache = c
		a.closers = append(a.closers, func() { _ = c.Close() })
		snapshots = progress.NewRedisStore(c, cfg.Progress.Retention)
		logger.Info("redis connected")
	} else {
		a.memory = progress.NewMemoryStore(cfg.Progress.Retention)
		snapshots = a.memory
		logger.Info("redis not configured: in-memory progress, no rate limiting")
	}

	provider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create AI provider: %w", err)
	}
	logger.Info("AI provider initialized", "provider", provider.Name())

	writer := ai.NewWriter(provider, cfg.AI.InferenceTimeout, logger)
	svc := stages.NewService(s, writer, snapshots, stages.Config{
		OutlineActs: cfg.Pipeline.OutlineActs,
		Logger:      logger,
	})
	registry := queue.NewRegistry()
	svc.Register(registry)

	a.orchestrator = pipeline.New(s, registry, svc, pipeline.Config{
		HaltOnRejection: cfg.Pipeline.HaltOnRejection,
		Logger:          logger,
	})

	wcfg := queue.Config{
		PollInterval:   cfg.Worker.PollInterval,
		MaxBackoff:     cfg.Worker.MaxBackoff,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		StaleThreshold: cfg.Worker.StaleThreshold,
		Logger:         logger,
		Observer:       a.orchestrator,
	}
	if a.cache != nil {
		wcfg.StatusCache = a.cache
	}
	a.worker = queue.NewWorker(s, registry, wcfg)
	a.tracker = progress.NewTracker(snapshots, stages.NewDurableResults(s), s, logger)

	return a, nil
}

func (a *app) router() http.Handler {
	svc := api.Services{
		Store:              a.store,
		Pipeline:           a.orchestrator,
		Progress:           a.tracker,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}
	if a.cache != nil {
		svc.Cache = a.cache
	}
	return api.NewRouter(api.NewDependencies(svc))
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
