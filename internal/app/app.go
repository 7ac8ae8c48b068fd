// Package app builds the long-lived components once and hands them to the
// HTTP server and the CLI commands.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"finagent/internal/agent"
	"finagent/internal/config"
	"finagent/internal/conversation"
	"finagent/internal/finance"
	"finagent/internal/insights"
	"finagent/internal/provider"
	"finagent/internal/provider/factory"
	"finagent/internal/provider/offline"
	"finagent/internal/router"
	"finagent/internal/tools"
)

// App is the application context.
type App struct {
	Config        config.Config
	Logger        *slog.Logger
	Finance       *finance.Store
	Router        *router.Router
	Conversations *conversation.Store
	Tools         *tools.Registry
	Agent         *agent.Agent
	Insights      *insights.Service
}

// New wires every component from cfg. An empty finance database is filled
// with demo data so a fresh install can answer questions.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	primary, err := factory.New(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	store, err := finance.Open(ctx, cfg.Database.Path, finance.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := seedIfEmpty(ctx, store, logger); err != nil {
		store.Close()
		return nil, err
	}

	registry, err := tools.NewFinancialRegistry(store, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	var fallback provider.Provider
	if primary.Name() != config.ProviderOffline {
		fallback = offline.New()
	}
	rt := router.New(primary, fallback, router.WithLogger(logger))

	conversations := conversation.NewStore(
		conversation.WithLogger(logger),
		conversation.WithLimits(cfg.Conversations.MaxConversations, cfg.Conversations.IdleTimeout),
	)

	settings := agent.SettingsFrom(cfg.Agent)
	settings.Temperature = cfg.LLM.Temperature
	if cfg.LLM.MaxTokens > 0 {
		maxTokens := cfg.LLM.MaxTokens
		settings.MaxTokens = &maxTokens
	}

	return &App{
		Config:        cfg,
		Logger:        logger,
		Finance:       store,
		Router:        rt,
		Conversations: conversations,
		Tools:         registry,
		Agent:         agent.New(rt, registry, conversations, settings, agent.WithLogger(logger)),
		Insights: insights.NewService(rt, store,
			insights.WithLogger(logger),
			insights.WithCache(cfg.Insights.CacheTTL, cfg.Insights.CacheSize),
		),
	}, nil
}

// Close releases the database.
func (a *App) Close() error {
	if a == nil || a.Finance == nil {
		return nil
	}
	if err := a.Finance.Close(); err != nil {
		return fmt.Errorf("close finance store: %w", err)
	}
	return nil
}

func seedIfEmpty(ctx context.Context, store *finance.Store, logger *slog.Logger) error {
	n, err := store.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	inserted, err := store.Seed(ctx, finance.DefaultSeedMonths, finance.DefaultSeed)
	if err != nil {
		return fmt.Errorf("seed demo data: %w", err)
	}
	logger.Info("finance store was empty, loaded demo data", "records", inserted)
	return nil
}
