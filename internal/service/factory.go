package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/internal/agent"
	"github.com/xkilldash9x/taskpilot/internal/browser/session"
	"github.com/xkilldash9x/taskpilot/internal/cache"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/notify"
	"github.com/xkilldash9x/taskpilot/internal/observability"
	"github.com/xkilldash9x/taskpilot/internal/resolver"
	"github.com/xkilldash9x/taskpilot/internal/store"
)

// ComponentFactory builds the component set for a command.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error)
}

// Sources overrides where pages and sessions come from. Zero fields select
// the chromedp browser pool and the live reasoning-service session.
type Sources struct {
	Pages    agent.Pages
	Sessions agent.SessionFactory
}

type concreteFactory struct {
	sources Sources
}

// NewComponentFactory creates the production factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// NewComponentFactoryWithSources creates a factory that drives the given
// pages and sessions instead of a real browser and service.
func NewComponentFactoryWithSources(src Sources) ComponentFactory {
	return &concreteFactory{sources: src}
}

// Create opens storage, the cache, the browser pool and the notification
// sinks, then builds the orchestrator on top of them.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Metrics
	components.Metrics = observability.NewMetrics()

	// 2. Store, with the environment credential layered on top.
	backend, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to open store: %w", err)
		return nil, initializationErr
	}
	components.Store = backend
	components.Settings = store.WithOverrides(backend, map[string]string{cfg.Session.CredentialKey: cfg.APIKey})
	logger.Debug("Store initialized.", zap.String("backend", cfg.Store.Backend))

	// 3. Resolution cache. Advisory, so a broken cache only costs a warning.
	locators, err := cache.Open(ctx, cfg.Cache, logger)
	if err != nil {
		logger.Warn("Resolution cache unavailable, continuing without it.", zap.Error(err))
		locators = nil
	}
	components.Cache = locators

	resolverOpts := []resolver.Option{resolver.WithMetrics(components.Metrics)}
	if locators != nil {
		resolverOpts = append(resolverOpts, resolver.WithCache(locators))
	}
	res := resolver.New(cfg.Resolver, logger, resolverOpts...)

	// 4. Pages
	pages := f.sources.Pages
	if pages == nil {
		pool := session.NewPool(context.WithoutCancel(ctx), cfg.Browser, logger)
		components.Browser = pool
		pages = agent.BrowserPages{Pool: pool}
	}
	components.Pages = pages

	// 5. Sessions
	sessions := f.sources.Sessions
	if sessions == nil {
		sessions = agent.LiveSessions(cfg.Session, logger, components.Metrics)
	}

	// 6. Notification sinks
	components.Hub = notify.NewHub(logger)
	notifier := notify.Multi{notify.NewLogger(logger), components.Hub}

	// 7. Orchestrator
	orch, err := agent.New(cfg, agent.Dependencies{
		Sessions: sessions,
		Pages:    pages,
		Settings: components.Settings,
		Notifier: notifier,
		Archive:  backend,
		Resolver: res,
		Metrics:  components.Metrics,
	}, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch

	logger.Info("All components initialized.")
	return components, nil
}
