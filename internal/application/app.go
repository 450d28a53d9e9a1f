// Package application assembles the gateway's components and owns their
// lifecycle.
package application

import (
	"context"

	"github.com/modelmux/modelmux/internal/infrastructure/cache"
	"github.com/modelmux/modelmux/internal/infrastructure/classifier"
	"github.com/modelmux/modelmux/internal/infrastructure/config"
	"github.com/modelmux/modelmux/internal/infrastructure/lifecycle"
	"github.com/modelmux/modelmux/internal/infrastructure/llm"
	"github.com/modelmux/modelmux/internal/infrastructure/monitoring"
	httpserver "github.com/modelmux/modelmux/internal/interfaces/http"
	"github.com/modelmux/modelmux/internal/interfaces/http/handlers"
	"go.uber.org/zap"

	// Provider adapters register themselves into the factory table.
	_ "github.com/modelmux/modelmux/internal/infrastructure/llm/anthropic"
	_ "github.com/modelmux/modelmux/internal/infrastructure/llm/gemini"
	_ "github.com/modelmux/modelmux/internal/infrastructure/llm/openai"
)

// App wires configuration into live components and starts/stops them as a
// unit.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	memCache   *cache.Memory
	store      *cache.GormStore
	classifier *classifier.Client
	inflight   *lifecycle.Registry
	registry   *llm.Registry
	monitor    *monitoring.Monitor
	httpServer *httpserver.Server
}

// NewApp builds the full dependency graph. Nothing is started yet; listeners
// come up in Start.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}

	app.memCache = cache.NewMemory(cache.MemoryConfig{
		Enabled:       cfg.Cache.Enabled,
		SweepInterval: cfg.Cache.SweepInterval(),
	}, logger)

	var tiers *cache.TwoTier
	if cfg.DurableCache.Enabled {
		store, err := cache.NewGormStore(cache.StoreConfig{
			Dialect: cfg.DurableCache.Dialect,
			DSN:     cfg.DurableCache.DSN,
		})
		if err != nil {
			// The durable tier is an optimization; run without it.
			logger.Warn("Durable cache unavailable, continuing without it", zap.Error(err))
		} else {
			app.store = store
			tiers = cache.NewTwoTier(store, cache.TwoTierConfig{
				Enabled: true,
				TTL:     cfg.DurableCache.TTL(),
			}, logger)
		}
	}
	if tiers == nil {
		tiers = cache.NewTwoTier(nil, cache.TwoTierConfig{Enabled: false}, logger)
	}

	client, err := classifier.NewClient(classifier.Config{
		Enabled: cfg.Classification.Enabled,
		Host:    cfg.Classification.Host,
		Port:    cfg.Classification.Port,
	}, logger)
	if err != nil {
		return nil, err
	}
	app.classifier = client

	app.registry = llm.NewRegistry(cfg.Providers, logger)
	app.inflight = lifecycle.NewRegistry()
	app.monitor = monitoring.NewMonitor(logger)

	deps := httpserver.Deps{
		Chat:    handlers.NewChatHandler(app.registry, app.memCache, app.inflight, app.monitor, logger),
		Models:  handlers.NewModelHandler(app.registry, classifier.NewCachedClient(client, tiers), app.memCache, logger),
		System:  handlers.NewSystemHandler(config.VersionFile()),
		Monitor: app.monitor,
	}
	app.httpServer = httpserver.NewServer(httpserver.Config{
		Port:       cfg.Server.Port,
		Production: cfg.Server.Production(),
	}, deps, logger)

	return app, nil
}

// Start brings the HTTP listener up.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application",
		zap.Int("port", app.cfg.Server.Port),
		zap.Strings("providers", app.registry.Names()),
		zap.Bool("classification", app.cfg.Classification.Enabled),
	)
	return app.httpServer.Start(ctx)
}

// Stop drains the HTTP server, cancels in-flight generations and closes the
// caches and the classifier connection.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application",
		zap.Int("inflight", app.inflight.Len()))

	err := app.httpServer.Stop(ctx)

	app.inflight.CancelAll()
	app.memCache.Close()
	if app.store != nil {
		if cerr := app.store.Close(); cerr != nil {
			app.logger.Warn("Durable cache close failed", zap.Error(cerr))
		}
	}
	if cerr := app.classifier.Close(); cerr != nil {
		app.logger.Warn("Classifier close failed", zap.Error(cerr))
	}

	return err
}

// Logger exposes the application logger.
func (app *App) Logger() *zap.Logger { return app.logger }
