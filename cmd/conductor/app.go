package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/conductor/internal/api"
	"github.com/rendis/conductor/internal/catalog"
	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/metrics"
	"github.com/rendis/conductor/internal/scheduler"
	"github.com/rendis/conductor/internal/services"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/internal/webhook"
	"github.com/rendis/conductor/pkg/schema"
)

const tracerName = "github.com/rendis/conductor"

// app is the wired process: every component built from one Config.
type app struct {
	cfg    Config
	logger *slog.Logger

	bus       *streaming.MemoryBus
	contexts  *store.MemoryStore
	archive   *store.LibSQLArchive
	gateway   *engine.Gateway
	registry  *engine.WorkflowRegistry
	executor  *engine.WorkflowExecutor
	metrics   *metrics.Registry
	webhooks  *webhook.Notifier
	scheduler *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		bus:     streaming.NewMemoryBus(),
		metrics: metrics.New(metrics.Options{Runtime: true}),
	}
	a.contexts = store.NewMemoryStore(store.MemoryConfig{
		Retention:     cfg.Store.Retention,
		SweepInterval: cfg.Store.SweepInterval,
		Logger:        logger,
	})

	var archive engine.SnapshotLookup
	if cfg.Archive.DBPath != "" {
		db, err := store.NewLibSQLArchive(cfg.Archive.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate archive: %w", err)
		}
		a.archive = db
		archive = db
	}

	tracer := otel.Tracer(tracerName)
	a.gateway = engine.NewGateway(engine.GatewayConfig{
		Breakers:        engine.NewCircuitBreakerRegistry(cfg.Breaker.engine(), logger),
		Logger:          logger,
		Instrumentation: a.metrics,
		Tracer:          tracer,
	})
	for id, ep := range cfg.Services.byID() {
		if err := a.registerService(id, ep); err != nil {
			a.close()
			return nil, err
		}
	}

	a.registry = engine.NewWorkflowRegistry(logger)
	if err := services.RegisterBuiltins(a.registry); err != nil {
		a.close()
		return nil, err
	}
	if cfg.DefinitionsDir != "" {
		compiler, err := catalog.NewCompiler(a.gateway, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		n, err := compiler.RegisterAll(a.registry, os.DirFS(cfg.DefinitionsDir), ".")
		if err != nil {
			a.close()
			return nil, fmt.Errorf("load definitions from %s: %w", cfg.DefinitionsDir, err)
		}
		logger.Info("definitions loaded", slog.String("dir", cfg.DefinitionsDir), slog.Int("count", n))
	}

	a.executor = engine.NewExecutor(engine.ExecutorConfig{
		Registry:        a.registry,
		Store:           a.contexts,
		Gateway:         a.gateway,
		Bus:             a.bus,
		Archive:         archive,
		PoolSize:        cfg.PoolSize,
		Logger:          logger,
		Instrumentation: a.metrics,
		Tracer:          tracer,
	})
	a.metrics.WatchPool(a.executor.Pool)

	a.webhooks = webhook.NewNotifier(webhook.Config{
		Source:      a.executor,
		Secret:      cfg.Webhook.HMACSecret,
		Timeout:     cfg.Webhook.Timeout,
		Concurrency: cfg.Webhook.Concurrency,
		Logger:      logger,
	})

	sched, err := scheduler.New(a.executor, scheduler.Config{Schedules: cfg.Schedules, Logger: logger})
	if err != nil {
		a.close()
		return nil, err
	}
	a.scheduler = sched
	return a, nil
}

// registerService wires one downstream service. A service without a URL is
// still registered so workflows naming it fail with SERVICE_UNAVAILABLE
// instead of being rejected at load time.
func (a *app) registerService(id schema.ServiceID, ep ServiceEndpoint) error {
	var transport engine.Transport
	if ep.URL == "" {
		a.logger.Warn("service not configured", slog.String("service", string(id)))
		transport = engine.TransportFunc(func(context.Context, schema.ServiceRequest) (*schema.ServiceResponse, error) {
			return nil, schema.NewErrorf(schema.ErrCodeServiceUnavailable, "service %s is not configured", id)
		})
	} else {
		var sanitizer *services.Sanitizer
		if len(ep.RedactFields) > 0 {
			sanitizer = &services.Sanitizer{Fields: ep.RedactFields}
		}
		t, err := services.NewHTTPTransport(services.HTTPConfig{
			Service:    id,
			BaseURL:    ep.URL,
			APIKey:     ep.APIKey,
			HMACSecret: ep.HMACSecret,
			Client:     &http.Client{Timeout: ep.Timeout + time.Second},
			Sanitizer:  sanitizer,
		})
		if err != nil {
			return err
		}
		transport = t
	}
	return a.gateway.Register(id, engine.ServiceConfig{
		Transport: transport,
		Timeout:   ep.Timeout,
		Retry: schema.RetryPolicy{
			MaxRetries:   ep.Retry.MaxRetries,
			InitialDelay: ep.Retry.InitialDelay,
		},
		RateLimit: ep.RateLimit,
		Burst:     ep.Burst,
	})
}

// runBackground starts the store reaper, the archive recorder, webhook
// delivery and the scheduler on g. They all stop when ctx is done.
func (a *app) runBackground(ctx context.Context, g *errgroup.Group) error {
	a.contexts.Start(ctx)
	if a.archive != nil {
		recorder := store.NewRecorder(a.archive, a.contexts, a.logger)
		g.Go(func() error { return ignoreCancel(recorder.Run(ctx, a.bus)) })
	}
	g.Go(func() error { return ignoreCancel(a.webhooks.Run(ctx, a.bus)) })
	return a.scheduler.Start(ctx)
}

func (a *app) apiServer() *api.Server {
	return api.NewServer(api.Deps{
		Executor:    a.executor,
		Breakers:    a.gateway,
		Bus:         a.bus,
		Metrics:     a.metrics.Handler(),
		Pool:        a.executor.Pool,
		Schedules:   a.scheduler.Jobs,
		Definitions: a.registry.Get,
		Logger:      a.logger,
	})
}

// shutdown stops intake and waits for in-flight executions. Background
// consumers keep running so terminal events still reach them.
func (a *app) shutdown(ctx context.Context) error {
	a.scheduler.Stop()
	return a.executor.Shutdown(ctx)
}

func (a *app) close() {
	if a.contexts != nil {
		a.contexts.Stop()
	}
	a.bus.Close()
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Warn("archive close failed", slog.String("error", err.Error()))
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
