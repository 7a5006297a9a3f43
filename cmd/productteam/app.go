package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/aristath/productteam/internal/agent"
	"github.com/aristath/productteam/internal/backend"
	"github.com/aristath/productteam/internal/classifier"
	"github.com/aristath/productteam/internal/config"
	"github.com/aristath/productteam/internal/engine"
	"github.com/aristath/productteam/internal/events"
	"github.com/aristath/productteam/internal/knowledge"
	"github.com/aristath/productteam/internal/orchestrator"
	"github.com/aristath/productteam/internal/persistence"
	"github.com/aristath/productteam/internal/planner"
	"github.com/aristath/productteam/internal/registry"
	"github.com/aristath/productteam/internal/scheduler"
	"github.com/aristath/productteam/internal/telemetry"
)

type appOptions struct {
	configPath string
	offline    bool // Route every role to the stub backend
	logger     *slog.Logger
}

// app owns every long-lived component of one process.
type app struct {
	cfg         *config.Config
	globalPath  string
	projectPath string
	registry    *registry.Registry
	engine      *engine.Engine
	bus         *events.EventBus
	store       persistence.Store
	index       *knowledge.Index
	cache       *classifier.Cache
	reasoner    *agent.BackendReasoner
	pm          *backend.ProcessManager
	logger      *slog.Logger
	stopMetrics context.CancelFunc
}

func newApp(ctx context.Context, opts appOptions) (a *app, err error) {
	logger := opts.logger
	if logger == nil {
		logger = slog.Default()
	}

	global, project, err := configPaths(&rootOptions{configPath: opts.configPath})
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(global, project)
	if err != nil {
		return nil, err
	}

	a = &app{
		cfg:         cfg,
		globalPath:  global,
		projectPath: project,
		bus:         events.NewEventBus(),
		pm:          backend.NewProcessManager(),
		logger:      logger,
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	snap, err := registry.NewSnapshot(cfg)
	if err != nil {
		return nil, fmt.Errorf("building role registry: %w", err)
	}
	a.registry = registry.New(snap)

	if cfg.Knowledge.Enabled {
		if a.index, err = knowledge.NewIndex(cfg.Knowledge.TopK); err != nil {
			return nil, fmt.Errorf("creating knowledge index: %w", err)
		}
		if cfg.Knowledge.SeedDir != "" {
			n, err := a.index.LoadDir(cfg.Knowledge.SeedDir)
			if err != nil {
				return nil, fmt.Errorf("loading knowledge from %s: %w", cfg.Knowledge.SeedDir, err)
			}
			logger.Info("knowledge loaded", "dir", cfg.Knowledge.SeedDir, "passages", n)
		}
	}

	if cfg.Storage.Path != "" {
		a.store, err = persistence.NewSQLiteStore(ctx, cfg.Storage.Path)
	} else {
		a.store, err = persistence.NewMemoryStore(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("opening run history: %w", err)
	}

	override := ""
	if opts.offline {
		override = "stub"
	}
	factory := agent.ConfigFactory(cfg, a.pm, override)

	if a.cache, err = classifier.NewCache(cfg.Classifier.CacheTTL); err != nil {
		return nil, fmt.Errorf("creating classification cache: %w", err)
	}
	clsOpts := []classifier.Option{
		classifier.WithThreshold(cfg.Classifier.Threshold),
		classifier.WithCache(a.cache),
		classifier.WithLogger(logger),
	}
	if provider := cfg.Classifier.ReasoningProvider; provider != "" && !opts.offline {
		if _, ok := cfg.Providers[provider]; !ok {
			return nil, fmt.Errorf("classifier.reasoning_provider: provider %q is not configured", provider)
		}
		clsOpts = append(clsOpts, classifier.WithSuggester(classifier.NewBackendSuggester(opener(cfg, a.pm, provider, "classifier"))))
	}

	var planOpts []planner.Option
	if provider := cfg.Planner.ReviewProvider; provider != "" && !opts.offline {
		if _, ok := cfg.Providers[provider]; !ok {
			return nil, fmt.Errorf("planner.review_provider: provider %q is not configured", provider)
		}
		planOpts = append(planOpts, planner.WithReviewer(planner.NewBackendReviewer(opener(cfg, a.pm, provider, "plan-review"))))
	}

	a.reasoner = agent.NewBackendReasoner(factory, agent.NewBreakerRegistry(logger), logger)
	rtOpts := []agent.Option{
		agent.WithDefaultTimeout(cfg.Scheduler.NodeTimeout),
		agent.WithLogger(logger),
	}
	if a.index != nil {
		rtOpts = append(rtOpts, agent.WithRetriever(a.index))
	}
	runner := orchestrator.NewRunner(orchestrator.RunnerConfig{
		ConcurrencyLimit: cfg.Scheduler.ConcurrencyLimit,
		Retry:            orchestrator.RetryConfigFrom(cfg.Scheduler),
	}, agent.NewRuntime(a.reasoner, rtOpts...), scheduler.NewResourceLockManager(), a.bus, logger)

	rec, err := telemetry.NewRecorder(otel.GetMeterProvider(), logger)
	if err != nil {
		return nil, err
	}
	metricsCtx, stop := context.WithCancel(context.Background())
	a.stopMetrics = stop
	go rec.Run(metricsCtx, a.bus.SubscribeAll(256))

	engOpts := engine.Options{
		Registry:     a.registry,
		Classifier:   classifier.New(clsOpts...),
		Planner:      planner.New(logger, planOpts...),
		Runner:       runner,
		Store:        a.store,
		RetainedRuns: cfg.Storage.RetainedRuns,
		Logger:       logger,
	}
	if a.index != nil {
		engOpts.Knowledge = a.index
	}
	if a.engine, err = engine.New(engOpts); err != nil {
		return nil, err
	}
	return a, nil
}

// opener opens a backend on provider for a helper that is not a team role.
func opener(cfg *config.Config, pm *backend.ProcessManager, provider, id string) backend.Opener {
	factory := agent.ConfigFactory(cfg, pm, provider)
	return func() (backend.Backend, error) {
		return factory(registry.Role{ID: id})
	}
}

// loader reloads configuration from the same paths the app started with.
func (a *app) loader() registry.Loader {
	return func() (*config.Config, error) {
		return config.Load(a.globalPath, a.projectPath)
	}
}

// shutdown cancels active runs and waits for them to settle.
func (a *app) shutdown(ctx context.Context) error {
	if a.engine == nil {
		return nil
	}
	return a.engine.Shutdown(ctx)
}

func (a *app) close() error {
	var errs []error
	if a.stopMetrics != nil {
		a.stopMetrics()
	}
	if a.reasoner != nil {
		errs = append(errs, a.reasoner.Close())
	}
	if a.pm != nil {
		errs = append(errs, a.pm.KillAll())
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.bus != nil {
		a.bus.Close()
	}
	return errors.Join(errs...)
}
