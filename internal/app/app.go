package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/harvest/internal/backoff"
	"github.com/ternarybob/harvest/internal/common"
	"github.com/ternarybob/harvest/internal/handlers"
	"github.com/ternarybob/harvest/internal/interfaces"
	"github.com/ternarybob/harvest/internal/logs"
	"github.com/ternarybob/harvest/internal/orchestrator"
	"github.com/ternarybob/harvest/internal/scrape"
	"github.com/ternarybob/harvest/internal/scrape/stages"
	"github.com/ternarybob/harvest/internal/services/events"
	"github.com/ternarybob/harvest/internal/services/scheduler"
	"github.com/ternarybob/harvest/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager   interfaces.StorageManager
	EventService     interfaces.EventService
	Orchestrators    *orchestrator.Manager
	SchedulerService *scheduler.Service

	APIHandler     *handlers.APIHandler
	BackendHandler *handlers.BackendHandler
	WSHandler      *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.EventService = events.NewService(app.Logger)
	if err := events.SubscribeLoggerToRunEvents(app.EventService, app.Logger); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to subscribe logger: %w", err)
	}

	if err := app.initBackends(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize backends: %w", err)
	}

	app.initHandlers()

	app.SchedulerService.Start()

	logger.Info().
		Int("backends", len(app.Orchestrators.Names())).
		Int("scheduled", len(app.SchedulerService.Statuses())).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager

	a.Logger.Debug().Str("path", a.Config.Storage.Badger.Path).Msg("Storage layer initialized")
	return nil
}

// initBackends builds an orchestrator per enabled backend and registers
// scheduled backends with the scheduler
func (a *App) initBackends() error {
	a.Orchestrators = orchestrator.NewManager(a.Logger)
	a.SchedulerService = scheduler.NewService(a.Logger)

	for _, name := range a.Config.BackendNames() {
		backend := a.Config.Backends[name]
		if !backend.Enabled {
			a.Logger.Debug().Str("backend", name).Msg("Backend disabled, skipping")
			continue
		}

		orch, err := a.newOrchestrator(name, backend)
		if err != nil {
			return fmt.Errorf("backend %s: %w", name, err)
		}
		if err := a.Orchestrators.Register(orch); err != nil {
			return err
		}

		if backend.Schedule != "" {
			if err := a.SchedulerService.Register(orch, backend.Schedule); err != nil {
				return fmt.Errorf("backend %s: %w", name, err)
			}
		}

		a.Logger.Info().
			Str("backend", name).
			Str("url", backend.URL).
			Bool("batch", backend.BatchURL != "").
			Str("schedule", backend.Schedule).
			Msg("Backend registered")
	}
	return nil
}

func (a *App) newOrchestrator(name string, backend common.BackendConfig) (*orchestrator.Orchestrator, error) {
	oc := a.Config.Orchestrator
	bc := a.Config.Backoff
	logger := a.Logger.WithCorrelationId(name)

	capacity := oc.LogCapacity
	if backend.LogCapacity > 0 {
		capacity = backend.LogCapacity
	}
	ring := logs.NewRing(capacity)

	clientOpts := []scrape.ClientOption{
		scrape.WithLogger(logger),
		scrape.WithRequestInterval(common.MustDuration(backend.RequestInterval, scrape.DefaultRequestInterval)),
	}
	if backend.BatchURL != "" {
		clientOpts = append(clientOpts, scrape.WithBatchURL(backend.BatchURL))
	}
	for key, value := range backend.Headers {
		clientOpts = append(clientOpts, scrape.WithHeader(key, value))
	}
	client := scrape.NewStreamClient(backend.URL, clientOpts...)

	profile, err := backend.Profile(name)
	if err != nil {
		return nil, err
	}
	tracker, err := stages.NewTracker(profile)
	if err != nil {
		return nil, err
	}

	policy := backoff.NewPolicy(
		bc.MaxRetries,
		common.MustDuration(bc.RateLimitWait, backoff.DefaultRateLimitWait),
		backoff.Exponential{
			Initial: common.MustDuration(bc.TransientInitial, backoff.DefaultTransientInitial),
			Max:     common.MustDuration(bc.TransientMax, backoff.DefaultTransientMax),
		},
	)

	executor := scrape.NewExecutor(client, tracker, policy, ring, logger,
		scrape.WithIdleTimeout(common.MustDuration(oc.IdleTimeout, scrape.DefaultIdleTimeout)),
		scrape.WithTickInterval(common.MustDuration(oc.ProgressTick, scrape.DefaultTickInterval)),
		scrape.WithDispatchOptions(backend.Options),
	)

	concurrency := oc.Concurrency
	if backend.Concurrency > 0 {
		concurrency = backend.Concurrency
	}
	cfg := orchestrator.Config{
		Backend:          name,
		Concurrency:      concurrency,
		MaxConcurrency:   oc.MaxConcurrency,
		ConfirmThreshold: oc.ConfirmThreshold,
		UseBatch:         oc.UseBatch,
	}

	return orchestrator.New(cfg, executor,
		a.StorageManager.EntityStorage(),
		a.StorageManager.RunStorage(),
		a.EventService,
		ring,
		logger,
	), nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.BackendHandler = handlers.NewBackendHandler(
		a.Orchestrators,
		a.StorageManager.EntityStorage(),
		a.StorageManager.RunStorage(),
		a.SchedulerService,
		a.Logger,
	)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Orchestrators, a.Logger, &a.Config.WebSocket)

	a.Logger.Debug().Msg("Handlers initialized")
}

// Close stops every component in reverse start order. Runs in progress are
// force-stopped so their history is persisted before storage closes.
func (a *App) Close() error {
	if a.SchedulerService != nil {
		a.SchedulerService.Stop()
	}

	if a.Orchestrators != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.Orchestrators.StopAll(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Runs did not stop cleanly")
		}
		cancel()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
