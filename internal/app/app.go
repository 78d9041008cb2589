package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/handlers"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/models"
	"github.com/pixcrawler/pixcrawler/internal/queue"
	"github.com/pixcrawler/pixcrawler/internal/queue/workers"
	"github.com/pixcrawler/pixcrawler/internal/retry"
	"github.com/pixcrawler/pixcrawler/internal/services/auth"
	jobsvc "github.com/pixcrawler/pixcrawler/internal/services/jobs"
	"github.com/pixcrawler/pixcrawler/internal/services/notify"
	"github.com/pixcrawler/pixcrawler/internal/services/projects"
	"github.com/pixcrawler/pixcrawler/internal/services/scheduler"
	"github.com/pixcrawler/pixcrawler/internal/services/validation"
	badgerstore "github.com/pixcrawler/pixcrawler/internal/storage/badger"
)

// Executors are the task bodies run by the in-process worker pool.
// Either may be nil: task families without an executor are served by
// out-of-process workers posting results to the callback endpoint.
type Executors struct {
	Fetcher   workers.ImageFetcher
	Validator workers.ImageValidator
}

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Task broker and in-process worker pool
	Broker     *queue.Broker
	WorkerPool *queue.WorkerPool

	// Business services
	AuthService       *auth.Service
	JobService        *jobsvc.Service
	ValidationService *validation.Service
	ProjectService    *projects.Service
	NotifyService     *notify.Service
	SchedulerService  *scheduler.Service

	// HTTP handlers
	APIHandler          *handlers.APIHandler
	JobHandler          *handlers.JobHandler
	ProjectHandler      *handlers.ProjectHandler
	ValidationHandler   *handlers.ValidationHandler
	NotificationHandler *handlers.NotificationHandler
	CallbackHandler     *handlers.CallbackHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger, execs Executors) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initQueue(); err != nil {
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	app.initServices()
	app.initWorkers(execs)
	app.initHandlers()

	if cfg.Scheduler.Enabled {
		if err := app.SchedulerService.Start(); err != nil {
			return nil, fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	// Without executors every task is served by external workers through
	// the callback endpoint; an idle pool would claim and drop their
	// tasks, so it only runs when it has handlers.
	if execs.Fetcher != nil || execs.Validator != nil {
		if err := app.WorkerPool.Start(); err != nil {
			return nil, fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	logger.Info().
		Str("decomposition", cfg.Jobs.Decomposition).
		Int("concurrency", cfg.Queue.Concurrency).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	manager, err := badgerstore.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = manager

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	// Bearer tokens come from the credentials directory. A missing
	// directory is fine for worker-only deployments.
	if err := manager.LoadAPIKeysFromFiles(context.Background(), a.Config.Auth.CredentialsDir); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to load API keys from files")
	}

	return nil
}

// initQueue creates the Badger-backed task broker and the worker pool
// over the same datastore.
func (a *App) initQueue() error {
	manager, ok := a.StorageManager.(*badgerstore.Manager)
	if !ok {
		return fmt.Errorf("queue requires the badger storage manager")
	}

	broker, err := queue.NewBroker(
		manager.DB().Store().Badger(),
		a.Config.Queue.QueueName,
		common.Duration(a.Config.Queue.VisibilityTimeout, 5*time.Minute),
		a.Logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	a.Broker = broker

	a.WorkerPool = queue.NewWorkerPool(broker, queue.PoolConfig{
		PollInterval: common.Duration(a.Config.Queue.PollInterval, time.Second),
		Concurrency:  a.Config.Queue.Concurrency,
		TaskTimeout:  common.Duration(a.Config.Queue.TaskTimeout, 15*time.Minute),
		MaxRequeues:  a.Config.Retry.TaskRequeues,
		RequeueDelay: common.Duration(a.Config.Retry.TaskRequeueDelay, time.Minute),
	}, a.Logger)

	return nil
}

// initServices initializes all business services in dependency order.
func (a *App) initServices() {
	a.NotifyService = notify.NewService(a.StorageManager, a.Logger)
	a.JobService = jobsvc.NewService(a.StorageManager, a.Broker, a.NotifyService, a.Config, a.Logger)
	a.ValidationService = validation.NewService(a.StorageManager, a.Broker, a.Logger)
	a.ProjectService = projects.NewService(a.StorageManager, a.Logger)
	a.AuthService = auth.NewService(a.StorageManager.APIKeyStorage(), a.Config.Auth.WorkerSecret, a.Logger)
	a.SchedulerService = scheduler.NewService(a.StorageManager, a.JobService, a.Config, a.Logger)
}

// initWorkers registers in-process task handlers for each supplied
// executor. Task names without a handler stay queued for external
// workers.
func (a *App) initWorkers(execs Executors) {
	policy := retry.NewPolicy(
		a.Config.Retry.OperationAttempts,
		common.Duration(a.Config.Retry.OperationBackoffBase, 2*time.Second),
		common.Duration(a.Config.Retry.OperationBackoffMax, 10*time.Second),
		a.Logger,
	)

	if execs.Fetcher != nil {
		worker := workers.NewDownloadWorker(execs.Fetcher, a.JobService, policy, a.Logger)
		a.WorkerPool.RegisterHandler(models.TaskDownload, queue.Registration{
			Handle:      worker.Handle,
			Limiter:     perMinuteLimiter(a.Config.RateLimits.DownloadPerMinute),
			OnExhausted: worker.OnExhausted,
		})
	}

	if execs.Validator != nil {
		worker := workers.NewValidateWorker(execs.Validator, a.ValidationService, policy, a.Logger)
		for taskName, perMinute := range map[string]int{
			models.TaskValidateFast:   a.Config.RateLimits.ValidateFastPerMinute,
			models.TaskValidateMedium: a.Config.RateLimits.ValidateMediumPerMinute,
			models.TaskValidateSlow:   a.Config.RateLimits.ValidateSlowPerMinute,
		} {
			a.WorkerPool.RegisterHandler(taskName, queue.Registration{
				Handle:  worker.Handle,
				Limiter: perMinuteLimiter(perMinute),
			})
		}
	}
}

// initHandlers wires the HTTP handlers over the services.
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.StorageManager.ImageStorage(), a.Logger)
	a.ProjectHandler = handlers.NewProjectHandler(a.ProjectService, a.Logger)
	a.ValidationHandler = handlers.NewValidationHandler(a.ValidationService, a.Logger)
	a.NotificationHandler = handlers.NewNotificationHandler(a.NotifyService, a.Logger)
	a.CallbackHandler = handlers.NewCallbackHandler(a.AuthService, a.JobService, a.ValidationService, a.Logger)
}

// Shutdown stops background work and closes the datastore.
func (a *App) Shutdown() error {
	a.Logger.Info().Msg("Shutting down application...")

	if a.SchedulerService != nil {
		a.SchedulerService.Stop()
	}
	if a.WorkerPool != nil {
		if err := a.WorkerPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Worker pool stop reported an error")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}

	a.Logger.Info().Msg("Application stopped")
	return nil
}

func perMinuteLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}
