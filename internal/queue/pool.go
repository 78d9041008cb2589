package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/faults"
)

// Handler processes one claimed task.
type Handler func(ctx context.Context, msg *TaskMessage) error

// Registration binds a task name to its handler, an optional rate
// limiter honored before execution, and an optional exhaustion hook
// invoked when infrastructure re-queues run out.
type Registration struct {
	Handle  Handler
	Limiter *rate.Limiter

	// OnExhausted runs after the last permitted re-queue fails, so the
	// owning service can settle the task instead of leaving it hanging.
	OnExhausted func(ctx context.Context, msg *TaskMessage, err error)
}

// PoolConfig sizes the worker pool and its retry behavior.
type PoolConfig struct {
	PollInterval time.Duration
	Concurrency  int
	TaskTimeout  time.Duration
	MaxRequeues  int
	RequeueDelay time.Duration
}

// WorkerPool runs in-process task workers against the broker. Failures
// classified as infrastructure are re-queued with a delay up to
// MaxRequeues times; every other failure settles the task immediately,
// the handler having already reported it.
type WorkerPool struct {
	broker   *Broker
	config   PoolConfig
	handlers map[string]Registration
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewWorkerPool creates a worker pool over the broker.
func NewWorkerPool(broker *Broker, config PoolConfig, logger arbor.ILogger) *WorkerPool {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		broker:   broker,
		config:   config,
		handlers: make(map[string]Registration),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler registers the handler for a task name.
func (wp *WorkerPool) RegisterHandler(taskName string, registration Registration) {
	wp.handlers[taskName] = registration
	wp.logger.Debug().Str("task_name", taskName).Msg("Task handler registered")
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() error {
	wp.logger.Info().
		Int("concurrency", wp.config.Concurrency).
		Dur("poll_interval", wp.config.PollInterval).
		Msg("Starting worker pool")

	for i := 0; i < wp.config.Concurrency; i++ {
		workerID := i
		common.SafeGo(wp.logger, "queue-worker", func() {
			wp.worker(workerID)
		})
	}
	return nil
}

// Stop cancels all workers.
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	return nil
}

func (wp *WorkerPool) worker(workerID int) {
	// Stagger starts so workers do not all hit the broker on the same
	// tick.
	stagger := (wp.config.PollInterval / time.Duration(wp.config.Concurrency)) * time.Duration(workerID)
	if stagger > 0 {
		select {
		case <-wp.ctx.Done():
			return
		case <-time.After(stagger):
		}
	}

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().Int("worker_id", workerID).Msg("Worker stopped")
			return
		case <-ticker.C:
			if err := wp.processTask(workerID); err != nil && !errors.Is(err, ErrNoTask) {
				wp.logger.Warn().
					Err(err).
					Int("worker_id", workerID).
					Msg("Error processing task")
			}
		}
	}
}

func (wp *WorkerPool) processTask(workerID int) error {
	msg, err := wp.broker.Receive(wp.ctx)
	if err != nil {
		return err
	}

	registration, exists := wp.handlers[msg.Name]
	if !exists {
		wp.logger.Error().
			Str("task_name", msg.Name).
			Str("task_id", msg.TaskID).
			Msg("No handler registered for task")
		return wp.broker.Delete(wp.ctx, msg.TaskID)
	}

	ctx := wp.ctx
	if wp.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wp.config.TaskTimeout)
		defer cancel()
	}

	// Rate hints are honored here, before execution, so a claimed task
	// waits rather than burning its visibility window in a retry loop.
	if registration.Limiter != nil {
		if err := registration.Limiter.Wait(ctx); err != nil {
			// Shutdown or deadline while waiting: leave the task to
			// reappear after its visibility timeout.
			return err
		}
	}

	start := time.Now()
	handlerErr := registration.Handle(ctx, msg)
	duration := time.Since(start)

	if handlerErr == nil {
		wp.logger.Info().
			Str("task_id", msg.TaskID).
			Str("task_name", msg.Name).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Task completed")
		return wp.broker.Delete(wp.ctx, msg.TaskID)
	}

	// Only infrastructure failures are re-queued; the operation layer
	// inside the handler has already retried transient network errors,
	// and permanent errors were settled by the handler itself.
	if faults.KindOf(handlerErr) == faults.KindInfrastructure && msg.Requeues < wp.config.MaxRequeues {
		wp.logger.Warn().
			Err(handlerErr).
			Str("task_id", msg.TaskID).
			Str("task_name", msg.Name).
			Int("requeues", msg.Requeues).
			Msg("Infrastructure failure, requeueing task")
		return wp.broker.Requeue(wp.ctx, msg, wp.config.RequeueDelay)
	}

	wp.logger.Error().
		Err(handlerErr).
		Str("task_id", msg.TaskID).
		Str("task_name", msg.Name).
		Dur("duration", duration).
		Int("worker_id", workerID).
		Msg("Task handler failed")

	if faults.KindOf(handlerErr) == faults.KindInfrastructure && registration.OnExhausted != nil {
		registration.OnExhausted(wp.ctx, msg, handlerErr)
	}
	return wp.broker.Delete(wp.ctx, msg.TaskID)
}
