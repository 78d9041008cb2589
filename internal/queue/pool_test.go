package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/faults"
)

func newTestPool(t *testing.T, broker *Broker, maxRequeues int) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(broker, PoolConfig{
		PollInterval: 10 * time.Millisecond,
		Concurrency:  2,
		TaskTimeout:  time.Second,
		MaxRequeues:  maxRequeues,
		RequeueDelay: 10 * time.Millisecond,
	}, arbor.NewLogger())
	t.Cleanup(func() { pool.Stop() })
	return pool
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPoolRunsHandlerAndSettlesTask(t *testing.T) {
	broker := newTestBroker(t, time.Minute)
	pool := newTestPool(t, broker, 0)

	var handled atomic.Int32
	pool.RegisterHandler("download", Registration{
		Handle: func(ctx context.Context, msg *TaskMessage) error {
			handled.Add(1)
			return nil
		},
	})
	require.NoError(t, pool.Start())

	ctx := context.Background()
	_, err := broker.Enqueue(ctx, "download", map[string]interface{}{"job_id": "job_1"})
	require.NoError(t, err)
	_, err = broker.Enqueue(ctx, "download", map[string]interface{}{"job_id": "job_1"})
	require.NoError(t, err)

	waitFor(t, func() bool { return handled.Load() == 2 })

	// Settled tasks are gone from the queue.
	_, err = broker.Receive(ctx)
	require.ErrorIs(t, err, ErrNoTask)
}

func TestPoolRequeuesInfrastructureFailuresThenExhausts(t *testing.T) {
	broker := newTestBroker(t, time.Minute)
	pool := newTestPool(t, broker, 2)

	var (
		mu        sync.Mutex
		attempts  int
		exhausted bool
	)
	pool.RegisterHandler("download", Registration{
		Handle: func(ctx context.Context, msg *TaskMessage) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return faults.New(faults.KindInfrastructure, "backend down")
		},
		OnExhausted: func(ctx context.Context, msg *TaskMessage, err error) {
			mu.Lock()
			exhausted = true
			mu.Unlock()
		},
	})
	require.NoError(t, pool.Start())

	taskID, err := broker.Enqueue(context.Background(), "download", map[string]interface{}{"job_id": "job_1"})
	require.NoError(t, err)

	// First attempt plus MaxRequeues re-queues, then the exhaustion hook.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return exhausted
	})
	mu.Lock()
	require.Equal(t, 3, attempts)
	mu.Unlock()

	// The task id survives every re-queue and is settled at the end.
	waitFor(t, func() bool {
		revoked, err := broker.Revoke(context.Background(), taskID)
		require.NoError(t, err)
		return !revoked
	})
}

func TestPoolDoesNotRequeuePermanentFailures(t *testing.T) {
	broker := newTestBroker(t, time.Minute)
	pool := newTestPool(t, broker, 3)

	var handled atomic.Int32
	pool.RegisterHandler("download", Registration{
		Handle: func(ctx context.Context, msg *TaskMessage) error {
			handled.Add(1)
			return faults.New(faults.KindValidation, "bad payload")
		},
	})
	require.NoError(t, pool.Start())

	_, err := broker.Enqueue(context.Background(), "download", map[string]interface{}{"job_id": "job_1"})
	require.NoError(t, err)

	waitFor(t, func() bool { return handled.Load() == 1 })

	// Give the pool a few more polls to prove no re-delivery happens.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), handled.Load())
}
