package interfaces

import (
	"context"
	"time"
)

// TaskDispatcher is the thin abstraction over the asynchronous task
// broker. It is stateless with respect to business logic: it knows task
// names and primitive payloads, never jobs.
//
// Payloads must contain only strings, numbers, booleans, and lists or
// maps of the same. Enqueue rejects anything else with a Validation
// fault so that no handle ever crosses the process boundary.
type TaskDispatcher interface {
	// Enqueue queues a named task and returns its opaque task id.
	Enqueue(ctx context.Context, taskName string, payload map[string]interface{}) (string, error)

	// EnqueueWithDelay queues a task that becomes visible after delay.
	// Used by the task-layer retry to re-queue on infrastructure
	// failures.
	EnqueueWithDelay(ctx context.Context, taskName string, payload map[string]interface{}, delay time.Duration) (string, error)

	// Revoke attempts best-effort cancellation of a queued task.
	// Returns whether the broker accepted the revocation.
	Revoke(ctx context.Context, taskID string) (bool, error)

	// RevokeMany revokes a batch and returns the accepted count.
	RevokeMany(ctx context.Context, taskIDs []string) (int, error)
}
