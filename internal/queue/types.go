package queue

import (
	"errors"
	"time"

	"github.com/pixcrawler/pixcrawler/internal/faults"
)

// ErrNoTask is returned by Receive when no task is visible.
var ErrNoTask = errors.New("no task available")

// TaskMessage is the unit the broker stores and workers receive. The
// payload crosses the process boundary as JSON, so it carries primitives
// only; Enqueue rejects anything else.
type TaskMessage struct {
	TaskID       string                 `json:"task_id"`
	Name         string                 `json:"name"`
	Payload      map[string]interface{} `json:"payload"`
	EnqueuedAt   time.Time              `json:"enqueued_at"`
	VisibleAt    time.Time              `json:"visible_at"`
	ReceiveCount int                    `json:"receive_count"`

	// Requeues counts infrastructure re-queues consumed so far. It is
	// distinct from ReceiveCount, which also grows on visibility-timeout
	// redelivery.
	Requeues int `json:"requeues"`
}

// ValidatePayload rejects payload values that are not JSON primitives,
// lists or string-keyed maps of the same. Task payloads must be fully
// serializable; in-process handles must never be queued.
func ValidatePayload(payload map[string]interface{}) error {
	for key, value := range payload {
		if err := validateValue(key, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(field string, value interface{}) error {
	switch v := value.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case []interface{}:
		for _, item := range v {
			if err := validateValue(field, item); err != nil {
				return err
			}
		}
		return nil
	case []string:
		return nil
	case map[string]interface{}:
		for key, item := range v {
			if err := validateValue(field+"."+key, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return faults.Validationf(field, "task payload values must be primitives, lists or maps, got %T", value)
	}
}
