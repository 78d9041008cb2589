package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/faults"
)

// Broker is the Badger-backed task broker. Task bodies are stored at
// queue:{name}:msg:{taskID}; a time-ordered visibility index at
// queue:{name}:index:{visibleAt}:{taskID} lets Receive scan only ready
// tasks. Claiming a task moves its index entry forward by the
// visibility timeout, so a crashed worker's task reappears on its own.
type Broker struct {
	db                *badgerdb.DB
	name              string
	visibilityTimeout time.Duration
	logger            arbor.ILogger
}

// NewBroker creates a broker on the given Badger database.
func NewBroker(db *badgerdb.DB, name string, visibilityTimeout time.Duration, logger arbor.ILogger) (*Broker, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	return &Broker{
		db:                db,
		name:              name,
		visibilityTimeout: visibilityTimeout,
		logger:            logger,
	}, nil
}

// Enqueue queues a named task, immediately visible, and returns the
// generated task id.
func (b *Broker) Enqueue(ctx context.Context, taskName string, payload map[string]interface{}) (string, error) {
	return b.enqueue(ctx, taskName, payload, 0, 0)
}

// EnqueueWithDelay queues a task that becomes visible after delay.
func (b *Broker) EnqueueWithDelay(ctx context.Context, taskName string, payload map[string]interface{}, delay time.Duration) (string, error) {
	return b.enqueue(ctx, taskName, payload, delay, 0)
}

func (b *Broker) enqueue(ctx context.Context, taskName string, payload map[string]interface{}, delay time.Duration, requeues int) (string, error) {
	if taskName == "" {
		return "", faults.Validationf("task_name", "is required")
	}
	if err := ValidatePayload(payload); err != nil {
		return "", err
	}

	now := time.Now()
	msg := TaskMessage{
		TaskID:     common.NewTaskID(),
		Name:       taskName,
		Payload:    payload,
		EnqueuedAt: now,
		VisibleAt:  now.Add(delay),
		Requeues:   requeues,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", faults.Wrap(faults.KindValidation, err, "failed to marshal task %s", taskName)
	}

	err = b.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(b.msgKey(msg.TaskID), data); err != nil {
			return err
		}
		return txn.Set(b.indexKey(msg.VisibleAt, msg.TaskID), []byte{})
	})
	if err != nil {
		return "", faults.Wrap(faults.KindInfrastructure, err, "failed to enqueue task %s", taskName)
	}

	b.logger.Debug().
		Str("task_id", msg.TaskID).
		Str("task_name", taskName).
		Dur("delay", delay).
		Msg("Task enqueued")
	return msg.TaskID, nil
}

// Receive claims the oldest visible task, pushing its visibility
// forward by the visibility timeout. Returns ErrNoTask when nothing is
// ready.
func (b *Broker) Receive(ctx context.Context) (*TaskMessage, error) {
	var claimed TaskMessage

	err := b.db.Update(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := b.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			indexKey := it.Item().KeyCopy(nil)
			visibleAt, taskID, err := b.parseIndexKey(indexKey)
			if err != nil {
				continue
			}
			// Index keys sort by timestamp: the first future entry ends
			// the scan.
			if visibleAt.After(now) {
				break
			}

			item, err := txn.Get(b.msgKey(taskID))
			if err != nil {
				if errors.Is(err, badgerdb.ErrKeyNotFound) {
					// Orphaned index entry, clean it up and keep going.
					if err := txn.Delete(indexKey); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var msg TaskMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}

			msg.ReceiveCount++
			msg.VisibleAt = now.Add(b.visibilityTimeout)

			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := txn.Set(b.msgKey(taskID), data); err != nil {
				return err
			}
			if err := txn.Delete(indexKey); err != nil {
				return err
			}
			if err := txn.Set(b.indexKey(msg.VisibleAt, taskID), []byte{}); err != nil {
				return err
			}

			claimed = msg
			return nil
		}
		return ErrNoTask
	})
	if err != nil {
		if errors.Is(err, ErrNoTask) {
			return nil, ErrNoTask
		}
		return nil, faults.Wrap(faults.KindInfrastructure, err, "failed to receive task")
	}
	return &claimed, nil
}

// Delete removes a settled task.
func (b *Broker) Delete(ctx context.Context, taskID string) error {
	err := b.remove(taskID)
	if err != nil {
		return faults.Wrap(faults.KindInfrastructure, err, "failed to delete task %s", taskID)
	}
	return nil
}

// Requeue re-queues a claimed task with a visibility delay, bumping its
// requeue count. The task keeps its id so dispatch records stay valid.
func (b *Broker) Requeue(ctx context.Context, msg *TaskMessage, delay time.Duration) error {
	requeued := *msg
	requeued.Requeues++
	requeued.VisibleAt = time.Now().Add(delay)

	data, err := json.Marshal(requeued)
	if err != nil {
		return faults.Wrap(faults.KindValidation, err, "failed to marshal task %s", msg.TaskID)
	}

	err = b.db.Update(func(txn *badgerdb.Txn) error {
		if err := b.deleteInTxn(txn, msg.TaskID); err != nil {
			return err
		}
		if err := txn.Set(b.msgKey(requeued.TaskID), data); err != nil {
			return err
		}
		return txn.Set(b.indexKey(requeued.VisibleAt, requeued.TaskID), []byte{})
	})
	if err != nil {
		return faults.Wrap(faults.KindInfrastructure, err, "failed to requeue task %s", msg.TaskID)
	}

	b.logger.Warn().
		Str("task_id", msg.TaskID).
		Str("task_name", msg.Name).
		Int("requeues", requeued.Requeues).
		Dur("delay", delay).
		Msg("Task requeued")
	return nil
}

// Revoke is best-effort cancellation: a task still in the broker is
// removed and true is returned; a task already consumed (or claimed and
// settled) yields false without error.
func (b *Broker) Revoke(ctx context.Context, taskID string) (bool, error) {
	accepted := false
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(b.msgKey(taskID)); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if err := b.deleteInTxn(txn, taskID); err != nil {
			return err
		}
		accepted = true
		return nil
	})
	if err != nil {
		return false, faults.Wrap(faults.KindInfrastructure, err, "failed to revoke task %s", taskID)
	}
	if accepted {
		b.logger.Debug().Str("task_id", taskID).Msg("Task revoked")
	}
	return accepted, nil
}

// RevokeMany revokes a batch and returns how many the broker accepted.
func (b *Broker) RevokeMany(ctx context.Context, taskIDs []string) (int, error) {
	accepted := 0
	for _, taskID := range taskIDs {
		ok, err := b.Revoke(ctx, taskID)
		if err != nil {
			return accepted, err
		}
		if ok {
			accepted++
		}
	}
	return accepted, nil
}

func (b *Broker) remove(taskID string) error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return b.deleteInTxn(txn, taskID)
	})
}

// deleteInTxn removes both the message and its current index entry.
// The index key embeds VisibleAt, so the message is read first.
func (b *Broker) deleteInTxn(txn *badgerdb.Txn, taskID string) error {
	item, err := txn.Get(b.msgKey(taskID))
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		return err
	}

	var msg TaskMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return err
	}

	if err := txn.Delete(b.indexKey(msg.VisibleAt, taskID)); err != nil && !errors.Is(err, badgerdb.ErrKeyNotFound) {
		return err
	}
	return txn.Delete(b.msgKey(taskID))
}

func (b *Broker) msgKey(taskID string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", b.name, taskID))
}

func (b *Broker) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", b.name))
}

func (b *Broker) indexKey(visibleAt time.Time, taskID string) []byte {
	// Zero-padded nanoseconds so lexicographic order is time order.
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", b.name, visibleAt.UnixNano(), taskID))
}

func (b *Broker) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := b.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid index key")
	}
	suffix := string(key[len(prefix):])
	if len(suffix) < 22 {
		return time.Time{}, "", fmt.Errorf("invalid index key suffix")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
