package retry

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/faults"
)

// Policy is the transient-failure retry applied around individual
// worker operations such as a single engine request or image fetch.
// Permanent failures are never retried; infrastructure failures are
// handled one layer up by the task re-queue, so they pass through
// untouched as well.
type Policy struct {
	Attempts    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	logger      arbor.ILogger
}

// NewPolicy builds a policy with the given bounds.
func NewPolicy(attempts int, backoffBase, backoffMax time.Duration, logger arbor.ILogger) *Policy {
	if attempts <= 0 {
		attempts = 1
	}
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	if backoffMax < backoffBase {
		backoffMax = backoffBase
	}
	return &Policy{
		Attempts:    attempts,
		BackoffBase: backoffBase,
		BackoffMax:  backoffMax,
		logger:      logger,
	}
}

// Do runs op up to Attempts times. Between attempts it sleeps the
// exponential backoff, doubled each attempt and capped at BackoffMax,
// except that a rate-limited failure carrying a wait hint sleeps the
// hint instead. The last error is returned once attempts run out.
func (p *Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error
	delay := p.BackoffBase

	for attempt := 1; attempt <= p.Attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == p.Attempts {
			break
		}

		wait := delay
		if hint := faults.RetryAfterOf(lastErr); hint > 0 {
			wait = hint
		}
		if wait > p.BackoffMax {
			wait = p.BackoffMax
		}

		if p.logger != nil {
			p.logger.Warn().
				Err(lastErr).
				Str("operation", name).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("Transient failure, retrying")
		}

		select {
		case <-ctx.Done():
			return faults.Wrap(faults.KindInfrastructure, ctx.Err(), "%s aborted during retry wait", name)
		case <-time.After(wait):
		}

		delay *= 2
		if delay > p.BackoffMax {
			delay = p.BackoffMax
		}
	}
	return lastErr
}

// retryable reports whether this layer owns the failure. Infrastructure
// failures are transient but belong to the task re-queue; retrying them
// here would stack the two layers on one failure.
func retryable(err error) bool {
	if faults.KindOf(err) == faults.KindInfrastructure {
		return false
	}
	return faults.IsTransient(err)
}
