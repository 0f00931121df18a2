package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/metrics"
)

const (
	DefaultCommitAttempts        = 3
	DefaultCommitInitialInterval = 2 * time.Second
)

// CommitPolicy controls batch commit retries. Waits start at InitialInterval and double
// after every failed attempt.
type CommitPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
}

func (p *CommitPolicy) applyDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultCommitAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultCommitInitialInterval
	}
}

// PersistenceError reports a batch that could not be committed after all attempts.
type PersistenceError struct {
	Attempts   int
	Operations int
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to commit batch of %d operations after %d attempts: %v", e.Operations, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (p CommitPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.InitialInterval << p.MaxAttempts
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// commitWithRetry commits batch, retrying failed commits per policy. Oversized batches are
// not retried.
func commitWithRetry(ctx context.Context, log *slog.Logger, batch docstore.Batch, policy CommitPolicy) error {
	policy.applyDefaults()

	attempts := 0
	op := func() error {
		attempts++
		err := batch.Commit(ctx)
		if err == nil {
			metrics.BatchCommitAttemptsTotal.WithLabelValues("success").Inc()
			return nil
		}
		metrics.BatchCommitAttemptsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, docstore.ErrBatchTooLarge) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("telemetry: batch commit failed, retrying", "attempt", attempts, "wait", wait.String(), "error", err)
	}

	if err := backoff.RetryNotify(op, policy.backOff(ctx), notify); err != nil {
		return &PersistenceError{Attempts: attempts, Operations: batch.Len(), Err: err}
	}
	return nil
}
