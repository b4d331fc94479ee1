// Package retry implements the exponential-backoff-with-jitter policy
// shared by the object store and container service clients. The
// retryable-error predicate is pluggable per backend so each client can
// recognize its own transient-fault vocabulary (throttling, timeouts,
// 5xx, SlowDown) while sharing one backoff implementation.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/cloudburst/pkg/errs"
	"github.com/cuemby/cloudburst/pkg/log"
)

// Predicate reports whether err should be retried.
type Predicate func(err error) bool

// Policy wraps calls with exponential backoff and jitter, escalating the
// last observed error once the attempt budget is exhausted.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   Predicate
}

// Default returns the policy used unless a component overrides it:
// base 200ms, cap at 30s, up to 8 attempts.
func Default(retryable Predicate) Policy {
	return Policy{
		MaxAttempts: 8,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Retryable:   retryable,
	}
}

func (p Policy) backoffFor(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = 2.0
	eb.RandomizationFactor = 0.5 // jitter
	eb.MaxElapsedTime = 0        // bounded by MaxAttempts instead
	return backoff.WithContext(eb, ctx)
}

// Do runs fn, retrying on errors the predicate marks retryable, up to
// MaxAttempts. Non-retryable errors surface immediately (§4.1, §7).
func (p Policy) Do(ctx context.Context, opName string, fn func() error) error {
	b := p.backoffFor(ctx)
	logger := log.WithComponent("retry")

	var lastErr error
	attempt := 0
	for {
		attempt++
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt >= p.MaxAttempts {
			return errs.E(errs.Transient, opName+" exhausted retry budget", lastErr)
		}

		d := b.NextBackOff()
		if d == backoff.Stop {
			if ctx.Err() != nil {
				return errs.E(errs.TimedOut, opName+" canceled during retry backoff", ctx.Err())
			}
			return errs.E(errs.Transient, opName+" exhausted retry budget", lastErr)
		}

		logger.Debug().
			Str("op", opName).
			Int("attempt", attempt).
			Dur("backoff", d).
			Err(lastErr).
			Msg("retrying after transient error")

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.E(errs.TimedOut, opName+" canceled during retry backoff", ctx.Err())
		case <-timer.C:
		}
	}
}
