// Package retry runs an operation again with exponential backoff until it
// succeeds, gives up, or is told to stop.
//
//	err := retry.Do(ctx, cfg, func() error {
//		err := insert()
//		if err != nil && !isBusy(err) {
//			return retry.Stop(err)
//		}
//		return err
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/sift/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter draws each delay from [d/2, d).
	Jitter bool
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
}

// Delay returns how long to wait before the given retry. Retry 1 waits
// InitialInterval.
func (c BackoffConfig) Delay(retry int) time.Duration {
	if retry <= 1 {
		retry = 1
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(math.Min(
		float64(c.InitialInterval)*math.Pow(mult, float64(retry-1)),
		float64(c.MaxInterval),
	))
	if c.Jitter && d > 1 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
	}
	return d
}

// StopError carries an error that must not be retried.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }
func (s StopError) Unwrap() error { return s.Err }

// Stop marks err as final.
func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// Do calls fn until it returns nil, returns an error wrapped by Stop, or
// has run MaxRetries+1 times. A stop error is returned unwrapped.
func Do(ctx context.Context, cfg BackoffConfig, fn func() error) error {
	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}

		if err = fn(); err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		logger.Debug("Retrying", "attempt", attempt+1, "max_attempts", cfg.MaxRetries+1, "error", err)
	}
	return fmt.Errorf("gave up after %d attempts: %w", cfg.MaxRetries+1, err)
}
