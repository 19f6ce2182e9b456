// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// Func is an operation that may be retried.
type Func func(ctx context.Context) error

// Config holds retry configuration
type Config struct {
	MaxRetries int           // attempts after the first one
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
	// Retryable reports whether err is worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Retrier handles retry logic with exponential backoff
type Retrier struct {
	config Config
	log    logrus.FieldLogger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(config Config, log logrus.FieldLogger) *Retrier {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &Retrier{config: config, log: log, sleep: sleepContext}
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done.
func (r *Retrier) Do(ctx context.Context, op string, fn Func) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.log.WithFields(logrus.Fields{"op": op, "attempts": attempt + 1}).Info("Succeeded after retries")
			}
			return nil
		}
		lastErr = err

		if r.config.Retryable != nil && !r.config.Retryable(err) {
			return err
		}
		if attempt == r.config.MaxRetries {
			break
		}

		delay := r.delay(attempt)
		r.log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).WithError(err).Warn("Operation failed, retrying")

		if err := r.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}

	return fmt.Errorf("%s: retry limit exceeded after %d attempts: %w", op, r.config.MaxRetries+1, lastErr)
}

func (r *Retrier) delay(attempt int) time.Duration {
	d := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt))
	if r.config.MaxDelay > 0 && d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		d += d * 0.1 * rand.Float64()
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
