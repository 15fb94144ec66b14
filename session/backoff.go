// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/apex/log"
)

// ErrGaveUp is returned by Backoff.Retry when the maximum number of attempts was reached
var ErrGaveUp = errors.New("session: gave up after maximum number of attempts")

// Backoff is an exponential backoff policy with jitter
type Backoff struct {
	// MaxAttempts is the maximum number of attempts. 0 means unlimited.
	MaxAttempts uint64

	// MinInterval is the interval after the first attempt (before jitter)
	MinInterval time.Duration

	// MaxInterval is the ceiling of the interval (before jitter)
	MaxInterval time.Duration

	// NoJitter disables the jitter of 95-105%
	NoJitter bool
}

// DefaultBackoff doubles the interval from 1s to 32s and gives up after 10 attempts
var DefaultBackoff = Backoff{
	MaxAttempts: 10,
	MinInterval: time.Second,
	MaxInterval: 32 * time.Second,
}

// Interval returns the time to wait after the given (1-based) attempt
func (b Backoff) Interval(attempt uint64) time.Duration {
	minInterval := b.MinInterval
	if minInterval <= 0 {
		minInterval = DefaultBackoff.MinInterval
	}
	maxInterval := b.MaxInterval
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(2, min(
		float64(attempt-1),
		math.Log2(float64(maxInterval)/float64(minInterval)),
	))
	if !b.NoJitter {
		factor = factor * (.95 + .1*rand.Float64()) // #nosec G404
	}
	return time.Duration(factor * float64(minInterval))
}

// Retry calls task until it succeeds, the context is done or the maximum number of attempts is reached
func (b Backoff) Retry(ctx context.Context, logger log.Interface, task func(context.Context) error) error {
	for attempt := uint64(1); ; attempt++ {
		err := task(ctx)
		if err == nil {
			if attempt > 1 {
				logger.WithField("Attempt", attempt).Info("Succeeded after retrying")
			}
			return nil
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("%w (%d): %s", ErrGaveUp, attempt, err)
		}
		interval := b.Interval(attempt)
		logger.WithError(err).WithFields(log.Fields{
			"Attempt":  attempt,
			"Interval": interval,
		}).Warn("Attempt failed, retrying")
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
