// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// retryable is satisfied by every error type in pkg/errors; an error that
// doesn't implement it is treated as non-retryable.
type retryable interface {
	IsRetryable() bool
}

// RetryConfig configures exponential backoff with jitter.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier grows the delay between attempts. Defaults to 2 if <= 1.
	Multiplier float64
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

// Retry calls fn until it succeeds, fn returns a non-retryable error, ctx is
// cancelled, or cfg.MaxAttempts is exhausted, whichever comes first.
// Retryability is determined by IsRetryable() when fn's error implements it;
// an error that doesn't is treated as non-retryable, matching ExecutorError
// and InternalError's deliberate default.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}

		wait := addJitter(delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = growDelay(delay, cfg)
	}
	return lastErr
}

func isRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

func addJitter(d time.Duration) time.Duration {
	jitterRange := float64(d) * 0.2
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return d + time.Duration(jitter)
}

func growDelay(delay time.Duration, cfg RetryConfig) time.Duration {
	mult := cfg.Multiplier
	if mult <= 1 {
		mult = 2
	}
	delay = time.Duration(float64(delay) * mult)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// Backoff computes the jittered exponential delay for a 1-based attempt
// count, without retrying a call in-process. Callers that must persist
// attempt state externally across independent dequeue/requeue cycles (e.g.
// Dispatcher's unroutable-job counter) use this instead of Retry, which
// assumes the same call can be retried in a single blocking loop.
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = growDelay(delay, cfg)
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return addJitter(delay)
}

// Timeout runs fn with a derived context bounded by d and returns fn's error
// unchanged. Past the deadline fn's ctx reports context.DeadlineExceeded;
// Timeout does not wrap or convert what fn returns.
func Timeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
