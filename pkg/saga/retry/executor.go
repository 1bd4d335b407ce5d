// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// AttemptFunc is one attempt of a retried operation. attempt is 1-indexed.
type AttemptFunc func(ctx context.Context, attempt int) error

// Executor runs an AttemptFunc until it succeeds, fails permanently or the
// retry budget is spent.
type Executor struct {
	policy    Policy
	retryable func(error) bool
	logger    *zap.Logger
	onRetry   func(attempt int, err error, delay time.Duration)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithClassifier overrides which errors are retried. The default retries
// errors classified as transient.
func WithClassifier(retryable func(error) bool) ExecutorOption {
	return func(e *Executor) {
		e.retryable = retryable
	}
}

// WithLogger sets the logger for the executor.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// OnRetry registers a callback invoked before each retry delay.
func OnRetry(fn func(attempt int, err error, delay time.Duration)) ExecutorOption {
	return func(e *Executor) {
		e.onRetry = fn
	}
}

// NewExecutor creates a new retry executor.
func NewExecutor(policy Policy, opts ...ExecutorOption) *Executor {
	if policy == nil {
		policy = NewExponentialBackoffPolicy(nil)
	}
	e := &Executor{
		policy:    policy,
		retryable: saga.IsTransient,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the backoff policy of the executor.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs fn at most maxRetry+1 times starting from attempt firstAttempt.
// It returns the number of the last attempt made and the final error. A
// permanent error is returned as is; exhaustion wraps the last error with
// ErrMaxRetriesExceeded.
func (e *Executor) Do(ctx context.Context, firstAttempt, maxRetry int, fn AttemptFunc) (int, error) {
	if firstAttempt < 1 {
		firstAttempt = 1
	}
	limit := maxRetry + 1
	if firstAttempt > limit {
		return firstAttempt - 1, ErrMaxRetriesExceeded
	}

	var lastErr error
	attempt := firstAttempt
	for ; attempt <= limit; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}

		if !e.retryable(lastErr) {
			e.logger.Debug("permanent error, not retrying",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			return attempt, lastErr
		}
		if attempt == limit {
			break
		}

		delay := e.policy.Delay(attempt)
		e.logger.Debug("retrying after error",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		if e.onRetry != nil {
			e.onRetry(attempt, lastErr, delay)
		}
		if err := Wait(ctx, delay); err != nil {
			return attempt, err
		}
	}

	return attempt, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}
