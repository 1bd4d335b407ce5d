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

// Package retry computes backoff delays for step retries and runs inline
// retry loops for compensations.
package retry

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by retry policies.
var (
	// ErrMaxRetriesExceeded is returned when the retry budget is spent.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")

	// ErrInvalidConfig is returned when the retry configuration is invalid.
	ErrInvalidConfig = errors.New("invalid retry configuration")
)

// RetryConfig defines the backoff shared by every step of an engine.
type RetryConfig struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gte=0"`

	// MaxDelay caps the delay between retries. Zero means no cap.
	MaxDelay time.Duration `mapstructure:"max_delay" validate:"gte=0"`

	// Multiplier is the growth factor between attempts. Values below 1 are
	// replaced with 2.
	Multiplier float64 `mapstructure:"multiplier" validate:"gte=0"`

	// Jitter is the fraction of the delay that is randomized, in [0, 1].
	Jitter float64 `mapstructure:"jitter" validate:"gte=0,lte=1"`
}

// Validate validates the retry configuration.
func (c *RetryConfig) Validate() error {
	if c.InitialDelay < 0 || c.MaxDelay < 0 {
		return ErrInvalidConfig
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.InitialDelay {
		return ErrInvalidConfig
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultRetryConfig returns the engine defaults:
// - InitialDelay: 200ms
// - MaxDelay: 30s
// - Multiplier: 2
// - Jitter: 0.2
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

// Policy returns the delay to wait before retry number attempt (1-indexed).
type Policy interface {
	Delay(attempt int) time.Duration
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(attempt int) time.Duration

// Delay implements Policy.
func (f PolicyFunc) Delay(attempt int) time.Duration {
	return f(attempt)
}

// Wait blocks for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
