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
	"math"
	"math/rand"
	"time"
)

// ExponentialBackoffPolicy implements exponential backoff.
// Formula: delay = InitialDelay * (Multiplier ^ (attempt - 1)) +/- jitter
type ExponentialBackoffPolicy struct {
	Config *RetryConfig
}

// NewExponentialBackoffPolicy creates a new exponential backoff policy.
func NewExponentialBackoffPolicy(config *RetryConfig) *ExponentialBackoffPolicy {
	if config == nil {
		config = DefaultRetryConfig()
	}
	c := *config
	if c.Multiplier < 1.0 {
		c.Multiplier = 2.0
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	return &ExponentialBackoffPolicy{Config: &c}
}

// Delay calculates the exponential backoff delay with jitter.
func (p *ExponentialBackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	base := float64(p.Config.InitialDelay) * math.Pow(p.Config.Multiplier, float64(attempt-1))
	if p.Config.MaxDelay > 0 && base > float64(p.Config.MaxDelay) {
		base = float64(p.Config.MaxDelay)
	}

	if p.Config.Jitter > 0 {
		base += base * p.Config.Jitter * (rand.Float64()*2 - 1)
		if base < 0 {
			base = 0
		}
		if p.Config.MaxDelay > 0 && base > float64(p.Config.MaxDelay) {
			base = float64(p.Config.MaxDelay)
		}
	}

	return time.Duration(base)
}

// FixedIntervalPolicy waits the same interval before every retry.
type FixedIntervalPolicy struct {
	Interval time.Duration
}

// Delay implements Policy.
func (p FixedIntervalPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return p.Interval
}
