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
	"testing"
	"time"
)

func TestExponentialBackoffPolicy_Delay(t *testing.T) {
	policy := NewExponentialBackoffPolicy(&RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	})

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"no attempt", 0, 0},
		{"first retry", 1, 100 * time.Millisecond},
		{"second retry", 2, 200 * time.Millisecond},
		{"third retry", 3, 400 * time.Millisecond},
		{"sixth retry", 6, 3200 * time.Millisecond},
		{"capped", 9, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestExponentialBackoffPolicy_JitterStaysInBounds(t *testing.T) {
	policy := NewExponentialBackoffPolicy(&RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       0.5,
	})

	for i := 0; i < 200; i++ {
		d := policy.Delay(2)
		if d < 100*time.Millisecond || d > 300*time.Millisecond {
			t.Fatalf("Delay(2) = %v, outside [100ms, 300ms]", d)
		}
	}
	for i := 0; i < 200; i++ {
		if d := policy.Delay(20); d > time.Second {
			t.Fatalf("Delay(20) = %v exceeds MaxDelay", d)
		}
	}
}

func TestNewExponentialBackoffPolicy_Defaults(t *testing.T) {
	policy := NewExponentialBackoffPolicy(&RetryConfig{InitialDelay: time.Millisecond, Jitter: 3})
	if policy.Config.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2", policy.Config.Multiplier)
	}
	if policy.Config.Jitter != 1 {
		t.Errorf("Jitter = %v, want 1", policy.Config.Jitter)
	}

	if NewExponentialBackoffPolicy(nil).Config.InitialDelay != DefaultRetryConfig().InitialDelay {
		t.Error("nil config should fall back to defaults")
	}
}

func TestRetryConfig_Validate(t *testing.T) {
	if err := DefaultRetryConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	bad := &RetryConfig{InitialDelay: time.Second, MaxDelay: time.Millisecond}
	if err := bad.Validate(); err != ErrInvalidConfig {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Wait(ctx, time.Hour); err != context.Canceled {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
	if err := Wait(context.Background(), 0); err != nil {
		t.Errorf("Wait(0) = %v, want nil", err)
	}
}
