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

package alert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryConfig configures the Sentry notifier.
type SentryConfig struct {
	DSN          string            `mapstructure:"dsn"`
	Environment  string            `mapstructure:"environment"`
	Release      string            `mapstructure:"release"`
	Debug        bool              `mapstructure:"debug"`
	Tags         map[string]string `mapstructure:"tags"`
	FlushTimeout time.Duration     `mapstructure:"flush_timeout"`
}

// SentryNotifier reports each alert as a Sentry event grouped by
// definition and failed step.
type SentryNotifier struct {
	hub          *sentry.Hub
	flushTimeout time.Duration
}

// NewSentryNotifier creates a notifier with its own Sentry client, leaving
// the global hub untouched.
func NewSentryNotifier(cfg SentryConfig) (*SentryNotifier, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sentry DSN is required")
	}
	n, err := NewSentryNotifierWithOptions(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		Debug:       cfg.Debug,
	}, cfg.FlushTimeout)
	if err != nil {
		return nil, err
	}
	n.hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range cfg.Tags {
			scope.SetTag(k, v)
		}
	})
	return n, nil
}

// NewSentryNotifierWithOptions creates a notifier from raw client options.
func NewSentryNotifierWithOptions(opts sentry.ClientOptions, flushTimeout time.Duration) (*SentryNotifier, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	if flushTimeout <= 0 {
		flushTimeout = 2 * time.Second
	}
	return &SentryNotifier{
		hub:          sentry.NewHub(client, sentry.NewScope()),
		flushTimeout: flushTimeout,
	}, nil
}

// Notify implements Notifier.
func (n *SentryNotifier) Notify(_ context.Context, a Alert) error {
	var eventID *sentry.EventID
	n.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("saga_id", a.InstanceID)
		scope.SetTag("definition_id", a.DefinitionID)
		scope.SetTag("status", a.Status.String())
		scope.SetFingerprint([]string{"saga-failed", a.DefinitionID, a.FailedStep})
		scope.SetContext("saga", sentry.Context{
			"failed_step":       a.FailedStep,
			"failed_step_index": strconv.Itoa(a.FailedStepIndex),
			"occurred_at":       a.OccurredAt.Format(time.RFC3339Nano),
		})

		var err error = errors.New(a.Summary())
		if a.Error != nil {
			err = a.Error
		}
		eventID = n.hub.CaptureException(err)
	})
	if eventID == nil {
		return fmt.Errorf("sentry dropped alert for %s", a.InstanceID)
	}
	return nil
}

// Flush waits for queued events to be delivered.
func (n *SentryNotifier) Flush() bool {
	return n.hub.Flush(n.flushTimeout)
}
