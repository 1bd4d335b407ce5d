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

// Package alert notifies operators about instances that ended in the Failed
// status and need manual attention.
package alert

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// Alert describes a failed instance.
type Alert struct {
	InstanceID      string
	DefinitionID    string
	Status          saga.SagaStatus
	FailedStep      string
	FailedStepIndex int
	Error           *saga.SagaError
	OccurredAt      time.Time
}

// FromInstance builds the alert for inst.
func FromInstance(inst *saga.SagaInstance) Alert {
	return Alert{
		InstanceID:      inst.ID,
		DefinitionID:    inst.DefinitionID,
		Status:          inst.Status,
		FailedStep:      inst.FailedStep,
		FailedStepIndex: inst.FailedStepIndex,
		Error:           inst.LastError.Clone(),
		OccurredAt:      inst.UpdatedAt,
	}
}

// Summary is a one-line description of the alert.
func (a Alert) Summary() string {
	msg := "saga " + a.InstanceID + " (" + a.DefinitionID + ") is " + a.Status.String()
	if a.FailedStep != "" {
		msg += ": " + a.FailedStep + " failed"
	}
	return msg
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogNotifier logs alerts at error level.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("saga_id", a.InstanceID),
		zap.String("definition_id", a.DefinitionID),
		zap.Stringer("status", a.Status),
		zap.String("failed_step", a.FailedStep),
		zap.Int("failed_step_index", a.FailedStepIndex),
	}
	if a.Error != nil {
		fields = append(fields, zap.String("error_code", a.Error.Code), zap.String("error", a.Error.Error()))
	}
	n.logger.Error("saga requires manual intervention", fields...)
	return nil
}

// Multi sends each alert to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
