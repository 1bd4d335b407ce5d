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

// Package events publishes saga lifecycle events to external streams so
// downstream systems can follow instances without polling the Control API.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// Type names a lifecycle event.
type Type string

const (
	SagaStarted           Type = "saga.started"
	StepSucceeded         Type = "saga.step.succeeded"
	StepFailed            Type = "saga.step.failed"
	StepPending           Type = "saga.step.pending"
	SagaCompensating      Type = "saga.compensating"
	CompensationSucceeded Type = "saga.compensation.succeeded"
	CompensationFailed    Type = "saga.compensation.failed"
	CancelRequested       Type = "saga.cancel_requested"
	SagaCompleted         Type = "saga.completed"
	SagaCompensated       Type = "saga.compensated"
	SagaFailed            Type = "saga.failed"
)

// Event is one lifecycle change of an instance.
type Event struct {
	ID           string          `json:"id"`
	Type         Type            `json:"type"`
	InstanceID   string          `json:"instanceId"`
	DefinitionID string          `json:"definitionId"`
	Status       saga.SagaStatus `json:"status"`
	Step         string          `json:"step,omitempty"`
	StepIndex    *int            `json:"stepIndex,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	Error        *saga.SagaError `json:"error,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// New creates an event for inst with a fresh ID.
func New(typ Type, inst *saga.SagaInstance) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         typ,
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		Status:       inst.Status,
		Error:        inst.LastError.Clone(),
		Timestamp:    time.Now().UTC(),
	}
}

// WithStep sets the step the event refers to.
func (e Event) WithStep(index int, name string, attempt int) Event {
	e.StepIndex = &index
	e.Step = name
	e.Attempt = attempt
	return e
}

// WithError sets the error the event carries.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = saga.AsSagaError(err).Clone()
	}
	return e
}

// Encode returns the JSON wire form of the event.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events. Publish failures are reported to the caller,
// which logs them; they never affect saga execution.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

// Publish implements Publisher.
func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NoopPublisher) Close() error { return nil }

// LogPublisher writes events to a zap logger.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
		zap.String("saga_id", e.InstanceID),
		zap.String("definition_id", e.DefinitionID),
		zap.Stringer("status", e.Status),
	}
	if e.StepIndex != nil {
		fields = append(fields, zap.Int("step_index", *e.StepIndex), zap.String("step", e.Step))
	}
	if e.Error != nil {
		fields = append(fields, zap.String("error", e.Error.Error()))
	}
	p.logger.Info("saga event", fields...)
	return nil
}

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }

// MultiPublisher fans an event out to several publishers.
type MultiPublisher []Publisher

// Publish implements Publisher. Every publisher is tried; the errors are
// joined.
func (m MultiPublisher) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher.
func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
