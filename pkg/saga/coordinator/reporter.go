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

package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/alert"
	"github.com/innovationmech/sagaflow/pkg/saga/events"
	"github.com/innovationmech/sagaflow/pkg/saga/invoker"
	"github.com/innovationmech/sagaflow/pkg/saga/monitoring"
)

// reporter fans state changes out to metrics, the event stream and the
// alert notifier. Delivery failures are logged and never fail a drive.
type reporter struct {
	recorder  monitoring.Recorder
	publisher events.Publisher
	notifier  alert.Notifier
	logger    *zap.Logger
	clock     func() time.Time
}

func (r *reporter) publish(ctx context.Context, e events.Event) {
	if err := r.publisher.Publish(ctx, e); err != nil {
		r.logger.Warn("failed to publish saga event",
			zap.String("saga_id", e.InstanceID),
			zap.String("event_type", string(e.Type)),
			zap.Error(err))
	}
}

func (r *reporter) started(ctx context.Context, inst *saga.SagaInstance) {
	r.recorder.SagaStarted(inst.DefinitionID)
	r.publish(ctx, events.New(events.SagaStarted, inst))
}

func (r *reporter) stepOutcome(ctx context.Context, inst *saga.SagaInstance, index int, step string, attempt int, err error, d time.Duration) {
	var (
		outcome string
		typ     events.Type
	)
	switch {
	case err == nil:
		outcome, typ = monitoring.OutcomeSucceeded, events.StepSucceeded
	case errors.Is(err, invoker.ErrPending):
		outcome, typ = monitoring.OutcomePending, events.StepPending
		err = nil
	case saga.IsTransient(err):
		outcome, typ = monitoring.OutcomeRetryable, events.StepFailed
	default:
		outcome, typ = monitoring.OutcomeFailed, events.StepFailed
	}
	r.recorder.StepExecuted(inst.DefinitionID, step, outcome, d)
	r.publish(ctx, events.New(typ, inst).WithStep(index, step, attempt).WithError(err))
}

func (r *reporter) compensating(ctx context.Context, inst *saga.SagaInstance) {
	r.publish(ctx, events.New(events.SagaCompensating, inst))
}

func (r *reporter) compensationOutcome(ctx context.Context, inst *saga.SagaInstance, index int, step string, attempt int, err error, d time.Duration) {
	r.recorder.CompensationExecuted(inst.DefinitionID, step, err == nil, d)
	typ := events.CompensationSucceeded
	if err != nil {
		typ = events.CompensationFailed
	}
	r.publish(ctx, events.New(typ, inst).WithStep(index, step, attempt).WithError(err))
}

// finished reports a terminal instance. Failed instances raise an alert.
func (r *reporter) finished(ctx context.Context, inst *saga.SagaInstance) {
	r.recorder.SagaFinished(inst.DefinitionID, inst.Status, r.clock().Sub(inst.CreatedAt))

	var typ events.Type
	switch inst.Status {
	case saga.StatusCompleted:
		typ = events.SagaCompleted
	case saga.StatusCompensated:
		typ = events.SagaCompensated
	default:
		typ = events.SagaFailed
	}
	r.publish(ctx, events.New(typ, inst))

	fields := []zap.Field{
		zap.String("saga_id", inst.ID),
		zap.String("definition_id", inst.DefinitionID),
		zap.Stringer("status", inst.Status),
	}
	if inst.Status != saga.StatusFailed {
		r.logger.Info("saga finished", fields...)
		return
	}
	r.logger.Error("saga failed", append(fields,
		zap.String("failed_step", inst.FailedStep),
		zap.Error(inst.LastError))...)
	if err := r.notifier.Notify(ctx, alert.FromInstance(inst)); err != nil {
		r.logger.Warn("failed to deliver saga alert", zap.String("saga_id", inst.ID), zap.Error(err))
	}
}
