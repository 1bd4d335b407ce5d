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

// Package invoker calls saga participants. It resolves a step's capability
// to a registered adapter, applies the call deadline and turns the reply into
// a result or a classified error.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// ErrPending is returned when the participant deferred its result to a
// callback. The caller parks the instance until the callback or deadline.
var ErrPending = saga.NewSagaError("STEP_PENDING", "step result is pending a callback", saga.ErrorTypeTransient, false)

// DefaultTimeout applies to calls whose step declares no timeout.
const DefaultTimeout = 30 * time.Second

// Invoker dispatches step calls to participants by capability.
type Invoker struct {
	mu           sync.RWMutex
	participants map[string]Participant

	defaultTimeout time.Duration
	logger         *zap.Logger
	tracer         trace.Tracer
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Invoker) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithDefaultTimeout sets the deadline for steps without a timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.defaultTimeout = d
		}
	}
}

// WithTracerProvider sets the provider spans are recorded with.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(i *Invoker) {
		if tp != nil {
			i.tracer = tp.Tracer("github.com/innovationmech/sagaflow/pkg/saga/invoker")
		}
	}
}

// WithParticipant registers p for capability.
func WithParticipant(capability string, p Participant) Option {
	return func(i *Invoker) {
		i.participants[capability] = p
	}
}

// New creates an Invoker. The noop capability is always available.
func New(opts ...Option) *Invoker {
	i := &Invoker{
		participants:   map[string]Participant{saga.CapabilityNoop: NoopParticipant{}},
		defaultTimeout: DefaultTimeout,
		logger:         zap.NewNop(),
		tracer:         otel.Tracer("github.com/innovationmech/sagaflow/pkg/saga/invoker"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Register adds or replaces the adapter for capability.
func (i *Invoker) Register(capability string, p Participant) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.participants[capability] = p
}

// Participant returns the adapter registered for capability.
func (i *Invoker) Participant(capability string) (Participant, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	p, ok := i.participants[capability]
	if !ok {
		return nil, saga.NewCapabilityNotFoundError(capability)
	}
	return p, nil
}

// Capabilities lists the registered capabilities.
func (i *Invoker) Capabilities() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]string, 0, len(i.participants))
	for c := range i.participants {
		out = append(out, c)
	}
	return out
}

// Invoke runs the forward action of step index for inst. results carries the
// results of the steps the step depends on. The returned error is ErrPending
// or a SagaError whose type tells the caller whether to retry.
func (i *Invoker) Invoke(ctx context.Context, def *saga.SagaDefinition, index int, inst *saga.SagaInstance, attempt int, results map[string]json.RawMessage) (json.RawMessage, error) {
	step, err := stepAt(def, index)
	if err != nil {
		return nil, err
	}
	key, err := saga.StepKey(def, inst.ID, index)
	if err != nil {
		return nil, saga.NewStepExecutionError(index, step.Name, saga.NewPermanentError(err.Error()))
	}

	req := &Request{
		InstanceID:     inst.ID,
		DefinitionID:   def.ID,
		Step:           step.Name,
		StepIndex:      index,
		Attempt:        attempt,
		IdempotencyKey: key,
		Payload:        inst.Payload,
		Results:        results,
	}
	resp, err := i.call(ctx, step.Action, step.Timeout, step.Name, req)
	if err != nil {
		if errors.Is(err, ErrPending) {
			return nil, err
		}
		return nil, saga.NewStepExecutionError(index, step.Name, err)
	}
	return resp.Result, nil
}

// Compensate runs the compensation of step index. forwardResult is the
// result the forward action produced.
func (i *Invoker) Compensate(ctx context.Context, def *saga.SagaDefinition, index int, inst *saga.SagaInstance, attempt int, forwardResult json.RawMessage) error {
	step, err := stepAt(def, index)
	if err != nil {
		return err
	}
	if step.Compensation == nil {
		return saga.NewNoCompensationError(def.ID)
	}
	key, err := saga.StepKey(def, inst.ID, index)
	if err != nil {
		return saga.NewCompensationFailedError(index, step.Name, err)
	}

	req := &Request{
		InstanceID:     inst.ID,
		DefinitionID:   def.ID,
		Step:           step.Name,
		StepIndex:      index,
		Attempt:        attempt,
		IdempotencyKey: saga.CompensationKey(key),
		Compensation:   true,
		Payload:        inst.Payload,
		ForwardResult:  forwardResult,
	}
	_, err = i.call(ctx, *step.Compensation, step.CompensationTimeout(), step.Name, req)
	return err
}

func stepAt(def *saga.SagaDefinition, index int) (*saga.StepSpec, error) {
	if def == nil || index < 0 || index >= len(def.Steps) {
		return nil, saga.NewValidationError(fmt.Sprintf("step index %d out of range", index))
	}
	return &def.Steps[index], nil
}

// call performs one participant call and classifies the outcome.
func (i *Invoker) call(ctx context.Context, ref saga.ActionRef, timeout time.Duration, stepName string, req *Request) (*Response, error) {
	if ref.IsNoop() {
		return Success(nil), nil
	}
	p, err := i.Participant(ref.Capability)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = i.defaultTimeout
	}

	spanName := "saga.step.execute"
	if req.Compensation {
		spanName = "saga.step.compensate"
	}
	ctx, span := i.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("saga.instance_id", req.InstanceID),
			attribute.String("saga.step", stepName),
			attribute.Int("saga.attempt", req.Attempt),
			attribute.String("saga.idempotency_key", req.IdempotencyKey),
			attribute.String("saga.capability", ref.Capability),
		))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	var resp *Response
	if req.Compensation {
		resp, err = p.Compensate(callCtx, ref.Target, req)
	} else {
		resp, err = p.Execute(callCtx, ref.Target, req)
	}

	if err == nil {
		err = resp.Err()
	} else if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = saga.NewStepTimeoutError(stepName, timeout)
	}

	i.logger.Debug("participant call finished",
		zap.String("saga_id", req.InstanceID),
		zap.String("step", stepName),
		zap.Bool("compensation", req.Compensation),
		zap.String("capability", ref.Capability),
		zap.String("target", ref.Target),
		zap.Int("attempt", req.Attempt),
		zap.Duration("duration", time.Since(started)),
		zap.Error(err))

	if err != nil {
		if !errors.Is(err, ErrPending) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	return resp, nil
}
