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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/invoker"
	"github.com/innovationmech/sagaflow/pkg/saga/retry"
	"github.com/innovationmech/sagaflow/pkg/saga/store"
)

// errStopCompensation ends a retry loop whose bookkeeping failed.
var errStopCompensation = saga.NewPermanentError("compensation interrupted")

// Compensator rolls back the succeeded steps of a Compensating instance in
// strict reverse order. Each compensation call is bracketed by an InFlight
// record before and a Succeeded or Failed record after, so a resumed walk
// skips compensations that already succeeded.
type Compensator struct {
	store    store.Store
	invoker  *invoker.Invoker
	retrier  *retry.Executor
	reporter *reporter
	logger   *zap.Logger
	tracer   trace.Tracer
	clock    func() time.Time
}

// NewCompensator creates a Compensator from the engine configuration. Only
// Store and Invoker are required.
func NewCompensator(config *Config) (*Compensator, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if config.Store == nil {
		return nil, ErrStoreNotConfigured
	}
	if config.Invoker == nil {
		return nil, ErrInvokerNotConfigured
	}
	cfg := config.withDefaults()
	logger := cfg.Logger.With(zap.String("component", "compensator"))

	// Compensations never park, so every delay is held to InlineBackoffMax.
	// An engine that parks every forward retry retries compensations at once.
	backoff := retry.NewExponentialBackoffPolicy(cfg.Retry)
	inlineMax := cfg.InlineBackoffMax
	policy := retry.PolicyFunc(func(attempt int) time.Duration {
		d := backoff.Delay(attempt)
		if d > inlineMax {
			d = inlineMax
		}
		return d
	})

	return &Compensator{
		store:   cfg.Store,
		invoker: cfg.Invoker,
		retrier: retry.NewExecutor(policy, retry.WithLogger(logger)),
		reporter: &reporter{
			recorder:  cfg.Recorder,
			publisher: cfg.Publisher,
			notifier:  cfg.Notifier,
			logger:    cfg.Logger,
			clock:     cfg.Clock,
		},
		logger: logger,
		tracer: cfg.TracerProvider.Tracer(tracerName),
		clock:  cfg.Clock,
	}, nil
}

// Compensate walks the succeeded forward steps of inst from the highest
// index down and returns the instance in its terminal status: Compensated
// when every compensation succeeded, Failed when one failed permanently or
// ran out of retries. The caller must hold the instance lease.
func (c *Compensator) Compensate(ctx context.Context, inst *saga.SagaInstance, def *saga.SagaDefinition) (*saga.SagaInstance, error) {
	if inst.Status != saga.StatusCompensating {
		return nil, saga.NewNotRunningError(inst.ID, inst.Status)
	}
	inst = inst.Clone()

	ctx, span := c.tracer.Start(ctx, "saga.compensate", trace.WithAttributes(
		attribute.String("saga.instance_id", inst.ID),
		attribute.String("saga.definition_id", def.ID),
	))
	defer span.End()

	records, err := c.store.ListStepRecords(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	log := saga.NewStepLog(records)

	var succeeded []int
	for i := len(def.Steps) - 1; i >= 0; i-- {
		if log.Succeeded(i, saga.KindStep) {
			succeeded = append(succeeded, i)
		}
	}
	span.SetAttributes(attribute.Int("compensation.steps_count", len(succeeded)))

	if !def.HasCompensations() {
		if len(succeeded) == 0 {
			return c.finish(ctx, inst, saga.StatusCompensated)
		}
		cause := saga.NewNoCompensationError(def.ID)
		cause.Cause = inst.LastError
		inst.LastError = cause
		span.SetStatus(codes.Error, cause.Error())
		return c.finish(ctx, inst, saga.StatusFailed)
	}

	for _, i := range succeeded {
		if log.Succeeded(i, saga.KindCompensation) {
			continue
		}
		failure, err := c.compensateStep(ctx, inst, def, log, i)
		if err != nil {
			return nil, err
		}
		if failure != nil {
			span.RecordError(failure)
			span.SetStatus(codes.Error, failure.Error())
			return c.halt(ctx, inst, def, i, failure)
		}
	}
	return c.finish(ctx, inst, saga.StatusCompensated)
}

// compensateStep runs the compensation of step i with inline retries. It
// returns the failure that halts the walk, or an error when the store or the
// context gave out.
func (c *Compensator) compensateStep(ctx context.Context, inst *saga.SagaInstance, def *saga.SagaDefinition, log *saga.StepLog, i int) (error, error) {
	step := &def.Steps[i]
	maxRetry := step.CompensationMaxRetry()
	forward, _ := log.Latest(i, saga.KindStep)

	key, err := saga.StepKey(def, inst.ID, i)
	if err != nil {
		return saga.NewPermanentError(err.Error()), nil
	}
	key = saga.CompensationKey(key)

	first := 1
	if latest, ok := log.Latest(i, saga.KindCompensation); ok {
		switch latest.Status {
		case saga.StepInFlight:
			first = latest.Attempt
		case saga.StepFailed:
			if latest.LastError == nil {
				return saga.NewPermanentError("compensation failed without a recorded error"), nil
			}
			if !latest.LastError.IsRetryable() {
				return latest.LastError, nil
			}
			if latest.Attempt >= maxRetry+1 {
				return saga.NewRetryExhaustedError(step.Name, latest.Attempt, latest.LastError), nil
			}
			first = latest.Attempt + 1
		}
	}

	var bookkeeping error
	attempts, err := c.retrier.Do(ctx, first, maxRetry, func(ctx context.Context, attempt int) error {
		if _, err := c.store.AppendStepRecord(ctx, &saga.StepRecord{
			InstanceID:     inst.ID,
			StepIndex:      i,
			Kind:           saga.KindCompensation,
			Attempt:        attempt,
			Status:         saga.StepInFlight,
			IdempotencyKey: key,
		}); err != nil {
			bookkeeping = err
			return errStopCompensation
		}

		started := c.clock()
		callErr := c.invoker.Compensate(ctx, def, i, inst, attempt, forward.Result)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(callErr, invoker.ErrPending) {
			callErr = saga.NewTransientError("participant deferred a compensation result")
		}

		rec := &saga.StepRecord{
			InstanceID:     inst.ID,
			StepIndex:      i,
			Kind:           saga.KindCompensation,
			Attempt:        attempt,
			Status:         saga.StepSucceeded,
			IdempotencyKey: key,
		}
		if callErr != nil {
			rec.Status = saga.StepFailed
			rec.LastError = saga.AsSagaError(callErr)
		}
		if _, err := c.store.AppendStepRecord(ctx, rec); err != nil {
			bookkeeping = err
			return errStopCompensation
		}
		c.reporter.compensationOutcome(ctx, inst, i, step.Name, attempt, callErr, c.clock().Sub(started))
		if callErr != nil {
			c.logger.Warn("compensation attempt failed",
				zap.String("saga_id", inst.ID),
				zap.String("step", step.Name),
				zap.Int("attempt", attempt),
				zap.Error(callErr))
		}
		return callErr
	})

	switch {
	case bookkeeping != nil:
		return nil, bookkeeping
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err == nil:
		return nil, nil
	case errors.Is(err, retry.ErrMaxRetriesExceeded):
		return saga.NewRetryExhaustedError(step.Name, attempts, err), nil
	default:
		return err, nil
	}
}

// halt fails the instance at the compensation of step i.
func (c *Compensator) halt(ctx context.Context, inst *saga.SagaInstance, def *saga.SagaDefinition, i int, failure error) (*saga.SagaInstance, error) {
	step := &def.Steps[i]
	inst.FailedStepIndex = i
	inst.FailedStep = compensationName(step)
	inst.LastError = saga.NewCompensationFailedError(i, step.Name, failure)
	return c.finish(ctx, inst, saga.StatusFailed)
}

func (c *Compensator) finish(ctx context.Context, inst *saga.SagaInstance, status saga.SagaStatus) (*saga.SagaInstance, error) {
	inst.Status = status
	updated, err := c.store.CompareAndSwapInstance(ctx, inst, inst.Version)
	if err != nil {
		return nil, err
	}
	c.reporter.finished(ctx, updated)
	return updated, nil
}

// compensationName names the compensation of step for operators, e.g.
// "ReleaseInventory compensation".
func compensationName(step *saga.StepSpec) string {
	name := step.Name
	if step.Compensation != nil && step.Compensation.Target != "" {
		name = step.Compensation.Target
	}
	return name + " compensation"
}
