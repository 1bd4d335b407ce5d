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
	"encoding/json"
	"errors"
	"fmt"
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

// maxConflicts bounds how often one drive re-reads after losing a CAS.
const maxConflicts = 16

// Drive runs the instance in the calling goroutine until it parks, reaches
// a terminal status or ctx is done. It returns nil without doing anything
// when another owner holds the lease.
func (e *Engine) Drive(ctx context.Context, instanceID string) error {
	return e.drive(ctx, instanceID, e.owner)
}

func (e *Engine) driveFromPool(ctx context.Context, instanceID string, worker int) error {
	return e.drive(ctx, instanceID, fmt.Sprintf("%s/%d", e.owner, worker))
}

func (e *Engine) drive(ctx context.Context, instanceID, owner string) error {
	if _, err := e.store.AcquireLease(ctx, instanceID, owner, e.leaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			e.logger.Debug("instance leased elsewhere", zap.String("saga_id", instanceID))
			return nil
		}
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	stopRenewing := e.keepLease(ctx, cancel, instanceID, owner)
	defer func() {
		stopRenewing()
		cancel(nil)
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), instanceID, owner); err != nil {
			e.logger.Warn("failed to release lease", zap.String("saga_id", instanceID), zap.Error(err))
		}
	}()

	ctx, span := e.tracer.Start(ctx, "saga.drive", trace.WithAttributes(
		attribute.String("saga.instance_id", instanceID),
		attribute.String("saga.owner", owner),
	))
	defer span.End()

	e.reporter.recorder.DriveStarted()
	defer e.reporter.recorder.DriveFinished()

	err := e.run(ctx, instanceID)
	if cause := context.Cause(ctx); errors.Is(cause, errLeaseLost) {
		err = fmt.Errorf("drive %s: %w", instanceID, cause)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) run(ctx context.Context, instanceID string) error {
	for conflicts := 0; ; conflicts++ {
		r, err := e.load(ctx, instanceID)
		if err != nil || r == nil {
			return err
		}
		err = r.execute(ctx)
		switch {
		case errors.Is(err, store.ErrConcurrencyConflict) && conflicts < maxConflicts:
			e.reporter.recorder.ConcurrencyConflict(r.inst.DefinitionID)
			r.logger.Debug("instance changed concurrently, re-reading")
		case errors.Is(err, store.ErrTerminal):
			return nil
		default:
			return err
		}
	}
}

// instanceRun is the working copy of one instance while its lease is held.
type instanceRun struct {
	e       *Engine
	inst    *saga.SagaInstance
	def     *saga.SagaDefinition
	records []saga.StepRecord
	log     *saga.StepLog
	logger  *zap.Logger
}

func (e *Engine) load(ctx context.Context, instanceID string) (*instanceRun, error) {
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("dispatched instance does not exist", zap.String("saga_id", instanceID))
			return nil, nil
		}
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, nil
	}
	records, err := e.store.ListStepRecords(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &instanceRun{
		e:       e,
		inst:    inst,
		records: records,
		log:     saga.NewStepLog(records),
		logger: e.logger.With(
			zap.String("saga_id", inst.ID),
			zap.String("definition_id", inst.DefinitionID)),
	}, nil
}

func (r *instanceRun) execute(ctx context.Context) error {
	ok, err := r.resolveDefinition(ctx)
	if err != nil || !ok {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch r.inst.Status {
		case saga.StatusRunning:
			parked, err := r.step(ctx)
			if err != nil || parked {
				return err
			}
		case saga.StatusCompensating:
			updated, err := r.e.compensator.Compensate(ctx, r.inst, r.def)
			if err != nil {
				return err
			}
			r.inst = updated
		default:
			return nil
		}
	}
}

// resolveDefinition loads the definition the instance was started with.
// A missing definition or a digest mismatch fails the instance.
func (r *instanceRun) resolveDefinition(ctx context.Context) (bool, error) {
	def, err := r.e.registry.Lookup(r.inst.DefinitionID)
	if err != nil {
		if saga.IsDefinitionNotFound(err) {
			return false, r.fail(ctx, saga.AsSagaError(err))
		}
		return false, err
	}
	digest, err := r.e.registry.Digest(def.ID)
	if err != nil {
		return false, err
	}
	if r.inst.DefinitionDigest != "" && digest != r.inst.DefinitionDigest {
		return false, r.fail(ctx, saga.NewDefinitionChangedError(def.ID, r.inst.DefinitionDigest, digest))
	}
	r.def = def
	return true, nil
}

// step makes progress on CurrentStepIndex. It returns true once the
// instance is parked waiting for a timer or a callback.
func (r *instanceRun) step(ctx context.Context) (bool, error) {
	k := r.inst.CurrentStepIndex
	if k >= len(r.def.Steps) {
		return false, r.advance(ctx, len(r.def.Steps)-1)
	}

	latest, ok := r.log.Latest(k, saga.KindStep)
	if !ok {
		if r.inst.CancelRequested {
			return false, r.beginCompensation(ctx, saga.NewCancelledError(r.inst.ID))
		}
		return r.invoke(ctx, k, 1)
	}

	switch latest.Status {
	case saga.StepSucceeded:
		return false, r.advance(ctx, k)
	case saga.StepInFlight:
		// The outcome of this attempt was never recorded; repeat it with the
		// same key.
		return r.invoke(ctx, k, latest.Attempt)
	case saga.StepPending:
		if !r.inst.AwaitingCallback {
			return r.park(ctx, latest.RecordedAt.Add(r.e.callbackTimeout), true)
		}
		if r.e.clock().Before(r.inst.NextAttemptAt) {
			return true, nil
		}
		return false, r.callbackExpired(ctx, k, latest)
	default:
		if r.inst.CancelRequested {
			return false, r.beginCompensation(ctx, saga.NewCancelledError(r.inst.ID))
		}
		return r.retryOrCompensate(ctx, k, latest)
	}
}

func (r *instanceRun) invoke(ctx context.Context, k, attempt int) (bool, error) {
	step := &r.def.Steps[k]
	key, err := saga.StepKey(r.def, r.inst.ID, k)
	if err != nil {
		return false, r.beginCompensation(ctx, saga.NewStepExecutionError(k, step.Name, saga.NewPermanentError(err.Error())))
	}

	if err := r.append(ctx, &saga.StepRecord{
		StepIndex:      k,
		Kind:           saga.KindStep,
		Attempt:        attempt,
		Status:         saga.StepInFlight,
		IdempotencyKey: key,
	}); err != nil {
		return false, err
	}

	r.logger.Debug("invoking step", zap.String("step", step.Name), zap.Int("attempt", attempt))
	started := r.e.clock()
	result, callErr := r.e.invoker.Invoke(ctx, r.def, k, r.inst, attempt, r.dependencyResults(step))
	if err := ctx.Err(); err != nil {
		return false, err
	}
	elapsed := r.e.clock().Sub(started)

	rec := &saga.StepRecord{
		StepIndex:      k,
		Kind:           saga.KindStep,
		Attempt:        attempt,
		IdempotencyKey: key,
	}
	switch {
	case callErr == nil:
		rec.Status = saga.StepSucceeded
		rec.Result = result
	case errors.Is(callErr, invoker.ErrPending):
		rec.Status = saga.StepPending
	default:
		rec.Status = saga.StepFailed
		rec.LastError = saga.AsSagaError(callErr)
	}
	if err := r.append(ctx, rec); err != nil {
		return false, err
	}
	r.e.reporter.stepOutcome(ctx, r.inst, k, step.Name, attempt, callErr, elapsed)

	if rec.Status == saga.StepPending {
		r.logger.Info("step pending callback", zap.String("step", step.Name), zap.String("idempotency_key", key))
		return r.park(ctx, r.e.clock().Add(r.e.callbackTimeout), true)
	}
	if callErr != nil {
		r.logger.Warn("step attempt failed",
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.Error(callErr))
	}
	return false, nil
}

// retryOrCompensate decides what follows a failed attempt: another attempt,
// now or after a parked backoff, or compensation.
func (r *instanceRun) retryOrCompensate(ctx context.Context, k int, latest saga.StepRecord) (bool, error) {
	step := &r.def.Steps[k]
	attempts := r.log.Attempts(k, saga.KindStep)

	if latest.LastError == nil || !latest.LastError.IsRetryable() {
		return false, r.beginCompensation(ctx, latest.LastError)
	}
	if attempts >= step.MaxRetry+1 {
		return false, r.beginCompensation(ctx, saga.NewRetryExhaustedError(step.Name, attempts, latest.LastError))
	}

	if !r.inst.NextAttemptAt.IsZero() {
		if r.e.clock().Before(r.inst.NextAttemptAt) {
			return true, nil
		}
		r.inst.NextAttemptAt = time.Time{}
		return r.invoke(ctx, k, attempts+1)
	}

	delay := r.e.policy.Delay(attempts)
	r.e.reporter.recorder.StepRetried(r.def.ID, step.Name, attempts+1)
	if delay > r.e.inlineBackoffMax {
		r.logger.Info("parking instance for retry", zap.String("step", step.Name), zap.Duration("delay", delay))
		return r.park(ctx, r.e.clock().Add(delay), false)
	}
	if err := retry.Wait(ctx, delay); err != nil {
		return false, err
	}
	return r.invoke(ctx, k, attempts+1)
}

// callbackExpired records the missed callback as a timed out attempt.
func (r *instanceRun) callbackExpired(ctx context.Context, k int, pending saga.StepRecord) error {
	step := &r.def.Steps[k]
	timeout := saga.NewStepExecutionError(k, step.Name, saga.NewStepTimeoutError(step.Name, r.e.callbackTimeout))
	if err := r.append(ctx, &saga.StepRecord{
		StepIndex:      k,
		Kind:           saga.KindStep,
		Attempt:        pending.Attempt,
		Status:         saga.StepFailed,
		IdempotencyKey: pending.IdempotencyKey,
		LastError:      timeout,
	}); err != nil {
		return err
	}
	r.inst.AwaitingCallback = false
	r.inst.NextAttemptAt = time.Time{}
	if err := r.save(ctx); err != nil {
		return err
	}
	r.logger.Warn("callback deadline passed", zap.String("step", step.Name))
	r.e.reporter.stepOutcome(ctx, r.inst, k, step.Name, pending.Attempt, timeout, r.e.callbackTimeout)
	return nil
}

// advance moves past the succeeded step k. A pending cancellation turns the
// success into compensation, which then includes step k.
func (r *instanceRun) advance(ctx context.Context, k int) error {
	r.inst.CurrentStepIndex = k + 1
	r.inst.NextAttemptAt = time.Time{}
	r.inst.AwaitingCallback = false
	if r.inst.CancelRequested {
		return r.beginCompensation(ctx, saga.NewCancelledError(r.inst.ID))
	}
	if k+1 < len(r.def.Steps) {
		return r.save(ctx)
	}

	r.inst.Status = saga.StatusCompleted
	if err := r.save(ctx); err != nil {
		return err
	}
	r.e.reporter.finished(ctx, r.inst)
	return nil
}

func (r *instanceRun) beginCompensation(ctx context.Context, cause *saga.SagaError) error {
	r.inst.Status = saga.StatusCompensating
	r.inst.LastError = cause
	r.inst.NextAttemptAt = time.Time{}
	r.inst.AwaitingCallback = false
	if err := r.save(ctx); err != nil {
		return err
	}
	r.logger.Warn("saga compensating", zap.Error(cause))
	r.e.reporter.compensating(ctx, r.inst)
	return nil
}

// fail moves the instance straight to Failed without compensating.
func (r *instanceRun) fail(ctx context.Context, cause *saga.SagaError) error {
	r.inst.Status = saga.StatusFailed
	r.inst.LastError = cause
	r.inst.NextAttemptAt = time.Time{}
	r.inst.AwaitingCallback = false
	if err := r.save(ctx); err != nil {
		return err
	}
	r.e.reporter.finished(ctx, r.inst)
	return nil
}

func (r *instanceRun) park(ctx context.Context, at time.Time, awaitingCallback bool) (bool, error) {
	r.inst.NextAttemptAt = at.UTC()
	r.inst.AwaitingCallback = awaitingCallback
	return true, r.save(ctx)
}

func (r *instanceRun) save(ctx context.Context) error {
	updated, err := r.e.store.CompareAndSwapInstance(ctx, r.inst, r.inst.Version)
	if err != nil {
		return err
	}
	r.inst = updated
	return nil
}

func (r *instanceRun) append(ctx context.Context, rec *saga.StepRecord) error {
	rec.InstanceID = r.inst.ID
	stored, err := r.e.store.AppendStepRecord(ctx, rec)
	if err != nil {
		return err
	}
	r.records = append(r.records, *stored)
	r.log = saga.NewStepLog(r.records)
	return nil
}

// dependencyResults collects the results of the steps step depends on.
func (r *instanceRun) dependencyResults(step *saga.StepSpec) map[string]json.RawMessage {
	if len(step.DependsOn) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(step.DependsOn))
	for _, name := range step.DependsOn {
		for i := range r.def.Steps {
			if r.def.Steps[i].Name != name {
				continue
			}
			if rec, ok := r.log.Latest(i, saga.KindStep); ok && rec.Status == saga.StepSucceeded {
				out[name] = rec.Result
			}
		}
	}
	return out
}
