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

// Package coordinator drives saga instances. The Engine accepts start,
// cancel and callback requests, a pool of workers drives each instance under
// a store lease, and the Compensator rolls back succeeded steps in reverse
// order.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/alert"
	"github.com/innovationmech/sagaflow/pkg/saga/events"
	"github.com/innovationmech/sagaflow/pkg/saga/invoker"
	"github.com/innovationmech/sagaflow/pkg/saga/monitoring"
	"github.com/innovationmech/sagaflow/pkg/saga/registry"
	"github.com/innovationmech/sagaflow/pkg/saga/retry"
	"github.com/innovationmech/sagaflow/pkg/saga/store"
)

const tracerName = "github.com/innovationmech/sagaflow/pkg/saga/coordinator"

// ErrNotRunning is returned when cancelling an instance that is not Running.
var ErrNotRunning = saga.ErrNotRunning

var (
	// ErrStoreNotConfigured indicates Config.Store is missing.
	ErrStoreNotConfigured = errors.New("store not configured")

	// ErrRegistryNotConfigured indicates Config.Registry is missing.
	ErrRegistryNotConfigured = errors.New("registry not configured")

	// ErrInvokerNotConfigured indicates Config.Invoker is missing.
	ErrInvokerNotConfigured = errors.New("invoker not configured")
)

// Default engine settings.
const (
	DefaultWorkers          = 8
	DefaultQueueSize        = 1024
	DefaultLeaseTTL         = 30 * time.Second
	DefaultInlineBackoffMax = 2 * time.Second
	DefaultCallbackTimeout  = 5 * time.Minute
)

// Config wires the engine's collaborators. Store, Registry and Invoker are
// required; everything else has a default.
type Config struct {
	Store    store.Store
	Registry *registry.Registry
	Invoker  *invoker.Invoker

	// Workers is the number of instances driven concurrently.
	Workers int
	// QueueSize bounds the dispatch queue.
	QueueSize int
	// LeaseTTL is how long a worker owns an instance between renewals.
	LeaseTTL time.Duration
	// InlineBackoffMax is the longest retry delay a worker sleeps through.
	// Longer delays park the instance until the scheduler resumes it. A
	// negative value parks every retry.
	InlineBackoffMax time.Duration
	// CallbackTimeout is how long a pending step waits for its callback
	// before the wait counts as a timed out attempt.
	CallbackTimeout time.Duration
	// Retry shapes the delay between step and compensation attempts.
	Retry *retry.RetryConfig
	// Owner identifies this engine in leases. Defaults to host and a UUID.
	Owner string

	Recorder       monitoring.Recorder
	Publisher      events.Publisher
	Notifier       alert.Notifier
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
	Clock          func() time.Time
}

// Validate checks the required collaborators.
func (c *Config) Validate() error {
	if c.Store == nil {
		return ErrStoreNotConfigured
	}
	if c.Registry == nil {
		return ErrRegistryNotConfigured
	}
	if c.Invoker == nil {
		return ErrInvokerNotConfigured
	}
	if c.Retry != nil {
		if err := c.Retry.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	if out.QueueSize <= 0 {
		out.QueueSize = DefaultQueueSize
	}
	if out.LeaseTTL <= 0 {
		out.LeaseTTL = DefaultLeaseTTL
	}
	if out.InlineBackoffMax == 0 {
		out.InlineBackoffMax = DefaultInlineBackoffMax
	} else if out.InlineBackoffMax < 0 {
		out.InlineBackoffMax = 0
	}
	if out.CallbackTimeout <= 0 {
		out.CallbackTimeout = DefaultCallbackTimeout
	}
	if out.Retry == nil {
		out.Retry = retry.DefaultRetryConfig()
	}
	if out.Owner == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "sagaflow"
		}
		out.Owner = host + "-" + uuid.NewString()[:8]
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Recorder == nil {
		out.Recorder = monitoring.NoopRecorder{}
	}
	if out.Publisher == nil {
		out.Publisher = events.NoopPublisher{}
	}
	if out.Notifier == nil {
		out.Notifier = alert.NewLogNotifier(out.Logger)
	}
	if out.TracerProvider == nil {
		out.TracerProvider = otel.GetTracerProvider()
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	return out
}

// Engine starts, drives and reports on saga instances.
type Engine struct {
	store    store.Store
	registry *registry.Registry
	invoker  *invoker.Invoker
	policy   retry.Policy

	compensator *Compensator
	pool        *workerPool
	reporter    *reporter

	owner            string
	leaseTTL         time.Duration
	inlineBackoffMax time.Duration
	callbackTimeout  time.Duration

	logger *zap.Logger
	tracer trace.Tracer
	clock  func() time.Time

	mu      sync.RWMutex
	running bool
	stopped bool
}

// NewEngine creates an engine. The worker pool only runs after Start.
func NewEngine(config *Config) (*Engine, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := config.withDefaults()

	compensator, err := NewCompensator(&cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:            cfg.Store,
		registry:         cfg.Registry,
		invoker:          cfg.Invoker,
		policy:           retry.NewExponentialBackoffPolicy(cfg.Retry),
		compensator:      compensator,
		reporter:         compensator.reporter,
		owner:            cfg.Owner,
		leaseTTL:         cfg.LeaseTTL,
		inlineBackoffMax: cfg.InlineBackoffMax,
		callbackTimeout:  cfg.CallbackTimeout,
		logger:           cfg.Logger.With(zap.String("component", "engine"), zap.String("owner", cfg.Owner)),
		tracer:           cfg.TracerProvider.Tracer(tracerName),
		clock:            cfg.Clock,
	}
	e.pool = newWorkerPool(cfg.Workers, cfg.QueueSize, e.driveFromPool, e.logger, cfg.Recorder)
	return e, nil
}

// Owner returns the lease owner prefix of this engine.
func (e *Engine) Owner() string {
	return e.owner
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return saga.NewCoordinatorStoppedError()
	}
	if e.running {
		return nil
	}
	e.pool.start(ctx)
	e.running = true
	e.logger.Info("saga engine started", zap.Int("workers", e.pool.size))
	return nil
}

// Stop stops accepting work and waits for in-flight drives until ctx is
// done, after which remaining drives are cancelled. Interrupted steps are
// resumed by the next owner with the same idempotency key.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	wasRunning := e.running
	e.running = false
	e.mu.Unlock()

	if !wasRunning {
		return nil
	}
	err := e.pool.stop(ctx)
	e.logger.Info("saga engine stopped", zap.Error(err))
	return err
}

func (e *Engine) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// Dispatch queues the instance for a worker. It reports whether the instance
// is queued; a false return leaves recovery to the scheduler.
func (e *Engine) Dispatch(instanceID string) bool {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return false
	}
	return e.pool.submit(instanceID)
}

// StartSaga creates an instance of definitionID and queues it. Starting an
// existing instance ID returns the stored instance with created false.
func (e *Engine) StartSaga(ctx context.Context, definitionID, instanceID string, payload json.RawMessage) (*saga.SagaInstance, bool, error) {
	if e.isStopped() {
		return nil, false, saga.NewCoordinatorStoppedError()
	}
	if instanceID == "" {
		return nil, false, saga.NewValidationError("instance ID is required")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, false, saga.NewValidationError("payload is not valid JSON")
	}

	def, err := e.registry.Lookup(definitionID)
	if err != nil {
		return nil, false, err
	}
	digest, err := e.registry.Digest(def.ID)
	if err != nil {
		return nil, false, err
	}

	inst := &saga.SagaInstance{
		ID:               instanceID,
		DefinitionID:     def.ID,
		DefinitionDigest: digest,
		Status:           saga.StatusRunning,
		CurrentStepIndex: 0,
		CreatedAt:        e.clock().UTC(),
		Payload:          payload,
		FailedStepIndex:  -1,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			return nil, false, err
		}
		existing, loadErr := e.store.LoadInstance(ctx, instanceID)
		if loadErr != nil {
			return nil, false, loadErr
		}
		if existing.DefinitionID != def.ID {
			return nil, false, saga.NewSagaError(saga.ErrCodeSagaAlreadyExists,
				fmt.Sprintf("saga %q already exists for definition %q", instanceID, existing.DefinitionID),
				saga.ErrorTypeAlreadyExists, false)
		}
		return existing, false, nil
	}

	created, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, false, err
	}
	e.reporter.started(ctx, created)
	e.logger.Info("saga started",
		zap.String("saga_id", created.ID),
		zap.String("definition_id", created.DefinitionID))

	e.Dispatch(created.ID)
	return created, true, nil
}

// GetSaga returns the stored instance.
func (e *Engine) GetSaga(ctx context.Context, instanceID string) (*saga.SagaInstance, error) {
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, saga.NewSagaNotFoundError(instanceID)
		}
		return nil, err
	}
	return inst, nil
}

// Records returns the append-only log of the instance.
func (e *Engine) Records(ctx context.Context, instanceID string) ([]saga.StepRecord, error) {
	if _, err := e.GetSaga(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListStepRecords(ctx, instanceID)
}

// Definitions returns every registered definition.
func (e *Engine) Definitions() []*saga.SagaDefinition {
	return e.registry.List()
}

// Definition returns the registered definition id.
func (e *Engine) Definition(id string) (*saga.SagaDefinition, error) {
	return e.registry.Lookup(id)
}

// maxCancelAttempts bounds CAS retries of CancelSaga against a busy worker.
const maxCancelAttempts = 8

// CancelSaga requests cancellation of a Running instance. The step in
// flight, if any, finishes first; the instance then compensates every
// succeeded step. Cancelling an instance that is not Running returns
// ErrNotRunning.
func (e *Engine) CancelSaga(ctx context.Context, instanceID string) (*saga.SagaInstance, error) {
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		inst, err := e.GetSaga(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status != saga.StatusRunning {
			return nil, saga.NewNotRunningError(instanceID, inst.Status)
		}
		if inst.CancelRequested {
			return inst, nil
		}

		expected := inst.Version
		inst.CancelRequested = true
		// Due now, so a sweep picks the instance up if this dispatch finds
		// the lease still held.
		if !inst.AwaitingCallback {
			inst.NextAttemptAt = e.clock().UTC()
		}
		updated, err := e.store.CompareAndSwapInstance(ctx, inst, expected)
		switch {
		case err == nil:
			e.reporter.publish(ctx, events.New(events.CancelRequested, updated))
			e.logger.Info("saga cancel requested", zap.String("saga_id", instanceID))
			e.Dispatch(instanceID)
			return updated, nil
		case errors.Is(err, store.ErrConcurrencyConflict):
			e.reporter.recorder.ConcurrencyConflict(inst.DefinitionID)
			continue
		case errors.Is(err, store.ErrTerminal):
			current, loadErr := e.GetSaga(ctx, instanceID)
			if loadErr != nil {
				return nil, loadErr
			}
			return nil, saga.NewNotRunningError(instanceID, current.Status)
		default:
			return nil, err
		}
	}
	return nil, store.ErrConcurrencyConflict
}

// HandleCallback completes a pending step from an asynchronous participant.
// key is the idempotency key the step was invoked with.
func (e *Engine) HandleCallback(ctx context.Context, key string, resp *invoker.Response) (*saga.SagaInstance, error) {
	rec, err := e.store.FindByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, saga.NewSagaError(saga.ErrCodeCallbackNotExpected,
				fmt.Sprintf("no step uses idempotency key %q", key), saga.ErrorTypeNotFound, false)
		}
		return nil, err
	}
	if rec.Kind != saga.KindStep || rec.Status != saga.StepPending {
		return nil, callbackUnexpected(key, "step is not pending")
	}

	owner := e.owner + "/callback-" + uuid.NewString()[:8]
	if _, err := e.store.AcquireLease(ctx, rec.InstanceID, owner, e.leaseTTL); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), rec.InstanceID, owner); err != nil {
			e.logger.Warn("failed to release callback lease", zap.String("saga_id", rec.InstanceID), zap.Error(err))
		}
	}()

	inst, err := e.GetSaga(ctx, rec.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != saga.StatusRunning || !inst.AwaitingCallback || inst.CurrentStepIndex != rec.StepIndex {
		return nil, callbackUnexpected(key, "instance is not waiting for this step")
	}
	latest, err := latestRecord(ctx, e.store, rec.InstanceID, rec.StepIndex, saga.KindStep)
	if err != nil {
		return nil, err
	}
	if latest.Seq != rec.Seq {
		return nil, callbackUnexpected(key, "step is not pending")
	}

	outcome := resp.Err()
	if errors.Is(outcome, invoker.ErrPending) {
		return inst, nil
	}

	def, err := e.registry.Lookup(inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	stepName := def.Steps[rec.StepIndex].Name

	next := &saga.StepRecord{
		InstanceID:     rec.InstanceID,
		StepIndex:      rec.StepIndex,
		Kind:           saga.KindStep,
		Attempt:        rec.Attempt,
		IdempotencyKey: rec.IdempotencyKey,
	}
	if outcome == nil {
		next.Status = saga.StepSucceeded
		next.Result = resp.Result
	} else {
		next.Status = saga.StepFailed
		next.LastError = saga.NewStepExecutionError(rec.StepIndex, stepName, outcome)
	}
	if _, err := e.store.AppendStepRecord(ctx, next); err != nil {
		return nil, err
	}

	expected := inst.Version
	inst.AwaitingCallback = false
	inst.NextAttemptAt = time.Time{}
	updated, err := e.store.CompareAndSwapInstance(ctx, inst, expected)
	if err != nil {
		return nil, err
	}

	e.reporter.stepOutcome(ctx, updated, rec.StepIndex, stepName, rec.Attempt, outcome, 0)
	e.logger.Info("callback received",
		zap.String("saga_id", rec.InstanceID),
		zap.String("step", stepName),
		zap.Stringer("step_status", next.Status))

	e.Dispatch(rec.InstanceID)
	return updated, nil
}

func callbackUnexpected(key, reason string) *saga.SagaError {
	return saga.NewSagaError(saga.ErrCodeCallbackNotExpected,
		fmt.Sprintf("callback for %q not expected: %s", key, reason), saga.ErrorTypeConflict, false).
		WithDetail("idempotency_key", key)
}

// latestRecord returns the newest record of a step and kind.
func latestRecord(ctx context.Context, st store.Store, instanceID string, index int, kind saga.RecordKind) (saga.StepRecord, error) {
	records, err := st.ListStepRecords(ctx, instanceID)
	if err != nil {
		return saga.StepRecord{}, err
	}
	rec, ok := saga.NewStepLog(records).Latest(index, kind)
	if !ok {
		return saga.StepRecord{}, store.ErrNotFound
	}
	return rec, nil
}
