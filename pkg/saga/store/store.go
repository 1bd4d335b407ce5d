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

// Package store persists saga instances, their append-only step log and the
// leases that grant executors exclusive ownership of an instance.
//
// Every instance write is a compare-and-swap on Version. Records are only
// ever appended. Writes to an instance in a terminal status are rejected.
package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// Store errors. They are SagaErrors so callers can classify them, and they
// match with errors.Is after wrapping.
var (
	// ErrAlreadyExists is returned by CreateInstance for a known instance ID.
	ErrAlreadyExists = saga.NewSagaError("INSTANCE_ALREADY_EXISTS", "instance already exists", saga.ErrorTypeAlreadyExists, false)

	// ErrNotFound is returned when the instance or record does not exist.
	ErrNotFound = saga.NewSagaError("INSTANCE_NOT_FOUND", "instance not found", saga.ErrorTypeNotFound, false)

	// ErrConcurrencyConflict is returned when the stored Version differs from
	// the expected one.
	ErrConcurrencyConflict = saga.NewSagaError(saga.ErrCodeConcurrencyConflict, "instance was modified concurrently", saga.ErrorTypeConcurrency, true)

	// ErrTerminal is returned for writes to an instance in a terminal status.
	ErrTerminal = saga.NewSagaError("INSTANCE_TERMINAL", "instance is in a terminal status", saga.ErrorTypeConflict, false)

	// ErrLeaseHeld is returned when another owner holds a live lease.
	ErrLeaseHeld = saga.NewSagaError("LEASE_HELD", "lease is held by another owner", saga.ErrorTypeConcurrency, true)

	// ErrLeaseLost is returned when renewing a lease the caller no longer owns.
	ErrLeaseLost = saga.NewSagaError("LEASE_LOST", "lease is no longer owned", saga.ErrorTypeConcurrency, false)

	// ErrClosed is returned after Close.
	ErrClosed = saga.NewSagaError("STORE_CLOSED", "store is closed", saga.ErrorTypeSystem, false)
)

// Store is the durable state of the engine.
type Store interface {
	// CreateInstance persists a new instance with Version 1.
	CreateInstance(ctx context.Context, inst *saga.SagaInstance) error

	// LoadInstance returns a copy of the stored instance.
	LoadInstance(ctx context.Context, id string) (*saga.SagaInstance, error)

	// CompareAndSwapInstance replaces the stored instance if its Version
	// equals expectedVersion. The stored copy gets Version+1 and a fresh
	// UpdatedAt and is returned.
	CompareAndSwapInstance(ctx context.Context, inst *saga.SagaInstance, expectedVersion int64) (*saga.SagaInstance, error)

	// AppendStepRecord appends rec to the instance's log, assigning Seq and
	// RecordedAt, and returns the stored record.
	AppendStepRecord(ctx context.Context, rec *saga.StepRecord) (*saga.StepRecord, error)

	// ListStepRecords returns the log of the instance in append order.
	ListStepRecords(ctx context.Context, instanceID string) ([]saga.StepRecord, error)

	// FindByIdempotencyKey returns the latest record carrying key.
	FindByIdempotencyKey(ctx context.Context, key string) (*saga.StepRecord, error)

	// ListOrphaned returns non-terminal, unparked instances not updated
	// since olderThan and not covered by a live lease, oldest first.
	ListOrphaned(ctx context.Context, olderThan time.Time, limit int) ([]string, error)

	// ListDue returns non-terminal instances whose NextAttemptAt has passed
	// and that are not covered by a live lease, earliest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)

	// AcquireLease grants owner the instance until now+ttl. Re-acquiring an
	// owned lease extends it.
	AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*saga.Lease, error)

	// RenewLease extends a lease still owned by owner.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*saga.Lease, error)

	// ReleaseLease drops the lease if owner holds it.
	ReleaseLease(ctx context.Context, instanceID, owner string) error

	// PurgeTerminal deletes terminal instances, their logs and leases last
	// updated before olderThan and returns how many instances were removed.
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Option configures a Store backend.
type Option func(*options)

type options struct {
	clock     func() time.Time
	logger    *zap.Logger
	keyPrefix string
}

func defaultOptions() options {
	return options{
		clock:     time.Now,
		logger:    zap.NewNop(),
		keyPrefix: "sagaflow:",
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the time source used for UpdatedAt, RecordedAt and
// lease expiry.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger of the backend.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithKeyPrefix sets the key prefix used by the Redis backend.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// activeStatuses are the statuses an executor still has to drive.
var activeStatuses = []saga.SagaStatus{saga.StatusRunning, saga.StatusCompensating}

// terminalStatuses never transition again.
var terminalStatuses = []saga.SagaStatus{saga.StatusCompleted, saga.StatusCompensated, saga.StatusFailed}

// toNanos encodes t for storage; the zero time is stored as 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// fromNanos reverses toNanos.
func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// truncate drops the monotonic reading and sub-nanosecond parts so stored
// times round-trip across backends.
func truncate(t time.Time) time.Time {
	return fromNanos(toNanos(t))
}

func validateInstance(inst *saga.SagaInstance) error {
	if inst == nil || inst.ID == "" {
		return saga.NewValidationError("instance ID is required")
	}
	if inst.DefinitionID == "" {
		return saga.NewValidationError("definition ID is required")
	}
	return nil
}

func validateRecord(rec *saga.StepRecord) error {
	if rec == nil || rec.InstanceID == "" {
		return saga.NewValidationError("record instance ID is required")
	}
	if rec.Kind != saga.KindStep && rec.Kind != saga.KindCompensation {
		return saga.NewValidationError("record kind must be step or compensation")
	}
	if rec.IdempotencyKey == "" {
		return saga.NewValidationError("record idempotency key is required")
	}
	return nil
}

func validateLease(instanceID, owner string, ttl time.Duration) error {
	if instanceID == "" || owner == "" {
		return saga.NewValidationError("lease instance ID and owner are required")
	}
	if ttl <= 0 {
		return saga.NewValidationError("lease ttl must be positive")
	}
	return nil
}
