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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness is one backend under test. advance moves every clock the
// backend depends on.
type harness struct {
	store   Store
	clock   *fakeClock
	advance func(time.Duration)
}

type harnessFactory func(t *testing.T) *harness

func newInstance(id string) *saga.SagaInstance {
	return &saga.SagaInstance{
		ID:               id,
		DefinitionID:     "order-fulfillment",
		DefinitionDigest: "digest",
		Status:           saga.StatusRunning,
		Payload:          json.RawMessage(`{"orderId":"` + id + `"}`),
		FailedStepIndex:  -1,
	}
}

func newRecord(instanceID string, index int, status saga.StepStatus) *saga.StepRecord {
	return &saga.StepRecord{
		InstanceID:     instanceID,
		StepIndex:      index,
		Kind:           saga.KindStep,
		Attempt:        1,
		Status:         status,
		IdempotencyKey: fmt.Sprintf("%s:%d", instanceID, index),
	}
}

func runStoreSuite(t *testing.T, factory harnessFactory) {
	t.Run("CreateAndLoad", func(t *testing.T) { testCreateAndLoad(t, factory(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, factory(t)) })
	t.Run("StepRecords", func(t *testing.T) { testStepRecords(t, factory(t)) })
	t.Run("Leases", func(t *testing.T) { testLeases(t, factory(t)) })
	t.Run("ListOrphaned", func(t *testing.T) { testListOrphaned(t, factory(t)) })
	t.Run("ListDue", func(t *testing.T) { testListDue(t, factory(t)) })
	t.Run("PurgeTerminal", func(t *testing.T) { testPurgeTerminal(t, factory(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, factory(t)) })
}

func testCreateAndLoad(t *testing.T, h *harness) {
	ctx := context.Background()
	inst := newInstance("ORD-1")
	require.NoError(t, h.store.CreateInstance(ctx, inst))
	assert.Equal(t, int64(1), inst.Version)

	loaded, err := h.store.LoadInstance(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "order-fulfillment", loaded.DefinitionID)
	assert.Equal(t, saga.StatusRunning, loaded.Status)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, -1, loaded.FailedStepIndex)
	assert.JSONEq(t, `{"orderId":"ORD-1"}`, string(loaded.Payload))
	assert.True(t, loaded.UpdatedAt.Equal(h.clock.Now()))

	err = h.store.CreateInstance(ctx, newInstance("ORD-1"))
	assert.True(t, errors.Is(err, ErrAlreadyExists), "got %v", err)

	_, err = h.store.LoadInstance(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	assert.Error(t, h.store.CreateInstance(ctx, &saga.SagaInstance{}))
}

func testCompareAndSwap(t *testing.T, h *harness) {
	ctx := context.Background()
	inst := newInstance("ORD-2")
	require.NoError(t, h.store.CreateInstance(ctx, inst))

	h.advance(time.Second)
	inst.CurrentStepIndex = 1
	inst.LastError = saga.NewTransientError("busy")
	next, err := h.store.CompareAndSwapInstance(ctx, inst, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Version)
	assert.True(t, next.UpdatedAt.Equal(h.clock.Now()))

	_, err = h.store.CompareAndSwapInstance(ctx, inst, 1)
	assert.True(t, errors.Is(err, ErrConcurrencyConflict), "stale version: %v", err)
	assert.True(t, saga.IsType(err, saga.ErrorTypeConcurrency))

	loaded, err := h.store.LoadInstance(ctx, "ORD-2")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.CurrentStepIndex)
	require.NotNil(t, loaded.LastError)
	assert.Equal(t, "busy", loaded.LastError.Message)

	loaded.Status = saga.StatusCompleted
	done, err := h.store.CompareAndSwapInstance(ctx, loaded, loaded.Version)
	require.NoError(t, err)

	done.Status = saga.StatusRunning
	_, err = h.store.CompareAndSwapInstance(ctx, done, done.Version)
	assert.True(t, errors.Is(err, ErrTerminal), "terminal instances never change: %v", err)

	_, err = h.store.CompareAndSwapInstance(ctx, newInstance("missing"), 1)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func testStepRecords(t *testing.T, h *harness) {
	ctx := context.Background()
	require.NoError(t, h.store.CreateInstance(ctx, newInstance("ORD-3")))

	first, err := h.store.AppendStepRecord(ctx, newRecord("ORD-3", 0, saga.StepInFlight))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)

	done := newRecord("ORD-3", 0, saga.StepSucceeded)
	done.Result = json.RawMessage(`{"reservation":"R-1"}`)
	second, err := h.store.AppendStepRecord(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)

	failed := newRecord("ORD-3", 1, saga.StepFailed)
	failed.LastError = saga.NewPermanentError("declined")
	_, err = h.store.AppendStepRecord(ctx, failed)
	require.NoError(t, err)

	records, err := h.store.ListStepRecords(ctx, "ORD-3")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, saga.StepInFlight, records[0].Status)
	assert.Equal(t, saga.StepSucceeded, records[1].Status)
	assert.JSONEq(t, `{"reservation":"R-1"}`, string(records[1].Result))
	assert.Equal(t, "declined", records[2].LastError.Message)
	assert.False(t, records[2].RecordedAt.IsZero())

	latest, err := h.store.FindByIdempotencyKey(ctx, "ORD-3:0")
	require.NoError(t, err)
	assert.Equal(t, saga.StepSucceeded, latest.Status)
	assert.Equal(t, int64(2), latest.Seq)

	_, err = h.store.FindByIdempotencyKey(ctx, "ORD-3:9")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = h.store.AppendStepRecord(ctx, newRecord("missing", 0, saga.StepInFlight))
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	_, err = h.store.ListStepRecords(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	empty := newInstance("ORD-3b")
	require.NoError(t, h.store.CreateInstance(ctx, empty))
	none, err := h.store.ListStepRecords(ctx, "ORD-3b")
	require.NoError(t, err)
	assert.Empty(t, none)

	empty.Status = saga.StatusCompensated
	_, err = h.store.CompareAndSwapInstance(ctx, empty, 1)
	require.NoError(t, err)
	_, err = h.store.AppendStepRecord(ctx, newRecord("ORD-3b", 0, saga.StepInFlight))
	assert.True(t, errors.Is(err, ErrTerminal), "got %v", err)
}

func testLeases(t *testing.T, h *harness) {
	ctx := context.Background()
	require.NoError(t, h.store.CreateInstance(ctx, newInstance("ORD-4")))

	lease, err := h.store.AcquireLease(ctx, "ORD-4", "worker-a", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", lease.Owner)
	assert.True(t, lease.ExpiresAt.Equal(h.clock.Now().Add(10*time.Second)))

	_, err = h.store.AcquireLease(ctx, "ORD-4", "worker-b", 10*time.Second)
	assert.True(t, errors.Is(err, ErrLeaseHeld), "got %v", err)

	_, err = h.store.AcquireLease(ctx, "ORD-4", "worker-a", 10*time.Second)
	assert.NoError(t, err, "owner may re-acquire")

	_, err = h.store.RenewLease(ctx, "ORD-4", "worker-a", 10*time.Second)
	assert.NoError(t, err)

	_, err = h.store.RenewLease(ctx, "ORD-4", "worker-b", 10*time.Second)
	assert.True(t, errors.Is(err, ErrLeaseLost), "got %v", err)

	require.NoError(t, h.store.ReleaseLease(ctx, "ORD-4", "worker-b"))
	_, err = h.store.AcquireLease(ctx, "ORD-4", "worker-b", 10*time.Second)
	assert.True(t, errors.Is(err, ErrLeaseHeld), "release by a non-owner is a no-op")

	require.NoError(t, h.store.ReleaseLease(ctx, "ORD-4", "worker-a"))
	_, err = h.store.AcquireLease(ctx, "ORD-4", "worker-b", 10*time.Second)
	require.NoError(t, err)

	h.advance(11 * time.Second)
	_, err = h.store.RenewLease(ctx, "ORD-4", "worker-b", 10*time.Second)
	assert.True(t, errors.Is(err, ErrLeaseLost), "expired leases cannot be renewed: %v", err)

	_, err = h.store.AcquireLease(ctx, "ORD-4", "worker-c", 10*time.Second)
	assert.NoError(t, err, "expired leases can be taken over")

	_, err = h.store.AcquireLease(ctx, "ORD-4", "", time.Second)
	assert.Error(t, err)
	_, err = h.store.AcquireLease(ctx, "ORD-4", "worker-c", 0)
	assert.Error(t, err)
}

func testListOrphaned(t *testing.T, h *harness) {
	ctx := context.Background()
	for _, id := range []string{"ORD-5a", "ORD-5b", "ORD-5c", "ORD-5d", "ORD-5e"} {
		require.NoError(t, h.store.CreateInstance(ctx, newInstance(id)))
		h.advance(time.Second)
	}

	// ORD-5b is leased, ORD-5c is parked, ORD-5d is terminal.
	_, err := h.store.AcquireLease(ctx, "ORD-5b", "worker-a", time.Hour)
	require.NoError(t, err)

	parked, err := h.store.LoadInstance(ctx, "ORD-5c")
	require.NoError(t, err)
	parked.NextAttemptAt = h.clock.Now().Add(time.Hour)
	parkedNext, err := h.store.CompareAndSwapInstance(ctx, parked, parked.Version)
	require.NoError(t, err)

	done, err := h.store.LoadInstance(ctx, "ORD-5d")
	require.NoError(t, err)
	done.Status = saga.StatusCompleted
	_, err = h.store.CompareAndSwapInstance(ctx, done, done.Version)
	require.NoError(t, err)

	h.advance(time.Minute)

	ids, err := h.store.ListOrphaned(ctx, h.clock.Now().Add(-30*time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ORD-5a", "ORD-5e"}, ids)

	ids, err = h.store.ListOrphaned(ctx, h.clock.Now().Add(-30*time.Second), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"ORD-5a"}, ids)

	ids, err = h.store.ListOrphaned(ctx, h.clock.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, ids, "nothing is that stale")

	// Clearing the timer makes the parked instance eligible again.
	parkedNext.NextAttemptAt = time.Time{}
	_, err = h.store.CompareAndSwapInstance(ctx, parkedNext, parkedNext.Version)
	require.NoError(t, err)
	h.advance(time.Minute)
	ids, err = h.store.ListOrphaned(ctx, h.clock.Now().Add(-30*time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ORD-5a", "ORD-5e", "ORD-5c"}, ids)
}

func testListDue(t *testing.T, h *harness) {
	ctx := context.Background()
	start := h.clock.Now()

	for i, id := range []string{"ORD-6a", "ORD-6b", "ORD-6c"} {
		inst := newInstance(id)
		require.NoError(t, h.store.CreateInstance(ctx, inst))
		inst.NextAttemptAt = start.Add(time.Duration(3-i) * time.Minute)
		inst.AwaitingCallback = id == "ORD-6c"
		_, err := h.store.CompareAndSwapInstance(ctx, inst, inst.Version)
		require.NoError(t, err)
	}

	ids, err := h.store.ListDue(ctx, start.Add(30*time.Second), 0)
	require.NoError(t, err)
	assert.Empty(t, ids)

	h.advance(150 * time.Second)
	ids, err = h.store.ListDue(ctx, h.clock.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ORD-6c", "ORD-6b"}, ids)

	_, err = h.store.AcquireLease(ctx, "ORD-6c", "worker-a", time.Minute)
	require.NoError(t, err)
	ids, err = h.store.ListDue(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ORD-6b"}, ids, "leased instances are skipped")
}

func testPurgeTerminal(t *testing.T, h *harness) {
	ctx := context.Background()

	old := newInstance("ORD-7a")
	require.NoError(t, h.store.CreateInstance(ctx, old))
	_, err := h.store.AppendStepRecord(ctx, newRecord("ORD-7a", 0, saga.StepSucceeded))
	require.NoError(t, err)
	old.Status = saga.StatusCompleted
	_, err = h.store.CompareAndSwapInstance(ctx, old, 1)
	require.NoError(t, err)

	running := newInstance("ORD-7b")
	require.NoError(t, h.store.CreateInstance(ctx, running))

	h.advance(time.Hour)
	recent := newInstance("ORD-7c")
	require.NoError(t, h.store.CreateInstance(ctx, recent))
	recent.Status = saga.StatusFailed
	_, err = h.store.CompareAndSwapInstance(ctx, recent, 1)
	require.NoError(t, err)

	n, err := h.store.PurgeTerminal(ctx, h.clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.store.LoadInstance(ctx, "ORD-7a")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = h.store.FindByIdempotencyKey(ctx, "ORD-7a:0")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = h.store.LoadInstance(ctx, "ORD-7b")
	assert.NoError(t, err, "running instances are never purged")
	_, err = h.store.LoadInstance(ctx, "ORD-7c")
	assert.NoError(t, err, "recent terminal instances are kept")
}

func testClosed(t *testing.T, h *harness) {
	ctx := context.Background()
	require.NoError(t, h.store.Ping(ctx))
	require.NoError(t, h.store.Close())
	assert.NoError(t, h.store.Close(), "close is idempotent")

	_, err := h.store.LoadInstance(ctx, "x")
	assert.True(t, errors.Is(err, ErrClosed))
}
