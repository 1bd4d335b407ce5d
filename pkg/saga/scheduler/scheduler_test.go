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

package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type fakeDispatcher struct {
	mu     sync.Mutex
	ids    []string
	reject bool
}

func (d *fakeDispatcher) Dispatch(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reject {
		return false
	}
	d.ids = append(d.ids, id)
	return true
}

func (d *fakeDispatcher) IDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type fixture struct {
	clock      *fakeClock
	store      *store.MemoryStore
	dispatcher *fakeDispatcher
	scheduler  *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(store.WithClock(clock.Now))
	d := &fakeDispatcher{}
	s, err := New(st, d, cfg, WithClock(clock.Now))
	require.NoError(t, err)
	return &fixture{clock: clock, store: st, dispatcher: d, scheduler: s}
}

func (f *fixture) create(t *testing.T, id string, mutate func(*saga.SagaInstance)) *saga.SagaInstance {
	t.Helper()
	inst := &saga.SagaInstance{
		ID:               id,
		DefinitionID:     "order-fulfillment",
		DefinitionDigest: "digest",
		Status:           saga.StatusRunning,
		Payload:          json.RawMessage(`{}`),
		FailedStepIndex:  -1,
	}
	if mutate != nil {
		mutate(inst)
	}
	require.NoError(t, f.store.CreateInstance(context.Background(), inst))
	return inst
}

func TestNewValidation(t *testing.T) {
	st := store.NewMemoryStore()

	_, err := New(nil, &fakeDispatcher{}, Config{})
	assert.Error(t, err)

	_, err = New(st, nil, Config{})
	assert.Error(t, err)

	_, err = New(st, &fakeDispatcher{}, Config{PurgeSchedule: "every tuesday"})
	assert.Error(t, err)

	s, err := New(st, &fakeDispatcher{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), s.config)
}

func TestSweepDispatchesOrphans(t *testing.T) {
	f := newFixture(t, Config{OrphanAfter: time.Minute})
	ctx := context.Background()

	f.create(t, "ORD-1", nil)
	f.clock.Advance(30 * time.Second)
	f.create(t, "ORD-2", nil)
	f.clock.Advance(45 * time.Second)

	res, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Orphaned: 1, Due: 0, Dispatched: 1}, res)
	assert.Equal(t, []string{"ORD-1"}, f.dispatcher.IDs())
}

func TestSweepSkipsLeasedAndTerminal(t *testing.T) {
	f := newFixture(t, Config{OrphanAfter: time.Minute})
	ctx := context.Background()

	f.create(t, "ORD-leased", nil)
	done := f.create(t, "ORD-done", nil)
	done.Status = saga.StatusCompleted
	_, err := f.store.CompareAndSwapInstance(ctx, done, done.Version)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.store.AcquireLease(ctx, "ORD-leased", "other-engine", time.Hour)
	require.NoError(t, err)

	res, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Dispatched)
	assert.Empty(t, f.dispatcher.IDs())
}

func TestSweepDispatchesDueInstances(t *testing.T) {
	f := newFixture(t, Config{OrphanAfter: time.Hour})
	ctx := context.Background()

	now := f.clock.Now()
	f.create(t, "ORD-retry", func(inst *saga.SagaInstance) {
		inst.NextAttemptAt = now.Add(time.Minute)
	})
	f.create(t, "ORD-callback", func(inst *saga.SagaInstance) {
		inst.AwaitingCallback = true
		inst.NextAttemptAt = now.Add(10 * time.Minute)
	})

	res, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due)

	f.clock.Advance(2 * time.Minute)
	res, err = f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Orphaned: 0, Due: 1, Dispatched: 1}, res)
	assert.Equal(t, []string{"ORD-retry"}, f.dispatcher.IDs())
}

func TestSweepCountsRejectedDispatches(t *testing.T) {
	f := newFixture(t, Config{OrphanAfter: time.Minute})
	f.dispatcher.reject = true

	f.create(t, "ORD-1", nil)
	f.clock.Advance(2 * time.Minute)

	res, err := f.scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Orphaned)
	assert.Zero(t, res.Dispatched)
}

func TestSweepRespectsBatchSize(t *testing.T) {
	f := newFixture(t, Config{OrphanAfter: time.Minute, BatchSize: 2})
	for _, id := range []string{"ORD-1", "ORD-2", "ORD-3"} {
		f.create(t, id, nil)
		f.clock.Advance(time.Second)
	}
	f.clock.Advance(2 * time.Minute)

	res, err := f.scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Orphaned)
	assert.Equal(t, []string{"ORD-1", "ORD-2"}, f.dispatcher.IDs())
}

func TestPurge(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, Config{})
		n, err := f.scheduler.Purge(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("removes old terminal instances", func(t *testing.T) {
		f := newFixture(t, Config{Retention: 24 * time.Hour})

		old := f.create(t, "ORD-old", nil)
		old.Status = saga.StatusCompensated
		_, err := f.store.CompareAndSwapInstance(ctx, old, old.Version)
		require.NoError(t, err)
		f.create(t, "ORD-running", nil)

		f.clock.Advance(25 * time.Hour)
		fresh := f.create(t, "ORD-fresh", nil)
		fresh.Status = saga.StatusCompleted
		_, err = f.store.CompareAndSwapInstance(ctx, fresh, fresh.Version)
		require.NoError(t, err)

		n, err := f.scheduler.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = f.store.LoadInstance(ctx, "ORD-old")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = f.store.LoadInstance(ctx, "ORD-running")
		assert.NoError(t, err)
		_, err = f.store.LoadInstance(ctx, "ORD-fresh")
		assert.NoError(t, err)
	})
}

func TestStartRunsSweeps(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(store.WithClock(clock.Now))
	d := &fakeDispatcher{}
	s, err := New(st, d, Config{Interval: time.Second, OrphanAfter: time.Minute}, WithClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, st.CreateInstance(context.Background(), &saga.SagaInstance{
		ID:              "ORD-1",
		DefinitionID:    "order-fulfillment",
		Status:          saga.StatusRunning,
		FailedStepIndex: -1,
	}))
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		ids := d.IDs()
		return len(ids) > 0 && ids[0] == "ORD-1"
	}, 5*time.Second, 20*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, s.Stop(stopCtx))
	require.NoError(t, s.Stop(stopCtx))
}
