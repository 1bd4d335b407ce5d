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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/invoker"
	"github.com/innovationmech/sagaflow/pkg/saga/store"
)

// racingStore lets another writer win the next conflicts CAS calls, and
// reports lease renewals as lost while loseLease is set.
type racingStore struct {
	store.Store
	conflicts atomic.Int32
	casCalls  atomic.Int32
	loseLease atomic.Bool
}

func (s *racingStore) CompareAndSwapInstance(ctx context.Context, inst *saga.SagaInstance, expectedVersion int64) (*saga.SagaInstance, error) {
	s.casCalls.Add(1)
	if s.conflicts.Add(-1) >= 0 {
		current, err := s.Store.LoadInstance(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		if _, err := s.Store.CompareAndSwapInstance(ctx, current, current.Version); err != nil {
			return nil, err
		}
	}
	return s.Store.CompareAndSwapInstance(ctx, inst, expectedVersion)
}

func (s *racingStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*saga.Lease, error) {
	if s.loseLease.Load() {
		return nil, store.ErrLeaseLost
	}
	return s.Store.RenewLease(ctx, instanceID, owner, ttl)
}

func withRacingStore(rs *racingStore) envOption {
	return func(c *Config) {
		rs.Store = c.Store
		c.Store = rs
	}
}

// outcomeCounts counts non-InFlight forward records per step index.
func outcomeCounts(records []saga.StepRecord, status saga.StepStatus) map[int]int {
	out := make(map[int]int)
	for _, rec := range records {
		if rec.Kind == saga.KindStep && rec.Status == status {
			out[rec.StepIndex]++
		}
	}
	return out
}

func TestDriveRereadsAfterConcurrentWrite(t *testing.T) {
	rs := &racingStore{}
	rs.conflicts.Store(1)
	env := newTestEnv(t, []*saga.SagaDefinition{threeSteps()}, withRacingStore(rs))

	inst := env.start(t, "abc", "ABC-10")

	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.Equal(t, 3, inst.CurrentStepIndex)
	for _, name := range []string{"A", "B", "C"} {
		assert.Equal(t, 1, env.service.Count(name), name)
	}
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1}, outcomeCounts(env.records(t, "ABC-10"), saga.StepSucceeded))
}

func TestDriveAbandonsAfterRepeatedConflicts(t *testing.T) {
	rs := &racingStore{}
	rs.conflicts.Store(1 << 20)
	env := newTestEnv(t, []*saga.SagaDefinition{threeSteps()}, withRacingStore(rs))
	ctx := context.Background()

	_, _, err := env.engine.StartSaga(ctx, "abc", "ABC-11", nil)
	require.NoError(t, err)
	err = env.engine.Drive(ctx, "ABC-11")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConcurrencyConflict))
	assert.EqualValues(t, maxConflicts+1, rs.casCalls.Load())

	assert.Equal(t, 1, env.service.Count("A"))
	assert.Zero(t, env.service.Count("B"))
	assert.Equal(t, map[int]int{0: 1}, outcomeCounts(env.records(t, "ABC-11"), saga.StepSucceeded))

	inst := env.get(t, "ABC-11")
	assert.Equal(t, saga.StatusRunning, inst.Status)
	assert.Zero(t, inst.CurrentStepIndex)

	rs.conflicts.Store(0)
	require.NoError(t, env.engine.Drive(ctx, "ABC-11"))
	assert.Equal(t, saga.StatusCompleted, env.get(t, "ABC-11").Status)
	assert.Equal(t, 1, env.service.Count("A"))
}

func TestLostLeaseCancelsDrive(t *testing.T) {
	rs := &racingStore{}
	env := newTestEnv(t, []*saga.SagaDefinition{threeSteps()}, withRacingStore(rs), func(c *Config) {
		c.LeaseTTL = 60 * time.Millisecond
	})
	env.service.on("B", func(ctx context.Context, call int, _ *invoker.Request) (*invoker.Response, error) {
		if call == 1 {
			rs.loseLease.Store(true)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return invoker.Success(nil), nil
	})
	ctx := context.Background()

	_, _, err := env.engine.StartSaga(ctx, "abc", "ABC-12", nil)
	require.NoError(t, err)
	err = env.engine.Drive(ctx, "ABC-12")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errLeaseLost))

	inst := env.get(t, "ABC-12")
	assert.Equal(t, saga.StatusRunning, inst.Status)
	assert.Equal(t, 1, inst.CurrentStepIndex)
	assert.Zero(t, env.service.Count("C"))

	records := env.records(t, "ABC-12")
	assert.Empty(t, outcomeCounts(records, saga.StepFailed))
	assert.Equal(t, map[int]int{0: 1}, outcomeCounts(records, saga.StepSucceeded))
	latest := records[len(records)-1]
	assert.Equal(t, 1, latest.StepIndex)
	assert.Equal(t, saga.StepInFlight, latest.Status)

	rs.loseLease.Store(false)
	require.NoError(t, env.engine.Drive(ctx, "ABC-12"))
	assert.Equal(t, saga.StatusCompleted, env.get(t, "ABC-12").Status)

	keys := env.service.Keys("B")
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1}, outcomeCounts(env.records(t, "ABC-12"), saga.StepSucceeded))
}
