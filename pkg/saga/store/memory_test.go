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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

func newMemoryHarness(t *testing.T) *harness {
	clock := newFakeClock()
	return &harness{
		store:   NewMemoryStore(WithClock(clock.Now)),
		clock:   clock,
		advance: clock.Advance,
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, newMemoryHarness)
}

func TestMemoryStoreSingleWinnerPerVersion(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	inst := newInstance("ORD-race")
	require.NoError(t, h.store.CreateInstance(ctx, inst))

	var (
		wg        sync.WaitGroup
		winners   atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			attempt := inst.Clone()
			attempt.CurrentStepIndex = i
			_, err := h.store.CompareAndSwapInstance(ctx, attempt, 1)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, ErrConcurrencyConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(15), conflicts.Load())

	loaded, err := h.store.LoadInstance(ctx, "ORD-race")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateInstance(ctx, newInstance("ORD-copy")))

	loaded, err := h.store.LoadInstance(ctx, "ORD-copy")
	require.NoError(t, err)
	loaded.Status = saga.StatusFailed
	loaded.Payload[0] = '['

	again, err := h.store.LoadInstance(ctx, "ORD-copy")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRunning, again.Status)
	assert.JSONEq(t, `{"orderId":"ORD-copy"}`, string(again.Payload))

	rec, err := h.store.AppendStepRecord(ctx, newRecord("ORD-copy", 0, saga.StepInFlight))
	require.NoError(t, err)
	rec.Status = saga.StepFailed

	records, err := h.store.ListStepRecords(ctx, "ORD-copy")
	require.NoError(t, err)
	assert.Equal(t, saga.StepInFlight, records[0].Status)
}

func TestMemoryStoreHonoursContext(t *testing.T) {
	h := newMemoryHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.store.LoadInstance(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = h.store.ListDue(ctx, time.Now(), 1)
	assert.ErrorIs(t, err, context.Canceled)
}
