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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga/monitoring"
)

func TestWorkerPoolDeduplicatesQueuedInstances(t *testing.T) {
	var (
		mu     sync.Mutex
		driven []string
	)
	gate := make(chan struct{})
	p := newWorkerPool(1, 8, func(_ context.Context, id string, _ int) error {
		<-gate
		mu.Lock()
		driven = append(driven, id)
		mu.Unlock()
		return nil
	}, zap.NewNop(), monitoring.NoopRecorder{})

	// Not started yet, so nothing is dequeued.
	assert.True(t, p.submit("A"))
	assert.True(t, p.submit("A"))
	assert.True(t, p.submit("B"))
	assert.Len(t, p.queue, 2)

	p.start(context.Background())
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(driven) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B"}, driven)
	require.NoError(t, p.stop(context.Background()))
	assert.False(t, p.submit("C"))
}

func TestWorkerPoolQueueFull(t *testing.T) {
	p := newWorkerPool(1, 1, func(context.Context, string, int) error { return nil }, zap.NewNop(), monitoring.NoopRecorder{})

	assert.True(t, p.submit("A"))
	assert.False(t, p.submit("B"))
	_, queued := p.queued.Load("B")
	assert.False(t, queued)
}

func TestWorkerPoolStopCancelsSlowDrives(t *testing.T) {
	started := make(chan struct{})
	p := newWorkerPool(1, 4, func(ctx context.Context, _ string, _ int) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, zap.NewNop(), monitoring.NoopRecorder{})
	p.start(context.Background())
	require.True(t, p.submit("A"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.stop(ctx), context.DeadlineExceeded)
}
