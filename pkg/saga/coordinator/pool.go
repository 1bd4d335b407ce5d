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
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga/monitoring"
)

type driveFunc func(ctx context.Context, instanceID string, worker int) error

// workerPool drives queued instances with a fixed number of goroutines. An
// instance is queued at most once; it can be queued again as soon as a
// worker has picked it up.
type workerPool struct {
	size     int
	queue    chan string
	queued   *xsync.MapOf[string, struct{}]
	drive    driveFunc
	logger   *zap.Logger
	recorder monitoring.Recorder

	// mu guards closing the queue against concurrent submits.
	mu       sync.RWMutex
	closed   bool
	draining atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newWorkerPool(size, queueSize int, drive driveFunc, logger *zap.Logger, recorder monitoring.Recorder) *workerPool {
	return &workerPool{
		size:     size,
		queue:    make(chan string, queueSize),
		queued:   xsync.NewMapOf[string, struct{}](),
		drive:    drive,
		logger:   logger,
		recorder: recorder,
	}
}

func (p *workerPool) start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *workerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for instanceID := range p.queue {
		p.queued.Delete(instanceID)
		p.recorder.QueueDepth(len(p.queue))
		if p.draining.Load() || ctx.Err() != nil {
			continue
		}

		if err := p.drive(ctx, instanceID, id); err != nil && ctx.Err() == nil {
			p.logger.Warn("drive failed",
				zap.String("saga_id", instanceID),
				zap.Int("worker", id),
				zap.Error(err))
		}
	}
}

// submit queues instanceID without blocking. It returns false when the pool
// is closed or the queue is full.
func (p *workerPool) submit(instanceID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	if _, loaded := p.queued.LoadOrStore(instanceID, struct{}{}); loaded {
		return true
	}

	select {
	case p.queue <- instanceID:
		p.recorder.QueueDepth(len(p.queue))
		return true
	default:
		p.queued.Delete(instanceID)
		p.logger.Warn("dispatch queue full, leaving instance to the scheduler", zap.String("saga_id", instanceID))
		return false
	}
}

// stop discards queued instances and waits for running drives until ctx is
// done, then cancels them.
func (p *workerPool) stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.draining.Store(true)
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
