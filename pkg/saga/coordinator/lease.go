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
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga/store"
)

// errLeaseLost cancels a drive whose lease could not be renewed.
var errLeaseLost = errors.New("instance lease lost")

// keepLease renews the lease every ttl/3 until the returned stop function is
// called. When the lease is taken over, or cannot be renewed for a whole
// ttl, the drive context is cancelled with errLeaseLost.
func (e *Engine) keepLease(ctx context.Context, cancel context.CancelCauseFunc, instanceID, owner string) func() {
	interval := e.leaseTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		renewed := time.Now()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			_, err := e.store.RenewLease(ctx, instanceID, owner, e.leaseTTL)
			if err == nil {
				renewed = time.Now()
				continue
			}
			if errors.Is(err, store.ErrLeaseLost) || time.Since(renewed) >= e.leaseTTL {
				e.logger.Warn("lease lost, abandoning drive",
					zap.String("saga_id", instanceID),
					zap.String("owner", owner),
					zap.Error(err))
				cancel(errLeaseLost)
				return
			}
			e.logger.Warn("failed to renew lease", zap.String("saga_id", instanceID), zap.Error(err))
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}
