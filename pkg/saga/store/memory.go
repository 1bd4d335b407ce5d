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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// indexItem orders instances by a timestamp, ties broken by ID.
type indexItem struct {
	at int64
	id string
}

func lessIndexItem(a, b indexItem) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	return a.id < b.id
}

// MemoryStore keeps everything in process memory. It is meant for tests and
// single-process deployments where losing state on restart is acceptable.
type MemoryStore struct {
	opts options

	instances *xsync.MapOf[string, *saga.SagaInstance]
	records   *xsync.MapOf[string, []saga.StepRecord]
	keys      *xsync.MapOf[string, saga.StepRecord]
	leases    *xsync.MapOf[string, saga.Lease]

	// idxMu guards the two indexes. It may be taken while an instances
	// bucket lock is held, never the other way round.
	idxMu     sync.Mutex
	byUpdated *btree.BTreeG[indexItem]
	byDue     *btree.BTreeG[indexItem]

	closed atomic.Bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:      buildOptions(opts),
		instances: xsync.NewMapOf[string, *saga.SagaInstance](),
		records:   xsync.NewMapOf[string, []saga.StepRecord](),
		keys:      xsync.NewMapOf[string, saga.StepRecord](),
		leases:    xsync.NewMapOf[string, saga.Lease](),
		byUpdated: btree.NewBTreeG(lessIndexItem),
		byDue:     btree.NewBTreeG(lessIndexItem),
	}
}

func (m *MemoryStore) now() time.Time {
	return truncate(m.opts.clock())
}

func (m *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// reindex moves id from the entries of old to those of cur.
func (m *MemoryStore) reindex(old, cur *saga.SagaInstance) {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()

	if old != nil {
		m.byUpdated.Delete(indexItem{at: toNanos(old.UpdatedAt), id: old.ID})
		m.byDue.Delete(indexItem{at: toNanos(old.NextAttemptAt), id: old.ID})
	}
	if cur == nil {
		return
	}
	m.byUpdated.Set(indexItem{at: toNanos(cur.UpdatedAt), id: cur.ID})
	if !cur.Status.IsTerminal() && !cur.NextAttemptAt.IsZero() {
		m.byDue.Set(indexItem{at: toNanos(cur.NextAttemptAt), id: cur.ID})
	}
}

// CreateInstance implements Store.
func (m *MemoryStore) CreateInstance(ctx context.Context, inst *saga.SagaInstance) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if err := validateInstance(inst); err != nil {
		return err
	}

	now := m.now()
	stored := inst.Clone()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.CreatedAt = truncate(stored.CreatedAt)
	stored.UpdatedAt = now
	stored.NextAttemptAt = truncate(stored.NextAttemptAt)

	exists := false
	m.instances.Compute(stored.ID, func(cur *saga.SagaInstance, loaded bool) (*saga.SagaInstance, bool) {
		if loaded {
			exists = true
			return cur, false
		}
		m.reindex(nil, stored)
		return stored, false
	})
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, stored.ID)
	}

	inst.Version = stored.Version
	inst.CreatedAt = stored.CreatedAt
	inst.UpdatedAt = stored.UpdatedAt
	return nil
}

// LoadInstance implements Store.
func (m *MemoryStore) LoadInstance(ctx context.Context, id string) (*saga.SagaInstance, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	inst, ok := m.instances.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst.Clone(), nil
}

// CompareAndSwapInstance implements Store.
func (m *MemoryStore) CompareAndSwapInstance(ctx context.Context, inst *saga.SagaInstance, expectedVersion int64) (*saga.SagaInstance, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	if err := validateInstance(inst); err != nil {
		return nil, err
	}

	var (
		casErr error
		next   *saga.SagaInstance
	)
	m.instances.Compute(inst.ID, func(cur *saga.SagaInstance, loaded bool) (*saga.SagaInstance, bool) {
		if !loaded {
			casErr = fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
			return nil, true
		}
		if cur.Status.IsTerminal() {
			casErr = fmt.Errorf("%w: %s is %s", ErrTerminal, inst.ID, cur.Status)
			return cur, false
		}
		if cur.Version != expectedVersion {
			casErr = fmt.Errorf("%w: %s expected version %d, found %d", ErrConcurrencyConflict, inst.ID, expectedVersion, cur.Version)
			return cur, false
		}

		next = inst.Clone()
		next.CreatedAt = cur.CreatedAt
		next.Version = cur.Version + 1
		next.UpdatedAt = m.now()
		next.NextAttemptAt = truncate(next.NextAttemptAt)
		m.reindex(cur, next)
		return next, false
	})
	if casErr != nil {
		return nil, casErr
	}
	return next.Clone(), nil
}

// AppendStepRecord implements Store.
func (m *MemoryStore) AppendStepRecord(ctx context.Context, rec *saga.StepRecord) (*saga.StepRecord, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	inst, ok := m.instances.Load(rec.InstanceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rec.InstanceID)
	}
	if inst.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, rec.InstanceID, inst.Status)
	}

	var stored saga.StepRecord
	m.records.Compute(rec.InstanceID, func(log []saga.StepRecord, _ bool) ([]saga.StepRecord, bool) {
		stored = cloneRecord(*rec)
		stored.Seq = int64(len(log)) + 1
		stored.RecordedAt = m.now()

		next := make([]saga.StepRecord, len(log), len(log)+1)
		copy(next, log)
		return append(next, stored), false
	})
	m.keys.Store(stored.IdempotencyKey, stored)

	out := cloneRecord(stored)
	return &out, nil
}

// ListStepRecords implements Store.
func (m *MemoryStore) ListStepRecords(ctx context.Context, instanceID string) ([]saga.StepRecord, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	if _, ok := m.instances.Load(instanceID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	log, _ := m.records.Load(instanceID)
	out := make([]saga.StepRecord, len(log))
	for i := range log {
		out[i] = cloneRecord(log[i])
	}
	return out, nil
}

// FindByIdempotencyKey implements Store.
func (m *MemoryStore) FindByIdempotencyKey(ctx context.Context, key string) (*saga.StepRecord, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	rec, ok := m.keys.Load(key)
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key %s", ErrNotFound, key)
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (m *MemoryStore) leased(id string, now time.Time) bool {
	lease, ok := m.leases.Load(id)
	return ok && lease.Live(now)
}

// ListOrphaned implements Store.
func (m *MemoryStore) ListOrphaned(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	now := m.now()
	cutoff := toNanos(olderThan)

	m.idxMu.Lock()
	defer m.idxMu.Unlock()

	var ids []string
	m.byUpdated.Scan(func(item indexItem) bool {
		if item.at >= cutoff || (limit > 0 && len(ids) >= limit) {
			return false
		}
		inst, ok := m.instances.Load(item.id)
		if ok && toNanos(inst.UpdatedAt) == item.at && !inst.Status.IsTerminal() &&
			inst.NextAttemptAt.IsZero() && !m.leased(item.id, now) {
			ids = append(ids, item.id)
		}
		return true
	})
	return ids, nil
}

// ListDue implements Store.
func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	cutoff := toNanos(now)

	m.idxMu.Lock()
	defer m.idxMu.Unlock()

	var ids []string
	m.byDue.Scan(func(item indexItem) bool {
		if item.at > cutoff || (limit > 0 && len(ids) >= limit) {
			return false
		}
		inst, ok := m.instances.Load(item.id)
		if ok && toNanos(inst.NextAttemptAt) == item.at && !inst.Status.IsTerminal() && !m.leased(item.id, now) {
			ids = append(ids, item.id)
		}
		return true
	})
	return ids, nil
}

// AcquireLease implements Store.
func (m *MemoryStore) AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*saga.Lease, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	if err := validateLease(instanceID, owner, ttl); err != nil {
		return nil, err
	}

	now := m.now()
	var (
		granted saga.Lease
		err     error
	)
	m.leases.Compute(instanceID, func(cur saga.Lease, loaded bool) (saga.Lease, bool) {
		if loaded && cur.Owner != owner && cur.Live(now) {
			err = fmt.Errorf("%w: %s owned by %s", ErrLeaseHeld, instanceID, cur.Owner)
			return cur, false
		}
		granted = saga.Lease{InstanceID: instanceID, Owner: owner, ExpiresAt: now.Add(ttl)}
		return granted, false
	})
	if err != nil {
		return nil, err
	}
	return &granted, nil
}

// RenewLease implements Store.
func (m *MemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*saga.Lease, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	if err := validateLease(instanceID, owner, ttl); err != nil {
		return nil, err
	}

	now := m.now()
	var (
		renewed saga.Lease
		err     error
	)
	m.leases.Compute(instanceID, func(cur saga.Lease, loaded bool) (saga.Lease, bool) {
		if !loaded || cur.Owner != owner || !cur.Live(now) {
			err = fmt.Errorf("%w: %s", ErrLeaseLost, instanceID)
			return cur, !loaded
		}
		renewed = saga.Lease{InstanceID: instanceID, Owner: owner, ExpiresAt: now.Add(ttl)}
		return renewed, false
	})
	if err != nil {
		return nil, err
	}
	return &renewed, nil
}

// ReleaseLease implements Store.
func (m *MemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.leases.Compute(instanceID, func(cur saga.Lease, loaded bool) (saga.Lease, bool) {
		return cur, !loaded || cur.Owner == owner
	})
	return nil
}

// PurgeTerminal implements Store.
func (m *MemoryStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	cutoff := toNanos(olderThan)

	m.idxMu.Lock()
	var victims []*saga.SagaInstance
	m.byUpdated.Scan(func(item indexItem) bool {
		if item.at >= cutoff {
			return false
		}
		if inst, ok := m.instances.Load(item.id); ok && inst.Status.IsTerminal() {
			victims = append(victims, inst)
		}
		return true
	})
	for _, inst := range victims {
		m.byUpdated.Delete(indexItem{at: toNanos(inst.UpdatedAt), id: inst.ID})
	}
	m.idxMu.Unlock()

	for _, inst := range victims {
		if log, ok := m.records.LoadAndDelete(inst.ID); ok {
			for _, rec := range log {
				m.keys.Compute(rec.IdempotencyKey, func(cur saga.StepRecord, loaded bool) (saga.StepRecord, bool) {
					return cur, loaded && cur.InstanceID == inst.ID
				})
			}
		}
		m.leases.Delete(inst.ID)
		m.instances.Delete(inst.ID)
	}

	if len(victims) > 0 {
		m.opts.logger.Info("purged terminal instances", zap.Int("count", len(victims)))
	}
	return len(victims), nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.check(ctx)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.closed.Store(true)
	return nil
}

func cloneRecord(r saga.StepRecord) saga.StepRecord {
	if r.Result != nil {
		r.Result = append([]byte(nil), r.Result...)
	}
	if r.LastError != nil {
		r.LastError = r.LastError.Clone()
	}
	return r
}
