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
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// Redis key naming conventions
const (
	// instanceKeyPattern holds the instance JSON: {prefix}instance:{id}
	instanceKeyPattern = "%sinstance:%s"

	// recordsKeyPattern is the list of record JSON documents: {prefix}records:{id}
	recordsKeyPattern = "%srecords:%s"

	// idempotencyKeyPattern holds the latest record for a key: {prefix}key:{key}
	idempotencyKeyPattern = "%skey:%s"

	// leaseKeyPattern holds the lease owner with a PX expiry: {prefix}lease:{id}
	leaseKeyPattern = "%slease:%s"

	// activeIndexKeyPattern is a sorted set of unparked active instances scored by UpdatedAt.
	activeIndexKeyPattern = "%sindex:active"

	// dueIndexKeyPattern is a sorted set of parked instances scored by NextAttemptAt.
	dueIndexKeyPattern = "%sindex:due"

	// terminalIndexKeyPattern is a sorted set of terminal instances scored by UpdatedAt.
	terminalIndexKeyPattern = "%sindex:terminal"
)

// renewScript extends the lease only when the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only when the caller owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	PoolSize  int           `mapstructure:"pool_size" validate:"gte=0"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// RedisStore persists state in Redis. Instance writes use WATCH/MULTI so a
// concurrent writer aborts the transaction, and leases are plain keys with a
// PX expiry.
type RedisStore struct {
	client redis.UniversalClient
	opts   options
	closed atomic.Bool
}

var _ Store = (*RedisStore)(nil)

// OpenRedis connects to the server described by cfg.
func OpenRedis(cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	ropts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.Timeout > 0 {
		ropts.DialTimeout = cfg.Timeout
		ropts.ReadTimeout = cfg.Timeout
		ropts.WriteTimeout = cfg.Timeout
	}
	if cfg.KeyPrefix != "" {
		opts = append(opts, WithKeyPrefix(cfg.KeyPrefix))
	}

	s := NewRedisStore(redis.NewClient(ropts), opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		_ = s.client.Close()
		return nil, err
	}
	return s, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{client: client, opts: buildOptions(opts)}
}

func (s *RedisStore) key(pattern, id string) string {
	return fmt.Sprintf(pattern, s.opts.keyPrefix, id)
}

func (s *RedisStore) index(pattern string) string {
	return fmt.Sprintf(pattern, s.opts.keyPrefix)
}

func (s *RedisStore) now() time.Time {
	return truncate(s.opts.clock())
}

func (s *RedisStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// indexInstance queues the sorted set updates that place inst in exactly
// one of the three indexes.
func (s *RedisStore) indexInstance(ctx context.Context, pipe redis.Pipeliner, inst *saga.SagaInstance) {
	active, due, terminal := s.index(activeIndexKeyPattern), s.index(dueIndexKeyPattern), s.index(terminalIndexKeyPattern)
	pipe.ZRem(ctx, active, inst.ID)
	pipe.ZRem(ctx, due, inst.ID)
	pipe.ZRem(ctx, terminal, inst.ID)

	switch {
	case inst.Status.IsTerminal():
		pipe.ZAdd(ctx, terminal, redis.Z{Score: score(inst.UpdatedAt), Member: inst.ID})
	case !inst.NextAttemptAt.IsZero():
		pipe.ZAdd(ctx, due, redis.Z{Score: score(inst.NextAttemptAt), Member: inst.ID})
	default:
		pipe.ZAdd(ctx, active, redis.Z{Score: score(inst.UpdatedAt), Member: inst.ID})
	}
}

// score converts t to a sorted set score. Microseconds stay exact in a
// float64.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func decodeInstance(raw string) (*saga.SagaInstance, error) {
	var inst saga.SagaInstance
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return &inst, nil
}

// CreateInstance implements Store.
func (s *RedisStore) CreateInstance(ctx context.Context, inst *saga.SagaInstance) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := validateInstance(inst); err != nil {
		return err
	}

	now := s.now()
	stored := inst.Clone()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.CreatedAt = truncate(stored.CreatedAt)
	stored.UpdatedAt = now
	stored.NextAttemptAt = truncate(stored.NextAttemptAt)

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode instance: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(instanceKeyPattern, stored.ID), raw, 0).Result()
	if err != nil {
		return saga.NewStorageError("create_instance", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, stored.ID)
	}

	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.indexInstance(ctx, pipe, stored)
		return nil
	}); err != nil {
		return saga.NewStorageError("create_instance", err)
	}

	inst.Version = stored.Version
	inst.CreatedAt = stored.CreatedAt
	inst.UpdatedAt = stored.UpdatedAt
	return nil
}

// LoadInstance implements Store.
func (s *RedisStore) LoadInstance(ctx context.Context, id string) (*saga.SagaInstance, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.key(instanceKeyPattern, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, saga.NewStorageError("load_instance", err)
	}
	return decodeInstance(raw)
}

// CompareAndSwapInstance implements Store.
func (s *RedisStore) CompareAndSwapInstance(ctx context.Context, inst *saga.SagaInstance, expectedVersion int64) (*saga.SagaInstance, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := validateInstance(inst); err != nil {
		return nil, err
	}

	key := s.key(instanceKeyPattern, inst.ID)
	var next *saga.SagaInstance

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
		}
		if err != nil {
			return saga.NewStorageError("compare_and_swap", err)
		}
		cur, err := decodeInstance(raw)
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, inst.ID, cur.Status)
		}
		if cur.Version != expectedVersion {
			return fmt.Errorf("%w: %s expected version %d, found %d", ErrConcurrencyConflict, inst.ID, expectedVersion, cur.Version)
		}

		next = inst.Clone()
		next.CreatedAt = cur.CreatedAt
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now()
		next.NextAttemptAt = truncate(next.NextAttemptAt)
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode instance: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			s.indexInstance(ctx, pipe, next)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("%w: %s modified during swap", ErrConcurrencyConflict, inst.ID)
	}
	if err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// AppendStepRecord implements Store.
func (s *RedisStore) AppendStepRecord(ctx context.Context, rec *saga.StepRecord) (*saga.StepRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	instKey := s.key(instanceKeyPattern, rec.InstanceID)
	listKey := s.key(recordsKeyPattern, rec.InstanceID)
	var stored saga.StepRecord

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, instKey).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, rec.InstanceID)
		}
		if err != nil {
			return saga.NewStorageError("append_record", err)
		}
		cur, err := decodeInstance(raw)
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, rec.InstanceID, cur.Status)
		}

		n, err := tx.LLen(ctx, listKey).Result()
		if err != nil {
			return saga.NewStorageError("append_record", err)
		}

		stored = cloneRecord(*rec)
		stored.Seq = n + 1
		stored.RecordedAt = s.now()
		encoded, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, listKey, encoded)
			pipe.Set(ctx, s.key(idempotencyKeyPattern, stored.IdempotencyKey), encoded, 0)
			return nil
		})
		return err
	}, instKey, listKey)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("%w: concurrent append to %s", ErrConcurrencyConflict, rec.InstanceID)
	}
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListStepRecords implements Store.
func (s *RedisStore) ListStepRecords(ctx context.Context, instanceID string) ([]saga.StepRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	exists, err := s.client.Exists(ctx, s.key(instanceKeyPattern, instanceID)).Result()
	if err != nil {
		return nil, saga.NewStorageError("list_records", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}

	raws, err := s.client.LRange(ctx, s.key(recordsKeyPattern, instanceID), 0, -1).Result()
	if err != nil {
		return nil, saga.NewStorageError("list_records", err)
	}
	out := make([]saga.StepRecord, 0, len(raws))
	for _, raw := range raws {
		var rec saga.StepRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// FindByIdempotencyKey implements Store.
func (s *RedisStore) FindByIdempotencyKey(ctx context.Context, key string) (*saga.StepRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.key(idempotencyKeyPattern, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: idempotency key %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, saga.NewStorageError("find_by_key", err)
	}
	var rec saga.StepRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// scanIndex walks a sorted set in score order up to upper and keeps members
// without a live lease.
func (s *RedisStore) scanIndex(ctx context.Context, op, index, upper string, limit int) ([]string, error) {
	const page = 256
	var ids []string
	for offset := int64(0); ; offset += page {
		members, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
			Min:    "-inf",
			Max:    upper,
			Offset: offset,
			Count:  page,
		}).Result()
		if err != nil {
			return nil, saga.NewStorageError(op, err)
		}
		if len(members) == 0 {
			return ids, nil
		}

		pipe := s.client.Pipeline()
		checks := make([]*redis.IntCmd, len(members))
		for i, id := range members {
			checks[i] = pipe.Exists(ctx, s.key(leaseKeyPattern, id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, saga.NewStorageError(op, err)
		}

		for i, id := range members {
			if checks[i].Val() > 0 {
				continue
			}
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				return ids, nil
			}
		}
		if len(members) < page {
			return ids, nil
		}
	}
}

// ListOrphaned implements Store.
func (s *RedisStore) ListOrphaned(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	upper := "(" + strconv.FormatInt(olderThan.UnixMicro(), 10)
	return s.scanIndex(ctx, "list_orphaned", s.index(activeIndexKeyPattern), upper, limit)
}

// ListDue implements Store.
func (s *RedisStore) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	upper := strconv.FormatInt(now.UnixMicro(), 10)
	return s.scanIndex(ctx, "list_due", s.index(dueIndexKeyPattern), upper, limit)
}

// AcquireLease implements Store.
func (s *RedisStore) AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*saga.Lease, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := validateLease(instanceID, owner, ttl); err != nil {
		return nil, err
	}

	key := s.key(leaseKeyPattern, instanceID)
	expires := s.now().Add(ttl)

	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, saga.NewStorageError("acquire_lease", err)
	}
	if ok {
		return &saga.Lease{InstanceID: instanceID, Owner: owner, ExpiresAt: expires}, nil
	}

	// Re-acquiring our own lease extends it.
	if lease, err := s.RenewLease(ctx, instanceID, owner, ttl); err == nil {
		return lease, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, instanceID)
}

// RenewLease implements Store.
func (s *RedisStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*saga.Lease, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := validateLease(instanceID, owner, ttl); err != nil {
		return nil, err
	}

	expires := s.now().Add(ttl)
	n, err := renewScript.Run(ctx, s.client, []string{s.key(leaseKeyPattern, instanceID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, saga.NewStorageError("renew_lease", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, instanceID)
	}
	return &saga.Lease{InstanceID: instanceID, Owner: owner, ExpiresAt: expires}, nil
}

// ReleaseLease implements Store.
func (s *RedisStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, s.client, []string{s.key(leaseKeyPattern, instanceID)}, owner).Err(); err != nil {
		return saga.NewStorageError("release_lease", err)
	}
	return nil
}

// PurgeTerminal implements Store.
func (s *RedisStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	terminal := s.index(terminalIndexKeyPattern)
	ids, err := s.client.ZRangeByScore(ctx, terminal, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(olderThan.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, saga.NewStorageError("purge_terminal", err)
	}

	for _, id := range ids {
		records, err := s.ListStepRecords(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
		if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, rec := range records {
				pipe.Del(ctx, s.key(idempotencyKeyPattern, rec.IdempotencyKey))
			}
			pipe.Del(ctx, s.key(instanceKeyPattern, id), s.key(recordsKeyPattern, id), s.key(leaseKeyPattern, id))
			pipe.ZRem(ctx, terminal, id)
			return nil
		}); err != nil {
			return 0, saga.NewStorageError("purge_terminal", err)
		}
	}

	if len(ids) > 0 {
		s.opts.logger.Info("purged terminal instances", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return saga.NewStorageError("ping", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}
