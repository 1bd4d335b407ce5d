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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/migrations"
)

// SQLConfig configures a SQLStore.
type SQLConfig struct {
	// Driver is "postgres" or "sqlite3".
	Driver string `mapstructure:"driver" validate:"omitempty,oneof=postgres sqlite3"`

	// DSN is the driver specific data source name.
	DSN string `mapstructure:"dsn"`

	// MaxOpenConns limits the pool. Zero keeps the driver default; sqlite3
	// always uses one connection.
	MaxOpenConns int `mapstructure:"max_open_conns" validate:"gte=0"`

	// MaxIdleConns limits idle connections in the pool.
	MaxIdleConns int `mapstructure:"max_idle_conns" validate:"gte=0"`

	// ConnMaxLifetime recycles connections after this duration.
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`

	// AutoMigrate applies the embedded migrations when the store opens.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// SQLStore persists state through database/sql. The same statements run on
// PostgreSQL and SQLite: times are stored as unix nanoseconds and JSON
// documents as text. Placeholders are numbered in order of first use, which
// both drivers require.
type SQLStore struct {
	db     *sql.DB
	driver string
	opts   options
	closed atomic.Bool
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens the database described by cfg.
func OpenSQL(cfg SQLConfig, opts ...Option) (*SQLStore, error) {
	if cfg.Driver == "" {
		cfg.Driver = migrations.DialectPostgres
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	if cfg.Driver == migrations.DialectSQLite3 {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := NewSQLStore(db, cfg.Driver, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.AutoMigrate {
		m, err := migrations.NewMigrator(db, cfg.Driver)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		n, err := m.Up()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.opts.logger.Info("applied store migrations", zap.Int("count", n), zap.String("driver", cfg.Driver))
	}

	return s, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, driver string, opts ...Option) *SQLStore {
	return &SQLStore{db: db, driver: driver, opts: buildOptions(opts)}
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) now() time.Time {
	return truncate(s.opts.clock())
}

func (s *SQLStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

const instanceColumns = `id, definition_id, definition_digest, status, current_step_index, version,
	created_at, updated_at, payload, last_error, failed_step, failed_step_index,
	cancel_requested, awaiting_callback, next_attempt_at`

const recordColumns = `instance_id, seq, step_index, kind, attempt, status, idempotency_key,
	result, last_error, recorded_at`

func statusList(statuses []saga.SagaStatus) string {
	quoted := make([]string, len(statuses))
	for i, st := range statuses {
		quoted[i] = "'" + st.String() + "'"
	}
	return strings.Join(quoted, ", ")
}

var (
	activeList   = statusList(activeStatuses)
	terminalList = statusList(terminalStatuses)
)

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func encodeError(e *saga.SagaError) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode error: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeError(ns sql.NullString) (*saga.SagaError, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var e saga.SagaError
	if err := json.Unmarshal([]byte(ns.String), &e); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*saga.SagaInstance, error) {
	var (
		inst                     saga.SagaInstance
		status                   string
		created, updated, nextAt int64
		payload, lastErr         sql.NullString
	)
	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionDigest, &status,
		&inst.CurrentStepIndex, &inst.Version, &created, &updated, &payload, &lastErr,
		&inst.FailedStep, &inst.FailedStepIndex, &inst.CancelRequested, &inst.AwaitingCallback, &nextAt)
	if err != nil {
		return nil, err
	}
	if inst.Status, err = saga.ParseSagaStatus(status); err != nil {
		return nil, err
	}
	inst.CreatedAt = fromNanos(created)
	inst.UpdatedAt = fromNanos(updated)
	inst.NextAttemptAt = fromNanos(nextAt)
	if payload.Valid {
		inst.Payload = json.RawMessage(payload.String)
	}
	if inst.LastError, err = decodeError(lastErr); err != nil {
		return nil, err
	}
	return &inst, nil
}

func scanRecord(row rowScanner) (saga.StepRecord, error) {
	var (
		rec             saga.StepRecord
		kind, status    string
		result, lastErr sql.NullString
		recorded        int64
	)
	err := row.Scan(&rec.InstanceID, &rec.Seq, &rec.StepIndex, &kind, &rec.Attempt, &status,
		&rec.IdempotencyKey, &result, &lastErr, &recorded)
	if err != nil {
		return rec, err
	}
	rec.Kind = saga.RecordKind(kind)
	if rec.Status, err = saga.ParseStepStatus(status); err != nil {
		return rec, err
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if rec.LastError, err = decodeError(lastErr); err != nil {
		return rec, err
	}
	rec.RecordedAt = fromNanos(recorded)
	return rec, nil
}

// CreateInstance implements Store.
func (s *SQLStore) CreateInstance(ctx context.Context, inst *saga.SagaInstance) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := validateInstance(inst); err != nil {
		return err
	}

	now := s.now()
	created := inst.CreatedAt
	if created.IsZero() {
		created = now
	}
	lastErr, err := encodeError(inst.LastError)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO saga_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		inst.ID, inst.DefinitionID, inst.DefinitionDigest, inst.Status.String(), inst.CurrentStepIndex, int64(1),
		toNanos(created), toNanos(now), nullJSON(inst.Payload), lastErr, inst.FailedStep, inst.FailedStepIndex,
		inst.CancelRequested, inst.AwaitingCallback, toNanos(inst.NextAttemptAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, inst.ID)
		}
		return saga.NewStorageError("create_instance", err)
	}

	inst.Version = 1
	inst.CreatedAt = truncate(created)
	inst.UpdatedAt = now
	return nil
}

// LoadInstance implements Store.
func (s *SQLStore) LoadInstance(ctx context.Context, id string) (*saga.SagaInstance, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM saga_instances WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, saga.NewStorageError("load_instance", err)
	}
	return inst, nil
}

// CompareAndSwapInstance implements Store.
func (s *SQLStore) CompareAndSwapInstance(ctx context.Context, inst *saga.SagaInstance, expectedVersion int64) (*saga.SagaInstance, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := validateInstance(inst); err != nil {
		return nil, err
	}
	lastErr, err := encodeError(inst.LastError)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `UPDATE saga_instances SET
		status = $1, current_step_index = $2, version = $3, updated_at = $4, payload = $5,
		last_error = $6, failed_step = $7, failed_step_index = $8, cancel_requested = $9,
		awaiting_callback = $10, next_attempt_at = $11
		WHERE id = $12 AND version = $13 AND status NOT IN (`+terminalList+`)`,
		inst.Status.String(), inst.CurrentStepIndex, expectedVersion+1, toNanos(now), nullJSON(inst.Payload),
		lastErr, inst.FailedStep, inst.FailedStepIndex, inst.CancelRequested,
		inst.AwaitingCallback, toNanos(inst.NextAttemptAt),
		inst.ID, expectedVersion)
	if err != nil {
		return nil, saga.NewStorageError("compare_and_swap", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, saga.NewStorageError("compare_and_swap", err)
	}

	if n == 0 {
		cur, err := s.LoadInstance(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, inst.ID, cur.Status)
		}
		return nil, fmt.Errorf("%w: %s expected version %d, found %d", ErrConcurrencyConflict, inst.ID, expectedVersion, cur.Version)
	}

	out := inst.Clone()
	out.Version = expectedVersion + 1
	out.UpdatedAt = now
	out.NextAttemptAt = truncate(out.NextAttemptAt)
	return out, nil
}

// AppendStepRecord implements Store.
func (s *SQLStore) AppendStepRecord(ctx context.Context, rec *saga.StepRecord) (*saga.StepRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	lastErr, err := encodeError(rec.LastError)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, saga.NewStorageError("append_record", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM saga_instances WHERE id = $1`, rec.InstanceID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rec.InstanceID)
	}
	if err != nil {
		return nil, saga.NewStorageError("append_record", err)
	}
	if st, perr := saga.ParseSagaStatus(status); perr == nil && st.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, rec.InstanceID, st)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM saga_step_records WHERE instance_id = $1`, rec.InstanceID).Scan(&seq); err != nil {
		return nil, saga.NewStorageError("append_record", err)
	}

	stored := cloneRecord(*rec)
	stored.Seq = seq + 1
	stored.RecordedAt = s.now()

	_, err = tx.ExecContext(ctx, `INSERT INTO saga_step_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		stored.InstanceID, stored.Seq, stored.StepIndex, string(stored.Kind), stored.Attempt, stored.Status.String(),
		stored.IdempotencyKey, nullJSON(stored.Result), lastErr, toNanos(stored.RecordedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: concurrent append to %s", ErrConcurrencyConflict, rec.InstanceID)
		}
		return nil, saga.NewStorageError("append_record", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, saga.NewStorageError("append_record", err)
	}
	return &stored, nil
}

// ListStepRecords implements Store.
func (s *SQLStore) ListStepRecords(ctx context.Context, instanceID string) ([]saga.StepRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if _, err := s.LoadInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM saga_step_records WHERE instance_id = $1 ORDER BY seq`, instanceID)
	if err != nil {
		return nil, saga.NewStorageError("list_records", err)
	}
	defer rows.Close()

	out := []saga.StepRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, saga.NewStorageError("list_records", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, saga.NewStorageError("list_records", err)
	}
	return out, nil
}

// FindByIdempotencyKey implements Store.
func (s *SQLStore) FindByIdempotencyKey(ctx context.Context, key string) (*saga.StepRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM saga_step_records WHERE idempotency_key = $1 ORDER BY seq DESC LIMIT 1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: idempotency key %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, saga.NewStorageError("find_by_key", err)
	}
	return &rec, nil
}

func (s *SQLStore) queryIDs(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, saga.NewStorageError(op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, saga.NewStorageError(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, saga.NewStorageError(op, err)
	}
	return ids, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

// ListOrphaned implements Store.
func (s *SQLStore) ListOrphaned(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.queryIDs(ctx, "list_orphaned", `SELECT i.id FROM saga_instances i
		LEFT JOIN saga_leases l ON l.instance_id = i.id AND l.expires_at > $1
		WHERE i.status IN (`+activeList+`) AND i.updated_at < $2 AND i.next_attempt_at = 0
		AND l.instance_id IS NULL
		ORDER BY i.updated_at, i.id LIMIT $3`,
		toNanos(s.now()), toNanos(olderThan), sqlLimit(limit))
}

// ListDue implements Store.
func (s *SQLStore) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.queryIDs(ctx, "list_due", `SELECT i.id FROM saga_instances i
		LEFT JOIN saga_leases l ON l.instance_id = i.id AND l.expires_at > $1
		WHERE i.status IN (`+activeList+`) AND i.next_attempt_at > 0 AND i.next_attempt_at <= $1
		AND l.instance_id IS NULL
		ORDER BY i.next_attempt_at, i.id LIMIT $2`,
		toNanos(now), sqlLimit(limit))
}

// AcquireLease implements Store.
func (s *SQLStore) AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*saga.Lease, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := validateLease(instanceID, owner, ttl); err != nil {
		return nil, err
	}

	now := s.now()
	expires := now.Add(ttl)
	res, err := s.db.ExecContext(ctx, `INSERT INTO saga_leases (instance_id, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (instance_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE saga_leases.owner = excluded.owner OR saga_leases.expires_at <= $4`,
		instanceID, owner, toNanos(expires), toNanos(now))
	if err != nil {
		return nil, saga.NewStorageError("acquire_lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, saga.NewStorageError("acquire_lease", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, instanceID)
	}
	return &saga.Lease{InstanceID: instanceID, Owner: owner, ExpiresAt: expires}, nil
}

// RenewLease implements Store.
func (s *SQLStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*saga.Lease, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := validateLease(instanceID, owner, ttl); err != nil {
		return nil, err
	}

	now := s.now()
	expires := now.Add(ttl)
	res, err := s.db.ExecContext(ctx, `UPDATE saga_leases SET expires_at = $1
		WHERE instance_id = $2 AND owner = $3 AND expires_at > $4`,
		toNanos(expires), instanceID, owner, toNanos(now))
	if err != nil {
		return nil, saga.NewStorageError("renew_lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, saga.NewStorageError("renew_lease", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, instanceID)
	}
	return &saga.Lease{InstanceID: instanceID, Owner: owner, ExpiresAt: expires}, nil
}

// ReleaseLease implements Store.
func (s *SQLStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM saga_leases WHERE instance_id = $1 AND owner = $2`, instanceID, owner); err != nil {
		return saga.NewStorageError("release_lease", err)
	}
	return nil
}

// PurgeTerminal implements Store.
func (s *SQLStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	cutoff := toNanos(olderThan)
	victims := `SELECT id FROM saga_instances WHERE status IN (` + terminalList + `) AND updated_at < $1`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, saga.NewStorageError("purge_terminal", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_step_records WHERE instance_id IN (`+victims+`)`, cutoff); err != nil {
		return 0, saga.NewStorageError("purge_terminal", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_leases WHERE instance_id IN (`+victims+`)`, cutoff); err != nil {
		return 0, saga.NewStorageError("purge_terminal", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM saga_instances WHERE status IN (`+terminalList+`) AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, saga.NewStorageError("purge_terminal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, saga.NewStorageError("purge_terminal", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, saga.NewStorageError("purge_terminal", err)
	}

	if n > 0 {
		s.opts.logger.Info("purged terminal instances", zap.Int64("count", n))
	}
	return int(n), nil
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return saga.NewStorageError("ping", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// isUniqueViolation recognises primary key and unique constraint failures
// of both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
