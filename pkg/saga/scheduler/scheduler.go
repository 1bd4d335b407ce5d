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

// Package scheduler periodically hands instances nobody is driving back to
// the engine: orphans whose owner died and parked instances whose retry or
// callback timer has fired. It also runs the retention purge.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga/monitoring"
	"github.com/innovationmech/sagaflow/pkg/saga/store"
)

// Dispatcher queues an instance for driving.
type Dispatcher interface {
	Dispatch(instanceID string) bool
}

// Config controls the sweep and purge jobs.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
	// OrphanAfter is how long an unleased, unparked instance may go without
	// an update before it is recovered. Keep it above the lease TTL.
	OrphanAfter time.Duration `mapstructure:"orphan_after" validate:"gte=0"`
	// BatchSize caps the instances each query of a sweep returns.
	BatchSize int `mapstructure:"batch_size" validate:"gte=0"`
	// Retention purges terminal instances older than this. Zero keeps them.
	Retention time.Duration `mapstructure:"retention" validate:"gte=0"`
	// PurgeSchedule is the cron spec of the purge job.
	PurgeSchedule string `mapstructure:"purge_schedule"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Second,
		OrphanAfter:   time.Minute,
		BatchSize:     100,
		PurgeSchedule: "@hourly",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.OrphanAfter <= 0 {
		c.OrphanAfter = d.OrphanAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PurgeSchedule == "" {
		c.PurgeSchedule = d.PurgeSchedule
	}
	return c
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r monitoring.Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// SweepResult counts what one sweep found.
type SweepResult struct {
	Orphaned   int
	Due        int
	Dispatched int
}

// Scheduler runs the sweep and purge jobs on a cron.
type Scheduler struct {
	store      store.Store
	dispatcher Dispatcher
	config     Config
	logger     *zap.Logger
	recorder   monitoring.Recorder
	clock      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
	ctx  context.Context
}

// New creates a scheduler.
func New(st store.Store, dispatcher Dispatcher, config Config, opts ...Option) (*Scheduler, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	config = config.withDefaults()
	if _, err := cron.ParseStandard(config.PurgeSchedule); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", config.PurgeSchedule, err)
	}

	s := &Scheduler{
		store:      st,
		dispatcher: dispatcher,
		config:     config,
		logger:     zap.NewNop(),
		recorder:   monitoring.NoopRecorder{},
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))
	return s, nil
}

// Sweep dispatches orphaned and due instances once.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.clock()

	orphaned, err := s.store.ListOrphaned(ctx, now.Add(-s.config.OrphanAfter), s.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list orphaned instances: %w", err)
	}
	due, err := s.store.ListDue(ctx, now, s.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list due instances: %w", err)
	}
	res.Orphaned, res.Due = len(orphaned), len(due)

	seen := make(map[string]struct{}, len(orphaned)+len(due))
	dispatch := func(ids []string, source string) {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if !s.dispatcher.Dispatch(id) {
				continue
			}
			res.Dispatched++
			s.recorder.InstanceRecovered(source)
			s.logger.Debug("instance dispatched", zap.String("saga_id", id), zap.String("source", source))
		}
	}
	dispatch(orphaned, "orphaned")
	dispatch(due, "due")

	if res.Dispatched > 0 {
		s.logger.Info("sweep dispatched instances",
			zap.Int("orphaned", res.Orphaned),
			zap.Int("due", res.Due),
			zap.Int("dispatched", res.Dispatched))
	}
	return res, nil
}

// Purge deletes terminal instances older than the retention. It is a no-op
// when retention is disabled.
func (s *Scheduler) Purge(ctx context.Context) (int, error) {
	if s.config.Retention <= 0 {
		return 0, nil
	}
	n, err := s.store.PurgeTerminal(ctx, s.clock().Add(-s.config.Retention))
	if err != nil {
		return 0, fmt.Errorf("purge terminal instances: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged terminal instances", zap.Int("count", n), zap.Duration("retention", s.config.Retention))
	}
	return n, nil
}

// Start schedules the jobs. Jobs run with ctx and never overlap themselves.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	log := cronLogger{s.logger.Sugar()}
	c := cron.New(cron.WithLogger(log), cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)))
	if _, err := c.AddFunc("@every "+s.config.Interval.String(), func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	if s.config.Retention > 0 {
		if _, err := c.AddFunc(s.config.PurgeSchedule, func() {
			if _, err := s.Purge(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("purge failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule purge: %w", err)
		}
	}

	c.Start()
	s.cron, s.ctx = c, ctx
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("orphan_after", s.config.OrphanAfter),
		zap.Duration("retention", s.config.Retention))
	return nil
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
