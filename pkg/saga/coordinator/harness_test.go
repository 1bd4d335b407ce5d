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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/alert"
	"github.com/innovationmech/sagaflow/pkg/saga/events"
	"github.com/innovationmech/sagaflow/pkg/saga/invoker"
	"github.com/innovationmech/sagaflow/pkg/saga/registry"
	"github.com/innovationmech/sagaflow/pkg/saga/retry"
	"github.com/innovationmech/sagaflow/pkg/saga/store"
)

func localRef(target string) saga.ActionRef {
	return saga.ActionRef{Capability: saga.CapabilityLocal, Target: target}
}

func refPtr(ref saga.ActionRef) *saga.ActionRef {
	return &ref
}

// orderFulfillment is ReserveInventory, ChargePayment, CreateShipment with
// compensations ReleaseInventory, RefundPayment and a no-op.
func orderFulfillment() *saga.SagaDefinition {
	return &saga.SagaDefinition{
		ID:          "order-fulfillment",
		Description: "reserve, charge, ship",
		Steps: []saga.StepSpec{
			{
				Name:         "ReserveInventory",
				Action:       localRef("ReserveInventory"),
				Compensation: refPtr(localRef("ReleaseInventory")),
				MaxRetry:     2,
			},
			{
				Name:         "ChargePayment",
				Action:       localRef("ChargePayment"),
				Compensation: refPtr(localRef("RefundPayment")),
				MaxRetry:     2,
			},
			{
				Name:         "CreateShipment",
				Action:       localRef("CreateShipment"),
				Compensation: &saga.ActionRef{Capability: saga.CapabilityNoop},
				MaxRetry:     2,
				DependsOn:    []string{"ChargePayment"},
			},
		},
	}
}

// threeSteps is A, B, C each compensated by undo-<name>.
func threeSteps() *saga.SagaDefinition {
	def := &saga.SagaDefinition{ID: "abc"}
	for _, name := range []string{"A", "B", "C"} {
		def.Steps = append(def.Steps, saga.StepSpec{
			Name:         name,
			Action:       localRef(name),
			Compensation: refPtr(localRef("undo-" + name)),
			MaxRetry:     1,
		})
	}
	return def
}

type scriptFunc func(ctx context.Context, call int, req *invoker.Request) (*invoker.Response, error)

// fakeService is an idempotent participant: an effect is applied once per
// idempotency key no matter how often the key is delivered.
type fakeService struct {
	mu       sync.Mutex
	calls    []string
	counts   map[string]int
	keys     map[string][]string
	effects  map[string]map[string]struct{}
	requests map[string][]invoker.Request
	scripts  map[string]scriptFunc
}

func newFakeService() *fakeService {
	return &fakeService{
		counts:   make(map[string]int),
		keys:     make(map[string][]string),
		effects:  make(map[string]map[string]struct{}),
		requests: make(map[string][]invoker.Request),
		scripts:  make(map[string]scriptFunc),
	}
}

func (f *fakeService) on(target string, fn scriptFunc) *fakeService {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[target] = fn
	return f
}

func (f *fakeService) handler(target string) invoker.HandlerFunc {
	return func(ctx context.Context, req *invoker.Request) (*invoker.Response, error) {
		f.mu.Lock()
		f.calls = append(f.calls, target)
		f.counts[target]++
		call := f.counts[target]
		f.keys[target] = append(f.keys[target], req.IdempotencyKey)
		f.requests[target] = append(f.requests[target], *req)
		if f.effects[target] == nil {
			f.effects[target] = make(map[string]struct{})
		}
		f.effects[target][req.IdempotencyKey] = struct{}{}
		script := f.scripts[target]
		f.mu.Unlock()

		if script != nil {
			return script(ctx, call, req)
		}
		return invoker.Success(map[string]string{"step": target}), nil
	}
}

func (f *fakeService) participant(defs ...*saga.SagaDefinition) *invoker.LocalParticipant {
	p := invoker.NewLocalParticipant()
	for _, def := range defs {
		for _, step := range def.Steps {
			p.Handle(step.Action.Target, f.handler(step.Action.Target))
			if step.Compensation != nil && !step.Compensation.IsNoop() {
				p.Handle(step.Compensation.Target, f.handler(step.Compensation.Target))
			}
		}
	}
	return p
}

func (f *fakeService) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeService) Count(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[target]
}

func (f *fakeService) Keys(target string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys[target]...)
}

func (f *fakeService) Effects(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.effects[target])
}

func (f *fakeService) Requests(target string) []invoker.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invoker.Request(nil), f.requests[target]...)
}

// compensations returns the compensation targets in call order.
func (f *fakeService) compensations(targets ...string) []string {
	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}
	var out []string
	for _, c := range f.Calls() {
		if want[c] {
			out = append(out, c)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) Alerts() []alert.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert.Alert(nil), n.alerts...)
}

type testEnv struct {
	engine    *Engine
	store     store.Store
	registry  *registry.Registry
	service   *fakeService
	publisher *recordingPublisher
	notifier  *recordingNotifier
}

type envOption func(*Config)

func newTestEnv(t *testing.T, defs []*saga.SagaDefinition, opts ...envOption) *testEnv {
	t.Helper()

	reg := registry.New()
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}
	svc := newFakeService()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		store:     st,
		registry:  reg,
		service:   svc,
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
	}
	cfg := &Config{
		Store:    st,
		Registry: reg,
		Invoker: invoker.New(
			invoker.WithParticipant(saga.CapabilityLocal, svc.participant(defs...)),
			invoker.WithDefaultTimeout(2*time.Second),
		),
		Workers:  2,
		LeaseTTL: 3 * time.Second,
		Retry: &retry.RetryConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		Owner:     "test-engine",
		Publisher: env.publisher,
		Notifier:  env.notifier,
		Logger:    zaptest.NewLogger(t),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	e, err := NewEngine(cfg)
	require.NoError(t, err)
	env.engine = e
	return env
}

// start creates the instance and drives it in the test goroutine.
func (env *testEnv) start(t *testing.T, defID, instanceID string) *saga.SagaInstance {
	t.Helper()
	ctx := context.Background()
	_, created, err := env.engine.StartSaga(ctx, defID, instanceID, []byte(`{"orderId":"`+instanceID+`"}`))
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, env.engine.Drive(ctx, instanceID))
	return env.get(t, instanceID)
}

func (env *testEnv) get(t *testing.T, instanceID string) *saga.SagaInstance {
	t.Helper()
	inst, err := env.engine.GetSaga(context.Background(), instanceID)
	require.NoError(t, err)
	return inst
}

func (env *testEnv) records(t *testing.T, instanceID string) []saga.StepRecord {
	t.Helper()
	records, err := env.engine.Records(context.Background(), instanceID)
	require.NoError(t, err)
	return records
}

func hasCode(err error, code string) bool {
	return err != nil && errors.Is(err, &saga.SagaError{Code: code})
}
