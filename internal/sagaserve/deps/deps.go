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


// Package deps builds the collaborators of the sagaflow server from its
// configuration.
package deps

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/internal/sagaserve/config"
	"github.com/innovationmech/sagaflow/pkg/discovery"
	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/alert"
	"github.com/innovationmech/sagaflow/pkg/saga/coordinator"
	"github.com/innovationmech/sagaflow/pkg/saga/dsl"
	"github.com/innovationmech/sagaflow/pkg/saga/events"
	"github.com/innovationmech/sagaflow/pkg/saga/invoker"
	"github.com/innovationmech/sagaflow/pkg/saga/monitoring"
	"github.com/innovationmech/sagaflow/pkg/saga/registry"
	"github.com/innovationmech/sagaflow/pkg/saga/store"
	"github.com/innovationmech/sagaflow/pkg/tracing"
)

var (
	// ErrStoreInitialization wraps failures opening the state store.
	ErrStoreInitialization = errors.New("failed to initialize store")
	// ErrServiceInitialization wraps failures building any other dependency.
	ErrServiceInitialization = errors.New("failed to initialize service")
)

// Dependencies holds everything the server needs, built once at startup.
type Dependencies struct {
	Config *config.Config
	Logger *zap.Logger

	Store     store.Store
	Registry  *registry.Registry
	Invoker   *invoker.Invoker
	Local     *invoker.LocalParticipant
	Publisher events.Publisher
	Notifier  alert.Notifier
	Metrics   *monitoring.Metrics
	Tracing   *tracing.Provider
	Discovery *discovery.ServiceDiscovery
	Engine    *coordinator.Engine

	nats    *nats.Conn
	closers []func(context.Context) error
}

// Option customises NewDependencies.
type Option func(*options)

type options struct {
	local       *invoker.LocalParticipant
	definitions []*saga.SagaDefinition
}

// WithLocalParticipant serves the local capability from p, so an embedding
// program can register in-process handlers.
func WithLocalParticipant(p *invoker.LocalParticipant) Option {
	return func(o *options) {
		o.local = p
	}
}

// WithDefinitions registers defs in addition to the configured files.
func WithDefinitions(defs ...*saga.SagaDefinition) Option {
	return func(o *options) {
		o.definitions = append(o.definitions, defs...)
	}
}

// NewDependencies creates and initializes all server dependencies. On error
// every resource opened so far is released.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (deps *Dependencies, err error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	d := &Dependencies{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = d.Close(context.Background())
		}
	}()

	if err := d.initTracing(ctx); err != nil {
		return nil, fmt.Errorf("%w: tracing - %v", ErrServiceInitialization, err)
	}
	if err := d.initStore(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreInitialization, err)
	}
	if err := d.initRegistry(o.definitions); err != nil {
		return nil, fmt.Errorf("%w: definitions - %v", ErrServiceInitialization, err)
	}
	if err := d.initNATS(); err != nil {
		return nil, fmt.Errorf("%w: nats - %v", ErrServiceInitialization, err)
	}
	if err := d.initDiscovery(); err != nil {
		return nil, fmt.Errorf("%w: discovery - %v", ErrServiceInitialization, err)
	}
	if err := d.initInvoker(o.local); err != nil {
		return nil, fmt.Errorf("%w: participants - %v", ErrServiceInitialization, err)
	}
	if err := d.initPublisher(); err != nil {
		return nil, fmt.Errorf("%w: events - %v", ErrServiceInitialization, err)
	}
	if err := d.initNotifier(); err != nil {
		return nil, fmt.Errorf("%w: alerting - %v", ErrServiceInitialization, err)
	}
	if err := d.initMetrics(); err != nil {
		return nil, fmt.Errorf("%w: metrics - %v", ErrServiceInitialization, err)
	}
	if err := d.initEngine(); err != nil {
		return nil, fmt.Errorf("%w: engine - %v", ErrServiceInitialization, err)
	}

	logger.Info("successfully initialized all dependencies",
		zap.String("store", cfg.Store.Type),
		zap.String("events", cfg.Events.Type),
		zap.Int("definitions", len(d.Registry.List())),
		zap.Strings("capabilities", d.Invoker.Capabilities()))
	return d, nil
}

func (d *Dependencies) onClose(fn func(context.Context) error) {
	d.closers = append(d.closers, fn)
}

func (d *Dependencies) initTracing(ctx context.Context) error {
	provider, err := tracing.NewProvider(ctx, &d.Config.Tracing)
	if err != nil {
		return err
	}
	d.Tracing = provider
	if provider.Enabled() {
		provider.SetGlobal()
	}
	d.onClose(provider.Shutdown)
	return nil
}

func (d *Dependencies) initStore() error {
	cfg := d.Config.Store
	storeLogger := d.Logger.With(zap.String("component", "store"))

	switch cfg.Type {
	case config.StoreMemory, "":
		d.Store = store.NewMemoryStore(store.WithLogger(storeLogger))
	case config.StoreSQL:
		s, err := store.OpenSQL(cfg.SQL, store.WithLogger(storeLogger))
		if err != nil {
			return err
		}
		d.Store = s
	case config.StoreRedis:
		s, err := store.OpenRedis(cfg.Redis, store.WithLogger(storeLogger))
		if err != nil {
			return err
		}
		d.Store = s
	default:
		return fmt.Errorf("unknown store type %q", cfg.Type)
	}

	st := d.Store
	d.onClose(func(context.Context) error { return st.Close() })
	return nil
}

func (d *Dependencies) initRegistry(extra []*saga.SagaDefinition) error {
	cfg := d.Config.Definitions
	d.Registry = registry.New(registry.WithLogger(d.Logger))

	parser := dsl.NewParser(
		dsl.WithEnvVars(cfg.ExpandEnv),
		dsl.WithLogger(d.Logger),
		dsl.WithDefaultTimeout(d.Config.Participants.DefaultTimeout),
	)
	for _, dir := range cfg.Dirs {
		if _, err := d.Registry.LoadDir(parser, dir); err != nil {
			return err
		}
	}
	for _, file := range cfg.Files {
		def, err := parser.ParseFile(file)
		if err != nil {
			return err
		}
		if err := d.Registry.Register(def); err != nil {
			return err
		}
	}
	for _, def := range extra {
		if err := d.Registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dependencies) natsRequired() bool {
	return d.Config.Participants.NATS.Enabled || d.Config.Events.Type == config.EventsNATS
}

func (d *Dependencies) initNATS() error {
	if !d.natsRequired() {
		return nil
	}
	name := d.Config.NATS.Name
	if name == "" {
		name = "sagaflow"
	}
	conn, err := nats.Connect(d.Config.NATS.URL, nats.Name(name))
	if err != nil {
		return err
	}
	d.nats = conn
	d.onClose(func(context.Context) error {
		return conn.Drain()
	})
	return nil
}

func (d *Dependencies) initDiscovery() error {
	if !d.Config.Discovery.Enabled {
		return nil
	}
	sd, err := discovery.NewServiceDiscovery(d.Config.Discovery.Address)
	if err != nil {
		return err
	}
	d.Discovery = sd
	return nil
}

func (d *Dependencies) initInvoker(local *invoker.LocalParticipant) error {
	cfg := d.Config.Participants
	if local == nil {
		local = invoker.NewLocalParticipant()
	}
	d.Local = local

	opts := []invoker.Option{
		invoker.WithLogger(d.Logger.With(zap.String("component", "invoker"))),
		invoker.WithTracerProvider(d.Tracing.TracerProvider()),
		invoker.WithParticipant(saga.CapabilityLocal, local),
	}
	if cfg.DefaultTimeout > 0 {
		opts = append(opts, invoker.WithDefaultTimeout(cfg.DefaultTimeout))
	}

	if cfg.HTTP.Enabled {
		var httpOpts []invoker.HTTPOption
		for k, v := range cfg.HTTP.Headers {
			httpOpts = append(httpOpts, invoker.WithHeader(k, v))
		}
		if d.Discovery != nil {
			httpOpts = append(httpOpts, invoker.WithResolver(d.Discovery.ResolveURL))
		}
		opts = append(opts, invoker.WithParticipant(saga.CapabilityHTTP, invoker.NewHTTPParticipant(httpOpts...)))
	}
	if cfg.NATS.Enabled {
		opts = append(opts, invoker.WithParticipant(saga.CapabilityNATS, invoker.NewNATSParticipant(d.nats)))
	}
	if cfg.GRPC.Enabled {
		conn, err := invoker.DialGRPC(cfg.GRPC.Address)
		if err != nil {
			return err
		}
		d.onClose(func(context.Context) error { return conn.Close() })
		opts = append(opts, invoker.WithParticipant(saga.CapabilityGRPC, invoker.NewGRPCParticipant(conn)))
	}

	d.Invoker = invoker.New(opts...)
	return nil
}

func (d *Dependencies) initPublisher() error {
	cfg := d.Config.Events
	switch cfg.Type {
	case config.EventsNone, "":
		d.Publisher = events.NoopPublisher{}
	case config.EventsLog:
		d.Publisher = events.NewLogPublisher(d.Logger.With(zap.String("component", "events")))
	case config.EventsNATS:
		d.Publisher = events.NewNATSPublisher(d.nats, cfg.NATSSubject)
	case config.EventsKafka:
		p, err := events.NewKafkaPublisher(*cfg.Kafka)
		if err != nil {
			return err
		}
		d.Publisher = p
	default:
		return fmt.Errorf("unknown events type %q", cfg.Type)
	}
	pub := d.Publisher
	d.onClose(func(context.Context) error { return pub.Close() })
	return nil
}

func (d *Dependencies) initNotifier() error {
	notifiers := alert.Multi{alert.NewLogNotifier(d.Logger.With(zap.String("component", "alert")))}
	if sc := d.Config.Alerting.Sentry; sc != nil {
		sn, err := alert.NewSentryNotifier(*sc)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, sn)
		d.onClose(func(context.Context) error {
			sn.Flush()
			return nil
		})
	}
	d.Notifier = notifiers
	return nil
}

func (d *Dependencies) initMetrics() error {
	if !d.Config.Metrics.Enabled {
		return nil
	}
	m, err := monitoring.NewMetrics(&monitoring.MetricsConfig{
		Namespace:         d.Config.Metrics.Namespace,
		RuntimeCollectors: true,
	})
	if err != nil {
		return err
	}
	d.Metrics = m
	return nil
}

// Recorder returns the metrics recorder, or a no-op one when metrics are off.
func (d *Dependencies) Recorder() monitoring.Recorder {
	if d.Metrics == nil {
		return monitoring.NoopRecorder{}
	}
	return d.Metrics
}

func (d *Dependencies) initEngine() error {
	ec := d.Config.Engine
	retryCfg := d.Config.Retry
	engine, err := coordinator.NewEngine(&coordinator.Config{
		Store:            d.Store,
		Registry:         d.Registry,
		Invoker:          d.Invoker,
		Workers:          ec.Workers,
		QueueSize:        ec.QueueSize,
		LeaseTTL:         ec.LeaseTTL,
		InlineBackoffMax: ec.InlineBackoffMax,
		CallbackTimeout:  ec.CallbackTimeout,
		Retry:            &retryCfg,
		Owner:            ec.Owner,
		Recorder:         d.Recorder(),
		Publisher:        d.Publisher,
		Notifier:         d.Notifier,
		Logger:           d.Logger,
		TracerProvider:   d.Tracing.TracerProvider(),
	})
	if err != nil {
		return err
	}
	d.Engine = engine
	return nil
}

// Registration describes how the control API announces itself to Consul.
// ok is false when discovery is disabled.
func (d *Dependencies) Registration() (reg discovery.Registration, ok bool, err error) {
	cfg := d.Config.Discovery
	if !cfg.Enabled {
		return reg, false, nil
	}
	advertise := cfg.AdvertiseAddress
	if advertise == "" {
		advertise = d.Config.Server.Address
	}
	host, portStr, err := net.SplitHostPort(advertise)
	if err != nil {
		return reg, false, fmt.Errorf("advertise address %q: %w", advertise, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return reg, false, fmt.Errorf("advertise port %q: %w", portStr, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return discovery.Registration{
		ID:        fmt.Sprintf("%s-%s-%d", cfg.ServiceName, host, port),
		Name:      cfg.ServiceName,
		Address:   host,
		Port:      port,
		Tags:      cfg.Tags,
		CheckPath: "/health",
	}, true, nil
}

// Close releases resources in reverse order of creation.
func (d *Dependencies) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
