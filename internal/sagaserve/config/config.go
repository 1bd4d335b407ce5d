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

// Package config is the typed configuration of the sagaflow server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	pkgconfig "github.com/innovationmech/sagaflow/pkg/config"
	"github.com/innovationmech/sagaflow/pkg/saga/alert"
	"github.com/innovationmech/sagaflow/pkg/saga/events"
	"github.com/innovationmech/sagaflow/pkg/saga/retry"
	"github.com/innovationmech/sagaflow/pkg/saga/scheduler"
	"github.com/innovationmech/sagaflow/pkg/saga/store"
	"github.com/innovationmech/sagaflow/pkg/tracing"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQL    = "sql"
	StoreRedis  = "redis"
)

// Event publishers.
const (
	EventsNone  = "none"
	EventsLog   = "log"
	EventsNATS  = "nats"
	EventsKafka = "kafka"
)

// Config is the complete server configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Scheduler    scheduler.Config   `mapstructure:"scheduler"`
	Retry        retry.RetryConfig  `mapstructure:"retry"`
	Store        StoreConfig        `mapstructure:"store"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Participants ParticipantsConfig `mapstructure:"participants"`
	Events       EventsConfig       `mapstructure:"events"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Tracing      tracing.Config     `mapstructure:"tracing"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
	Definitions  DefinitionsConfig  `mapstructure:"definitions"`
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Address         string        `mapstructure:"address" validate:"required"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig configures cross-origin access to the control API.
type CORSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// EngineConfig configures the saga engine.
type EngineConfig struct {
	Workers          int           `mapstructure:"workers" validate:"gte=0"`
	QueueSize        int           `mapstructure:"queue_size" validate:"gte=0"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl" validate:"gte=0"`
	InlineBackoffMax time.Duration `mapstructure:"inline_backoff_max"`
	CallbackTimeout  time.Duration `mapstructure:"callback_timeout" validate:"gte=0"`
	Owner            string        `mapstructure:"owner"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Type  string            `mapstructure:"type" validate:"oneof=memory sql redis"`
	SQL   store.SQLConfig   `mapstructure:"sql"`
	Redis store.RedisConfig `mapstructure:"redis"`
}

// NATSConfig is the connection shared by the NATS participant and publisher.
type NATSConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

// ParticipantsConfig enables the invoker adapters.
type ParticipantsConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gte=0"`
	HTTP           HTTPConfig    `mapstructure:"http"`
	NATS           ToggleConfig  `mapstructure:"nats"`
	GRPC           GRPCConfig    `mapstructure:"grpc"`
}

// HTTPConfig configures the HTTP participant adapter.
type HTTPConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Headers map[string]string `mapstructure:"headers"`
}

// ToggleConfig enables an adapter that needs no further settings.
type ToggleConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// GRPCConfig configures the gRPC participant adapter.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address" validate:"required_if=Enabled true"`
}

// EventsConfig selects where lifecycle events are published.
type EventsConfig struct {
	Type        string              `mapstructure:"type" validate:"oneof=none log nats kafka"`
	NATSSubject string              `mapstructure:"nats_subject"`
	Kafka       *events.KafkaConfig `mapstructure:"kafka"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path" validate:"omitempty,startswith=/"`
}

// DiscoveryConfig registers the control API in Consul and resolves
// consul:// HTTP targets.
type DiscoveryConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	Address          string   `mapstructure:"address"`
	ServiceName      string   `mapstructure:"service_name" validate:"required_if=Enabled true"`
	AdvertiseAddress string   `mapstructure:"advertise_address"`
	Tags             []string `mapstructure:"tags"`
}

// AlertingConfig configures notifications for failed sagas.
type AlertingConfig struct {
	Sentry *alert.SentryConfig `mapstructure:"sentry"`
}

// DefinitionsConfig lists where saga definitions are loaded from.
type DefinitionsConfig struct {
	Dirs      []string `mapstructure:"dirs"`
	Files     []string `mapstructure:"files"`
	ExpandEnv bool     `mapstructure:"expand_env"`
}

// Defaults returns the flat default settings for the config manager.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.address":               ":8080",
		"server.mode":                  "release",
		"server.read_timeout":          "15s",
		"server.write_timeout":         "15s",
		"server.shutdown_timeout":      "30s",
		"server.cors.enabled":          false,
		"logging.level":                "info",
		"logging.development":          false,
		"engine.workers":               8,
		"engine.queue_size":            1024,
		"engine.lease_ttl":             "30s",
		"engine.inline_backoff_max":    "2s",
		"engine.callback_timeout":      "5m",
		"scheduler.interval":           "5s",
		"scheduler.orphan_after":       "1m",
		"scheduler.batch_size":         100,
		"scheduler.retention":          "0s",
		"scheduler.purge_schedule":     "@hourly",
		"retry.initial_delay":          "200ms",
		"retry.max_delay":              "30s",
		"retry.multiplier":             2.0,
		"retry.jitter":                 0.2,
		"store.type":                   StoreMemory,
		"store.sql.driver":             "postgres",
		"store.sql.auto_migrate":       false,
		"store.redis.key_prefix":       "sagaflow",
		"participants.default_timeout": "10s",
		"participants.http.enabled":    true,
		"participants.nats.enabled":    false,
		"participants.grpc.enabled":    false,
		"events.type":                  EventsLog,
		"events.nats_subject":          "sagaflow.events",
		"metrics.enabled":              true,
		"metrics.namespace":            "sagaflow",
		"metrics.path":                 "/metrics",
		"tracing.enabled":              false,
		"tracing.service_name":         "sagaflow",
		"tracing.sampling.type":        tracing.SamplerTraceIDRatio,
		"tracing.sampling.rate":        0.1,
		"tracing.exporter.type":        tracing.ExporterStdout,
		"tracing.exporter.timeout":     "10s",
		"tracing.propagators":          []string{"tracecontext", "baggage"},
		"discovery.enabled":            false,
		"discovery.service_name":       "sagaflow",
		"definitions.expand_env":       true,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules tags cannot
// express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return describe(err)
	}

	if c.Store.Type == StoreSQL && c.Store.SQL.DSN == "" {
		return errors.New("store.sql.dsn is required for the sql store")
	}
	if c.Store.Type == StoreRedis && c.Store.Redis.Addr == "" {
		return errors.New("store.redis.addr is required for the redis store")
	}
	if (c.Events.Type == EventsNATS || c.Participants.NATS.Enabled) && c.NATS.URL == "" {
		return errors.New("nats.url is required when a NATS adapter is enabled")
	}
	if c.Events.Type == EventsKafka && c.Events.Kafka == nil {
		return errors.New("events.kafka is required for the kafka publisher")
	}
	if c.Alerting.Sentry != nil && c.Alerting.Sentry.DSN == "" {
		return errors.New("alerting.sentry.dsn is required when sentry is configured")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	return nil
}

func describe(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err
	}
	msgs := make([]string, 0, len(ves))
	for _, fe := range ves {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// Load reads the layered configuration through manager and validates it.
func Load(manager *pkgconfig.Manager) (*Config, error) {
	manager.SetDefaults(Defaults())
	if err := manager.Load(); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := manager.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDir loads the configuration layered in dir with the default manager
// options. The manager is returned for watching.
func LoadDir(dir string) (*Config, *pkgconfig.Manager, error) {
	opts := pkgconfig.DefaultOptions()
	if dir != "" {
		opts.WorkDir = dir
	}
	manager := pkgconfig.NewManager(opts)
	cfg, err := Load(manager)
	if err != nil {
		return nil, nil, err
	}
	return cfg, manager, nil
}
