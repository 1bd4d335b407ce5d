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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgconfig "github.com/innovationmech/sagaflow/pkg/config"
	"github.com/innovationmech/sagaflow/pkg/saga/alert"
	"github.com/innovationmech/sagaflow/pkg/saga/events"
)

func newManager(t *testing.T, files map[string]string) *pkgconfig.Manager {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	opts := pkgconfig.DefaultOptions()
	opts.WorkDir = dir
	opts.EnvironmentName = ""
	return pkgconfig.NewManager(opts)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newManager(t, nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, StoreMemory, cfg.Store.Type)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 30*time.Second, cfg.Engine.LeaseTTL)
	assert.Equal(t, 5*time.Minute, cfg.Engine.CallbackTimeout)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, "@hourly", cfg.Scheduler.PurgeSchedule)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, EventsLog, cfg.Events.Type)
	assert.Nil(t, cfg.Events.Kafka)
	assert.Nil(t, cfg.Alerting.Sentry)
	assert.True(t, cfg.Participants.HTTP.Enabled)
	assert.Equal(t, []string{"tracecontext", "baggage"}, cfg.Tracing.Propagators)
	assert.Equal(t, 10*time.Second, cfg.Tracing.Exporter.Timeout)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	t.Setenv("SAGAFLOW_ENGINE_WORKERS", "32")
	t.Setenv("SAGAFLOW_LOGGING_LEVEL", "debug")

	cfg, err := Load(newManager(t, map[string]string{
		"sagaflow.yaml": `
server:
  address: ":9090"
store:
  type: sql
  sql:
    driver: sqlite3
    dsn: "file:saga.db"
    auto_migrate: true
events:
  type: kafka
  kafka:
    brokers: ["kafka-1:9092", "kafka-2:9092"]
    topic: saga-events
alerting:
  sentry:
    dsn: https://public@sentry.example.com/1
    environment: staging
definitions:
  dirs: ["./definitions"]
scheduler:
  retention: 168h
`,
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 32, cfg.Engine.Workers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, StoreSQL, cfg.Store.Type)
	assert.Equal(t, "sqlite3", cfg.Store.SQL.Driver)
	assert.True(t, cfg.Store.SQL.AutoMigrate)
	require.NotNil(t, cfg.Events.Kafka)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Events.Kafka.Brokers)
	require.NotNil(t, cfg.Alerting.Sentry)
	assert.Equal(t, "staging", cfg.Alerting.Sentry.Environment)
	assert.Equal(t, []string{"./definitions"}, cfg.Definitions.Dirs)
	assert.Equal(t, 168*time.Hour, cfg.Scheduler.Retention)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(newManager(t, nil))
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Type = "etcd" }, wantErr: "Store.Type failed oneof"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, wantErr: "Logging.Level"},
		{name: "missing address", mutate: func(c *Config) { c.Server.Address = "" }, wantErr: "Server.Address failed required"},
		{name: "sql without dsn", mutate: func(c *Config) { c.Store.Type = StoreSQL }, wantErr: "store.sql.dsn"},
		{name: "redis without addr", mutate: func(c *Config) { c.Store.Type = StoreRedis }, wantErr: "store.redis.addr"},
		{name: "nats without url", mutate: func(c *Config) { c.Participants.NATS.Enabled = true }, wantErr: "nats.url"},
		{name: "kafka without settings", mutate: func(c *Config) { c.Events.Type = EventsKafka }, wantErr: "events.kafka"},
		{name: "kafka without topic", mutate: func(c *Config) {
			c.Events.Type = EventsKafka
			c.Events.Kafka = &events.KafkaConfig{Brokers: []string{"kafka:9092"}}
		}, wantErr: "Topic failed required"},
		{name: "grpc without address", mutate: func(c *Config) { c.Participants.GRPC.Enabled = true }, wantErr: "Participants.GRPC.Address"},
		{name: "sentry without dsn", mutate: func(c *Config) { c.Alerting.Sentry = &alert.SentryConfig{} }, wantErr: "alerting.sentry.dsn"},
		{name: "bad jitter", mutate: func(c *Config) { c.Retry.Jitter = 2 }, wantErr: "Retry.Jitter"},
		{name: "bad tracing", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter.Type = "zipkin"
		}, wantErr: "tracing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDir(t *testing.T) {
	t.Setenv("SAGAFLOW_ENV", "")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sagaflow.yaml"), []byte("engine:\n  workers: 3\n"), 0o644))

	cfg, manager, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engine.Workers)
	assert.Len(t, manager.Files(), 2)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sagaflow.yaml"), []byte("store:\n  type: sql\n"), 0o644))
	_, _, err = LoadDir(dir)
	assert.Error(t, err)
}
