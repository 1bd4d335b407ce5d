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

// Package monitoring exposes engine metrics to Prometheus.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// Recorder receives engine events. The engine calls it from many
// goroutines, so implementations must be safe for concurrent use.
type Recorder interface {
	SagaStarted(definitionID string)
	SagaFinished(definitionID string, status saga.SagaStatus, duration time.Duration)
	StepExecuted(definitionID, step string, outcome string, duration time.Duration)
	StepRetried(definitionID, step string, attempt int)
	CompensationExecuted(definitionID, step string, success bool, duration time.Duration)
	ConcurrencyConflict(definitionID string)
	InstanceRecovered(source string)
	DriveStarted()
	DriveFinished()
	QueueDepth(n int)
}

// Step outcomes used as the outcome label.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetryable = "retryable"
	OutcomeFailed    = "failed"
	OutcomePending   = "pending"
)

// NoopRecorder discards everything.
type NoopRecorder struct{}

var _ Recorder = NoopRecorder{}

func (NoopRecorder) SagaStarted(string)                                       {}
func (NoopRecorder) SagaFinished(string, saga.SagaStatus, time.Duration)      {}
func (NoopRecorder) StepExecuted(string, string, string, time.Duration)       {}
func (NoopRecorder) StepRetried(string, string, int)                          {}
func (NoopRecorder) CompensationExecuted(string, string, bool, time.Duration) {}
func (NoopRecorder) ConcurrencyConflict(string)                               {}
func (NoopRecorder) InstanceRecovered(string)                                 {}
func (NoopRecorder) DriveStarted()                                            {}
func (NoopRecorder) DriveFinished()                                           {}
func (NoopRecorder) QueueDepth(int)                                           {}

// MetricsConfig configures Metrics.
type MetricsConfig struct {
	// Namespace prefixes every metric name (default: "sagaflow").
	Namespace string

	// Registry receives the collectors. If nil, a new registry is created.
	Registry *prometheus.Registry

	// DurationBuckets are the histogram buckets in seconds.
	DurationBuckets []float64

	// RuntimeCollectors adds the Go runtime and process collectors.
	RuntimeCollectors bool
}

// DefaultMetricsConfig returns the default configuration.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Namespace:       "sagaflow",
		Registry:        prometheus.NewRegistry(),
		DurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}
}

// Metrics is the Prometheus Recorder.
type Metrics struct {
	sagaStarted   *prometheus.CounterVec
	sagaFinished  *prometheus.CounterVec
	sagaDuration  *prometheus.HistogramVec
	stepExecuted  *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetried   *prometheus.CounterVec
	compensations *prometheus.CounterVec
	compDuration  *prometheus.HistogramVec
	conflicts     *prometheus.CounterVec
	recovered     *prometheus.CounterVec
	activeDrives  prometheus.Gauge
	queueDepth    prometheus.Gauge

	registry *prometheus.Registry
}

var _ Recorder = (*Metrics)(nil)

// NewMetrics creates and registers the engine collectors.
func NewMetrics(config *MetricsConfig) (*Metrics, error) {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.Namespace == "" {
		config.Namespace = "sagaflow"
	}
	if config.DurationBuckets == nil {
		config.DurationBuckets = DefaultMetricsConfig().DurationBuckets
	}
	ns := config.Namespace

	m := &Metrics{registry: config.Registry}

	m.sagaStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "saga", Name: "started_total",
		Help: "Total number of saga instances started",
	}, []string{"definition_id"})

	m.sagaFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "saga", Name: "finished_total",
		Help: "Total number of saga instances that reached a terminal status",
	}, []string{"definition_id", "status"})

	m.sagaDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "saga", Name: "duration_seconds",
		Help:    "Time from saga start to its terminal status",
		Buckets: config.DurationBuckets,
	}, []string{"definition_id", "status"})

	m.stepExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "step", Name: "attempts_total",
		Help: "Total number of forward step attempts",
	}, []string{"definition_id", "step", "outcome"})

	m.stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "step", Name: "duration_seconds",
		Help:    "Duration of forward step attempts",
		Buckets: config.DurationBuckets,
	}, []string{"definition_id", "step", "outcome"})

	m.stepRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "step", Name: "retries_total",
		Help: "Total number of step retries",
	}, []string{"definition_id", "step", "attempt"})

	m.compensations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "compensation", Name: "executed_total",
		Help: "Total number of compensation attempts",
	}, []string{"definition_id", "step", "success"})

	m.compDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "compensation", Name: "duration_seconds",
		Help:    "Duration of compensation attempts",
		Buckets: config.DurationBuckets,
	}, []string{"definition_id", "step", "success"})

	m.conflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "store", Name: "conflicts_total",
		Help: "Total number of optimistic concurrency conflicts",
	}, []string{"definition_id"})

	m.recovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "scheduler", Name: "recovered_total",
		Help: "Total number of instances dispatched by the scheduler",
	}, []string{"source"})

	m.activeDrives = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "engine", Name: "active_drives",
		Help: "Number of instances currently being driven",
	})

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "engine", Name: "queue_depth",
		Help: "Number of instances waiting for a worker",
	})

	cs := []prometheus.Collector{
		m.sagaStarted, m.sagaFinished, m.sagaDuration,
		m.stepExecuted, m.stepDuration, m.stepRetried,
		m.compensations, m.compDuration,
		m.conflicts, m.recovered, m.activeDrives, m.queueDepth,
	}
	if config.RuntimeCollectors {
		cs = append(cs,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	for _, c := range cs {
		if err := config.Registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SagaStarted implements Recorder.
func (m *Metrics) SagaStarted(definitionID string) {
	m.sagaStarted.WithLabelValues(definitionID).Inc()
}

// SagaFinished implements Recorder.
func (m *Metrics) SagaFinished(definitionID string, status saga.SagaStatus, duration time.Duration) {
	m.sagaFinished.WithLabelValues(definitionID, status.String()).Inc()
	m.sagaDuration.WithLabelValues(definitionID, status.String()).Observe(duration.Seconds())
}

// StepExecuted implements Recorder.
func (m *Metrics) StepExecuted(definitionID, step, outcome string, duration time.Duration) {
	m.stepExecuted.WithLabelValues(definitionID, step, outcome).Inc()
	m.stepDuration.WithLabelValues(definitionID, step, outcome).Observe(duration.Seconds())
}

// StepRetried implements Recorder. Attempts above three share one label
// value to bound cardinality.
func (m *Metrics) StepRetried(definitionID, step string, attempt int) {
	label := "4+"
	if attempt <= 3 {
		label = strconv.Itoa(attempt)
	}
	m.stepRetried.WithLabelValues(definitionID, step, label).Inc()
}

// CompensationExecuted implements Recorder.
func (m *Metrics) CompensationExecuted(definitionID, step string, success bool, duration time.Duration) {
	label := strconv.FormatBool(success)
	m.compensations.WithLabelValues(definitionID, step, label).Inc()
	m.compDuration.WithLabelValues(definitionID, step, label).Observe(duration.Seconds())
}

// ConcurrencyConflict implements Recorder.
func (m *Metrics) ConcurrencyConflict(definitionID string) {
	m.conflicts.WithLabelValues(definitionID).Inc()
}

// InstanceRecovered implements Recorder.
func (m *Metrics) InstanceRecovered(source string) {
	m.recovered.WithLabelValues(source).Inc()
}

// DriveStarted implements Recorder.
func (m *Metrics) DriveStarted() { m.activeDrives.Inc() }

// DriveFinished implements Recorder.
func (m *Metrics) DriveFinished() { m.activeDrives.Dec() }

// QueueDepth implements Recorder.
func (m *Metrics) QueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
