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


package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusHTTPConfig configures the HTTP middleware for Prometheus metrics
type PrometheusHTTPConfig struct {
	// Namespace prefixes the metric names.
	Namespace string
	// ExcludePaths contains paths to exclude from metrics (e.g., health checks)
	ExcludePaths []string
	// Buckets are the request duration histogram buckets in seconds.
	Buckets []float64
}

// DefaultPrometheusHTTPConfig returns sensible defaults for HTTP metrics middleware
func DefaultPrometheusHTTPConfig() *PrometheusHTTPConfig {
	return &PrometheusHTTPConfig{
		Namespace:    "sagaflow",
		ExcludePaths: []string{"/health", "/metrics"},
		Buckets:      prometheus.DefBuckets,
	}
}

// PrometheusHTTPMiddleware provides HTTP metrics collection middleware
type PrometheusHTTPMiddleware struct {
	exclude  map[string]bool
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
}

// NewPrometheusHTTPMiddleware creates the collectors and registers them on reg.
func NewPrometheusHTTPMiddleware(reg prometheus.Registerer, config *PrometheusHTTPConfig) (*PrometheusHTTPMiddleware, error) {
	if config == nil {
		config = DefaultPrometheusHTTPConfig()
	}
	if config.Buckets == nil {
		config.Buckets = prometheus.DefBuckets
	}

	m := &PrometheusHTTPMiddleware{
		exclude: make(map[string]bool, len(config.ExcludePaths)),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of control API requests",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Control API request latency",
			Buckets: config.Buckets,
		}, []string{"method", "route"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: "http", Name: "active_requests",
			Help: "Control API requests in progress",
		}),
	}
	for _, p := range config.ExcludePaths {
		m.exclude[p] = true
	}

	for _, c := range []prometheus.Collector{m.requests, m.duration, m.active} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Middleware returns the Gin middleware function for HTTP metrics collection
func (m *PrometheusHTTPMiddleware) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.exclude[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		m.active.Inc()
		defer m.active.Dec()

		c.Next()

		// Unmatched paths share one label value to bound cardinality.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.requests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
