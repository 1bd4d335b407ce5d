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

package monitoring

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(&MetricsConfig{Registry: reg})
	require.NoError(t, err)
	assert.Same(t, reg, m.Registry())

	_, err = NewMetrics(&MetricsConfig{Registry: reg})
	assert.Error(t, err, "registering twice must fail")
}

func TestMetricsRecordLifecycle(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)

	m.SagaStarted("order-fulfillment")
	m.SagaStarted("order-fulfillment")
	m.SagaFinished("order-fulfillment", saga.StatusCompensated, 2*time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.sagaStarted.WithLabelValues("order-fulfillment")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sagaFinished.WithLabelValues("order-fulfillment", "compensated")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.sagaDuration))
}

func TestMetricsRecordSteps(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)

	m.StepExecuted("order-fulfillment", "ChargePayment", OutcomeRetryable, time.Millisecond)
	m.StepExecuted("order-fulfillment", "ChargePayment", OutcomeSucceeded, time.Millisecond)
	m.StepRetried("order-fulfillment", "ChargePayment", 2)
	m.StepRetried("order-fulfillment", "ChargePayment", 7)
	m.CompensationExecuted("order-fulfillment", "ReserveInventory", false, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.stepExecuted.WithLabelValues("order-fulfillment", "ChargePayment", "retryable")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stepRetried.WithLabelValues("order-fulfillment", "ChargePayment", "2")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stepRetried.WithLabelValues("order-fulfillment", "ChargePayment", "4+")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.compensations.WithLabelValues("order-fulfillment", "ReserveInventory", "false")))
}

func TestMetricsGaugesAndCounters(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)

	m.DriveStarted()
	m.DriveStarted()
	m.DriveFinished()
	m.QueueDepth(7)
	m.ConcurrencyConflict("order-fulfillment")
	m.InstanceRecovered("orphaned")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeDrives))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.conflicts.WithLabelValues("order-fulfillment")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.recovered.WithLabelValues("orphaned")))
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	m.SagaStarted("order-fulfillment")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sagaflow_saga_started_total{definition_id="order-fulfillment"} 1`)
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.SagaStarted("x")
	r.SagaFinished("x", saga.StatusCompleted, time.Second)
	r.QueueDepth(3)
}
