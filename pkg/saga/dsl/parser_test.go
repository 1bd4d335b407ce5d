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

package dsl

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

const orderYAML = `
saga:
  id: order-fulfillment
  description: reserve, charge, ship
defaults:
  timeout: 5s
  max_retry: 2
steps:
  - name: reserve-inventory
    action: { capability: http, target: "${INVENTORY_URL}/reserve" }
    compensation: { capability: http, target: "${INVENTORY_URL}/release", max_retry: 5 }
  - name: charge-payment
    action: { capability: grpc, target: /payments.Payments/Charge }
    compensation: { capability: grpc, target: /payments.Payments/Refund }
    timeout: 10s
    max_retry: 0
    depends_on: [reserve-inventory]
  - name: notify
    action: { capability: nats, target: orders.notify }
    compensation: { capability: noop }
    idempotency_key: "{{.DefinitionID}}-{{.InstanceID}}-notify"
`

func TestParseBytes(t *testing.T) {
	t.Setenv("INVENTORY_URL", "http://inventory:8080")

	def, err := NewParser().ParseBytes([]byte(orderYAML))
	require.NoError(t, err)

	assert.Equal(t, "order-fulfillment", def.ID)
	require.Len(t, def.Steps, 3)

	reserve := def.Steps[0]
	assert.Equal(t, "http://inventory:8080/reserve", reserve.Action.Target)
	assert.Equal(t, 5*time.Second, reserve.Timeout)
	assert.Equal(t, 2, reserve.MaxRetry)
	assert.Equal(t, 5, reserve.CompensationMaxRetry())

	charge := def.Steps[1]
	assert.Equal(t, saga.CapabilityGRPC, charge.Action.Capability)
	assert.Equal(t, 10*time.Second, charge.Timeout)
	assert.Equal(t, 0, charge.MaxRetry)
	assert.Equal(t, []string{"reserve-inventory"}, charge.DependsOn)

	notify := def.Steps[2]
	assert.True(t, notify.Compensation.IsNoop())
	assert.Equal(t, "{{.DefinitionID}}-{{.InstanceID}}-notify", notify.IdempotencyKeyTemplate)
}

func TestParseBytesKeepsUnknownEnvVars(t *testing.T) {
	def, err := NewParser().ParseBytes([]byte(`
saga: { id: x }
steps:
  - name: a
    action: { capability: http, target: "${SAGAFLOW_TEST_UNSET_VAR}/a" }
`))
	require.NoError(t, err)
	assert.Equal(t, "${SAGAFLOW_TEST_UNSET_VAR}/a", def.Steps[0].Action.Target)
}

func TestParseBytesFallbackTimeout(t *testing.T) {
	def, err := NewParser(WithDefaultTimeout(time.Minute)).ParseBytes([]byte(`
saga: { id: x }
steps:
  - name: a
    action: { capability: local, target: a }
`))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, def.Steps[0].Timeout)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		message string
	}{
		{"empty", "   ", "empty YAML content"},
		{"syntax", "saga: [", "YAML syntax error"},
		{"missing id", "saga: {}\nsteps:\n  - name: a\n    action: {capability: local, target: a}\n", "ID"},
		{"no steps", "saga: {id: x}\n", "Steps"},
		{"bad capability", "saga: {id: x}\nsteps:\n  - name: a\n    action: {capability: smtp, target: a}\n", "oneof"},
		{"missing target", "saga: {id: x}\nsteps:\n  - name: a\n    action: {capability: http}\n", "required_unless"},
		{"bad duration", "saga: {id: x}\nsteps:\n  - name: a\n    timeout: soon\n    action: {capability: local, target: a}\n", "YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser().ParseBytes([]byte(tt.input))
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Contains(t, pe.Error(), tt.message)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("saga: {id: b}\nsteps:\n  - name: s\n    action: {capability: local, target: s}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("saga: {id: a}\nsteps:\n  - name: s\n    action: {capability: local, target: s}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	defs, err := NewParser().LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].ID)
	assert.Equal(t, "b", defs[1].ID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.yaml"), []byte("saga: {}"), 0o644))
	_, err = NewParser().LoadDir(dir)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "c.yaml"))

	_, err = NewParser().LoadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestParseReader(t *testing.T) {
	def, err := NewParser().ParseReader(strings.NewReader("saga: {id: r}\nsteps:\n  - name: s\n    action: {capability: local, target: s}\n"))
	require.NoError(t, err)
	assert.Equal(t, "r", def.ID)
}
