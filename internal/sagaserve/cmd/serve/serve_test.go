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


package serve

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/logger"
)

func init() {
	logger.Logger, _ = zap.NewDevelopment()
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	t.Setenv("SAGAFLOW_ENV", "")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sagaflow.yaml"), []byte(content), 0o644))
	return dir
}

func TestNewServeCmd(t *testing.T) {
	cmd := NewServeCmd()

	assert.IsType(t, &cobra.Command{}, cmd)
	assert.Equal(t, "serve", cmd.Use)
	assert.Equal(t, "Start the sagaflow server", cmd.Short)
	assert.NotNil(t, cmd.RunE)

	flag := cmd.Flags().Lookup("config-dir")
	require.NotNil(t, flag)
	assert.Equal(t, ".", flag.DefValue)
	assert.Equal(t, "c", flag.Shorthand)
}

func TestRunServerStopsOnCancel(t *testing.T) {
	dir := writeConfig(t, `
server:
  address: "127.0.0.1:0"
  mode: test
  shutdown_timeout: 5s
logging:
  level: warn
events:
  type: none
`)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, dir) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, "warn", logger.GetLevel())
	require.NoError(t, logger.SetLevel("info"))
}

func TestRunServerInvalidConfig(t *testing.T) {
	dir := writeConfig(t, "store:\n  type: redis\n")

	err := runServer(context.Background(), dir)
	assert.Error(t, err)
}

func TestRunServerBadDefinitions(t *testing.T) {
	dir := writeConfig(t, "definitions:\n  dirs: [\"/nonexistent/sagaflow\"]\n")

	err := runServer(context.Background(), dir)
	assert.Error(t, err)
}

func TestApplyLogLevel(t *testing.T) {
	t.Cleanup(func() { _ = logger.SetLevel("info") })
	require.NoError(t, logger.SetLevel("info"))

	applyLogLevel(map[string]interface{}{"logging": map[string]interface{}{"level": "debug"}}, zap.NewNop())
	assert.Equal(t, "debug", logger.GetLevel())

	applyLogLevel(map[string]interface{}{"logging": map[string]interface{}{"level": "loud"}}, zap.NewNop())
	assert.Equal(t, "debug", logger.GetLevel())

	applyLogLevel(map[string]interface{}{"server": map[string]interface{}{}}, zap.NewNop())
	assert.Equal(t, "debug", logger.GetLevel())
}
