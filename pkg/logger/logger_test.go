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

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerMultipleCalls(t *testing.T) {
	ResetLogger()
	defer ResetLogger()

	InitLogger()
	first := Logger
	InitLogger()
	second := Logger

	require.NotNil(t, first)
	assert.Same(t, first, second, "InitLogger should keep the first logger")
}

func TestGetLoggerInitializesLazily(t *testing.T) {
	ResetLogger()
	defer ResetLogger()

	assert.Nil(t, Logger)
	l := GetLogger()
	require.NotNil(t, l)
	assert.NotNil(t, GetSugaredLogger())
}

func TestSetLevel(t *testing.T) {
	defer func() { _ = SetLevel("info") }()

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, "debug", GetLevel())

	require.NoError(t, SetLevel("warn"))
	assert.Equal(t, "warn", GetLevel())

	assert.Error(t, SetLevel("verbose"))
	assert.Equal(t, "warn", GetLevel())
}

func TestConfigureReplacesLogger(t *testing.T) {
	ResetLogger()
	defer ResetLogger()
	defer func() { _ = SetLevel("info") }()

	InitLogger()
	before := Logger

	require.NoError(t, Configure(Options{Level: "error", Development: true}))
	assert.NotSame(t, before, Logger)
	assert.Equal(t, "error", GetLevel())
	assert.False(t, Logger.Core().Enabled(-1), "debug must be disabled at error level")

	assert.Error(t, Configure(Options{Level: "loud"}))
}
