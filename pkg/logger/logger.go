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

// Package logger holds the process-wide zap logger used by the engine, the
// scheduler and the control API.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger for the application.
	Logger *zap.Logger
	// mu protects Logger from concurrent access
	mu sync.RWMutex
	// initialized tracks whether logger has been initialized
	initialized bool
	// level is shared by every logger built here so SetLevel applies at runtime.
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// Options controls how the global logger is built.
type Options struct {
	// Level is the minimum enabled level (debug, info, warn, error).
	Level string
	// Development switches to the human-friendly console encoder.
	Development bool
}

// InitLogger initializes the global logger with production defaults.
// Calling it more than once keeps the first logger.
func InitLogger() {
	mu.Lock()
	defer mu.Unlock()

	if !initialized || Logger == nil {
		Logger = mustBuild(Options{})
		initialized = true
	}
}

// Configure rebuilds the global logger from opts, replacing any previous one.
func Configure(opts Options) error {
	if opts.Level != "" {
		if err := SetLevel(opts.Level); err != nil {
			return err
		}
	}

	l, err := build(opts)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if Logger != nil {
		_ = Logger.Sync()
	}
	Logger = l
	initialized = true
	return nil
}

func build(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = level
	return cfg.Build()
}

func mustBuild(opts Options) *zap.Logger {
	l, err := build(opts)
	if err != nil {
		panic(err)
	}
	return l
}

// GetLogger returns the global logger, initializing it if necessary.
func GetLogger() *zap.Logger {
	mu.RLock()
	if initialized && Logger != nil {
		defer mu.RUnlock()
		return Logger
	}
	mu.RUnlock()

	InitLogger()

	mu.RLock()
	defer mu.RUnlock()
	return Logger
}

// GetSugaredLogger returns the sugared variant of the global logger.
func GetSugaredLogger() *zap.SugaredLogger {
	return GetLogger().Sugar()
}

// SetLevel changes the minimum level of every logger built by this package.
func SetLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	level.SetLevel(l)
	return nil
}

// GetLevel returns the current minimum level name.
func GetLevel() string {
	return level.Level().String()
}

// ResetLogger resets the logger for testing purposes.
// This should only be used in tests.
func ResetLogger() {
	mu.Lock()
	defer mu.Unlock()

	if Logger != nil {
		_ = Logger.Sync()
	}
	Logger = nil
	initialized = false
}
