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

// Package registry holds the immutable saga definitions known to an engine.
package registry

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/dsl"
)

type entry struct {
	def    *saga.SagaDefinition
	digest string
}

// Registry stores validated definitions by ID. Definitions are copied on the
// way in and on the way out, so callers can never mutate a registered one.
type Registry struct {
	defs   *xsync.MapOf[string, entry]
	logger *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		defs:   xsync.NewMapOf[string, entry](),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates def and stores a copy of it.
func (r *Registry) Register(def *saga.SagaDefinition) error {
	if def == nil {
		return saga.NewInvalidDefinitionError("", "definition is nil")
	}
	if err := Validate(def); err != nil {
		return err
	}

	stored := def.Clone()
	digest, err := saga.Digest(stored)
	if err != nil {
		return saga.NewInvalidDefinitionError(def.ID, err.Error())
	}

	if _, loaded := r.defs.LoadOrStore(stored.ID, entry{def: stored, digest: digest}); loaded {
		return saga.NewDefinitionExistsError(stored.ID)
	}

	r.logger.Info("registered saga definition",
		zap.String("definition_id", stored.ID),
		zap.Int("steps", len(stored.Steps)),
		zap.String("digest", digest))
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(def *saga.SagaDefinition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns a copy of the definition registered under id.
func (r *Registry) Lookup(id string) (*saga.SagaDefinition, error) {
	e, ok := r.defs.Load(id)
	if !ok {
		return nil, saga.NewDefinitionNotFoundError(id)
	}
	return e.def.Clone(), nil
}

// Digest returns the content digest of the definition registered under id.
func (r *Registry) Digest(id string) (string, error) {
	e, ok := r.defs.Load(id)
	if !ok {
		return "", saga.NewDefinitionNotFoundError(id)
	}
	return e.digest, nil
}

// List returns copies of every registered definition ordered by ID.
func (r *Registry) List() []*saga.SagaDefinition {
	out := make([]*saga.SagaDefinition, 0, r.defs.Size())
	r.defs.Range(func(_ string, e entry) bool {
		out = append(out, e.def.Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadDir parses every definition file in dir and registers it.
func (r *Registry) LoadDir(parser *dsl.Parser, dir string) (int, error) {
	defs, err := parser.LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for i, def := range defs {
		if err := r.Register(def); err != nil {
			return i, err
		}
	}
	return len(defs), nil
}
