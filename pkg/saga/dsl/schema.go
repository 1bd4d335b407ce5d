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
	"time"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// DefinitionFile is the YAML document describing one saga definition.
//
//	saga:
//	  id: order-fulfillment
//	defaults:
//	  timeout: 5s
//	  max_retry: 2
//	steps:
//	  - name: reserve-inventory
//	    action: { capability: http, target: "http://inventory/reserve" }
//	    compensation: { capability: http, target: "http://inventory/release" }
type DefinitionFile struct {
	Saga     SagaConfig   `yaml:"saga"`
	Defaults StepDefaults `yaml:"defaults"`
	Steps    []StepConfig `yaml:"steps" validate:"required,min=1,dive"`
}

// SagaConfig holds the definition identity.
type SagaConfig struct {
	ID          string `yaml:"id" validate:"required,max=200"`
	Description string `yaml:"description,omitempty"`
}

// StepDefaults are applied to steps that leave the field unset.
type StepDefaults struct {
	Timeout  time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`
	MaxRetry *int          `yaml:"max_retry,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// StepConfig is the YAML form of saga.StepSpec.
type StepConfig struct {
	Name           string          `yaml:"name" validate:"required"`
	Action         saga.ActionRef  `yaml:"action"`
	Compensation   *saga.ActionRef `yaml:"compensation,omitempty"`
	Timeout        time.Duration   `yaml:"timeout,omitempty" validate:"gte=0"`
	MaxRetry       *int            `yaml:"max_retry,omitempty" validate:"omitempty,gte=0,lte=100"`
	IdempotencyKey string          `yaml:"idempotency_key,omitempty"`
	DependsOn      []string        `yaml:"depends_on,omitempty"`
}

// ToDefinition converts the file into a saga.SagaDefinition, applying the
// file defaults and the engine-wide fallbacks.
func (f *DefinitionFile) ToDefinition(fallbackTimeout time.Duration) *saga.SagaDefinition {
	def := &saga.SagaDefinition{
		ID:          f.Saga.ID,
		Description: f.Saga.Description,
		Steps:       make([]saga.StepSpec, 0, len(f.Steps)),
	}

	for _, sc := range f.Steps {
		step := saga.StepSpec{
			Name:                   sc.Name,
			Action:                 sc.Action,
			Timeout:                sc.Timeout,
			IdempotencyKeyTemplate: sc.IdempotencyKey,
			DependsOn:              sc.DependsOn,
		}
		if sc.Compensation != nil {
			comp := *sc.Compensation
			step.Compensation = &comp
		}
		if step.Timeout == 0 {
			step.Timeout = f.Defaults.Timeout
		}
		if step.Timeout == 0 {
			step.Timeout = fallbackTimeout
		}
		switch {
		case sc.MaxRetry != nil:
			step.MaxRetry = *sc.MaxRetry
		case f.Defaults.MaxRetry != nil:
			step.MaxRetry = *f.Defaults.MaxRetry
		}
		def.Steps = append(def.Steps, step)
	}

	return def
}
