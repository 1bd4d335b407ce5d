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

package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Sample instance IDs used to check that key templates vary per instance.
const (
	sampleInstanceA = "sample-instance-a"
	sampleInstanceB = "sample-instance-b"
)

// Validate checks def without registering it. Every failure is a
// definition error.
func Validate(def *saga.SagaDefinition) error {
	if err := structValidator.Struct(def); err != nil {
		return saga.NewInvalidDefinitionError(def.ID, describe(err))
	}

	names := make(map[string]int, len(def.Steps))
	compensations := 0
	for i, step := range def.Steps {
		if _, dup := names[step.Name]; dup {
			return saga.NewInvalidDefinitionError(def.ID, fmt.Sprintf("duplicate step name %q", step.Name))
		}
		names[step.Name] = i

		if step.Compensation != nil {
			compensations++
		}
	}

	if compensations != 0 && compensations != len(def.Steps) {
		return saga.NewInvalidDefinitionError(def.ID,
			fmt.Sprintf("%d of %d steps declare a compensation; declare all or none (use capability noop)",
				compensations, len(def.Steps)))
	}

	if err := checkDependencies(def, names); err != nil {
		return saga.NewInvalidDefinitionError(def.ID, err.Error())
	}

	if err := checkKeyTemplates(def); err != nil {
		return saga.NewInvalidDefinitionError(def.ID, err.Error())
	}

	return nil
}

// checkDependencies rejects unknown and forward references and any cycle in
// the dependency graph.
func checkDependencies(def *saga.SagaDefinition, names map[string]int) error {
	g := simple.NewDirectedGraph()
	for i := range def.Steps {
		g.AddNode(simple.Node(i))
	}

	for i, step := range def.Steps {
		for _, dep := range step.DependsOn {
			j, ok := names[dep]
			if !ok {
				return fmt.Errorf("step %q depends on unknown step %q", step.Name, dep)
			}
			if j == i {
				return fmt.Errorf("step %q depends on itself", step.Name)
			}
			g.SetEdge(g.NewEdge(simple.Node(j), simple.Node(i)))
		}
	}

	if _, err := topo.Sort(g); err != nil {
		var cyclic []string
		if unorderable, ok := err.(topo.Unorderable); ok {
			for _, component := range unorderable {
				for _, n := range component {
					cyclic = append(cyclic, def.Steps[n.ID()].Name)
				}
			}
		}
		sort.Strings(cyclic)
		return fmt.Errorf("cyclic step dependencies: %s", strings.Join(cyclic, ", "))
	}

	// Steps run in declaration order, so a dependency must come first.
	for i, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if names[dep] > i {
				return fmt.Errorf("step %q depends on later step %q", step.Name, dep)
			}
		}
	}

	return nil
}

// checkKeyTemplates renders every key template for two sample instances. A
// template must parse, render a non-empty key, vary with the instance and
// differ from every other step's key.
func checkKeyTemplates(def *saga.SagaDefinition) error {
	seen := make(map[string]string, len(def.Steps))
	for i, step := range def.Steps {
		keyA, err := saga.StepKey(def, sampleInstanceA, i)
		if err != nil {
			return fmt.Errorf("step %q: %w", step.Name, err)
		}
		keyB, err := saga.StepKey(def, sampleInstanceB, i)
		if err != nil {
			return fmt.Errorf("step %q: %w", step.Name, err)
		}
		if keyA == keyB {
			return fmt.Errorf("step %q: idempotency key template does not depend on the instance", step.Name)
		}
		if other, dup := seen[keyA]; dup {
			return fmt.Errorf("steps %q and %q render the same idempotency key", other, step.Name)
		}
		seen[keyA] = step.Name
	}
	return nil
}

func describe(err error) string {
	ves, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(ves))
	for _, fe := range ves {
		part := fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			part += "=" + fe.Param()
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}
