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

package saga

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// DefaultIdempotencyKeyTemplate derives the key from the instance and step
// index only, so every retry and every executor computes the same key.
const DefaultIdempotencyKeyTemplate = "{{.InstanceID}}:{{.StepIndex}}"

// CompensationKeySuffix is appended to a step key for its compensation.
const CompensationKeySuffix = ":compensate"

// KeyData is the data an idempotency key template is rendered with. Only
// values that are stable for the lifetime of an instance are exposed.
type KeyData struct {
	InstanceID   string
	DefinitionID string
	StepIndex    int
	StepName     string
}

// KeyTemplate is a parsed idempotency key template.
type KeyTemplate struct {
	raw  string
	tmpl *template.Template
}

// ParseKeyTemplate parses raw, falling back to the default for empty input.
func ParseKeyTemplate(raw string) (*KeyTemplate, error) {
	if strings.TrimSpace(raw) == "" {
		raw = DefaultIdempotencyKeyTemplate
	}
	t, err := template.New("idempotency-key").Option("missingkey=error").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse idempotency key template: %w", err)
	}
	return &KeyTemplate{raw: raw, tmpl: t}, nil
}

// String returns the template source.
func (k *KeyTemplate) String() string {
	return k.raw
}

// Render executes the template. An empty rendering is an error.
func (k *KeyTemplate) Render(data KeyData) (string, error) {
	var buf bytes.Buffer
	if err := k.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render idempotency key: %w", err)
	}
	key := strings.TrimSpace(buf.String())
	if key == "" {
		return "", fmt.Errorf("idempotency key template %q rendered an empty key", k.raw)
	}
	return key, nil
}

// StepKey renders the idempotency key of step index for the instance.
func StepKey(def *SagaDefinition, instanceID string, index int) (string, error) {
	if index < 0 || index >= len(def.Steps) {
		return "", fmt.Errorf("step index %d out of range", index)
	}
	step := def.Steps[index]
	kt, err := ParseKeyTemplate(step.IdempotencyKeyTemplate)
	if err != nil {
		return "", err
	}
	return kt.Render(KeyData{
		InstanceID:   instanceID,
		DefinitionID: def.ID,
		StepIndex:    index,
		StepName:     step.Name,
	})
}

// CompensationKey returns the key used for the compensation of a step.
func CompensationKey(stepKey string) string {
	return stepKey + CompensationKeySuffix
}

// Digest returns a stable content hash of the definition. Instances pin the
// digest they were started with.
func Digest(def *SagaDefinition) (string, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("digest definition %q: %w", def.ID, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
