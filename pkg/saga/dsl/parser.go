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

// Package dsl loads saga definitions from YAML files.
package dsl

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// envVarPattern matches environment variable references like ${VAR_NAME}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)

// Parser parses definition files.
type Parser struct {
	validator       *validator.Validate
	logger          *zap.Logger
	enableEnvVars   bool
	fallbackTimeout time.Duration
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithEnvVars enables or disables ${VAR} expansion.
func WithEnvVars(enable bool) ParserOption {
	return func(p *Parser) {
		p.enableEnvVars = enable
	}
}

// WithLogger sets the logger for the parser.
func WithLogger(l *zap.Logger) ParserOption {
	return func(p *Parser) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithDefaultTimeout sets the timeout given to steps that declare none.
func WithDefaultTimeout(d time.Duration) ParserOption {
	return func(p *Parser) {
		p.fallbackTimeout = d
	}
}

// NewParser creates a new DSL parser with the given options.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{
		validator:       validator.New(validator.WithRequiredStructEnabled()),
		logger:          zap.NewNop(),
		enableEnvVars:   true,
		fallbackTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseFile parses a definition from a YAML file.
func (p *Parser) ParseFile(path string) (*saga.SagaDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{
			Message: fmt.Sprintf("failed to read file: %v", err),
			File:    path,
			Cause:   err,
		}
	}
	return p.parseBytes(data, path)
}

// ParseBytes parses a definition from YAML bytes.
func (p *Parser) ParseBytes(data []byte) (*saga.SagaDefinition, error) {
	return p.parseBytes(data, "<bytes>")
}

// ParseReader parses a definition from an io.Reader.
func (p *Parser) ParseReader(r io.Reader) (*saga.SagaDefinition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ParseError{
			Message: fmt.Sprintf("failed to read from reader: %v", err),
			File:    "<reader>",
			Cause:   err,
		}
	}
	return p.parseBytes(data, "<reader>")
}

// LoadDir parses every *.yaml and *.yml file in dir, in name order.
func (p *Parser) LoadDir(dir string) ([]*saga.SagaDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*saga.SagaDefinition, 0, len(names))
	for _, name := range names {
		def, err := p.ParseFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (p *Parser) parseBytes(data []byte, source string) (*saga.SagaDefinition, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, &ParseError{Message: "empty YAML content", File: source}
	}

	if p.enableEnvVars {
		data = p.expandEnvVars(data)
	}

	var file DefinitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		pe := &ParseError{
			Message: fmt.Sprintf("YAML syntax error: %v", err),
			File:    source,
			Cause:   err,
		}
		if te, ok := err.(*yaml.TypeError); ok {
			pe.Message = fmt.Sprintf("YAML type error: %s", strings.Join(te.Errors, "; "))
		}
		return nil, pe
	}

	if err := p.validator.Struct(&file); err != nil {
		return nil, &ParseError{
			Message: fmt.Sprintf("validation failed: %v", formatValidationError(err)),
			File:    source,
			Cause:   err,
		}
	}

	def := file.ToDefinition(p.fallbackTimeout)

	p.logger.Debug("parsed saga definition",
		zap.String("source", source),
		zap.String("definition_id", def.ID),
		zap.Int("steps", len(def.Steps)))

	return def, nil
}

// expandEnvVars replaces ${VAR} references with the environment value.
// Unset variables are kept verbatim.
func (p *Parser) expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(envVarPattern.FindSubmatch(match)[1])
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		p.logger.Warn("environment variable not found, keeping placeholder", zap.String("var", name))
		return match
	})
}

func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		msg := fmt.Sprintf("field '%s' validation failed on '%s' tag", e.Namespace(), e.Tag())
		if e.Param() != "" {
			msg += fmt.Sprintf(" (param: %s)", e.Param())
		}
		messages = append(messages, msg)
	}
	return fmt.Errorf("%s", strings.Join(messages, "; "))
}

// ParseError describes a definition file that could not be loaded.
type ParseError struct {
	Message string
	File    string
	Cause   error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %s", e.File, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *ParseError) Unwrap() error {
	return e.Cause
}
