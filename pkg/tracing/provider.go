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

// Package tracing builds the OpenTelemetry TracerProvider the engine's
// drive, step and compensation spans are recorded through.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider owns the SDK tracer provider and its exporter.
type Provider struct {
	config     *Config
	sdk        *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator
}

// Option configures NewProvider.
type Option func(*providerOptions)

type providerOptions struct {
	writer io.Writer
}

// WithWriter redirects the stdout exporter.
func WithWriter(w io.Writer) Option {
	return func(o *providerOptions) {
		o.writer = w
	}
}

// NewProvider validates config and builds the provider. A disabled config
// yields a no-op provider.
func NewProvider(ctx context.Context, config *Config, opts ...Option) (*Provider, error) {
	if config == nil {
		return nil, fmt.Errorf("tracing config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracing config: %w", err)
	}

	p := &Provider{
		config:     config,
		propagator: newPropagator(config.Propagators),
	}
	if !config.Enabled {
		return p, nil
	}

	var o providerOptions
	for _, opt := range opts {
		opt(&o)
	}

	res, err := newResource(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	exporter, err := NewSpanExporter(ctx, config.Exporter, o.writer)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}
	sampler, err := newSampler(config.Sampling)
	if err != nil {
		return nil, fmt.Errorf("failed to create sampler: %w", err)
	}

	var processor sdktrace.SpanProcessor
	if config.Exporter.Type == ExporterStdout {
		processor = sdktrace.NewSimpleSpanProcessor(exporter)
	} else {
		processor = sdktrace.NewBatchSpanProcessor(exporter,
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithMaxQueueSize(2048),
		)
	}

	p.sdk = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	return p, nil
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p.sdk != nil
}

// TracerProvider returns the provider to hand to the engine.
func (p *Provider) TracerProvider() oteltrace.TracerProvider {
	if p.sdk == nil {
		return noop.NewTracerProvider()
	}
	return p.sdk
}

// Propagator returns the configured text map propagator.
func (p *Provider) Propagator() propagation.TextMapPropagator {
	return p.propagator
}

// SetGlobal installs the provider and propagator as the otel globals.
func (p *Provider) SetGlobal() {
	otel.SetTracerProvider(p.TracerProvider())
	otel.SetTextMapPropagator(p.propagator)
}

// ForceFlush exports all ended spans.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.ForceFlush(ctx)
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

func newResource(ctx context.Context, config *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{attribute.String("service.name", config.ServiceName)}
	for key, value := range config.ResourceAttributes {
		attrs = append(attrs, attribute.String(key, value))
	}
	return resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
}

func newSampler(config SamplingConfig) (sdktrace.Sampler, error) {
	switch config.Type {
	case SamplerAlwaysOn:
		return sdktrace.AlwaysSample(), nil
	case SamplerAlwaysOff:
		return sdktrace.NeverSample(), nil
	case SamplerTraceIDRatio:
		return sdktrace.TraceIDRatioBased(config.Rate), nil
	default:
		return nil, fmt.Errorf("unsupported sampling type: %s", config.Type)
	}
}

func newPropagator(names []string) propagation.TextMapPropagator {
	var propagators []propagation.TextMapPropagator
	for _, name := range names {
		switch name {
		case "tracecontext":
			propagators = append(propagators, propagation.TraceContext{})
		case "baggage":
			propagators = append(propagators, propagation.Baggage{})
		}
	}
	if len(propagators) == 0 {
		propagators = append(propagators, propagation.TraceContext{})
	}
	return propagation.NewCompositeTextMapPropagator(propagators...)
}
