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

package tracing

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
)

// NewSpanExporter creates a span exporter based on the configuration. Stdout
// spans go to w, or os.Stdout when w is nil.
func NewSpanExporter(ctx context.Context, config ExporterConfig, w io.Writer) (trace.SpanExporter, error) {
	switch config.Type {
	case ExporterStdout:
		return newStdoutExporter(config, w)
	case ExporterOTLPHTTP:
		return newOTLPHTTPExporter(ctx, config)
	case ExporterOTLPGRPC:
		return newOTLPGRPCExporter(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.Type)
	}
}

func newStdoutExporter(config ExporterConfig, w io.Writer) (trace.SpanExporter, error) {
	var options []stdouttrace.Option
	if config.PrettyPrint {
		options = append(options, stdouttrace.WithPrettyPrint())
	}
	if w != nil {
		options = append(options, stdouttrace.WithWriter(w))
	}

	exporter, err := stdouttrace.New(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	return exporter, nil
}

// hasScheme reports whether endpoint is a full URL rather than host:port.
func hasScheme(endpoint string) bool {
	return strings.Contains(endpoint, "://")
}

func newOTLPHTTPExporter(ctx context.Context, config ExporterConfig) (trace.SpanExporter, error) {
	options := []otlptracehttp.Option{otlptracehttp.WithTimeout(config.timeout())}
	if hasScheme(config.Endpoint) {
		options = append(options, otlptracehttp.WithEndpointURL(config.Endpoint))
	} else {
		options = append(options, otlptracehttp.WithEndpoint(config.Endpoint))
	}
	if config.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	if len(config.Headers) > 0 {
		options = append(options, otlptracehttp.WithHeaders(config.Headers))
	}
	switch config.Compression {
	case "gzip":
		options = append(options, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	case "none":
		options = append(options, otlptracehttp.WithCompression(otlptracehttp.NoCompression))
	}

	exporter, err := otlptracehttp.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp http exporter: %w", err)
	}
	return exporter, nil
}

func newOTLPGRPCExporter(ctx context.Context, config ExporterConfig) (trace.SpanExporter, error) {
	options := []otlptracegrpc.Option{otlptracegrpc.WithTimeout(config.timeout())}
	if hasScheme(config.Endpoint) {
		options = append(options, otlptracegrpc.WithEndpointURL(config.Endpoint))
	} else {
		options = append(options, otlptracegrpc.WithEndpoint(config.Endpoint))
	}
	if config.Insecure {
		options = append(options, otlptracegrpc.WithInsecure())
	}
	if len(config.Headers) > 0 {
		options = append(options, otlptracegrpc.WithHeaders(config.Headers))
	}
	if config.Compression == "gzip" {
		options = append(options, otlptracegrpc.WithCompressor("gzip"))
	}

	exporter, err := otlptracegrpc.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp grpc exporter: %w", err)
	}
	return exporter, nil
}
