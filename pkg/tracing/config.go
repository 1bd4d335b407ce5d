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
	"fmt"
	"time"
)

// Exporter types.
const (
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlphttp"
	ExporterOTLPGRPC = "otlpgrpc"
)

// Sampler types.
const (
	SamplerAlwaysOn     = "always_on"
	SamplerAlwaysOff    = "always_off"
	SamplerTraceIDRatio = "traceidratio"
)

// Config represents the complete tracing configuration
type Config struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`

	Sampling SamplingConfig `yaml:"sampling" mapstructure:"sampling"`
	Exporter ExporterConfig `yaml:"exporter" mapstructure:"exporter"`

	// ResourceAttributes are added to every span's resource.
	ResourceAttributes map[string]string `yaml:"resource_attributes" mapstructure:"resource_attributes"`

	// Propagators lists the text map propagators: tracecontext, baggage.
	Propagators []string `yaml:"propagators" mapstructure:"propagators"`
}

// SamplingConfig represents sampling strategy configuration
type SamplingConfig struct {
	Type string  `yaml:"type" mapstructure:"type"` // always_on, always_off, traceidratio
	Rate float64 `yaml:"rate" mapstructure:"rate"` // 0.0-1.0 for traceidratio
}

// ExporterConfig represents the exporter configuration
type ExporterConfig struct {
	Type        string            `yaml:"type" mapstructure:"type"` // stdout, otlphttp, otlpgrpc
	Endpoint    string            `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool              `yaml:"insecure" mapstructure:"insecure"`
	Headers     map[string]string `yaml:"headers" mapstructure:"headers"`
	Compression string            `yaml:"compression" mapstructure:"compression"` // gzip, none
	Timeout     time.Duration     `yaml:"timeout" mapstructure:"timeout"`
	PrettyPrint bool              `yaml:"pretty_print" mapstructure:"pretty_print"`
}

// DefaultConfig returns a default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:     false,
		ServiceName: "sagaflow",
		Sampling: SamplingConfig{
			Type: SamplerTraceIDRatio,
			Rate: 0.1,
		},
		Exporter: ExporterConfig{
			Type:    ExporterStdout,
			Timeout: 10 * time.Second,
		},
		Propagators: []string{"tracecontext", "baggage"},
	}
}

// Validate validates the tracing configuration
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when tracing is enabled")
	}
	if err := c.Sampling.Validate(); err != nil {
		return fmt.Errorf("sampling configuration invalid: %w", err)
	}
	if err := c.Exporter.Validate(); err != nil {
		return fmt.Errorf("exporter configuration invalid: %w", err)
	}
	return nil
}

// Validate validates the sampling configuration
func (s *SamplingConfig) Validate() error {
	switch s.Type {
	case SamplerAlwaysOn, SamplerAlwaysOff:
	case SamplerTraceIDRatio:
		if s.Rate < 0.0 || s.Rate > 1.0 {
			return fmt.Errorf("sampling rate must be between 0.0 and 1.0, got %f", s.Rate)
		}
	case "":
		return fmt.Errorf("sampling type is required")
	default:
		return fmt.Errorf("unsupported sampling type: %s", s.Type)
	}
	return nil
}

// Validate validates the exporter configuration
func (e *ExporterConfig) Validate() error {
	switch e.Type {
	case ExporterStdout:
	case ExporterOTLPHTTP, ExporterOTLPGRPC:
		if e.Endpoint == "" {
			return fmt.Errorf("%s exporter requires endpoint", e.Type)
		}
	case "":
		return fmt.Errorf("exporter type is required")
	default:
		return fmt.Errorf("unsupported exporter type: %s", e.Type)
	}
	if e.Compression != "" && e.Compression != "gzip" && e.Compression != "none" {
		return fmt.Errorf("unsupported compression type: %s", e.Compression)
	}
	if e.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

func (e *ExporterConfig) timeout() time.Duration {
	if e.Timeout <= 0 {
		return 10 * time.Second
	}
	return e.Timeout
}
