package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/attribute"
)

const defaultOTLPEndpoint = "localhost:4318"

// OTELConfig is the subset of the standard OTEL_* environment the event
// builder honours.
type OTELConfig struct {
	ServiceName        string `env:"SERVICE_NAME" envDefault:"eventbuilder"`
	ResourceAttributes string `env:"RESOURCE_ATTRIBUTES"`
	ExporterEndpoint   string `env:"EXPORTER_OTLP_ENDPOINT"`
	TracesEndpoint     string `env:"EXPORTER_OTLP_TRACES_ENDPOINT"`
	SDKDisabled        bool   `env:"SDK_DISABLED"`
}

// ParseOTELConfig reads the OTEL_* variables.
func ParseOTELConfig() (*OTELConfig, error) {
	var cfg OTELConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "OTEL_"}); err != nil {
		return nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}
	return &cfg, nil
}

// Enabled reports whether burst spans are exported. A run without an OTLP
// endpoint, or with OTEL_SDK_DISABLED, uses a no-op tracer.
func (c *OTELConfig) Enabled() bool {
	return !c.SDKDisabled && c.TracesEndpoint+c.ExporterEndpoint != ""
}

// Endpoint is the OTLP/HTTP collector address. The traces-specific variable
// wins over the generic one.
func (c *OTELConfig) Endpoint() string {
	for _, e := range []string{c.TracesEndpoint, c.ExporterEndpoint} {
		if e != "" {
			return e
		}
	}
	return defaultOTLPEndpoint
}

// ResourceAttrs splits OTEL_RESOURCE_ATTRIBUTES ("site=na62,rack=r3") into
// string attributes. Entries without '=' or with an empty key are skipped.
func (c *OTELConfig) ResourceAttrs() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(c.ResourceAttributes, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		attrs = append(attrs, attribute.String(key, strings.TrimSpace(value)))
	}
	return attrs
}
