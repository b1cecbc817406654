// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing wires the engine into OpenTelemetry: a TracerProvider
// for the run/node span tree, and an otel/metric-instrumented run
// duration histogram alongside pkg/metrics' Prometheus collectors,
// mirroring the teacher's own internal/tracing package (which also
// carries both a Prometheus registry and an otel meter side by side).
// No exporter is wired here: spans and metrics flow through the SDK so
// a deployment can attach whichever exporter it needs (OTLP, stdout)
// without this package taking a dependency on any one of them.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider wraps the trace SDK's TracerProvider plus the engine's own
// run-duration histogram.
type Provider struct {
	tp          *sdktrace.TracerProvider
	tracer      trace.Tracer
	runDuration metric.Float64Histogram
}

// New builds a Provider. serviceName/version are attached to every
// span's resource attributes.
func New(serviceName, version string) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	meter := otel.Meter("github.com/dsentr/engine")
	runDuration, err := meter.Float64Histogram(
		"dsentr_run_duration_seconds",
		metric.WithDescription("Run duration in seconds, from claim to terminal status."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("building run duration histogram: %w", err)
	}

	return &Provider{
		tp:          tp,
		tracer:      tp.Tracer("github.com/dsentr/engine"),
		runDuration: runDuration,
	}, nil
}

// Tracer returns the engine's tracer, for starting run and node spans.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// RecordRunDuration observes a completed run's wall-clock duration.
func (p *Provider) RecordRunDuration(ctx context.Context, seconds float64, status string) {
	p.runDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}

// Shutdown flushes and releases the underlying TracerProvider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
