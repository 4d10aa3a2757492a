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

// Package telemetry exposes the control plane's observable surface: per-
// component counters and gauges (jobs, sessions, workflow instances, queue
// depth, ack-pending count) backed by an OpenTelemetry meter provider
// reading out through a Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"net/http"
)

// Provider wires an OpenTelemetry meter provider to a Prometheus exporter
// and hands out the Collector components record against.
type Provider struct {
	mp        *metric.MeterProvider
	promExp   *prometheus.Exporter
	Collector *Collector
}

// NewProvider builds a Provider for serviceName/version, ready to serve
// metrics at MetricsHandler.
func NewProvider(serviceName, version string) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating prometheus exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(promExp),
	)

	collector, err := NewCollector(mp)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating collector: %w", err)
	}

	return &Provider{mp: mp, promExp: promExp, Collector: collector}, nil
}

// MetricsHandler serves the Prometheus text exposition format. The otel
// Prometheus exporter registers against the default registry, so
// promhttp.Handler already reflects everything the Collector records.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and releases the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}
