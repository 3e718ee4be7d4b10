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

package main

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	promclient "github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/maestro/pkg/errors"
)

// setupTelemetry installs the global otel providers. Metrics flow into
// the daemon's prometheus registry; spans go to stderr when tracing is
// enabled. Returns a shutdown function flushing both.
func setupTelemetry(traceEnabled bool, reg promclient.Registerer) (func(context.Context) error, error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", "maestrod"),
		attribute.String("service.version", version),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create otel prometheus exporter")
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	start := time.Now()
	meter := otel.Meter("maestrod")
	_, err = meter.Float64ObservableGauge("maestro.uptime.seconds",
		metric.WithDescription("Seconds since daemon start."),
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			o.Observe(time.Since(start).Seconds())
			return nil
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register uptime gauge")
	}

	var tracerProvider *sdktrace.TracerProvider
	if traceEnabled {
		traceExporter, err := stdouttrace.New()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create trace exporter")
		}
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
	}

	return func(ctx context.Context) error {
		var firstErr error
		if tracerProvider != nil {
			firstErr = tracerProvider.Shutdown(ctx)
		}
		if err := meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}
