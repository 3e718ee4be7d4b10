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

package tools

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	metaMetricsStart = "metricsStart"
	metaMetricsSpan  = "metricsSpan"
)

// MetricsInterceptor records per-tool duration histograms and outcome
// counters, and opens an OpenTelemetry span spanning handler execution.
type MetricsInterceptor struct {
	durations *prometheus.HistogramVec
	outcomes  *prometheus.CounterVec
	tracer    trace.Tracer
}

// NewMetricsInterceptor creates the metrics interceptor, registering
// its collectors with reg. A nil reg uses the default registerer.
func NewMetricsInterceptor(reg prometheus.Registerer) *MetricsInterceptor {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &MetricsInterceptor{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maestro",
			Subsystem: "tools",
			Name:      "invocation_duration_seconds",
			Help:      "Tool invocation duration by tool and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "outcome"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "tools",
			Name:      "invocations_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		tracer: otel.Tracer("maestro/tools"),
	}
	reg.MustRegister(m.durations, m.outcomes)
	return m
}

func (m *MetricsInterceptor) Name() string      { return "metrics" }
func (m *MetricsInterceptor) Order() int        { return 30 }
func (m *MetricsInterceptor) StopOnError() bool { return false }

func (m *MetricsInterceptor) Before(ctx context.Context, inv *Invocation) error {
	_, span := m.tracer.Start(ctx, "tool."+inv.Tool.Name(),
		trace.WithAttributes(
			attribute.String("tool.name", inv.Tool.Name()),
			attribute.String("execution.id", inv.ID.String()),
		),
	)
	inv.Metadata[metaMetricsStart] = time.Now()
	inv.Metadata[metaMetricsSpan] = span
	return nil
}

func (m *MetricsInterceptor) After(ctx context.Context, inv *Invocation, result map[string]any) error {
	m.observe(inv, "success")
	if span, ok := inv.Metadata[metaMetricsSpan].(trace.Span); ok {
		span.SetAttributes(attribute.Bool("tool.cached", inv.Skip))
		span.End()
	}
	return nil
}

func (m *MetricsInterceptor) OnError(ctx context.Context, inv *Invocation, err error) {
	m.observe(inv, "failure")
	if span, ok := inv.Metadata[metaMetricsSpan].(trace.Span); ok {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
	}
}

func (m *MetricsInterceptor) observe(inv *Invocation, outcome string) {
	start, ok := inv.Metadata[metaMetricsStart].(time.Time)
	if !ok {
		start = inv.StartedAt
	}
	m.durations.WithLabelValues(inv.Tool.Name(), outcome).Observe(time.Since(start).Seconds())
	m.outcomes.WithLabelValues(inv.Tool.Name(), outcome).Inc()
}
