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

// Package metrics owns the process-wide prometheus registry and the
// flow-level collectors fed from audit envelopes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the prometheus registry with the engine's flow and
// node collectors. One instance is built at the composition root and
// shared by the metrics interceptor and the audit sink.
type Registry struct {
	reg *prometheus.Registry

	FlowsTotal    *prometheus.CounterVec
	FlowDuration  *prometheus.HistogramVec
	NodesTotal    *prometheus.CounterVec
	NodeDuration  *prometheus.HistogramVec
	ActiveStreams prometheus.Gauge
}

// NewRegistry creates the registry with runtime and engine collectors
// registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		FlowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "flows",
			Name:      "total",
			Help:      "Flow executions by terminal status.",
		}, []string{"status"}),
		FlowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maestro",
			Subsystem: "flows",
			Name:      "duration_seconds",
			Help:      "Flow wall-clock duration by terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"status"}),
		NodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "nodes",
			Name:      "total",
			Help:      "Node executions by terminal status.",
		}, []string{"status"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maestro",
			Subsystem: "nodes",
			Name:      "duration_seconds",
			Help:      "Node execution duration by terminal status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "sessions",
			Name:      "active_streams",
			Help:      "Event stream connections currently open.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.FlowsTotal,
		r.FlowDuration,
		r.NodesTotal,
		r.NodeDuration,
		r.ActiveStreams,
	)
	return r
}

// Registerer exposes the underlying registerer, for the metrics
// interceptor's own collectors.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// Gatherer exposes the underlying gatherer, for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
