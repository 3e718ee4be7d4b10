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

package metrics

import (
	"github.com/tombee/maestro/pkg/event"
)

// EventSink matches the executor's sink contract.
type EventSink interface {
	Emit(event.Envelope)
}

// Sink tees envelopes to the next sink while recording flow and node
// terminal events into the registry. Wrap a session emitter with it at
// the composition root.
type Sink struct {
	registry *Registry
	next     EventSink
}

// NewSink creates a recording sink in front of next. A nil next records
// only.
func NewSink(registry *Registry, next EventSink) *Sink {
	return &Sink{registry: registry, next: next}
}

// Emit implements EventSink.
func (s *Sink) Emit(env event.Envelope) {
	if env.Header.Domain == event.DomainAudit {
		s.observe(env)
	}
	if s.next != nil {
		s.next.Emit(env)
	}
}

func (s *Sink) observe(env event.Envelope) {
	status, _ := env.Data["status"].(string)
	seconds := durationSeconds(env.Data["durationMs"])

	switch env.Header.Type {
	case event.AuditFlowEnd:
		if status == "" {
			return
		}
		s.registry.FlowsTotal.WithLabelValues(status).Inc()
		s.registry.FlowDuration.WithLabelValues(status).Observe(seconds)
	case event.AuditNodeEnd:
		if status == "" {
			return
		}
		s.registry.NodesTotal.WithLabelValues(status).Inc()
		s.registry.NodeDuration.WithLabelValues(status).Observe(seconds)
	}
}

// durationSeconds accepts the numeric shapes an envelope may carry
// after JSON round-trips.
func durationSeconds(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n) / 1000
	case int:
		return float64(n) / 1000
	case float64:
		return n / 1000
	}
	return 0
}
