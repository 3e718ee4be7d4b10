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
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/pkg/event"
)

type captureSink struct {
	envs []event.Envelope
}

func (c *captureSink) Emit(env event.Envelope) { c.envs = append(c.envs, env) }

func TestSinkRecordsFlowTerminals(t *testing.T) {
	reg := NewRegistry()
	next := &captureSink{}
	sink := NewSink(reg, next)

	sink.Emit(event.NewBuilder(event.DomainAudit, event.AuditFlowEnd).
		Field("status", "succeeded").
		Field("durationMs", int64(120)).
		Build())
	sink.Emit(event.NewBuilder(event.DomainAudit, event.AuditFlowEnd).
		Field("status", "failed").
		Field("durationMs", int64(30)).
		Build())
	sink.Emit(event.NewBuilder(event.DomainAudit, event.AuditNodeEnd).
		Field("status", "succeeded").
		Field("durationMs", int64(15)).
		Build())

	assert.Equal(t, float64(1), testutil.ToFloat64(reg.FlowsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.FlowsTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.NodesTotal.WithLabelValues("succeeded")))

	// Envelopes pass through untouched.
	assert.Len(t, next.envs, 3)
}

func TestSinkIgnoresNonAuditDomains(t *testing.T) {
	reg := NewRegistry()
	sink := NewSink(reg, nil)

	sink.Emit(event.NewEnvelope(event.DomainChat, event.ChatMessage, map[string]any{"text": "hi"}))
	sink.Emit(event.NewBuilder(event.DomainAudit, event.AuditFlowStart).Build())

	assert.Equal(t, float64(0), testutil.ToFloat64(reg.FlowsTotal.WithLabelValues("succeeded")))
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := NewRegistry()
	reg.FlowsTotal.WithLabelValues("succeeded").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "maestro_flows_total")
}
