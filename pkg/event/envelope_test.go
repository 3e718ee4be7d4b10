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

package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderGeneratesIDAndTimestamp(t *testing.T) {
	env := NewBuilder(DomainTool, ToolStart).
		Field("toolName", "echo").
		Build()

	assert.NotEmpty(t, env.Header.ID)
	assert.NotZero(t, env.Header.Timestamp)
	assert.Equal(t, DomainTool, env.Header.Domain)
	assert.Equal(t, "echo", env.Data["toolName"])

	other := NewBuilder(DomainTool, ToolStart).Build()
	assert.NotEqual(t, env.Header.ID, other.Header.ID)
}

func TestBuilderCopiesData(t *testing.T) {
	data := map[string]any{"text": "hello"}
	env := NewEnvelope(DomainChat, ChatDelta, data)

	data["text"] = "mutated"
	assert.Equal(t, "hello", env.Data["text"])
}

func TestEnvelopeWireShape(t *testing.T) {
	env := NewBuilder(DomainSystem, SystemConnected).
		ID("evt-1").
		Timestamp(1700000000000).
		Field("sessionId", "s1").
		Build()

	line, err := env.Marshal()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(line, &raw))
	// Exactly two top-level keys: envelope and data.
	require.Len(t, raw, 2)
	assert.Contains(t, raw, "envelope")
	assert.Contains(t, raw, "data")

	var header Header
	require.NoError(t, json.Unmarshal(raw["envelope"], &header))
	assert.Equal(t, DomainSystem, header.Domain)
	assert.Equal(t, SystemConnected, header.Type)
	assert.Equal(t, "evt-1", header.ID)
	assert.Equal(t, int64(1700000000000), header.Timestamp)
}

func TestEnvelopeRoundTripFixedPoint(t *testing.T) {
	env := NewBuilder(DomainAudit, AuditFlowEnd).
		Field("executionId", "flw_1").
		Field("status", "succeeded").
		Field("durationMs", float64(12)).
		Build()

	first, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(first)
	require.NoError(t, err)

	second, err := parsed.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestParseRejectsMissingHeader(t *testing.T) {
	_, err := Parse([]byte(`{"data":{}}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestDroppable(t *testing.T) {
	assert.True(t, NewEnvelope(DomainSystem, SystemHeartbeat, nil).Droppable())
	assert.True(t, NewEnvelope(DomainChat, ChatDelta, nil).Droppable())
	assert.False(t, NewEnvelope(DomainChat, ChatMessage, nil).Droppable())
	assert.False(t, NewEnvelope(DomainTool, ToolResult, nil).Droppable())
	assert.False(t, NewEnvelope(DomainAudit, AuditFlowEnd, nil).Droppable())
	assert.False(t, NewEnvelope(DomainInteraction, InteractionSuspend, nil).Droppable())
}
