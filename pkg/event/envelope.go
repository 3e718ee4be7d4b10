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

// Package event defines the streamed event protocol: typed envelopes
// carried one JSON object per line, per-session emitters with a bounded
// queue, and the dispatcher that multiplexes them.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Domain groups envelope types into the six protocol domains.
type Domain string

const (
	// DomainChat carries assistant-visible conversation output.
	DomainChat Domain = "chat"
	// DomainThinking carries model reasoning traces.
	DomainThinking Domain = "thinking"
	// DomainTool carries tool invocation lifecycle events.
	DomainTool Domain = "tool"
	// DomainAudit carries flow/node lifecycle and metric events.
	DomainAudit Domain = "audit"
	// DomainInteraction carries human-in-the-loop events.
	DomainInteraction Domain = "interaction"
	// DomainSystem carries connection lifecycle and engine events.
	DomainSystem Domain = "system"
)

// Type tags per domain. The wire value is the bare tag; the domain is
// carried separately in the header.
const (
	ChatStart   = "start"
	ChatDelta   = "delta"
	ChatMessage = "message"
	ChatEnd     = "end"
	ChatError   = "error"

	ThinkingThinking     = "thinking"
	ThinkingReflection   = "reflection"
	ThinkingVerification = "verification"

	ToolStart    = "start"
	ToolProgress = "progress"
	ToolResult   = "result"
	ToolError    = "error"

	AuditFlowStart = "flow-start"
	AuditFlowEnd   = "flow-end"
	AuditFlowError = "flow-error"
	AuditNodeStart = "node-start"
	AuditNodeEnd   = "node-end"
	AuditMetric    = "metric"
	AuditLog       = "log"

	InteractionSuspend = "suspend"
	InteractionResume  = "resume"
	InteractionForm    = "form"
	InteractionCancel  = "cancel"

	SystemConnected    = "connected"
	SystemDisconnected = "disconnected"
	SystemHeartbeat    = "heartbeat"
	SystemCancelled    = "cancelled"
	SystemError        = "error"
)

// Header is the fixed part of an envelope.
type Header struct {
	Domain Domain `json:"domain"`
	Type   string `json:"type"`
	ID     string `json:"id"`
	// Timestamp is milliseconds since epoch UTC.
	Timestamp int64 `json:"timestamp"`
}

// Envelope is an immutable streamed event. Construct with NewEnvelope or
// a Builder; do not mutate Data after construction.
type Envelope struct {
	Header Header         `json:"envelope"`
	Data   map[string]any `json:"data"`
}

// NewEnvelope creates an envelope with a fresh id and the current
// timestamp. The data map is copied.
func NewEnvelope(domain Domain, typ string, data map[string]any) Envelope {
	return NewBuilder(domain, typ).Data(data).Build()
}

// Droppable reports whether the envelope may be shed under backpressure.
// Only heartbeats and chat deltas are non-essential.
func (e Envelope) Droppable() bool {
	switch {
	case e.Header.Domain == DomainSystem && e.Header.Type == SystemHeartbeat:
		return true
	case e.Header.Domain == DomainChat && e.Header.Type == ChatDelta:
		return true
	default:
		return false
	}
}

// Marshal encodes the envelope as a single JSON line (no trailing newline).
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes one JSON line into an envelope.
func Parse(line []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if e.Header.Domain == "" || e.Header.Type == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing domain or type")
	}
	return e, nil
}

// Builder assembles an envelope. Builders are single-use and not safe
// for sharing; Build returns the completed immutable value.
type Builder struct {
	header Header
	data   map[string]any
}

// NewBuilder starts a builder for the given domain and type.
func NewBuilder(domain Domain, typ string) *Builder {
	return &Builder{
		header: Header{Domain: domain, Type: typ},
		data:   make(map[string]any),
	}
}

// Field sets one data field.
func (b *Builder) Field(key string, value any) *Builder {
	b.data[key] = value
	return b
}

// Data merges all fields from the given map.
func (b *Builder) Data(data map[string]any) *Builder {
	for k, v := range data {
		b.data[k] = v
	}
	return b
}

// ID overrides the generated envelope id.
func (b *Builder) ID(id string) *Builder {
	b.header.ID = id
	return b
}

// Timestamp overrides the generated timestamp (milliseconds since epoch).
func (b *Builder) Timestamp(ms int64) *Builder {
	b.header.Timestamp = ms
	return b
}

// Build completes the envelope, generating id and timestamp if unset.
func (b *Builder) Build() Envelope {
	h := b.header
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Timestamp == 0 {
		h.Timestamp = time.Now().UTC().UnixMilli()
	}
	data := make(map[string]any, len(b.data))
	for k, v := range b.data {
		data[k] = v
	}
	return Envelope{Header: h, Data: data}
}
