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

package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/event"
	"github.com/tombee/maestro/pkg/execution"
)

// EventSink receives envelopes produced during flow execution.
// *event.Emitter satisfies it.
type EventSink interface {
	Emit(event.Envelope)
}

// NodeContext is what a node handler sees of the running flow.
// Cancellation arrives through the context.Context passed to Execute.
type NodeContext struct {
	// FlowID is the root execution of the running flow.
	FlowID execution.ID

	// ExecutionID is this node attempt's execution id.
	ExecutionID execution.ID

	// Tracker records child executions a handler may create.
	Tracker *execution.Tracker

	// Sink receives envelopes the handler emits, such as chat deltas.
	// Never nil; a discarding sink is installed when the flow has none.
	Sink EventSink

	// Input is the flow's original input map.
	Input map[string]any

	// State is a read-only snapshot of completed node outputs.
	State map[string]any
}

// NodeHandler executes one node type.
type NodeHandler interface {
	Execute(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error)
}

// NodeHandlerFunc adapts a function to NodeHandler.
type NodeHandlerFunc func(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error)

// Execute implements NodeHandler.
func (f NodeHandlerFunc) Execute(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
	return f(ctx, node, input, nctx)
}

// HandlerRegistry maps node types to handlers. CUSTOM:* types are
// looked up by their full tag.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[NodeType]NodeHandler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[NodeType]NodeHandler)}
}

// Register binds a handler to a node type. Re-registration replaces.
func (r *HandlerRegistry) Register(t NodeType, h NodeHandler) error {
	if !t.Known() {
		return &errors.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("cannot register handler for unknown node type %q", t),
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
	return nil
}

// Get returns the handler for a node type.
func (r *HandlerRegistry) Get(t NodeType) (NodeHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "node handler", ID: string(t)}
	}
	return h, nil
}

// discardSink drops every envelope.
type discardSink struct{}

func (discardSink) Emit(event.Envelope) {}
