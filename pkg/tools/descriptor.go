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

// Package tools provides the tool registry and the invocation pipeline.
//
// A tool is a named function with a JSON-schema-shaped input contract.
// Every invocation runs through an ordered interceptor chain providing
// logging, caching, guardrails, and metrics around the handler.
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/execution"
)

// HandlerContext is what a tool handler sees of its invocation:
// the execution id and a way to report progress. Cancellation arrives
// through the context.Context passed alongside.
type HandlerContext struct {
	// ExecutionID identifies this invocation in the tracker.
	ExecutionID execution.ID

	// Progress reports incremental progress (0..1) with an optional
	// message. Nil-safe: the pipeline always installs a function.
	Progress func(progress float64, message string)
}

// Handler executes a tool. Input is validated against the descriptor's
// schema before the handler runs.
type Handler func(ctx context.Context, hctx *HandlerContext, input map[string]any) (map[string]any, error)

// Property defines a single property in an input schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Schema is an object-shaped JSON Schema for tool input.
type Schema struct {
	Type       string               `json:"type"`
	Properties map[string]*Property `json:"properties,omitempty"`
	Required   []string             `json:"required,omitempty"`
}

// Validate checks input against the schema. Only presence of required
// properties is enforced; property types are the handler's concern.
func (s *Schema) Validate(input map[string]any) error {
	if s == nil {
		return nil
	}
	for _, name := range s.Required {
		if _, ok := input[name]; !ok {
			return &errors.ValidationError{
				Field:      name,
				Message:    "required input missing",
				Suggestion: "check the tool schema for required inputs",
			}
		}
	}
	return nil
}

// Descriptor is an immutable description of a registered tool.
type Descriptor struct {
	name        string
	description string
	schema      *Schema
	handler     Handler
	timeout     time.Duration
}

// Name returns the tool's unique name.
func (d *Descriptor) Name() string { return d.name }

// Description returns the human-readable description.
func (d *Descriptor) Description() string { return d.description }

// Schema returns the input schema.
func (d *Descriptor) Schema() *Schema { return d.schema }

// Timeout returns the per-invocation budget, zero meaning none.
func (d *Descriptor) Timeout() time.Duration { return d.timeout }

// DescriptorBuilder assembles a Descriptor. Builders are single-use.
type DescriptorBuilder struct {
	d Descriptor
}

// NewDescriptor starts a builder for a tool with the given name.
func NewDescriptor(name string) *DescriptorBuilder {
	return &DescriptorBuilder{d: Descriptor{
		name:   name,
		schema: &Schema{Type: "object"},
	}}
}

// Description sets the human-readable description.
func (b *DescriptorBuilder) Description(desc string) *DescriptorBuilder {
	b.d.description = desc
	return b
}

// Input adds a property to the input schema.
func (b *DescriptorBuilder) Input(name string, p *Property, required bool) *DescriptorBuilder {
	if b.d.schema.Properties == nil {
		b.d.schema.Properties = make(map[string]*Property)
	}
	b.d.schema.Properties[name] = p
	if required {
		b.d.schema.Required = append(b.d.schema.Required, name)
	}
	return b
}

// Handler sets the invocation handler.
func (b *DescriptorBuilder) Handler(h Handler) *DescriptorBuilder {
	b.d.handler = h
	return b
}

// Timeout sets the per-invocation budget.
func (b *DescriptorBuilder) Timeout(d time.Duration) *DescriptorBuilder {
	b.d.timeout = d
	return b
}

// Build validates and returns the completed descriptor.
func (b *DescriptorBuilder) Build() (*Descriptor, error) {
	if b.d.name == "" {
		return nil, &errors.ValidationError{
			Field:   "name",
			Message: "tool name cannot be empty",
		}
	}
	if b.d.description == "" {
		return nil, &errors.ValidationError{
			Field:      "description",
			Message:    "tool description cannot be empty",
			Suggestion: "describe what the tool does for model-facing listings",
		}
	}
	if b.d.handler == nil {
		return nil, &errors.ValidationError{
			Field:   "handler",
			Message: "tool handler cannot be nil",
		}
	}
	d := b.d
	return &d, nil
}

// Registry maintains the set of registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Descriptor
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Descriptor)}
}

// Register adds a descriptor. Duplicate names fail.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil {
		return &errors.ValidationError{Field: "tool", Message: "cannot register nil tool"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.name]; exists {
		return &errors.ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("tool already registered: %s", d.name),
		}
	}
	r.tools[d.name] = d
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return &errors.NotFoundError{Resource: "tool", ID: name}
	}
	delete(r.tools, name)
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, exists := r.tools[name]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "tool", ID: name}
	}
	return d, nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[name]
	return exists
}

// List returns all registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Descriptors returns all registered descriptors, for model-facing
// tool listings.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	return out
}
