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

package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/maestro/pkg/tools"
)

// Caller invokes a remote tool by its unqualified name. *Server
// satisfies it; tests substitute fakes.
type Caller interface {
	Call(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// RegisterTools lists the server's tools and registers each under the
// namespaced name "<server>.<tool>". Returns how many were registered.
func RegisterTools(ctx context.Context, s *Server, reg *tools.Registry) (int, error) {
	defs, err := s.Tools(ctx)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, def := range defs {
		d, err := descriptorFor(s.Name(), def, s)
		if err != nil {
			return registered, err
		}
		if err := reg.Register(d); err != nil {
			return registered, err
		}
		registered++
	}
	return registered, nil
}

// descriptorFor builds a registry descriptor whose handler proxies the
// call to the remote server.
func descriptorFor(serverName string, def mcp.Tool, caller Caller) (*tools.Descriptor, error) {
	description := def.Description
	if description == "" {
		description = "remote tool " + def.Name + " on " + serverName
	}

	b := tools.NewDescriptor(serverName + "." + def.Name).
		Description(description).
		Handler(func(ctx context.Context, hctx *tools.HandlerContext, input map[string]any) (map[string]any, error) {
			return caller.Call(ctx, def.Name, input)
		})

	required := make(map[string]bool, len(def.InputSchema.Required))
	for _, name := range def.InputSchema.Required {
		required[name] = true
	}
	for name, raw := range def.InputSchema.Properties {
		b.Input(name, propertyFrom(raw), required[name])
	}
	return b.Build()
}

// propertyFrom translates one JSON-schema property into the registry's
// shape. Unknown or nested constructs degrade to a bare type tag.
func propertyFrom(raw any) *tools.Property {
	p := &tools.Property{Type: "object"}
	m, ok := raw.(map[string]any)
	if !ok {
		if data, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(data, &m)
		}
	}
	if m == nil {
		return p
	}
	if t, ok := m["type"].(string); ok {
		p.Type = t
	}
	if desc, ok := m["description"].(string); ok {
		p.Description = desc
	}
	if enum, ok := m["enum"].([]any); ok {
		p.Enum = enum
	}
	if def, ok := m["default"]; ok {
		p.Default = def
	}
	return p
}
