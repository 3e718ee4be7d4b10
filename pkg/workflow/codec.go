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
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tombee/maestro/pkg/errors"
)

// Parse decodes a workflow from JSON or YAML, sniffing the format.
func Parse(data []byte) (*Workflow, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

// ParseJSON decodes and checks a JSON workflow definition.
func ParseJSON(data []byte) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &errors.ValidationError{
			Field:   "workflow",
			Message: fmt.Sprintf("invalid workflow JSON: %v", err),
		}
	}
	if err := checkDecoded(&w); err != nil {
		return nil, err
	}
	return &w, nil
}

// ParseYAML decodes and checks a YAML workflow definition.
func ParseYAML(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, &errors.ValidationError{
			Field:   "workflow",
			Message: fmt.Sprintf("invalid workflow YAML: %v", err),
		}
	}
	if err := checkDecoded(&w); err != nil {
		return nil, err
	}
	normalizeYAMLConfigs(&w)
	return &w, nil
}

// checkDecoded enforces the load-time rules shared by both formats:
// a version field, node ids, and only known node types.
func checkDecoded(w *Workflow) error {
	if w.Version <= 0 {
		return &errors.ValidationError{
			Field:      "version",
			Message:    "workflow version is required",
			Suggestion: "add a positive integer version field",
		}
	}
	for _, n := range w.Nodes {
		if n.ID == "" {
			return &errors.ValidationError{Field: "nodes", Message: "node id cannot be empty"}
		}
		if !n.Type.Known() {
			return &errors.ValidationError{
				Field:      "nodes",
				Message:    fmt.Sprintf("unknown node type %q on node %s", n.Type, n.ID),
				Suggestion: "use a built-in type or a CUSTOM:* tag with a registered handler",
			}
		}
	}
	return nil
}

// normalizeYAMLConfigs rewrites yaml.v3's map[any]any nesting into the
// map[string]any shape the rest of the engine works with.
func normalizeYAMLConfigs(w *Workflow) {
	for i := range w.Nodes {
		if w.Nodes[i].Config != nil {
			w.Nodes[i].Config = normalizeMap(w.Nodes[i].Config)
		}
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
