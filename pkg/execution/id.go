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

// Package execution provides hierarchical execution identifiers and the
// in-memory tracker that records every flow, node, tool, and LLM call as
// a tree of execution records.
package execution

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a unit of work in the execution tree.
type Kind string

const (
	// KindFlow is one invocation of a workflow graph.
	KindFlow Kind = "flow"
	// KindAgent is an agent loop running under a flow.
	KindAgent Kind = "agent"
	// KindNode is one node execution within a flow.
	KindNode Kind = "node"
	// KindTool is one tool invocation.
	KindTool Kind = "tool"
	// KindLLM is one model call.
	KindLLM Kind = "llm"
	// KindParallel is a parallel fan-out scope.
	KindParallel Kind = "parallel"
)

// prefix returns the short id prefix for the kind. The prefix aids
// readability in logs and tree rendering; ids are opaque otherwise.
func (k Kind) prefix() string {
	switch k {
	case KindFlow:
		return "flw"
	case KindAgent:
		return "agt"
	case KindNode:
		return "nod"
	case KindTool:
		return "tol"
	case KindLLM:
		return "llm"
	case KindParallel:
		return "par"
	default:
		return "exe"
	}
}

// ID identifies one unit of work. IDs are immutable once constructed.
// The zero value is not a valid ID.
type ID struct {
	id        string
	parent    string
	kind      Kind
	depth     int
	createdAt time.Time
}

// newID mints a process-unique identifier for the given kind.
func newID(kind Kind, parent string, depth int) ID {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return ID{
		id:        kind.prefix() + "_" + raw,
		parent:    parent,
		kind:      kind,
		depth:     depth,
		createdAt: time.Now(),
	}
}

// String returns the opaque id value.
func (i ID) String() string { return i.id }

// Short returns a truncated id suitable for log lines and tree rendering.
func (i ID) Short() string {
	if len(i.id) <= 12 {
		return i.id
	}
	return i.id[:12]
}

// Parent returns the parent id value, or "" for a root.
func (i ID) Parent() string { return i.parent }

// Kind returns the kind tag.
func (i ID) Kind() Kind { return i.kind }

// Depth returns 0 for a root and parent depth + 1 otherwise.
func (i ID) Depth() int { return i.depth }

// CreatedAt returns the creation timestamp.
func (i ID) CreatedAt() time.Time { return i.createdAt }

// IsZero reports whether the ID is the zero value.
func (i ID) IsZero() bool { return i.id == "" }
