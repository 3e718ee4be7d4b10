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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearWorkflow() *Workflow {
	return &Workflow{
		ID:      "w",
		Name:    "w",
		Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "calc", Type: NodeTransform, Config: map[string]any{"expression": ".x * 2"}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "calc"},
			{Source: "calc", Target: "out"},
		},
	}
}

func TestValidateAcceptsLinearGraph(t *testing.T) {
	assert.NoError(t, Validate(linearWorkflow()))
}

func TestValidateRequiresSingleInput(t *testing.T) {
	w := linearWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "in2", Type: NodeInput})
	w.Edges = append(w.Edges, Edge{Source: "in2", Target: "calc"})
	assert.Error(t, Validate(w))

	w2 := linearWorkflow()
	w2.Nodes = w2.Nodes[1:]
	assert.Error(t, Validate(w2))
}

func TestValidateRequiresOutput(t *testing.T) {
	w := linearWorkflow()
	w.Nodes = w.Nodes[:2]
	w.Edges = w.Edges[:1]
	assert.Error(t, Validate(w))
}

func TestValidateRequiresOutgoingEdges(t *testing.T) {
	w := linearWorkflow()
	w.Edges = w.Edges[:1] // calc has no way forward
	assert.Error(t, Validate(w))
}

func TestValidateRequiresReachability(t *testing.T) {
	w := linearWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "orphan", Type: NodeTransform})
	w.Edges = append(w.Edges, Edge{Source: "orphan", Target: "out"})
	assert.Error(t, Validate(w))
}

func TestValidateRejectsDanglingEdges(t *testing.T) {
	w := linearWorkflow()
	w.Edges = append(w.Edges, Edge{Source: "calc", Target: "ghost"})
	assert.Error(t, Validate(w))
}

func TestValidateRejectsBadConditionExpression(t *testing.T) {
	w := linearWorkflow()
	w.Edges[1].Condition = "input.n >"
	assert.Error(t, Validate(w))
}

func TestValidateRejectsBadTransformExpression(t *testing.T) {
	w := linearWorkflow()
	w.Nodes[1].Config["expression"] = "((("
	assert.Error(t, Validate(w))
}

func TestValidateConditionDefaults(t *testing.T) {
	w := &Workflow{
		ID: "c", Name: "c", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "pick", Type: NodeCondition},
			{ID: "a", Type: NodeOutput},
			{ID: "b", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "pick"},
			{Source: "pick", Target: "a", Condition: "input.n > 5"},
			{Source: "pick", Target: "b"},
		},
	}
	require.NoError(t, Validate(w))

	// Two default edges are ambiguous.
	w.Edges = append(w.Edges, Edge{Source: "pick", Target: "a"})
	assert.Error(t, Validate(w))
}

func TestValidateParallelNeedsTwoBranches(t *testing.T) {
	w := &Workflow{
		ID: "p", Name: "p", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "fan", Type: NodeParallel},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "fan"},
			{Source: "fan", Target: "out"},
		},
	}
	assert.Error(t, Validate(w))
}

func TestValidateToolAndSubflowConfig(t *testing.T) {
	w := linearWorkflow()
	w.Nodes[1] = Node{ID: "calc", Type: NodeTool, Config: map[string]any{}}
	assert.Error(t, Validate(w), "TOOL node without a tool name")

	w.Nodes[1] = Node{ID: "calc", Type: NodeSubflow, Config: map[string]any{}}
	assert.Error(t, Validate(w), "SUBFLOW node without a workflow name")
}
