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
	"fmt"

	"github.com/tombee/maestro/internal/jq"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow/expression"
)

// Validate checks the structural invariants of a workflow graph:
// exactly one INPUT, at least one OUTPUT, out-edges on every non-OUTPUT
// node, reachability from INPUT, well-formed edges, compilable
// condition and transform expressions, and sane CONDITION fan-out.
func Validate(w *Workflow) error {
	if w == nil {
		return &errors.ValidationError{Field: "workflow", Message: "workflow is nil"}
	}

	nodesByID := make(map[string]*Node, len(w.Nodes))
	var inputs, outputs int
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if _, dup := nodesByID[n.ID]; dup {
			return &errors.ValidationError{
				Field:   "nodes",
				Message: fmt.Sprintf("duplicate node id %q", n.ID),
			}
		}
		nodesByID[n.ID] = n
		switch n.Type {
		case NodeInput:
			inputs++
		case NodeOutput:
			outputs++
		}
	}
	if inputs != 1 {
		return &errors.ValidationError{
			Field:      "nodes",
			Message:    fmt.Sprintf("workflow must have exactly one INPUT node, found %d", inputs),
			Suggestion: "add a single INPUT node as the entry point",
		}
	}
	if outputs < 1 {
		return &errors.ValidationError{
			Field:      "nodes",
			Message:    "workflow must have at least one OUTPUT node",
			Suggestion: "add an OUTPUT node to terminate the graph",
		}
	}

	evaluator := expression.New()
	for _, e := range w.Edges {
		if _, ok := nodesByID[e.Source]; !ok {
			return &errors.ValidationError{
				Field:   "edges",
				Message: fmt.Sprintf("edge references unknown source node %q", e.Source),
			}
		}
		if _, ok := nodesByID[e.Target]; !ok {
			return &errors.ValidationError{
				Field:   "edges",
				Message: fmt.Sprintf("edge references unknown target node %q", e.Target),
			}
		}
		if err := evaluator.Validate(e.Condition); err != nil {
			return errors.Wrapf(err, "edge %s -> %s", e.Source, e.Target)
		}
	}

	outgoing := make(map[string]int)
	for _, e := range w.Edges {
		outgoing[e.Source]++
	}
	for _, n := range w.Nodes {
		if n.Type != NodeOutput && outgoing[n.ID] == 0 {
			return &errors.ValidationError{
				Field:   "edges",
				Message: fmt.Sprintf("node %q has no outgoing edges", n.ID),
			}
		}
	}

	if err := checkReachability(w); err != nil {
		return err
	}

	jqExec := jq.NewExecutor(0, 0)
	for _, n := range w.Nodes {
		switch n.Type {
		case NodeCondition:
			if err := checkConditionFanOut(w, n.ID); err != nil {
				return err
			}
		case NodeParallel:
			if outgoing[n.ID] < 2 {
				return &errors.ValidationError{
					Field:   "edges",
					Message: fmt.Sprintf("PARALLEL node %q needs at least two branches", n.ID),
				}
			}
		case NodeTransform:
			expr, _ := n.Config["expression"].(string)
			if err := jqExec.Validate(expr); err != nil {
				return errors.Wrapf(err, "node %s", n.ID)
			}
		case NodeSubflow:
			if name, _ := n.Config["workflow"].(string); name == "" {
				return &errors.ValidationError{
					Field:   "config",
					Message: fmt.Sprintf("SUBFLOW node %q names no workflow", n.ID),
				}
			}
		case NodeTool:
			if name, _ := n.Config["tool"].(string); name == "" {
				return &errors.ValidationError{
					Field:   "config",
					Message: fmt.Sprintf("TOOL node %q names no tool", n.ID),
				}
			}
		}
	}

	return nil
}

// checkReachability requires every non-INPUT node to be reachable from
// the INPUT node.
func checkReachability(w *Workflow) error {
	input := w.InputNode()
	seen := map[string]bool{input.ID: true}
	stack := []string{input.ID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range w.Outgoing(id) {
			if !seen[e.Target] {
				seen[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}
	for _, n := range w.Nodes {
		if !seen[n.ID] {
			return &errors.ValidationError{
				Field:   "nodes",
				Message: fmt.Sprintf("node %q is not reachable from the INPUT node", n.ID),
			}
		}
	}
	return nil
}

// checkConditionFanOut requires a CONDITION node's branches to be
// decidable: at most one unconditional default edge, and at least one
// edge overall.
func checkConditionFanOut(w *Workflow, nodeID string) error {
	edges := w.Outgoing(nodeID)
	defaults := 0
	for _, e := range edges {
		if e.Condition == "" {
			defaults++
		}
	}
	if defaults > 1 {
		return &errors.ValidationError{
			Field:   "edges",
			Message: fmt.Sprintf("CONDITION node %q has %d default edges, at most one is allowed", nodeID, defaults),
		}
	}
	return nil
}
