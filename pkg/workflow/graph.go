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

// Package workflow defines the workflow graph model and the flow
// executor that interprets it.
package workflow

import (
	"strings"
	"time"
)

// NodeType tags a node with its behavior.
type NodeType string

const (
	NodeInput     NodeType = "INPUT"
	NodeOutput    NodeType = "OUTPUT"
	NodeLLM       NodeType = "LLM"
	NodeTool      NodeType = "TOOL"
	NodeCondition NodeType = "CONDITION"
	NodeParallel  NodeType = "PARALLEL"
	NodeLoop      NodeType = "LOOP"
	NodeRetrieve  NodeType = "RETRIEVE"
	NodeTransform NodeType = "TRANSFORM"
	NodeSubflow   NodeType = "SUBFLOW"

	// CustomPrefix marks externally registered node types, e.g.
	// "CUSTOM:scorer".
	CustomPrefix = "CUSTOM:"
)

// Known reports whether the type is built in or a CUSTOM:* tag.
func (t NodeType) Known() bool {
	switch t {
	case NodeInput, NodeOutput, NodeLLM, NodeTool, NodeCondition,
		NodeParallel, NodeLoop, NodeRetrieve, NodeTransform, NodeSubflow:
		return true
	}
	return strings.HasPrefix(string(t), CustomPrefix)
}

// Node is one vertex in the workflow graph. Config is opaque to the
// executor and interpreted by the node's handler.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   NodeType       `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Timeout returns the node's per-execution budget from config, zero
// when unset. The wire value is milliseconds.
func (n *Node) Timeout() time.Duration {
	return millisFromConfig(n.Config, "timeoutMs")
}

// Retry returns the node's retry policy from config, or nil.
func (n *Node) Retry() *RetryPolicy {
	raw, ok := n.Config["retry"].(map[string]any)
	if !ok {
		return nil
	}
	p := &RetryPolicy{Attempts: 1, Backoff: BackoffNone}
	if v, ok := asInt(raw["attempts"]); ok && v > 0 {
		p.Attempts = v
	}
	if v, ok := raw["backoff"].(string); ok {
		p.Backoff = Backoff(strings.ToUpper(v))
	}
	if v, ok := asInt(raw["delayMs"]); ok {
		p.Delay = time.Duration(v) * time.Millisecond
	}
	if v, ok := asInt(raw["baseMs"]); ok {
		p.Base = time.Duration(v) * time.Millisecond
	}
	if v, ok := asInt(raw["capMs"]); ok {
		p.Cap = time.Duration(v) * time.Millisecond
	}
	return p
}

// Edge is a directed connection between two nodes. A non-empty
// Condition is evaluated against the flow state when the source
// completes; false prunes the target branch.
type Edge struct {
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Label     string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Backoff selects the delay strategy between retry attempts.
type Backoff string

const (
	BackoffNone        Backoff = "NONE"
	BackoffFixed       Backoff = "FIXED"
	BackoffExponential Backoff = "EXPONENTIAL"
)

// RetryPolicy bounds re-execution of a failed node. Each attempt gets
// a fresh child execution id; earlier attempts stay in the tracker.
type RetryPolicy struct {
	Attempts int
	Backoff  Backoff
	Delay    time.Duration // FIXED
	Base     time.Duration // EXPONENTIAL
	Cap      time.Duration // EXPONENTIAL
}

// DelayFor returns the pause before the given retry attempt (1-based
// count of failures so far).
func (p *RetryPolicy) DelayFor(attempt int) time.Duration {
	switch p.Backoff {
	case BackoffFixed:
		return p.Delay
	case BackoffExponential:
		d := p.Base
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.Cap > 0 && d >= p.Cap {
				return p.Cap
			}
		}
		if p.Cap > 0 && d > p.Cap {
			return p.Cap
		}
		return d
	default:
		return 0
	}
}

// Config carries flow-level execution settings.
type Config struct {
	// TimeoutMS bounds the whole flow's wall clock, zero for none.
	TimeoutMS int64 `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// RetryPolicy is the default for nodes without their own.
	RetryPolicy map[string]any `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`

	// MaxConcurrent bounds parallel node execution within the flow.
	MaxConcurrent int `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`
}

// Timeout returns the flow budget as a duration.
func (c *Config) Timeout() time.Duration {
	if c == nil || c.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Workflow is a complete graph definition.
type Workflow struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int     `json:"version" yaml:"version"`
	Nodes       []Node  `json:"nodes" yaml:"nodes"`
	Edges       []Edge  `json:"edges" yaml:"edges"`
	Config      *Config `json:"config,omitempty" yaml:"config,omitempty"`
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// InputNode returns the single INPUT node, or nil when absent.
func (w *Workflow) InputNode() *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Type == NodeInput {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Outgoing returns the edges leaving the node, in definition order.
func (w *Workflow) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns the edges entering the node, in definition order.
func (w *Workflow) Incoming(nodeID string) []Edge {
	var in []Edge
	for _, e := range w.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

func millisFromConfig(config map[string]any, key string) time.Duration {
	v, ok := asInt(config[key])
	if !ok || v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}

// asInt accepts the numeric shapes JSON and YAML decoding produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
