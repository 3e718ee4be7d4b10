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
	"strings"
	"text/template"

	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/event"
	"github.com/tombee/maestro/pkg/execution"
)

// registerBuiltins wires the engine's handlers for every built-in node
// type. CONDITION and PARALLEL are routing concerns handled by the
// scheduler, so their handlers pass the value through.
func (e *Executor) registerBuiltins() {
	passthrough := NodeHandlerFunc(func(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
		return input, nil
	})

	_ = e.handlers.Register(NodeInput, NodeHandlerFunc(e.handleInput))
	_ = e.handlers.Register(NodeOutput, passthrough)
	_ = e.handlers.Register(NodeCondition, passthrough)
	_ = e.handlers.Register(NodeParallel, passthrough)
	_ = e.handlers.Register(NodeTransform, NodeHandlerFunc(e.handleTransform))
	_ = e.handlers.Register(NodeRetrieve, NodeHandlerFunc(e.handleRetrieve))
	_ = e.handlers.Register(NodeLLM, NodeHandlerFunc(e.handleLLM))
	_ = e.handlers.Register(NodeTool, NodeHandlerFunc(e.handleTool))
	_ = e.handlers.Register(NodeSubflow, NodeHandlerFunc(e.handleSubflow))
	_ = e.handlers.Register(NodeLoop, NodeHandlerFunc(e.handleLoop))
}

func (e *Executor) handleInput(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
	return nctx.Input, nil
}

func (e *Executor) handleTransform(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
	expr, _ := node.Config["expression"].(string)
	return e.jq.Execute(ctx, expr, input)
}

func (e *Executor) handleRetrieve(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
	if e.retriever == nil {
		return nil, &errors.ConfigError{
			Key:    "retriever",
			Reason: "no retriever configured for RETRIEVE nodes",
		}
	}

	query, _ := node.Config["query"].(string)
	if query == "" {
		switch v := input.(type) {
		case string:
			query = v
		case map[string]any:
			query, _ = v["query"].(string)
		}
	}
	if query == "" {
		return nil, &errors.ValidationError{
			Field:   "query",
			Message: fmt.Sprintf("RETRIEVE node %q has no query", node.ID),
		}
	}

	k, _ := asInt(node.Config["k"])
	docs, err := e.retriever.Retrieve(ctx, query, k)
	if err != nil {
		return nil, err
	}
	return map[string]any{"query": query, "documents": docs}, nil
}

func (e *Executor) handleLLM(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
	if e.provider == nil {
		return nil, &errors.ConfigError{
			Key:    "provider",
			Reason: "no model provider configured for LLM nodes",
		}
	}

	promptTmpl, _ := node.Config["prompt"].(string)
	prompt, err := renderPrompt(promptTmpl, input, nctx)
	if err != nil {
		return nil, err
	}
	model, _ := node.Config["model"].(string)
	system, _ := node.Config["system"].(string)

	nctx.Sink.Emit(event.NewEnvelope(event.DomainChat, event.ChatStart, nil))
	text, err := e.provider.Generate(ctx, GenerateRequest{
		Model:  model,
		Prompt: prompt,
		System: system,
	}, func(delta string) {
		nctx.Sink.Emit(event.NewBuilder(event.DomainChat, event.ChatDelta).
			Field("text", delta).
			Build())
	})
	if err != nil {
		nctx.Sink.Emit(event.NewBuilder(event.DomainChat, event.ChatError).
			Field("message", err.Error()).
			Field("code", errors.Code(err)).
			Build())
		return nil, err
	}

	// The terminating message carries the full concatenated text; end
	// closes the turn.
	nctx.Sink.Emit(event.NewBuilder(event.DomainChat, event.ChatMessage).
		Field("text", text).
		Field("role", "assistant").
		Build())
	nctx.Sink.Emit(event.NewEnvelope(event.DomainChat, event.ChatEnd, nil))

	return map[string]any{"text": text}, nil
}

func (e *Executor) handleTool(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
	if e.pipeline == nil {
		return nil, &errors.ConfigError{
			Key:    "pipeline",
			Reason: "no tool pipeline configured for TOOL nodes",
		}
	}
	name, _ := node.Config["tool"].(string)

	toolInput := map[string]any{}
	if m, ok := input.(map[string]any); ok {
		for k, v := range m {
			toolInput[k] = v
		}
	}
	// Static config input overrides flow-supplied values.
	if m, ok := node.Config["input"].(map[string]any); ok {
		for k, v := range m {
			toolInput[k] = v
		}
	}

	result, _, err := e.pipeline.InvokeTracked(ctx, nctx.ExecutionID, name, toolInput)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Executor) handleSubflow(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
	if e.library == nil {
		return nil, &errors.ConfigError{
			Key:    "library",
			Reason: "no workflow library configured for SUBFLOW nodes",
		}
	}
	name, _ := node.Config["workflow"].(string)

	sub, err := e.library.Lookup(name)
	if err != nil {
		return nil, err
	}

	ancestry := ancestryFrom(ctx)
	for _, id := range ancestry {
		if id == sub.ID {
			return nil, &errors.ValidationError{
				Field:      "workflow",
				Message:    fmt.Sprintf("recursive subflow invocation of %q (chain: %s)", sub.ID, strings.Join(ancestry, " -> ")),
				Suggestion: "subflow graphs must be acyclic across workflows",
			}
		}
	}

	subInput, ok := input.(map[string]any)
	if !ok {
		subInput = map[string]any{"value": input}
	}
	result, err := e.execute(ctx, sub, subInput, nctx.Sink, nctx.ExecutionID, append(ancestry, sub.ID))
	if err != nil {
		return nil, err
	}
	return result.Outputs, nil
}

func (e *Executor) handleLoop(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
	overExpr, _ := node.Config["over"].(string)
	doExpr, _ := node.Config["do"].(string)
	whileExpr, _ := node.Config["while"].(string)
	maxIterations, ok := asInt(node.Config["maxIterations"])
	if !ok || maxIterations <= 0 {
		maxIterations = 100
	}

	var results []any
	iterate := func(i int, item any) (any, error) {
		child, err := e.tracker.StartChild(nctx.ExecutionID.String(), execution.KindNode,
			map[string]any{"node": node.ID, "iteration": i})
		if err != nil {
			return nil, err
		}
		out, err := e.jq.Execute(ctx, doExpr, item)
		if err != nil {
			_, _ = e.tracker.Fail(child.String(), err)
			return nil, err
		}
		_, _ = e.tracker.Succeed(child.String(), out)
		return out, nil
	}

	if overExpr != "" {
		collection, err := e.jq.Execute(ctx, overExpr, input)
		if err != nil {
			return nil, err
		}
		items, ok := collection.([]any)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "over",
				Message: fmt.Sprintf("LOOP node %q: 'over' must select a list, got %T", node.ID, collection),
			}
		}
		for i, item := range items {
			if err := ctx.Err(); err != nil {
				return nil, &errors.CancelledError{Scope: "loop", ID: node.ID}
			}
			if i >= maxIterations {
				break
			}
			out, err := iterate(i, item)
			if err != nil {
				return nil, err
			}
			results = append(results, out)
		}
		return map[string]any{"items": results, "count": len(results)}, nil
	}

	// Condition-driven loop: re-apply 'do' to the running value while
	// the condition holds.
	current := input
	for i := 0; i < maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, &errors.CancelledError{Scope: "loop", ID: node.ID}
		}
		proceed, err := e.evaluator.Evaluate(whileExpr, map[string]any{
			"input":     nctx.Input,
			"nodes":     nctx.State,
			"value":     current,
			"iteration": i,
		})
		if err != nil {
			return nil, err
		}
		if !proceed || whileExpr == "" {
			break
		}
		current, err = iterate(i, current)
		if err != nil {
			return nil, err
		}
		results = append(results, current)
	}
	return map[string]any{"items": results, "count": len(results), "value": current}, nil
}

// renderPrompt expands a Go-template prompt over the node's view of
// the flow. An empty template falls back to a string input.
func renderPrompt(tmpl string, input any, nctx *NodeContext) (string, error) {
	if tmpl == "" {
		if s, ok := input.(string); ok {
			return s, nil
		}
		return fmt.Sprint(input), nil
	}
	t, err := template.New("prompt").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", &errors.ValidationError{
			Field:   "prompt",
			Message: fmt.Sprintf("invalid prompt template: %v", err),
		}
	}
	var sb strings.Builder
	err = t.Execute(&sb, map[string]any{
		"input": nctx.Input,
		"nodes": nctx.State,
		"value": input,
	})
	if err != nil {
		return "", &errors.ValidationError{
			Field:   "prompt",
			Message: fmt.Sprintf("prompt template execution failed: %v", err),
		}
	}
	return sb.String(), nil
}
