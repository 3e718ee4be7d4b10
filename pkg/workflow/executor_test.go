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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/event"
	"github.com/tombee/maestro/pkg/execution"
	"github.com/tombee/maestro/pkg/tools"
)

// recordSink collects envelopes for assertions.
type recordSink struct {
	mu   sync.Mutex
	envs []event.Envelope
}

func (s *recordSink) Emit(env event.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
}

func (s *recordSink) byType(typ string) []event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Envelope
	for _, env := range s.envs {
		if env.Header.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (s *recordSink) nodeStarts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, env := range s.envs {
		if env.Header.Type == event.AuditNodeStart {
			out[env.Data["nodeId"].(string)]++
		}
	}
	return out
}

func TestLinearThreeNodeFlow(t *testing.T) {
	tracker := execution.NewTracker()
	e := NewExecutor(tracker)
	sink := &recordSink{}

	w := &Workflow{
		ID: "double", Name: "Double", Version: 1,
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

	result, err := e.Execute(context.Background(), w, map[string]any{"x": 42}, sink)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, result.Status)
	assert.EqualValues(t, 84, result.Outputs["out"])

	require.Len(t, sink.byType(event.AuditFlowStart), 1)
	assert.Len(t, sink.byType(event.AuditNodeStart), 3)
	assert.Len(t, sink.byType(event.AuditNodeEnd), 3)
	ends := sink.byType(event.AuditFlowEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, string(execution.StatusSucceeded), ends[0].Data["status"])

	// One FLOW root with three NODE children.
	records, err := tracker.Snapshot(result.FlowID.String())
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, execution.KindFlow, records[0].ID.Kind())
	for _, rec := range records[1:] {
		assert.Equal(t, execution.KindNode, rec.ID.Kind())
		assert.Equal(t, result.FlowID.String(), rec.ID.Parent())
	}
}

func namedTool(t *testing.T, reg *tools.Registry, name string, delay time.Duration) {
	t.Helper()
	d, err := tools.NewDescriptor(name).
		Description("returns its own name").
		Handler(func(ctx context.Context, hctx *tools.HandlerContext, input map[string]any) (map[string]any, error) {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return map[string]any{"name": name}, nil
		}).
		Build()
	require.NoError(t, err)
	require.NoError(t, reg.Register(d))
}

func TestParallelFanOutWithJoin(t *testing.T) {
	tracker := execution.NewTracker()
	reg := tools.NewRegistry()
	sink := &recordSink{}
	for _, name := range []string{"toolA", "toolB", "toolC"} {
		namedTool(t, reg, name, 50*time.Millisecond)
	}
	pipeline := tools.NewPipeline(reg, tracker, tools.WithEventSink(sink))
	e := NewExecutor(tracker, WithPipeline(pipeline))

	w := &Workflow{
		ID: "fanout", Name: "Fanout", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "fan", Type: NodeParallel},
			{ID: "a", Type: NodeTool, Config: map[string]any{"tool": "toolA"}},
			{ID: "b", Type: NodeTool, Config: map[string]any{"tool": "toolB"}},
			{ID: "c", Type: NodeTool, Config: map[string]any{"tool": "toolC"}},
			{ID: "join", Type: NodeTransform, Config: map[string]any{"expression": "."}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "fan"},
			{Source: "fan", Target: "a"},
			{Source: "fan", Target: "b"},
			{Source: "fan", Target: "c"},
			{Source: "a", Target: "join"},
			{Source: "b", Target: "join"},
			{Source: "c", Target: "join"},
			{Source: "join", Target: "out"},
		},
	}

	started := time.Now()
	result, err := e.Execute(context.Background(), w, map[string]any{"n": 3}, sink)
	require.NoError(t, err)
	elapsed := time.Since(started)

	// Branches run concurrently, so the flow takes about the longest
	// branch rather than the sum.
	assert.Less(t, elapsed, 130*time.Millisecond)

	out, ok := result.Outputs["out"].(map[string]any)
	require.True(t, ok, "join must deliver a map keyed by branch node id")
	assert.Equal(t, map[string]any{"name": "toolA"}, out["a"])
	assert.Equal(t, map[string]any{"name": "toolB"}, out["b"])
	assert.Equal(t, map[string]any{"name": "toolC"}, out["c"])

	assert.Len(t, sink.byType(event.ToolStart), 3)
	assert.Len(t, sink.byType(event.ToolResult), 3)

	// The three branch executions sit under the PARALLEL execution.
	records, err := tracker.Snapshot(result.FlowID.String())
	require.NoError(t, err)
	var parExec string
	for _, rec := range records {
		if rec.ID.Kind() == execution.KindParallel {
			parExec = rec.ID.String()
		}
	}
	require.NotEmpty(t, parExec)
	branches := 0
	for _, rec := range records {
		if rec.ID.Parent() == parExec {
			branches++
		}
	}
	assert.Equal(t, 3, branches)
}

func TestConditionalBranchSelection(t *testing.T) {
	tracker := execution.NewTracker()
	e := NewExecutor(tracker)
	sink := &recordSink{}

	w := &Workflow{
		ID: "branchy", Name: "Branchy", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "pick", Type: NodeCondition},
			{ID: "big", Type: NodeTransform, Config: map[string]any{"expression": `"big"`}},
			{ID: "small", Type: NodeTransform, Config: map[string]any{"expression": `"small"`}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "pick"},
			{Source: "pick", Target: "big", Condition: "input.n > 5"},
			{Source: "pick", Target: "small", Condition: "input.n <= 5"},
			{Source: "big", Target: "out"},
			{Source: "small", Target: "out"},
		},
	}

	result, err := e.Execute(context.Background(), w, map[string]any{"n": 10}, sink)
	require.NoError(t, err)
	assert.Equal(t, "big", result.Outputs["out"])

	starts := sink.nodeStarts()
	assert.Equal(t, 1, starts["big"])
	assert.Zero(t, starts["small"], "pruned branch must never start")
}

func TestConditionWithoutMatchOrDefaultFails(t *testing.T) {
	tracker := execution.NewTracker()
	e := NewExecutor(tracker)

	w := &Workflow{
		ID: "nomatch", Name: "No match", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "pick", Type: NodeCondition},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "pick"},
			{Source: "pick", Target: "out", Condition: "input.n > 100"},
		},
	}

	_, err := e.Execute(context.Background(), w, map[string]any{"n": 1}, nil)
	require.Error(t, err)
	var verr *errors.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestNodeRetryGetsFreshExecutionIDs(t *testing.T) {
	tracker := execution.NewTracker()
	var mu sync.Mutex
	attempts := 0
	flaky := NodeHandlerFunc(func(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient failure")
		}
		return "ok", nil
	})
	e := NewExecutor(tracker, WithCustomHandler("CUSTOM:flaky", flaky))
	sink := &recordSink{}

	w := &Workflow{
		ID: "retry", Name: "Retry", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "work", Type: "CUSTOM:flaky", Config: map[string]any{
				"retry": map[string]any{"attempts": 3, "backoff": "fixed", "delayMs": 1},
			}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "work"},
			{Source: "work", Target: "out"},
		},
	}

	result, err := e.Execute(context.Background(), w, nil, sink)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Outputs["out"])
	assert.Equal(t, 3, attempts)

	// Earlier attempts stay visible in the tracker.
	assert.Equal(t, 3, sink.nodeStarts()["work"])
	records, err := tracker.Snapshot(result.FlowID.String())
	require.NoError(t, err)
	failed := 0
	for _, rec := range records {
		if rec.Status == execution.StatusFailed {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

func TestValidationErrorsAreNotRetried(t *testing.T) {
	tracker := execution.NewTracker()
	attempts := 0
	var mu sync.Mutex
	bad := NodeHandlerFunc(func(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return nil, &errors.ValidationError{Field: "config", Message: "bad config"}
	})
	e := NewExecutor(tracker, WithCustomHandler("CUSTOM:bad", bad))

	w := &Workflow{
		ID: "noretry", Name: "No retry", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "work", Type: "CUSTOM:bad", Config: map[string]any{
				"retry": map[string]any{"attempts": 5},
			}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "work"},
			{Source: "work", Target: "out"},
		},
	}

	_, err := e.Execute(context.Background(), w, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestNodeTimeoutFailsFlow(t *testing.T) {
	tracker := execution.NewTracker()
	slow := NodeHandlerFunc(func(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
		select {
		case <-time.After(time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	e := NewExecutor(tracker, WithCustomHandler("CUSTOM:slow", slow))
	sink := &recordSink{}

	w := &Workflow{
		ID: "slowflow", Name: "Slow", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "work", Type: "CUSTOM:slow", Config: map[string]any{"timeoutMs": 20}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "work"},
			{Source: "work", Target: "out"},
		},
	}

	_, err := e.Execute(context.Background(), w, nil, sink)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))

	ends := sink.byType(event.AuditFlowEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, string(execution.StatusFailed), ends[0].Data["status"])
	require.Len(t, sink.byType(event.AuditFlowError), 1)
}

func TestCancelStopsNewNodes(t *testing.T) {
	tracker := execution.NewTracker()
	startedCh := make(chan string, 1)
	var downstream sync.Map
	blocker := NodeHandlerFunc(func(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
		startedCh <- nctx.FlowID.String()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	witness := NodeHandlerFunc(func(ctx context.Context, node *Node, input any, nctx *NodeContext) (any, error) {
		downstream.Store(node.ID, true)
		return input, nil
	})
	e := NewExecutor(tracker,
		WithCustomHandler("CUSTOM:blocker", blocker),
		WithCustomHandler("CUSTOM:witness", witness),
	)
	sink := &recordSink{}

	w := &Workflow{
		ID: "cancellable", Name: "Cancellable", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "block", Type: "CUSTOM:blocker"},
			{ID: "after", Type: "CUSTOM:witness"},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "block"},
			{Source: "block", Target: "after"},
			{Source: "after", Target: "out"},
		},
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), w, nil, sink)
		done <- err
	}()

	flowID := <-startedCh
	require.NoError(t, e.Cancel(flowID))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.IsCancelled(err))
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled flow did not finish within the grace window")
	}

	_, ran := downstream.Load("after")
	assert.False(t, ran, "no new node may start after Cancel")
	require.Len(t, sink.byType(event.SystemCancelled), 1)
	ends := sink.byType(event.AuditFlowEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, string(execution.StatusCancelled), ends[0].Data["status"])

	rec, err := tracker.Get(flowID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, rec.Status)

	assert.Error(t, e.Cancel(flowID), "finished flows are unknown to Cancel")
}

func TestSubflowRunsUnderParentTree(t *testing.T) {
	tracker := execution.NewTracker()
	lib := NewMemoryLibrary()
	lib.Put(&Workflow{
		ID: "inner", Name: "Inner", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "calc", Type: NodeTransform, Config: map[string]any{"expression": ".x + 1"}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "calc"},
			{Source: "calc", Target: "out"},
		},
	})
	e := NewExecutor(tracker, WithLibrary(lib))

	w := &Workflow{
		ID: "outer", Name: "Outer", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "sub", Type: NodeSubflow, Config: map[string]any{"workflow": "inner"}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "sub"},
			{Source: "sub", Target: "out"},
		},
	}

	result, err := e.Execute(context.Background(), w, map[string]any{"x": 41}, nil)
	require.NoError(t, err)
	outs, ok := result.Outputs["out"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, outs["out"])

	// The nested flow shows up as a FLOW child inside the outer tree.
	records, err := tracker.Snapshot(result.FlowID.String())
	require.NoError(t, err)
	flows := 0
	for _, rec := range records {
		if rec.ID.Kind() == execution.KindFlow {
			flows++
		}
	}
	assert.Equal(t, 2, flows)
}

func TestSubflowRecursionRejected(t *testing.T) {
	tracker := execution.NewTracker()
	lib := NewMemoryLibrary()
	recursive := &Workflow{
		ID: "loopy", Name: "Loopy", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "self", Type: NodeSubflow, Config: map[string]any{"workflow": "loopy"}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "self"},
			{Source: "self", Target: "out"},
		},
	}
	lib.Put(recursive)
	e := NewExecutor(tracker, WithLibrary(lib))

	_, err := e.Execute(context.Background(), recursive, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recursive")
}

func TestLoopOverCollection(t *testing.T) {
	tracker := execution.NewTracker()
	e := NewExecutor(tracker)

	w := &Workflow{
		ID: "looper", Name: "Looper", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "each", Type: NodeLoop, Config: map[string]any{
				"over": ".items",
				"do":   ". * 2",
			}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "each"},
			{Source: "each", Target: "out"},
		},
	}

	result, err := e.Execute(context.Background(), w, map[string]any{"items": []any{1, 2, 3}}, nil)
	require.NoError(t, err)
	out, ok := result.Outputs["out"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, out["count"])
	assert.Equal(t, []any{2, 4, 6}, normalizeInts(out["items"].([]any)))

	// Each iteration is a child execution of the loop node.
	records, err := tracker.Snapshot(result.FlowID.String())
	require.NoError(t, err)
	iterations := 0
	for _, rec := range records {
		if _, ok := rec.Metadata["iteration"]; ok {
			iterations++
		}
	}
	assert.Equal(t, 3, iterations)
}

// normalizeInts converts gojq's mixed numeric outputs for comparison.
func normalizeInts(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		switch n := v.(type) {
		case float64:
			out[i] = int(n)
		case int:
			out[i] = n
		default:
			out[i] = v
		}
	}
	return out
}

func TestLLMNodeStreamsChat(t *testing.T) {
	tracker := execution.NewTracker()
	provider := ProviderFunc(func(ctx context.Context, req GenerateRequest, onDelta func(string)) (string, error) {
		onDelta("Hel")
		onDelta("lo")
		return "Hello", nil
	})
	e := NewExecutor(tracker, WithProvider(provider))
	sink := &recordSink{}

	w := &Workflow{
		ID: "chatty", Name: "Chatty", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "llm", Type: NodeLLM, Config: map[string]any{
				"prompt": "Say hello to {{.input.name}}",
				"model":  "test-model",
			}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "llm"},
			{Source: "llm", Target: "out"},
		},
	}

	result, err := e.Execute(context.Background(), w, map[string]any{"name": "world"}, sink)
	require.NoError(t, err)
	out, ok := result.Outputs["out"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Hello", out["text"])

	require.Len(t, sink.byType(event.ChatStart), 1)
	deltas := sink.byType(event.ChatDelta)
	require.Len(t, deltas, 2)
	assert.Equal(t, "Hel", deltas[0].Data["text"])
	messages := sink.byType(event.ChatMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, "Hello", messages[0].Data["text"])
	require.Len(t, sink.byType(event.ChatEnd), 1)
}

func TestRetrieveNodeUsesRetriever(t *testing.T) {
	tracker := execution.NewTracker()
	retriever := NewMemoryRetriever()
	retriever.Add("d1", "go concurrency patterns", nil)
	retriever.Add("d2", "python packaging", nil)
	e := NewExecutor(tracker, WithRetriever(retriever))

	w := &Workflow{
		ID: "rag", Name: "RAG", Version: 1,
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "fetch", Type: NodeRetrieve, Config: map[string]any{"query": "go concurrency", "k": 1}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "fetch"},
			{Source: "fetch", Target: "out"},
		},
	}

	result, err := e.Execute(context.Background(), w, nil, nil)
	require.NoError(t, err)
	out, ok := result.Outputs["out"].(map[string]any)
	require.True(t, ok)
	docs, ok := out["documents"].([]Document)
	require.True(t, ok)
	require.Len(t, docs, 1)
	assert.Equal(t, "d1", docs[0].ID)
}
