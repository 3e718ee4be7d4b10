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
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/maestro/internal/jq"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/event"
	"github.com/tombee/maestro/pkg/execution"
	"github.com/tombee/maestro/pkg/tools"
	"github.com/tombee/maestro/pkg/workflow/expression"
)

// DefaultCancelGrace bounds how long a cancelled flow waits for its
// in-flight handlers before the terminal envelope is emitted.
const DefaultCancelGrace = 2 * time.Second

// Result is the outcome of one flow execution.
type Result struct {
	FlowID  execution.ID
	Status  execution.Status
	Outputs map[string]any // output node id -> value
}

// Executor interprets workflow graphs. It is constructed once with its
// collaborators and is safe for concurrent Execute calls.
type Executor struct {
	tracker   *execution.Tracker
	handlers  *HandlerRegistry
	evaluator *expression.Evaluator
	jq        *jq.Executor
	pipeline  *tools.Pipeline
	retriever Retriever
	provider  Provider
	library   Library
	logger    *slog.Logger
	tracer    trace.Tracer

	maxWorkers int
	grace      time.Duration

	mu    sync.Mutex
	flows map[string]context.CancelFunc
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithPipeline wires the tool-invocation pipeline for TOOL nodes.
func WithPipeline(p *tools.Pipeline) ExecutorOption {
	return func(e *Executor) { e.pipeline = p }
}

// WithRetriever wires the retriever for RETRIEVE nodes.
func WithRetriever(r Retriever) ExecutorOption {
	return func(e *Executor) { e.retriever = r }
}

// WithProvider wires the model provider for LLM nodes.
func WithProvider(p Provider) ExecutorOption {
	return func(e *Executor) { e.provider = p }
}

// WithLibrary wires the workflow library for SUBFLOW nodes.
func WithLibrary(l Library) ExecutorOption {
	return func(e *Executor) { e.library = l }
}

// WithCustomHandler registers a handler for a CUSTOM:* node type.
func WithCustomHandler(t NodeType, h NodeHandler) ExecutorOption {
	return func(e *Executor) { _ = e.handlers.Register(t, h) }
}

// WithMaxWorkers bounds concurrent node execution per flow.
func WithMaxWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxWorkers = n
		}
	}
}

// WithCancelGrace overrides the cancellation grace period.
func WithCancelGrace(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor creates an executor over the tracker.
func NewExecutor(tracker *execution.Tracker, opts ...ExecutorOption) *Executor {
	e := &Executor{
		tracker:    tracker,
		handlers:   NewHandlerRegistry(),
		evaluator:  expression.New(),
		jq:         jq.NewExecutor(0, 0),
		logger:     slog.Default(),
		tracer:     otel.Tracer("maestro/workflow"),
		maxWorkers: 8 * runtime.NumCPU(),
		grace:      DefaultCancelGrace,
		flows:      make(map[string]context.CancelFunc),
	}
	e.registerBuiltins()
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ancestryKey carries the subflow invocation chain through contexts.
type ancestryKey struct{}

func ancestryFrom(ctx context.Context) []string {
	chain, _ := ctx.Value(ancestryKey{}).([]string)
	return chain
}

// Execute runs the workflow to completion and returns its outputs,
// keyed by OUTPUT node id. The sink receives the flow's envelopes; nil
// discards them.
func (e *Executor) Execute(ctx context.Context, wf *Workflow, input map[string]any, sink EventSink) (*Result, error) {
	if err := Validate(wf); err != nil {
		return nil, err
	}
	return e.execute(ctx, wf, input, sink, execution.ID{}, []string{wf.ID})
}

// Cancel requests cooperative cancellation of a running flow. In-flight
// node handlers observe it through their contexts; no new nodes start.
func (e *Executor) Cancel(flowID string) error {
	e.mu.Lock()
	cancel, ok := e.flows[flowID]
	e.mu.Unlock()
	if !ok {
		return &errors.NotFoundError{Resource: "flow", ID: flowID}
	}
	cancel()
	return nil
}

func (e *Executor) execute(ctx context.Context, wf *Workflow, input map[string]any, sink EventSink, parent execution.ID, ancestry []string) (*Result, error) {
	if sink == nil {
		sink = discardSink{}
	}

	var flowID execution.ID
	meta := map[string]any{"workflow": wf.ID}
	if parent.IsZero() {
		flowID = e.tracker.StartRoot(execution.KindFlow, meta)
	} else {
		var err error
		flowID, err = e.tracker.StartChild(parent.String(), execution.KindFlow, meta)
		if err != nil {
			return nil, err
		}
	}

	var flowCtx context.Context
	var cancel context.CancelFunc
	if budget := wf.Config.Timeout(); budget > 0 {
		flowCtx, cancel = context.WithTimeout(ctx, budget)
	} else {
		flowCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	flowCtx = context.WithValue(flowCtx, ancestryKey{}, ancestry)

	e.mu.Lock()
	e.flows[flowID.String()] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.flows, flowID.String())
		e.mu.Unlock()
	}()

	flowCtx, span := e.tracer.Start(flowCtx, "flow."+wf.ID,
		trace.WithAttributes(
			attribute.String("workflow.id", wf.ID),
			attribute.String("execution.id", flowID.String()),
		))
	defer span.End()

	started := time.Now()
	sink.Emit(event.NewBuilder(event.DomainAudit, event.AuditFlowStart).
		Field("workflowId", wf.ID).
		Field("executionId", flowID.String()).
		Build())
	e.logger.Info("flow started",
		log.WorkflowKey, wf.ID,
		log.FlowIDKey, flowID.String(),
	)

	run := newFlowRun(e, wf, flowID, sink, input)

	type outcome struct {
		outputs map[string]any
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		outputs, err := run.run(flowCtx)
		done <- outcome{outputs, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-flowCtx.Done():
		// Grace period for in-flight handlers to observe cancellation.
		select {
		case out = <-done:
		case <-time.After(e.grace):
			out = outcome{err: flowCtx.Err()}
			e.logger.Warn("flow handlers did not stop within grace period",
				log.FlowIDKey, flowID.String(),
			)
		}
	}

	durationMS := time.Since(started).Milliseconds()

	if flowCtx.Err() == context.Canceled && ctx.Err() != context.DeadlineExceeded {
		_, _ = e.tracker.Cancel(flowID.String())
		sink.Emit(event.NewEnvelope(event.DomainSystem, event.SystemCancelled, nil))
		sink.Emit(e.flowEnd(flowID, execution.StatusCancelled, durationMS))
		return &Result{FlowID: flowID, Status: execution.StatusCancelled},
			&errors.CancelledError{Scope: "flow", ID: flowID.String()}
	}

	if err := out.err; err != nil || flowCtx.Err() == context.DeadlineExceeded {
		if flowCtx.Err() == context.DeadlineExceeded {
			err = &errors.TimeoutError{Operation: "flow " + wf.ID, Duration: wf.Config.Timeout(), Cause: err}
		}
		_, _ = e.tracker.Fail(flowID.String(), err)
		sink.Emit(event.NewBuilder(event.DomainAudit, event.AuditFlowError).
			Field("executionId", flowID.String()).
			Field("message", err.Error()).
			Field("code", errors.Code(err)).
			Build())
		sink.Emit(e.flowEnd(flowID, execution.StatusFailed, durationMS))
		e.logger.Warn("flow failed",
			log.WorkflowKey, wf.ID,
			log.FlowIDKey, flowID.String(),
			"error", err,
		)
		return &Result{FlowID: flowID, Status: execution.StatusFailed}, err
	}

	_, _ = e.tracker.Succeed(flowID.String(), out.outputs)
	sink.Emit(e.flowEnd(flowID, execution.StatusSucceeded, durationMS))
	e.logger.Info("flow succeeded",
		log.WorkflowKey, wf.ID,
		log.FlowIDKey, flowID.String(),
		log.DurationKey, durationMS,
	)
	return &Result{FlowID: flowID, Status: execution.StatusSucceeded, Outputs: out.outputs}, nil
}

func (e *Executor) flowEnd(flowID execution.ID, status execution.Status, durationMS int64) event.Envelope {
	return event.NewBuilder(event.DomainAudit, event.AuditFlowEnd).
		Field("executionId", flowID.String()).
		Field("status", string(status)).
		Field("durationMs", durationMS).
		Build()
}

func kindFor(t NodeType) execution.Kind {
	switch t {
	case NodeLLM:
		return execution.KindLLM
	case NodeParallel:
		return execution.KindParallel
	default:
		return execution.KindNode
	}
}

// flowRun is the per-execution dataflow scheduler. A node becomes
// eligible when every incoming active edge has delivered a value;
// condition evaluation prunes edges, and pruning cascades to nodes
// left without any possible input.
type flowRun struct {
	e      *Executor
	wf     *Workflow
	flowID execution.ID
	sink   EventSink
	input  map[string]any

	sem chan struct{}

	mu        sync.Mutex
	state     map[string]any            // completed node outputs
	nodeIn    map[string]any            // inputs as seen by each node
	waiting   map[string]map[string]bool // target -> sources not yet resolved
	delivered map[string]map[string]any  // target -> source -> value
	started   map[string]bool
	prunedSet map[string]bool
	parentOf  map[string]execution.ID // overrides flowID as execution parent
	outputs   map[string]any

	wg       sync.WaitGroup
	errOnce  sync.Once
	firstErr error
	abort    context.CancelFunc
}

func newFlowRun(e *Executor, wf *Workflow, flowID execution.ID, sink EventSink, input map[string]any) *flowRun {
	workers := e.maxWorkers
	if wf.Config != nil && wf.Config.MaxConcurrent > 0 && wf.Config.MaxConcurrent < workers {
		workers = wf.Config.MaxConcurrent
	}
	r := &flowRun{
		e:         e,
		wf:        wf,
		flowID:    flowID,
		sink:      sink,
		input:     input,
		sem:       make(chan struct{}, workers),
		state:     make(map[string]any),
		nodeIn:    make(map[string]any),
		waiting:   make(map[string]map[string]bool),
		delivered: make(map[string]map[string]any),
		started:   make(map[string]bool),
		prunedSet: make(map[string]bool),
		parentOf:  make(map[string]execution.ID),
		outputs:   make(map[string]any),
	}
	for _, edge := range wf.Edges {
		if r.waiting[edge.Target] == nil {
			r.waiting[edge.Target] = make(map[string]bool)
		}
		r.waiting[edge.Target][edge.Source] = true
	}
	return r
}

// run walks the graph from the INPUT node and blocks until every
// eligible node has completed or a node failed.
func (r *flowRun) run(ctx context.Context) (map[string]any, error) {
	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	r.abort = abort

	r.mu.Lock()
	r.scheduleLocked(runCtx, r.wf.InputNode().ID, nil)
	r.mu.Unlock()

	r.wg.Wait()

	if r.firstErr != nil {
		return nil, r.firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outputs) == 0 {
		return nil, &errors.ValidationError{
			Field:   "workflow",
			Message: "no OUTPUT node produced a value",
		}
	}
	return r.outputs, nil
}

// scheduleLocked marks the node started and launches its attempt.
// Callers hold r.mu.
func (r *flowRun) scheduleLocked(ctx context.Context, nodeID string, input any) {
	if r.started[nodeID] || r.prunedSet[nodeID] {
		return
	}
	r.started[nodeID] = true
	r.nodeIn[nodeID] = input
	parentExec, ok := r.parentOf[nodeID]
	if !ok {
		parentExec = r.flowID
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			return
		}
		// Cancellation is checked between nodes: a flow cancelled while
		// this node was queued never starts it.
		if ctx.Err() != nil {
			return
		}

		node := r.wf.Node(nodeID)
		out, exec, err := r.runNode(ctx, node, input, parentExec)
		if err != nil {
			r.fail(err)
			return
		}
		r.complete(ctx, node, exec, out)
	}()
}

func (r *flowRun) fail(err error) {
	r.errOnce.Do(func() {
		r.firstErr = err
		r.abort()
	})
}

// runNode executes one node with its retry policy. Every attempt gets
// a fresh child execution id; failed attempts stay in the tracker.
func (r *flowRun) runNode(ctx context.Context, node *Node, input any, parentExec execution.ID) (any, execution.ID, error) {
	policy := node.Retry()
	if policy == nil {
		policy = &RetryPolicy{Attempts: 1, Backoff: BackoffNone}
	}

	handler, err := r.e.handlers.Get(node.Type)
	if err != nil {
		return nil, execution.ID{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(policy.DelayFor(attempt - 1)):
			case <-ctx.Done():
				return nil, execution.ID{}, &errors.CancelledError{Scope: "node", ID: node.ID}
			}
		}

		exec, err := r.e.tracker.StartChild(parentExec.String(), kindFor(node.Type),
			map[string]any{"node": node.ID, "attempt": attempt})
		if err != nil {
			return nil, execution.ID{}, err
		}

		r.sink.Emit(event.NewBuilder(event.DomainAudit, event.AuditNodeStart).
			Field("nodeId", node.ID).
			Field("executionId", exec.String()).
			Build())

		out, err := r.attempt(ctx, handler, node, input, exec)
		if err == nil {
			_, _ = r.e.tracker.Succeed(exec.String(), out)
			r.sink.Emit(r.nodeEnd(node, exec, execution.StatusSucceeded))
			return out, exec, nil
		}

		if errors.IsCancelled(err) || ctx.Err() == context.Canceled {
			_, _ = r.e.tracker.Cancel(exec.String())
			r.sink.Emit(r.nodeEnd(node, exec, execution.StatusCancelled))
			return nil, exec, err
		}

		_, _ = r.e.tracker.Fail(exec.String(), err)
		r.sink.Emit(r.nodeEnd(node, exec, execution.StatusFailed))
		lastErr = err

		if !errors.IsRetryable(err) {
			break
		}
		r.e.logger.Debug("retrying node",
			log.NodeIDKey, node.ID,
			log.FlowIDKey, r.flowID.String(),
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, execution.ID{}, errors.Wrapf(lastErr, "node %s", node.ID)
}

func (r *flowRun) nodeEnd(node *Node, exec execution.ID, status execution.Status) event.Envelope {
	return event.NewBuilder(event.DomainAudit, event.AuditNodeEnd).
		Field("nodeId", node.ID).
		Field("executionId", exec.String()).
		Field("status", string(status)).
		Field("durationMs", time.Since(exec.CreatedAt()).Milliseconds()).
		Build()
}

// attempt runs the handler once under the node's timeout.
func (r *flowRun) attempt(ctx context.Context, handler NodeHandler, node *Node, input any, exec execution.ID) (any, error) {
	nodeCtx := ctx
	if budget := node.Timeout(); budget > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	r.mu.Lock()
	stateCopy := make(map[string]any, len(r.state))
	for k, v := range r.state {
		stateCopy[k] = v
	}
	r.mu.Unlock()

	out, err := handler.Execute(nodeCtx, node, input, &NodeContext{
		FlowID:      r.flowID,
		ExecutionID: exec,
		Tracker:     r.e.tracker,
		Sink:        r.sink,
		Input:       r.input,
		State:       stateCopy,
	})
	if err != nil && nodeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, &errors.TimeoutError{Operation: "node " + node.ID, Duration: node.Timeout(), Cause: err}
	}
	return out, err
}

// complete records the node's output and resolves its outgoing edges.
func (r *flowRun) complete(ctx context.Context, node *Node, exec execution.ID, out any) {
	selected, pruned, err := r.selectEdges(node, out)
	if err != nil {
		r.fail(err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.state[node.ID] = out
	if node.Type == NodeOutput {
		r.outputs[node.ID] = out
		return
	}

	// Direct successors of a PARALLEL run under its execution id.
	if node.Type == NodeParallel {
		for _, edge := range selected {
			r.parentOf[edge.Target] = exec
		}
	}

	for _, edge := range pruned {
		r.pruneEdgeLocked(ctx, edge.Source, edge.Target)
	}
	for _, edge := range selected {
		r.deliverLocked(ctx, edge.Source, edge.Target, out)
	}
}

// selectEdges applies condition semantics to the node's out-edges.
// CONDITION nodes pick exactly one branch (first matching condition,
// else the default); other nodes follow every edge whose condition
// holds.
func (r *flowRun) selectEdges(node *Node, out any) (selected, pruned []Edge, err error) {
	edges := r.wf.Outgoing(node.ID)
	if len(edges) == 0 {
		return nil, nil, nil
	}

	r.mu.Lock()
	env := map[string]any{
		"input": r.input,
		"nodes": r.state,
		"value": out,
	}
	r.mu.Unlock()

	if node.Type == NodeCondition {
		var def *Edge
		for i := range edges {
			edge := edges[i]
			if edge.Condition == "" {
				def = &edges[i]
				continue
			}
			match, err := r.e.evaluator.Evaluate(edge.Condition, env)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "node %s", node.ID)
			}
			if match && selected == nil {
				selected = []Edge{edge}
			} else {
				pruned = append(pruned, edge)
			}
		}
		if selected == nil && def != nil {
			selected = []Edge{*def}
		} else if def != nil {
			pruned = append(pruned, *def)
		}
		if selected == nil {
			return nil, nil, &errors.ValidationError{
				Field:   "condition",
				Message: "no branch condition matched and no default edge exists on node " + node.ID,
			}
		}
		return selected, pruned, nil
	}

	for _, edge := range edges {
		if edge.Condition == "" {
			selected = append(selected, edge)
			continue
		}
		match, err := r.e.evaluator.Evaluate(edge.Condition, env)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "node %s", node.ID)
		}
		if match {
			selected = append(selected, edge)
		} else {
			pruned = append(pruned, edge)
		}
	}
	return selected, pruned, nil
}

// deliverLocked hands a value to a target node and schedules it once
// all of its incoming edges are resolved. Callers hold r.mu.
func (r *flowRun) deliverLocked(ctx context.Context, source, target string, value any) {
	if r.delivered[target] == nil {
		r.delivered[target] = make(map[string]any)
	}
	r.delivered[target][source] = value
	delete(r.waiting[target], source)
	r.maybeScheduleLocked(ctx, target)
}

// pruneEdgeLocked removes an edge from the wait-set. A node left with
// no resolved inputs and no pending ones is unreachable; pruning then
// cascades through its out-edges. Callers hold r.mu.
func (r *flowRun) pruneEdgeLocked(ctx context.Context, source, target string) {
	delete(r.waiting[target], source)
	if len(r.waiting[target]) > 0 {
		return
	}
	if len(r.delivered[target]) > 0 {
		// A join fed by a surviving branch still runs.
		r.maybeScheduleLocked(ctx, target)
		return
	}
	if r.prunedSet[target] || r.started[target] {
		return
	}
	r.prunedSet[target] = true
	for _, edge := range r.wf.Outgoing(target) {
		r.pruneEdgeLocked(ctx, edge.Source, edge.Target)
	}
}

// maybeScheduleLocked starts a node whose inputs are fully resolved.
// One delivered value passes through as-is; a join receives a map of
// source node id to value. Callers hold r.mu.
func (r *flowRun) maybeScheduleLocked(ctx context.Context, target string) {
	if len(r.waiting[target]) > 0 || r.started[target] || r.prunedSet[target] {
		return
	}
	values := r.delivered[target]
	if len(values) == 0 {
		return
	}
	var input any
	if len(values) == 1 {
		for _, v := range values {
			input = v
		}
	} else {
		merged := make(map[string]any, len(values))
		for src, v := range values {
			merged[src] = v
		}
		input = merged
	}
	r.scheduleLocked(ctx, target, input)
}
