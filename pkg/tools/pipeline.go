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

package tools

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/event"
	"github.com/tombee/maestro/pkg/execution"
)

// EventSink receives the pipeline's tool envelopes. *event.Emitter
// satisfies it; a nil sink disables event emission.
type EventSink interface {
	Emit(event.Envelope)
}

// Pipeline invokes tools through the interceptor chain, tracking each
// invocation as a TOOL execution and emitting tool/* envelopes.
type Pipeline struct {
	registry     *Registry
	tracker      *execution.Tracker
	sink         EventSink
	interceptors []Interceptor
	logger       *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithEventSink routes tool envelopes to the sink.
func WithEventSink(sink EventSink) PipelineOption {
	return func(p *Pipeline) { p.sink = sink }
}

// WithInterceptors appends interceptors to the chain.
func WithInterceptors(is ...Interceptor) PipelineOption {
	return func(p *Pipeline) { p.interceptors = append(p.interceptors, is...) }
}

// WithPipelineLogger sets the pipeline's logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// NewPipeline creates a pipeline over the registry and tracker. The
// interceptor chain is sorted by Order once at construction.
func NewPipeline(registry *Registry, tracker *execution.Tracker, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		registry: registry,
		tracker:  tracker,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	sort.SliceStable(p.interceptors, func(i, j int) bool {
		return p.interceptors[i].Order() < p.interceptors[j].Order()
	})
	return p
}

// Invoke runs the named tool with the given input under parent's
// execution subtree. A zero parent starts a root TOOL execution.
func (p *Pipeline) Invoke(ctx context.Context, parent execution.ID, name string, input map[string]any) (map[string]any, error) {
	result, _, err := p.InvokeTracked(ctx, parent, name, input)
	return result, err
}

// InvokeTracked is Invoke returning the TOOL execution id alongside the
// result, for callers that correlate invocations with tracker subtrees.
func (p *Pipeline) InvokeTracked(ctx context.Context, parent execution.ID, name string, input map[string]any) (map[string]any, execution.ID, error) {
	d, err := p.registry.Get(name)
	if err != nil {
		return nil, execution.ID{}, err
	}
	if err := d.Schema().Validate(input); err != nil {
		return nil, execution.ID{}, err
	}

	meta := map[string]any{"tool": name}
	var id execution.ID
	if parent.IsZero() {
		id = p.tracker.StartRoot(execution.KindTool, meta)
	} else {
		id, err = p.tracker.StartChild(parent.String(), execution.KindTool, meta)
		if err != nil {
			return nil, execution.ID{}, err
		}
	}

	inv := &Invocation{
		ID:        id,
		Parent:    parent,
		Tool:      d,
		Input:     input,
		StartedAt: time.Now(),
		Metadata:  make(map[string]any),
	}

	p.emit(event.NewBuilder(event.DomainTool, event.ToolStart).
		Field("toolName", name).
		Field("input", input).
		Field("executionId", id.String()).
		Field("parentId", parent.String()).
		Build())

	// Before hooks, ascending. Only interceptors whose Before succeeded
	// participate in After/OnError.
	var ran []Interceptor
	for _, ic := range p.interceptors {
		if err := ic.Before(ctx, inv); err != nil {
			if ic.StopOnError() {
				p.notifyError(ctx, ran, inv, err)
				return nil, id, p.fail(inv, err)
			}
			p.logger.Warn("interceptor Before failed, continuing",
				log.ToolKey, name,
				"interceptor", ic.Name(),
				"error", err,
			)
			continue
		}
		ran = append(ran, ic)
		if inv.Skip {
			break
		}
	}

	var result map[string]any
	if inv.Skip {
		result = inv.CachedResult
	} else {
		result, err = p.runHandler(ctx, d, inv)
		if err != nil {
			p.notifyError(ctx, ran, inv, err)
			return nil, id, p.fail(inv, err)
		}
	}

	// After hooks, descending over everything whose Before ran, so a
	// cache hit still reaches the interceptors ahead of caching.
	for i := len(ran) - 1; i >= 0; i-- {
		if err := ran[i].After(ctx, inv, result); err != nil {
			p.logger.Warn("interceptor After failed",
				log.ToolKey, name,
				"interceptor", ran[i].Name(),
				"error", err,
			)
		}
	}

	if _, err := p.tracker.Succeed(id.String(), result); err != nil {
		p.logger.Warn("failed to record tool success", log.ExecutionIDKey, id.String(), "error", err)
	}

	b := event.NewBuilder(event.DomainTool, event.ToolResult).
		Field("toolName", name).
		Field("output", result).
		Field("durationMs", time.Since(inv.StartedAt).Milliseconds())
	if inv.Skip {
		b.Field("cached", true)
	}
	p.emit(b.Build())

	return result, id, nil
}

// runHandler executes the tool's handler under its per-invocation
// budget. A stuck handler does not block the pipeline past its budget.
func (p *Pipeline) runHandler(ctx context.Context, d *Descriptor, inv *Invocation) (map[string]any, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	hctx := &HandlerContext{
		ExecutionID: inv.ID,
		Progress: func(progress float64, message string) {
			b := event.NewBuilder(event.DomainTool, event.ToolProgress).
				Field("progress", progress)
			if message != "" {
				b.Field("message", message)
			}
			p.emit(b.Build())
		},
	}

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := d.handler(ctx, hctx, inv.Input)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{
				Operation: "tool " + d.name,
				Duration:  d.timeout,
				Cause:     out.err,
			}
		}
		return out.result, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{
				Operation: "tool " + d.name,
				Duration:  d.timeout,
			}
		}
		return nil, &errors.CancelledError{Scope: "tool", ID: inv.ID.String()}
	}
}

// notifyError runs OnError descending over the interceptors whose
// Before ran. Hooks observe but cannot mask the error.
func (p *Pipeline) notifyError(ctx context.Context, ran []Interceptor, inv *Invocation, err error) {
	for i := len(ran) - 1; i >= 0; i-- {
		ran[i].OnError(ctx, inv, err)
	}
}

// fail records the failure and emits tool/error, returning err.
func (p *Pipeline) fail(inv *Invocation, err error) error {
	if _, terr := p.tracker.Fail(inv.ID.String(), err); terr != nil {
		p.logger.Warn("failed to record tool failure",
			log.ExecutionIDKey, inv.ID.String(),
			"error", terr,
		)
	}
	p.emit(event.NewBuilder(event.DomainTool, event.ToolError).
		Field("toolName", inv.Tool.Name()).
		Field("message", err.Error()).
		Field("code", errors.Code(err)).
		Build())
	return err
}

func (p *Pipeline) emit(env event.Envelope) {
	if p.sink != nil {
		p.sink.Emit(env)
	}
}
