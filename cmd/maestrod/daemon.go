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

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/mcp"
	"github.com/tombee/maestro/internal/metrics"
	"github.com/tombee/maestro/internal/session"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/event"
	"github.com/tombee/maestro/pkg/execution"
	"github.com/tombee/maestro/pkg/tools"
	"github.com/tombee/maestro/pkg/workflow"
)

// daemon is the composition root. Everything is constructed once here
// and shared by reference.
type daemon struct {
	cfg      Config
	logger   *slog.Logger
	registry *metrics.Registry

	tracker    *execution.Tracker
	dispatcher *event.Dispatcher
	sessions   *session.Manager
	library    *store.Store
	toolreg    *tools.Registry
	pipeline   *tools.Pipeline
	executor   *workflow.Executor

	mcpServers []*mcp.Server
}

func newDaemon(cfg Config, logger *slog.Logger) (*daemon, error) {
	registry := metrics.NewRegistry()
	tracker := execution.NewTracker(execution.WithLogger(logger))
	dispatcher := event.NewDispatcher(
		event.WithHeartbeatInterval(cfg.HeartbeatInterval),
		event.WithDispatcherLogger(logger),
	)

	secret := cfg.ResumeSecret
	if secret == "" {
		// Per-process secret: tokens survive reconnects but not restarts.
		secret = uuid.NewString()
		logger.Warn("no resume secret configured; resume tokens will not survive a restart")
	}
	issuer, err := session.NewTokenIssuer([]byte(secret), 0)
	if err != nil {
		return nil, err
	}
	sessions := session.NewManager(dispatcher, issuer, session.WithManagerLogger(logger))

	toolreg := tools.NewRegistry()
	pipeline := tools.NewPipeline(toolreg, tracker,
		tools.WithPipelineLogger(logger),
		tools.WithInterceptors(
			tools.NewLoggingInterceptor(logger),
			tools.NewCachingInterceptor(tools.WithCacheRegisterer(registry.Registerer())),
			tools.NewGuardrailInterceptor(),
			tools.NewMetricsInterceptor(registry.Registerer()),
		),
	)

	execOpts := []workflow.ExecutorOption{
		workflow.WithPipeline(pipeline),
		workflow.WithExecutorLogger(logger),
	}

	d := &daemon{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		tracker:    tracker,
		dispatcher: dispatcher,
		sessions:   sessions,
		toolreg:    toolreg,
		pipeline:   pipeline,
	}

	if cfg.WorkflowsDir != "" {
		lib, err := store.New(cfg.WorkflowsDir, store.WithStoreLogger(logger))
		if err != nil {
			return nil, err
		}
		d.library = lib
		execOpts = append(execOpts, workflow.WithLibrary(lib))
	}

	d.executor = workflow.NewExecutor(tracker, execOpts...)
	return d, nil
}

// Run serves until the context is cancelled, then shuts down within the
// configured grace window.
func (d *daemon) Run(ctx context.Context) error {
	telemetryShutdown, err := setupTelemetry(d.cfg.Trace, d.registry.Registerer())
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
		defer cancel()
		if err := telemetryShutdown(flushCtx); err != nil {
			d.logger.Warn("telemetry shutdown failed", log.Error(err))
		}
	}()

	go d.dispatcher.Run(ctx)

	if d.library != nil {
		if err := d.library.Watch(ctx); err != nil {
			return err
		}
	}

	for _, spec := range d.cfg.MCPServers {
		if err := d.connectMCP(ctx, spec); err != nil {
			d.shutdownMCP()
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.registry.Handler())
	mux.HandleFunc("/healthz", d.handleHealth)
	mux.HandleFunc("/events", d.handleEvents)
	mux.HandleFunc("/flows/run", d.handleRunFlow)
	mux.HandleFunc("/flows/cancel", d.handleCancelFlow)
	mux.HandleFunc("/executions/tree", d.handleTree)

	server := &http.Server{Addr: d.cfg.Listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("daemon listening", "addr", d.cfg.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		d.shutdownMCP()
		return err
	}

	d.logger.Info("daemon shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	d.sessions.CloseAll()
	d.shutdownMCP()
	return err
}

// connectMCP parses "name=command args..." and registers the server's
// tools.
func (d *daemon) connectMCP(ctx context.Context, spec string) error {
	name, command, ok := strings.Cut(spec, "=")
	if !ok || name == "" || command == "" {
		return &errors.ConfigError{
			Key:    "mcp-server",
			Reason: "expected name=command [args...], got " + spec,
		}
	}
	parts := strings.Fields(command)

	server, err := mcp.Connect(ctx, mcp.Config{
		Name:    name,
		Command: parts[0],
		Args:    parts[1:],
	})
	if err != nil {
		return err
	}
	n, err := mcp.RegisterTools(ctx, server, d.toolreg)
	if err != nil {
		_ = server.Close()
		return err
	}
	d.mcpServers = append(d.mcpServers, server)
	d.logger.Info("mcp server connected", "name", name, "tools", n)
	return nil
}

func (d *daemon) shutdownMCP() {
	for _, s := range d.mcpServers {
		if err := s.Close(); err != nil {
			d.logger.Warn("mcp server close failed", "name", s.Name(), log.Error(err))
		}
	}
	d.mcpServers = nil
}

func (d *daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleEvents attaches a session emitter to the response and streams
// envelopes until the client disconnects.
func (d *daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Open before committing the status so a rejected session gets an
	// error response instead of an empty 200 stream.
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	_, err := d.sessions.Open(r.Context(), sessionID, &flushWriter{w: w, flusher: flusher})
	if err != nil {
		d.logger.Warn("event stream rejected", log.SessionIDKey, sessionID, log.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	flusher.Flush()
	d.registry.ActiveStreams.Inc()
	defer d.registry.ActiveStreams.Dec()

	<-r.Context().Done()
	d.sessions.Close(sessionID)
}

type runFlowRequest struct {
	Workflow   string          `json:"workflow"`
	Definition json.RawMessage `json:"definition,omitempty"`
	Input      map[string]any  `json:"input,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
}

type runFlowResponse struct {
	FlowID  string         `json:"flowId"`
	Status  string         `json:"status"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// handleRunFlow executes a workflow synchronously: by library name, or
// from an inline definition.
func (d *daemon) handleRunFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req runFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var wf *workflow.Workflow
	var err error
	switch {
	case len(req.Definition) > 0:
		wf, err = workflow.Parse(req.Definition)
	case req.Workflow != "" && d.library != nil:
		wf, err = d.library.Lookup(req.Workflow)
	case req.Workflow != "":
		err = &errors.ConfigError{Key: "workflows-dir", Reason: "no workflow library configured"}
	default:
		err = &errors.ValidationError{Field: "workflow", Message: "workflow name or definition required"}
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	// Audit envelopes always feed the metrics collectors; a session gets
	// them streamed too.
	var sink workflow.EventSink = metrics.NewSink(d.registry, nil)
	if req.SessionID != "" {
		if s, err := d.sessions.Get(req.SessionID); err == nil {
			sink = metrics.NewSink(d.registry, s.Emitter())
		}
	}

	result, err := d.executor.Execute(r.Context(), wf, req.Input, sink)
	resp := runFlowResponse{}
	if result != nil {
		resp.FlowID = result.FlowID.String()
		resp.Status = string(result.Status)
		resp.Outputs = result.Outputs
	}
	if err != nil {
		resp.Error = err.Error()
		if result == nil {
			writeError(w, statusFor(err), err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *daemon) handleCancelFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flowID := r.URL.Query().Get("flow")
	if err := d.executor.Cancel(flowID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleTree renders the execution subtree as text, the same view the
// tracker logs.
func (d *daemon) handleTree(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	tree, err := d.tracker.RenderTree(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(tree))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  errors.Code(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.IsCancelled(err):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// flushWriter flushes after every envelope so clients see events as
// they happen.
type flushWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.flusher.Flush()
	return n, err
}
