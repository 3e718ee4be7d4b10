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

package rpc

import (
	"bufio"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/pkg/errors"
)

// DefaultStopTimeout is how long Stop waits for the subprocess to exit
// gracefully before killing it.
const DefaultStopTimeout = 5 * time.Second

// maxLineSize bounds a single inbound frame (10 MB).
const maxLineSize = 10 * 1024 * 1024

// Result delivers a correlated response or a transport failure to the
// caller of SendRequest.
type Result struct {
	Msg *Message
	Err error
}

// MessageHandler observes every inbound message in arrival order.
// Handler panics are recovered and logged.
type MessageHandler func(*Message)

// Transport speaks framed JSON-RPC 2.0 with a child process over its
// standard I/O. One reader goroutine parses one JSON object per line;
// responses complete pending request futures, then every message is
// passed to the registered handler exactly once.
type Transport struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger

	stopTimeout time.Duration

	mu      sync.Mutex
	active  bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[string]chan Result
	handler MessageHandler
	reaped  bool

	// writeMu serializes stdin writes separately from mu, so a child
	// that stops draining its pipe cannot stall state queries.
	writeMu sync.Mutex

	readerDone chan struct{}
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the transport's logger.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) { t.logger = logger }
}

// WithEnv sets environment variables passed to the subprocess.
func WithEnv(env []string) TransportOption {
	return func(t *Transport) { t.env = env }
}

// WithStopTimeout overrides the graceful shutdown window.
func WithStopTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.stopTimeout = d
		}
	}
}

// NewTransport creates a transport for the given command. Start must be
// called before Send.
func NewTransport(command string, args []string, opts ...TransportOption) *Transport {
	t := &Transport{
		command:     command,
		args:        args,
		logger:      slog.Default(),
		stopTimeout: DefaultStopTimeout,
		pending:     make(map[string]chan Result),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start spawns the subprocess and starts the reader goroutine.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		return &errors.TransportError{Op: "start", Message: "already started"}
	}

	cmd := exec.Command(t.command, t.args...)
	if t.env != nil {
		cmd.Env = t.env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &errors.TransportError{Op: "start", Message: "stdin pipe", Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &errors.TransportError{Op: "start", Message: "stdout pipe", Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return &errors.TransportError{Op: "start", Message: "spawn subprocess", Cause: err}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.active = true
	t.readerDone = make(chan struct{})

	go t.readLoop(stdout)

	t.logger.Debug("transport started", "command", t.command)
	return nil
}

// IsActive reports whether the transport can accept sends.
func (t *Transport) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// SetMessageHandler registers the inbound message observer. Each inbound
// message is passed to the handler exactly once, after any pending
// future it completes.
func (t *Transport) SetMessageHandler(h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Send serializes the message and writes a single line. Fails with a
// TransportError if the transport is not active.
func (t *Transport) Send(msg *Message) error {
	line, err := msg.Marshal()
	if err != nil {
		return &errors.TransportError{Op: "send", Message: "marshal message", Cause: err}
	}

	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return &errors.TransportError{Op: "send", Message: "transport closed"}
	}
	stdin := t.stdin
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(append(line, '\n')); err != nil {
		return &errors.TransportError{Op: "send", Message: "write to subprocess", Cause: err}
	}
	return nil
}

// SendRequest registers the request id and sends the message. The
// returned channel receives exactly one Result: the correlated response,
// or a TransportError if the transport dies first.
func (t *Transport) SendRequest(msg *Message) (<-chan Result, error) {
	if msg.Kind() != KindRequest {
		return nil, &errors.TransportError{Op: "request", Message: "message is not a request"}
	}

	future := make(chan Result, 1)
	key := msg.ID.Key()

	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return nil, &errors.TransportError{Op: "request", Message: "transport closed"}
	}
	if _, exists := t.pending[key]; exists {
		t.mu.Unlock()
		return nil, &errors.TransportError{Op: "request", Message: "duplicate request id " + msg.ID.String()}
	}
	t.pending[key] = future
	t.mu.Unlock()

	if err := t.Send(msg); err != nil {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		return nil, err
	}
	return future, nil
}

// readLoop parses one JSON object per line until EOF. Subprocess exit is
// observed as EOF; the loop then deactivates the transport and fails all
// pending futures.
func (t *Transport) readLoop(stdout io.Reader) {
	defer close(t.readerDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := Parse(line)
		if err != nil {
			// Parse errors are non-fatal; the handler is not called.
			t.logger.Error("transport parse error", "error", err)
			continue
		}
		if msg.Kind() == KindInvalid {
			t.logger.Error("transport received malformed message")
			continue
		}

		log.Trace(t.logger, "transport inbound", slog.String("line", string(line)))

		if msg.Kind() == KindResponse {
			t.completePending(msg)
		}
		t.dispatch(msg)
	}

	if err := scanner.Err(); err != nil {
		t.logger.Warn("transport reader error", "error", err)
	}
	t.shutdown()
}

// completePending resolves the future registered for a response id.
func (t *Transport) completePending(msg *Message) {
	key := msg.ID.Key()
	t.mu.Lock()
	future, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if ok {
		future <- Result{Msg: msg}
	}
}

// dispatch passes the message to the handler, swallowing panics.
func (t *Transport) dispatch(msg *Message) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("message handler panicked", "panic", r)
		}
	}()
	handler(msg)
}

// shutdown deactivates the transport, fails all pending futures, and
// reaps a child that exited on its own. Without the reap, a self-exited
// subprocess stays a zombie for the daemon's lifetime and Stop's early
// return never releases it.
func (t *Transport) shutdown() {
	t.mu.Lock()
	wasActive := t.active
	t.active = false
	cmd := t.cmd
	pending := t.pending
	t.pending = make(map[string]chan Result)
	t.mu.Unlock()

	if !wasActive {
		return
	}
	for _, future := range pending {
		future <- Result{Err: &errors.TransportError{Op: "request", Message: "transport closed"}}
	}
	t.reap(cmd)
}

// reap waits on the exited subprocess so the kernel releases it and the
// remaining pipe ends close. Called at most once per child: either from
// shutdown after EOF, or from Stop.
func (t *Transport) reap(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	err := cmd.Wait()
	t.mu.Lock()
	t.reaped = true
	t.mu.Unlock()
	if err != nil {
		t.logger.Debug("subprocess exited", "command", t.command, "error", err)
	}
}

// Stop deactivates the transport, interrupts the reader, and destroys
// the subprocess: graceful (stdin close + wait) within the stop timeout,
// then forcibly. All pending futures fail with a TransportError.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return nil
	}
	t.active = false
	stdin := t.stdin
	cmd := t.cmd
	pending := t.pending
	t.pending = make(map[string]chan Result)
	readerDone := t.readerDone
	t.mu.Unlock()

	for _, future := range pending {
		future <- Result{Err: &errors.TransportError{Op: "request", Message: "transport closed"}}
	}

	// Closing stdin asks a well-behaved child to exit.
	if stdin != nil {
		_ = stdin.Close()
	}

	waited := make(chan struct{})
	go func() {
		t.reap(cmd)
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(t.stopTimeout):
		t.logger.Warn("subprocess did not exit gracefully, killing",
			"command", t.command,
		)
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waited
	}

	// The reader drains to EOF once the process is gone.
	if readerDone != nil {
		<-readerDone
	}

	t.logger.Debug("transport stopped", "command", t.command)
	return nil
}
