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

package event

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/maestro/internal/log"
)

// DefaultQueueSize is the bound on the per-emitter outbound queue.
const DefaultQueueSize = 1024

// Emitter serializes envelopes onto one client connection. Emit never
// blocks the caller beyond a queue append under a short mutex; a single
// writer goroutine drains the queue in FIFO order.
type Emitter struct {
	sessionID string
	w         io.Writer
	logger    *slog.Logger
	queueSize int

	mu       sync.Mutex
	queue    []Envelope
	closed   bool
	overrun  bool
	lastEmit time.Time
	wake     chan struct{}
	done     chan struct{}
	writeErr error
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithQueueSize overrides the bounded queue size.
func WithQueueSize(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithEmitterLogger sets the emitter's logger.
func WithEmitterLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = logger }
}

// newEmitter creates an emitter writing one JSON line per envelope to w
// and starts its writer goroutine. Constructed through the Dispatcher.
func newEmitter(sessionID string, w io.Writer, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		sessionID: sessionID,
		w:         w,
		logger:    slog.Default(),
		queueSize: DefaultQueueSize,
		lastEmit:  time.Now(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.writeLoop()
	return e
}

// SessionID returns the owning session's id.
func (e *Emitter) SessionID() string { return e.sessionID }

// Emit enqueues the envelope for delivery. It never blocks. When the
// queue is full, droppable envelopes (heartbeats, chat deltas) are shed
// oldest-first to make room; if no room can be made for a non-droppable
// envelope, the emitter records a stream overrun and closes with a
// system/error envelope. Emit on a closed emitter is a silent drop.
func (e *Emitter) Emit(env Envelope) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	if len(e.queue) >= e.queueSize {
		if !e.shedLocked() {
			if env.Droppable() {
				e.mu.Unlock()
				return
			}
			// Queue full of non-droppable events: overrun.
			e.overrun = true
			e.closed = true
			e.queue = append(e.queue, NewBuilder(DomainSystem, SystemError).
				Field("message", "event stream overrun").
				Field("code", "stream-overrun").
				Build())
			e.mu.Unlock()
			e.signal()
			e.logger.Warn("emitter overrun, closing stream",
				log.SessionIDKey, e.sessionID,
			)
			return
		}
	}

	e.queue = append(e.queue, env)
	// Heartbeats do not count as activity for idle cleanup.
	if !(env.Header.Domain == DomainSystem && env.Header.Type == SystemHeartbeat) {
		e.lastEmit = time.Now()
	}
	e.mu.Unlock()
	e.signal()
}

// shedLocked drops the oldest droppable envelope from the queue.
// Returns false if the queue holds only non-droppable envelopes.
func (e *Emitter) shedLocked() bool {
	for i, queued := range e.queue {
		if queued.Droppable() {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// writeLoop drains the queue to the connection in FIFO order.
func (e *Emitter) writeLoop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			if e.closed {
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			<-e.wake
			continue
		}
		env := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		line, err := env.Marshal()
		if err != nil {
			e.logger.Error("failed to marshal envelope",
				log.SessionIDKey, e.sessionID,
				"error", err,
			)
			continue
		}
		if _, err := e.w.Write(append(line, '\n')); err != nil {
			e.mu.Lock()
			e.writeErr = err
			e.closed = true
			e.queue = nil
			e.mu.Unlock()
			e.logger.Warn("emitter write failed, closing",
				log.SessionIDKey, e.sessionID,
				"error", err,
			)
			return
		}
		if f, ok := e.w.(interface{ Flush() error }); ok {
			_ = f.Flush()
		}
	}
}

// Close flushes queued envelopes and transitions to closed. Subsequent
// Emit calls are silently dropped. Close is idempotent.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.signal()
	<-e.done
}

// Overrun reports whether the emitter closed due to a stream overrun.
func (e *Emitter) Overrun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overrun
}

// Closed reports whether the emitter has transitioned to closed.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// LastEmit returns the time of the last accepted Emit call. The
// dispatcher uses this for idle cleanup.
func (e *Emitter) LastEmit() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastEmit
}
