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
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/pkg/errors"
)

const (
	// DefaultHeartbeatInterval is how often heartbeats go out on every
	// registered emitter to keep intermediaries from closing idle
	// connections.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultIdleTTL is how long an emitter may go without a successful
	// emit before idle cleanup unregisters it.
	DefaultIdleTTL = 30 * time.Minute
)

// Dispatcher owns the per-session emitter map. It is constructed once at
// the composition root and passed by reference.
type Dispatcher struct {
	mu       sync.Mutex
	emitters map[string]*Emitter

	heartbeatInterval time.Duration
	idleTTL           time.Duration
	emitterOpts       []EmitterOption
	logger            *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.heartbeatInterval = d
		}
	}
}

// WithIdleTTL overrides the idle emitter TTL.
func WithIdleTTL(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.idleTTL = d
		}
	}
}

// WithEmitterOptions sets options applied to every registered emitter.
func WithEmitterOptions(opts ...EmitterOption) DispatcherOption {
	return func(dp *Dispatcher) { dp.emitterOpts = opts }
}

// WithDispatcherLogger sets the dispatcher's logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(dp *Dispatcher) { dp.logger = logger }
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		emitters:          make(map[string]*Emitter),
		heartbeatInterval: DefaultHeartbeatInterval,
		idleTTL:           DefaultIdleTTL,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register creates an emitter for the session writing to w. Fails if the
// session already has one.
func (d *Dispatcher) Register(sessionID string, w io.Writer) (*Emitter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.emitters[sessionID]; exists {
		return nil, &errors.ValidationError{
			Field:   "sessionId",
			Message: "session already has an emitter: " + sessionID,
		}
	}

	em := newEmitter(sessionID, w, d.emitterOpts...)
	d.emitters[sessionID] = em
	d.logger.Debug("emitter registered", log.SessionIDKey, sessionID)
	return em, nil
}

// Unregister closes and removes the session's emitter. Unknown sessions
// are a no-op.
func (d *Dispatcher) Unregister(sessionID string) {
	d.mu.Lock()
	em, ok := d.emitters[sessionID]
	if ok {
		delete(d.emitters, sessionID)
	}
	d.mu.Unlock()

	if ok {
		em.Close()
		d.logger.Debug("emitter unregistered", log.SessionIDKey, sessionID)
	}
}

// Get returns the emitter for a session.
func (d *Dispatcher) Get(sessionID string) (*Emitter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	em, ok := d.emitters[sessionID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "session", ID: sessionID}
	}
	return em, nil
}

// Broadcast sends the envelope to every emitter whose session id
// satisfies the predicate. A nil predicate matches all. Best-effort:
// per-emitter backpressure policy applies independently.
func (d *Dispatcher) Broadcast(env Envelope, predicate func(sessionID string) bool) {
	for _, em := range d.snapshot() {
		if predicate == nil || predicate(em.SessionID()) {
			em.Emit(env)
		}
	}
}

func (d *Dispatcher) snapshot() []*Emitter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Emitter, 0, len(d.emitters))
	for _, em := range d.emitters {
		out = append(out, em)
	}
	return out
}

// Len returns the number of registered emitters.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.emitters)
}

// Run drives heartbeats and idle cleanup until the context is cancelled.
// The composition root owns this goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	heartbeat := time.NewTicker(d.heartbeatInterval)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(d.idleTTL / 4)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			d.closeAll()
			return
		case <-heartbeat.C:
			env := NewEnvelope(DomainSystem, SystemHeartbeat, nil)
			for _, em := range d.snapshot() {
				em.Emit(env)
			}
		case <-cleanup.C:
			d.cleanupIdle()
		}
	}
}

// cleanupIdle unregisters emitters whose last successful emit is older
// than the idle TTL, and removes emitters that closed themselves.
func (d *Dispatcher) cleanupIdle() {
	cutoff := time.Now().Add(-d.idleTTL)
	for _, em := range d.snapshot() {
		if em.Closed() || em.LastEmit().Before(cutoff) {
			d.logger.Info("unregistering idle emitter", log.SessionIDKey, em.SessionID())
			d.Unregister(em.SessionID())
		}
	}
}

func (d *Dispatcher) closeAll() {
	for _, em := range d.snapshot() {
		d.Unregister(em.SessionID())
	}
}
