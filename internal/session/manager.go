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

package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/event"
)

// Session is one connected client. Flows launched on its behalf derive
// from Context so closing the session cancels them.
type Session struct {
	id        string
	emitter   *event.Emitter
	ctx       context.Context
	cancel    context.CancelFunc
	createdAt time.Time
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Emitter returns the session's event emitter.
func (s *Session) Emitter() *event.Emitter { return s.emitter }

// Context returns the session's cancellation scope.
func (s *Session) Context() context.Context { return s.ctx }

// Manager owns the session table. It registers emitters with the
// dispatcher and mints resume tokens for suspended interactions.
type Manager struct {
	dispatcher *event.Dispatcher
	issuer     *TokenIssuer
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a session manager over the dispatcher.
func NewManager(dispatcher *event.Dispatcher, issuer *TokenIssuer, opts ...ManagerOption) *Manager {
	m := &Manager{
		dispatcher: dispatcher,
		issuer:     issuer,
		logger:     slog.Default(),
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open creates a session, registers its emitter on the dispatcher, and
// announces the connection. Fails if the session id is already in use.
func (m *Manager) Open(ctx context.Context, sessionID string, w io.Writer) (*Session, error) {
	em, err := m.dispatcher.Register(sessionID, w)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:        sessionID,
		emitter:   em,
		ctx:       sctx,
		cancel:    cancel,
		createdAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	em.Emit(event.NewBuilder(event.DomainSystem, event.SystemConnected).
		Field("sessionId", sessionID).
		Build())
	m.logger.Info("session opened", log.SessionIDKey, sessionID)
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "session", ID: sessionID}
	}
	return s, nil
}

// Close cancels the session's scope and unregisters its emitter.
// Unknown sessions are a no-op.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	s.cancel()
	m.dispatcher.Unregister(sessionID)
	m.logger.Info("session closed", log.SessionIDKey, sessionID)
}

// CloseAll tears down every session, typically at daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Suspend emits an interaction/suspend envelope carrying a signed resume
// token. The prompt map is merged into the envelope data.
func (m *Manager) Suspend(sessionID, interactionID string, prompt map[string]any) (string, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}

	token, expiresAt, err := m.issuer.Mint(sessionID, interactionID)
	if err != nil {
		return "", err
	}

	s.emitter.Emit(event.NewBuilder(event.DomainInteraction, event.InteractionSuspend).
		Data(prompt).
		Field("interactionId", interactionID).
		Field("resumeToken", token).
		Field("expiresAt", expiresAt.UTC().UnixMilli()).
		Build())
	m.logger.Debug("interaction suspended",
		log.SessionIDKey, sessionID,
		"interaction_id", interactionID,
	)
	return token, nil
}

// Resume verifies a resume token and emits an interaction/resume
// envelope carrying the client's payload. Returns the interaction id
// the token was minted for.
func (m *Manager) Resume(token string, payload map[string]any) (string, error) {
	claims, err := m.issuer.Verify(token)
	if err != nil {
		return "", err
	}

	s, err := m.Get(claims.SessionID)
	if err != nil {
		return "", err
	}

	s.emitter.Emit(event.NewBuilder(event.DomainInteraction, event.InteractionResume).
		Data(payload).
		Field("interactionId", claims.InteractionID).
		Build())
	m.logger.Debug("interaction resumed",
		log.SessionIDKey, claims.SessionID,
		"interaction_id", claims.InteractionID,
	)
	return claims.InteractionID, nil
}
