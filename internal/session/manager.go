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
	"encoding/json"
	"log/slog"
	"sync"

	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
)

// Manager owns the live Session for every connected agent and is the only
// component dispatching RPCs across the fleet; the dispatcher calls through
// it rather than holding Sessions directly (spec §4.2).
type Manager struct {
	log     *slog.Logger
	handler Handler

	mu       sync.RWMutex
	sessions map[string]*Session // sessionID -> Session
	byAgent  map[string]string   // agentID -> sessionID
}

// NewManager creates a Manager. handler processes every inbound request
// from every agent the manager accepts.
func NewManager(handler Handler, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		handler:  handler,
		sessions: make(map[string]*Session),
		byAgent:  make(map[string]string),
	}
}

// Accept registers a freshly established Transport as sessionID for agentID.
// If the agent already held a different session, that old Session is closed
// (the registry's most-recent-session-wins policy is enforced by the caller;
// Accept just makes the manager's bookkeeping match).
func (m *Manager) Accept(agentID, sessionID string, transport Transport) *Session {
	s := New(agentID, sessionID, transport, m.handler, m.log)

	m.mu.Lock()
	if oldSessionID, ok := m.byAgent[agentID]; ok && oldSessionID != sessionID {
		if old, ok := m.sessions[oldSessionID]; ok {
			delete(m.sessions, oldSessionID)
			go old.Close()
		}
	}
	m.sessions[sessionID] = s
	m.byAgent[agentID] = sessionID
	m.mu.Unlock()

	return s
}

// Get returns the live session for an agent, if any.
func (m *Manager) Get(agentID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessionID, ok := m.byAgent[agentID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Remove drops bookkeeping for a closed session without closing it again
// (used when readLoop already observed the loss).
func (m *Manager) Remove(agentID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byAgent[agentID]; ok && cur == sessionID {
		delete(m.byAgent, agentID)
	}
	delete(m.sessions, sessionID)
}

// Call invokes method against the given agent's live session, or returns
// SessionLostError immediately if the agent has no connected session.
func (m *Manager) Call(ctx context.Context, agentID, method string, params any) (json.RawMessage, error) {
	s, ok := m.Get(agentID)
	if !ok {
		return nil, &pkgerrors.SessionLostError{AgentID: agentID, Cause: ErrTransportClosed}
	}
	return s.Call(ctx, method, params)
}

// CloseAgent closes and forgets the session held by agentID, if any.
func (m *Manager) CloseAgent(agentID string) error {
	m.mu.Lock()
	sessionID, ok := m.byAgent[agentID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	s := m.sessions[sessionID]
	delete(m.byAgent, agentID)
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if s != nil {
		return s.Close()
	}
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
