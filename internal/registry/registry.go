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

// Package registry implements the Agent Registry (spec §4.1): who is
// connected, with what capabilities, and whether they are healthy. It is the
// exclusive owner of AgentRecord mutation.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/pkg/eventlog"
	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
	"github.com/orbitmesh/orbitmesh/pkg/id"
)

// Config configures a Registry.
type Config struct {
	// HeartbeatTimeout is how long an agent may go without a heartbeat
	// before it is marked Disconnected.
	HeartbeatTimeout time.Duration

	// SweepInterval is how often the heartbeat monitor runs. Spec §4.1
	// requires this to be at most half of HeartbeatTimeout.
	SweepInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults: 30s heartbeat timeout, 10s sweep.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    10 * time.Second,
		Logger:           slog.Default(),
	}
}

// ReassignFunc is invoked by the heartbeat sweep once for every agent it
// disconnects, with that agent's id; the callee deals with the agent's
// in-flight jobs. The dispatcher supplies this so the registry never
// imports the dispatcher package.
type ReassignFunc func(ctx context.Context, agentID string)

// Registry tracks connected agents, their capabilities, groups, heartbeats
// and status, with O(1)-amortized capability/group lookups (spec §4.1).
type Registry struct {
	cfg    Config
	log    *slog.Logger
	events eventlog.Store

	mu         sync.RWMutex
	agents     map[string]*domain.AgentRecord
	bySession  map[string]string // sessionID -> agentID
	byCap      map[string]map[string]struct{}
	byGroup    map[string]map[string]struct{}

	onReassign ReassignFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Registry. events may be nil to skip event emission (tests).
func New(cfg Config, events eventlog.Store) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.HeartbeatTimeout / 2
	}
	return &Registry{
		cfg:       cfg,
		log:       cfg.Logger,
		events:    events,
		agents:    make(map[string]*domain.AgentRecord),
		bySession: make(map[string]string),
		byCap:     make(map[string]map[string]struct{}),
		byGroup:   make(map[string]map[string]struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// OnReassign registers the callback invoked for each agent the heartbeat
// sweep disconnects.
func (r *Registry) OnReassign(fn ReassignFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReassign = fn
}

// RegisterRequest describes an agent registering (or reconnecting).
type RegisterRequest struct {
	AgentID      string // if empty, the registry assigns one
	Name         string
	Group        string
	Capabilities []string
	Tags         []string
	SessionID    string
}

// Register is idempotent: re-registering an already-known agent id updates
// its session (most-recent wins) rather than creating a duplicate. If the
// agent was already connected under a different session, that previous
// session is returned so the caller can signal it to disconnect.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (rec *domain.AgentRecord, previousSessionID string, err error) {
	if req.SessionID == "" {
		return nil, "", &pkgerrors.ValidationError{Field: "sessionId", Message: "session id is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	agentID := req.AgentID
	if agentID == "" {
		agentID = id.New(id.KindAgent)
	}

	existing, wasKnown := r.agents[agentID]
	eventType := domain.EventAgentRegistered
	if wasKnown {
		eventType = domain.EventAgentReconnected
		previousSessionID = existing.SessionID
		if previousSessionID != "" {
			delete(r.bySession, previousSessionID)
		}
		r.removeFromIndices(existing)
		existing.Name = req.Name
		existing.Group = req.Group
		existing.Capabilities = domain.NewCapabilitySet(req.Capabilities...)
		existing.Tags = domain.NewCapabilitySet(req.Tags...)
		existing.Status = domain.AgentReady
		existing.SessionID = req.SessionID
		existing.LastHeartbeat = now
		existing.LastStatusAt = now
		rec = existing
	} else {
		rec = &domain.AgentRecord{
			ID:            agentID,
			Name:          req.Name,
			Group:         req.Group,
			Capabilities:  domain.NewCapabilitySet(req.Capabilities...),
			Tags:          domain.NewCapabilitySet(req.Tags...),
			Status:        domain.AgentReady,
			SessionID:     req.SessionID,
			LastHeartbeat: now,
			ReportedState: make(map[string]string),
			RegisteredAt:  now,
			LastStatusAt:  now,
		}
		r.agents[agentID] = rec
	}

	r.bySession[req.SessionID] = agentID
	r.addToIndices(rec)

	r.emit(ctx, agentID, eventType, map[string]any{
		"agentId": agentID, "sessionId": req.SessionID, "previousSessionId": previousSessionID,
	})

	r.log.Info("agent registered", "agent_id", agentID, "reconnect", wasKnown, "session_id", req.SessionID)
	return rec.Clone(), previousSessionID, nil
}

// Unregister removes the live session association for an agent (e.g. on
// graceful shutdown) and marks it Stopped.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return &pkgerrors.NotFoundError{Resource: "agent", ID: agentID}
	}
	if rec.SessionID != "" {
		delete(r.bySession, rec.SessionID)
	}
	r.removeFromIndices(rec)
	rec.Status = domain.AgentStopped
	rec.SessionID = ""
	rec.LastStatusAt = time.Now()
	r.mu.Unlock()

	r.emit(ctx, agentID, domain.EventAgentStatusChanged, map[string]any{"status": string(domain.AgentStopped)})
	return nil
}

// UpdateStatus transitions an agent's status under the registry lock.
func (r *Registry) UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return &pkgerrors.NotFoundError{Resource: "agent", ID: agentID}
	}
	r.removeFromIndices(rec)
	rec.Status = status
	rec.LastStatusAt = time.Now()
	r.addToIndices(rec)
	r.mu.Unlock()

	r.emit(ctx, agentID, domain.EventAgentStatusChanged, map[string]any{"status": string(status)})
	return nil
}

// UpdateHeartbeat records liveness and, optionally, a reported-state delta.
func (r *Registry) UpdateHeartbeat(_ context.Context, agentID string, reportedState map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return &pkgerrors.NotFoundError{Resource: "agent", ID: agentID}
	}
	rec.LastHeartbeat = time.Now()
	for k, v := range reportedState {
		rec.ReportedState[k] = v
	}
	return nil
}

// Get returns a cloned snapshot of one agent.
func (r *Registry) Get(agentID string) (*domain.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "agent", ID: agentID}
	}
	return rec.Clone(), nil
}

// GetBySession returns the agent currently holding sessionID, if any.
func (r *Registry) GetBySession(sessionID string) (*domain.AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agentID, ok := r.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return r.agents[agentID].Clone(), true
}

// GetAll returns every agent, including disconnected/stopped/faulted ones.
func (r *Registry) GetAll() []*domain.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec.Clone())
	}
	return out
}

// GetByCapability returns routable agents possessing the given capability.
// O(1) amortized via the capability index.
func (r *Registry) GetByCapability(capability string) []*domain.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byCap[capability]
	out := make([]*domain.AgentRecord, 0, len(ids))
	for agentID := range ids {
		if rec := r.agents[agentID]; rec != nil && rec.Status.Routable() {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// GetByGroup returns routable agents in the given group.
func (r *Registry) GetByGroup(group string) []*domain.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byGroup[group]
	out := make([]*domain.AgentRecord, 0, len(ids))
	for agentID := range ids {
		if rec := r.agents[agentID]; rec != nil && rec.Status.Routable() {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Filter narrows ListByFilter queries. TagGlob matches AgentRecord.Tags using
// doublestar glob syntax (e.g. "region-*"); empty means no filtering.
type Filter struct {
	Group          string
	Capability     string
	TagGlob        string
	IncludeOffline bool // if false (default), only routable agents are returned
}

// ListByFilter returns agents matching f. Disconnected/Stopping/Faulted
// agents are excluded unless IncludeOffline is set (spec §4.1).
func (r *Registry) ListByFilter(f Filter) []*domain.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates map[string]*domain.AgentRecord
	switch {
	case f.Group != "":
		candidates = make(map[string]*domain.AgentRecord)
		for agentID := range r.byGroup[f.Group] {
			candidates[agentID] = r.agents[agentID]
		}
	default:
		candidates = r.agents
	}

	out := make([]*domain.AgentRecord, 0, len(candidates))
	for _, rec := range candidates {
		if rec == nil {
			continue
		}
		if !f.IncludeOffline && !rec.Status.Routable() {
			continue
		}
		if f.Capability != "" && !rec.HasCapability(f.Capability) {
			continue
		}
		if f.TagGlob != "" && !matchesAnyTag(rec.Tags, f.TagGlob) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

func matchesAnyTag(tags map[string]struct{}, pattern string) bool {
	for t := range tags {
		if ok, _ := doublestar.Match(pattern, t); ok {
			return true
		}
	}
	return false
}

func (r *Registry) addToIndices(rec *domain.AgentRecord) {
	for cap := range rec.Capabilities {
		set, ok := r.byCap[cap]
		if !ok {
			set = make(map[string]struct{})
			r.byCap[cap] = set
		}
		set[rec.ID] = struct{}{}
	}
	if rec.Group != "" {
		set, ok := r.byGroup[rec.Group]
		if !ok {
			set = make(map[string]struct{})
			r.byGroup[rec.Group] = set
		}
		set[rec.ID] = struct{}{}
	}
}

func (r *Registry) removeFromIndices(rec *domain.AgentRecord) {
	for cap := range rec.Capabilities {
		delete(r.byCap[cap], rec.ID)
	}
	if rec.Group != "" {
		delete(r.byGroup[rec.Group], rec.ID)
	}
}

func (r *Registry) emit(ctx context.Context, agentID string, t domain.EventType, payload map[string]any) {
	if r.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Error("failed to marshal agent event payload", "error", err)
		return
	}
	streamID := "agent-" + agentID
	version, err := r.events.StreamVersion(ctx, streamID)
	if err != nil {
		r.log.Error("failed to read agent stream version", "error", err)
		return
	}
	if _, err := r.events.Append(ctx, streamID, []eventlog.NewEvent{{Type: t, Payload: data}}, version); err != nil {
		r.log.Error("failed to append agent event", "error", err, "event_type", t)
	}
}
