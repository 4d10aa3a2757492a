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

package registry

import (
	"context"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/domain"
)

// StartHeartbeatSweep launches the periodic task that finds agents whose
// lastHeartbeat + heartbeatTimeout has elapsed, marks them Disconnected,
// releases their session, and invokes the reassign callback for their
// in-flight jobs (spec §4.1). It runs as a single ticker rather than one
// timer per agent, keeping the timer count O(1) regardless of fleet size
// (spec §5 "Timeouts").
func (r *Registry) StartHeartbeatSweep(ctx context.Context) {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sweepOnce(ctx)
			}
		}
	}()
}

// Stop halts the heartbeat sweep goroutine.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

func (r *Registry) sweepOnce(ctx context.Context) {
	deadline := time.Now().Add(-r.cfg.HeartbeatTimeout)

	r.mu.Lock()
	var toDisconnect []string
	for agentID, rec := range r.agents {
		if !rec.Status.Connected() {
			continue
		}
		if rec.LastHeartbeat.Before(deadline) {
			toDisconnect = append(toDisconnect, agentID)
		}
	}
	for _, agentID := range toDisconnect {
		rec := r.agents[agentID]
		r.removeFromIndices(rec)
		if rec.SessionID != "" {
			delete(r.bySession, rec.SessionID)
		}
		rec.Status = domain.AgentDisconnected
		rec.SessionID = ""
		rec.LastStatusAt = time.Now()
	}
	reassign := r.onReassign
	r.mu.Unlock()

	for _, agentID := range toDisconnect {
		r.emit(ctx, agentID, domain.EventAgentDisconnected, map[string]any{"reason": "heartbeat_timeout"})
		r.log.Warn("agent disconnected: heartbeat timeout", "agent_id", agentID)
		if reassign != nil {
			reassign(ctx, agentID)
		}
	}
}
