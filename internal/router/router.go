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

// Package router selects the agent a job should be assigned to. Route is a
// pure function of its arguments — no locks, no I/O — so the dispatcher can
// call it without holding the registry lock and so it's trivially testable
// (spec §4.4). The ordered-candidate-list-with-fallback shape is grounded on
// pkg/llm's FailoverProvider, which tries providers in order and reports why
// each one was skipped.
package router

import (
	"math/rand"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
)

// Policy selects which strategy Route uses to break ties among candidates.
type Policy string

const (
	PolicyRoundRobin               Policy = "RoundRobin"
	PolicyLeastConnections          Policy = "LeastConnections"
	PolicyRandom                    Policy = "Random"
	PolicyPreferredAgentWithFallback Policy = "PreferredAgentWithFallback"
)

// Request describes what a job needs from a candidate agent.
type Request struct {
	Policy               Policy
	TargetAgentID        string // used by PreferredAgentWithFallback
	TargetGroup          string
	RequiredCapabilities map[string]struct{}
}

// Cursor holds round-robin state across calls to Route. Callers own its
// lifetime (typically one Cursor per group/capability bucket) and must
// serialize access to it themselves; Route mutates it.
type Cursor struct {
	next int
}

// Snapshot is everything Route needs about the fleet: a point-in-time copy
// of candidate agents plus how many jobs are currently assigned to each, so
// Route never has to call back into the registry or job store.
type Snapshot struct {
	Agents       []*domain.AgentRecord
	JobCountByAgent map[string]int
}

// Route picks one agent for req out of snap, or a NotFoundError if none
// qualify. For every policy except PolicyRandom it is deterministic: same
// inputs (including *cursor) produce the same decision.
func Route(snap Snapshot, req Request, cursor *Cursor) (*domain.AgentRecord, error) {
	candidates := filterCandidates(snap.Agents, req)
	if len(candidates) == 0 {
		return nil, &pkgerrors.NotFoundError{Resource: "routable_agent", ID: req.TargetGroup}
	}

	switch req.Policy {
	case PolicyPreferredAgentWithFallback:
		if req.TargetAgentID != "" {
			for _, a := range candidates {
				if a.ID == req.TargetAgentID {
					return a, nil
				}
			}
		}
		return leastConnections(candidates, snap.JobCountByAgent), nil

	case PolicyLeastConnections:
		return leastConnections(candidates, snap.JobCountByAgent), nil

	case PolicyRandom:
		return candidates[rand.Intn(len(candidates))], nil

	case PolicyRoundRobin:
		fallthrough
	default:
		if cursor == nil {
			cursor = &Cursor{}
		}
		idx := cursor.next % len(candidates)
		cursor.next = (cursor.next + 1) % len(candidates)
		return candidates[idx], nil
	}
}

func filterCandidates(agents []*domain.AgentRecord, req Request) []*domain.AgentRecord {
	out := make([]*domain.AgentRecord, 0, len(agents))
	for _, a := range agents {
		if !a.Status.Routable() {
			continue
		}
		if req.TargetGroup != "" && a.Group != req.TargetGroup {
			continue
		}
		if len(req.RequiredCapabilities) > 0 && !a.HasAllCapabilities(req.RequiredCapabilities) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func leastConnections(candidates []*domain.AgentRecord, counts map[string]int) *domain.AgentRecord {
	best := candidates[0]
	bestCount := counts[best.ID]
	for _, a := range candidates[1:] {
		if c := counts[a.ID]; c < bestCount {
			best, bestCount = a, c
		}
	}
	return best
}
