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

package router_test

import (
	"testing"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/internal/router"
	"github.com/stretchr/testify/require"
)

func agent(id string) *domain.AgentRecord {
	return &domain.AgentRecord{ID: id, Status: domain.AgentReady, Capabilities: domain.NewCapabilitySet("gpu")}
}

func TestRoute_RoundRobinCyclesThroughCandidates(t *testing.T) {
	snap := router.Snapshot{Agents: []*domain.AgentRecord{agent("a"), agent("b"), agent("c")}}
	cursor := &router.Cursor{}

	var picked []string
	for i := 0; i < 4; i++ {
		a, err := router.Route(snap, router.Request{Policy: router.PolicyRoundRobin}, cursor)
		require.NoError(t, err)
		picked = append(picked, a.ID)
	}
	require.Equal(t, []string{"a", "b", "c", "a"}, picked)
}

func TestRoute_LeastConnections(t *testing.T) {
	snap := router.Snapshot{
		Agents:          []*domain.AgentRecord{agent("a"), agent("b")},
		JobCountByAgent: map[string]int{"a": 5, "b": 1},
	}
	picked, err := router.Route(snap, router.Request{Policy: router.PolicyLeastConnections}, nil)
	require.NoError(t, err)
	require.Equal(t, "b", picked.ID)
}

func TestRoute_PreferredAgentWithFallback(t *testing.T) {
	snap := router.Snapshot{Agents: []*domain.AgentRecord{agent("a"), agent("b")}}

	picked, err := router.Route(snap, router.Request{Policy: router.PolicyPreferredAgentWithFallback, TargetAgentID: "b"}, nil)
	require.NoError(t, err)
	require.Equal(t, "b", picked.ID)

	// preferred agent offline/absent -> falls back
	picked, err = router.Route(snap, router.Request{Policy: router.PolicyPreferredAgentWithFallback, TargetAgentID: "missing"}, nil)
	require.NoError(t, err)
	require.Contains(t, []string{"a", "b"}, picked.ID)
}

func TestRoute_FiltersByCapability(t *testing.T) {
	noGPU := &domain.AgentRecord{ID: "c", Status: domain.AgentReady, Capabilities: domain.NewCapabilitySet("cpu")}
	snap := router.Snapshot{Agents: []*domain.AgentRecord{agent("a"), noGPU}}

	picked, err := router.Route(snap, router.Request{
		Policy:               router.PolicyRoundRobin,
		RequiredCapabilities: domain.NewCapabilitySet("gpu"),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "a", picked.ID)
}

func TestRoute_NoCandidatesReturnsNotFound(t *testing.T) {
	_, err := router.Route(router.Snapshot{}, router.Request{Policy: router.PolicyRoundRobin}, nil)
	require.Error(t, err)
}
