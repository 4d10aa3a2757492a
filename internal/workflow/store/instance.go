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

// Package store persists workflow definitions and running instances: an
// in-memory, CAS-guarded InstanceStore mirroring internal/jobstore's shape,
// and a file-backed, fsnotify-reloaded WorkflowDefinitionStore.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
	"github.com/orbitmesh/orbitmesh/pkg/eventlog"
)

// InstanceStore persists WorkflowInstance records with optimistic
// concurrency, the same CAS discipline internal/jobstore uses for Job.
type InstanceStore interface {
	Create(ctx context.Context, instance *domain.WorkflowInstance) error
	Get(ctx context.Context, id string) (*domain.WorkflowInstance, error)
	Transition(ctx context.Context, id string, expectedVersion uint64, mutate func(*domain.WorkflowInstance) error) (*domain.WorkflowInstance, error)
	// ListPausedWaitingFor returns Paused instances whose waiting step
	// matches eventType (and correlationKey, when non-empty).
	ListPausedWaitingFor(ctx context.Context, eventType, correlationKey string) ([]*domain.WorkflowInstance, error)
	// ListActive returns every instance not yet in a terminal status
	// (Pending, Running, Paused, Compensating), for engine recovery at boot.
	ListActive(ctx context.Context) ([]*domain.WorkflowInstance, error)
	// Emit appends an event for instanceID. Transition does not emit on the
	// engine's behalf since the engine's state changes are richer than a
	// single edge (e.g. one Transition call can both fail a step and move
	// the instance to Compensating), so the engine emits explicitly.
	Emit(ctx context.Context, instanceID string, t domain.EventType, payload map[string]any)
}

// MemoryInstanceStore is an in-process InstanceStore backed by a map.
type MemoryInstanceStore struct {
	events eventlog.Store

	mu        sync.RWMutex
	instances map[string]*domain.WorkflowInstance
}

// NewMemoryInstanceStore creates an empty store. events may be nil to skip
// event emission.
func NewMemoryInstanceStore(events eventlog.Store) *MemoryInstanceStore {
	return &MemoryInstanceStore{events: events, instances: make(map[string]*domain.WorkflowInstance)}
}

// Create implements InstanceStore.
func (s *MemoryInstanceStore) Create(ctx context.Context, instance *domain.WorkflowInstance) error {
	s.mu.Lock()
	if _, exists := s.instances[instance.ID]; exists {
		s.mu.Unlock()
		return &pkgerrors.ConflictError{Resource: "workflow_instance", ID: instance.ID, Reason: "already exists"}
	}
	instance.Version = 1
	s.instances[instance.ID] = cloneInstance(instance)
	s.mu.Unlock()

	s.Emit(ctx, instance.ID, domain.EventInstanceCreated, map[string]any{"workflow_id": instance.WorkflowID})
	return nil
}

// Get implements InstanceStore.
func (s *MemoryInstanceStore) Get(ctx context.Context, id string) (*domain.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "workflow_instance", ID: id}
	}
	return cloneInstance(inst), nil
}

// Transition implements InstanceStore.
func (s *MemoryInstanceStore) Transition(ctx context.Context, id string, expectedVersion uint64, mutate func(*domain.WorkflowInstance) error) (*domain.WorkflowInstance, error) {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return nil, &pkgerrors.NotFoundError{Resource: "workflow_instance", ID: id}
	}
	if inst.Version != expectedVersion {
		s.mu.Unlock()
		return nil, &pkgerrors.ConflictError{Resource: "workflow_instance", ID: id, Reason: "version mismatch"}
	}

	working := cloneInstance(inst)
	if err := mutate(working); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	working.Version = inst.Version + 1
	s.instances[id] = working
	result := cloneInstance(working)
	s.mu.Unlock()

	return result, nil
}

// ListPausedWaitingFor implements InstanceStore.
func (s *MemoryInstanceStore) ListPausedWaitingFor(ctx context.Context, eventType, correlationKey string) ([]*domain.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status != domain.InstancePaused {
			continue
		}
		waiting := inst.WaitingStep()
		if waiting == nil || waiting.Status != domain.StepInstanceWaitingForEvent {
			continue
		}
		if waiting.WaitEventType != eventType {
			continue
		}
		if correlationKey != "" && waiting.WaitCorrelationKey != correlationKey {
			continue
		}
		out = append(out, cloneInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListActive implements InstanceStore.
func (s *MemoryInstanceStore) ListActive(ctx context.Context) ([]*domain.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.WorkflowInstance
	for _, inst := range s.instances {
		if !inst.Status.Terminal() {
			out = append(out, cloneInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountByStatus returns the number of instances currently held per status,
// satisfying telemetry.InstanceCounter for the instances-by-status gauge.
func (s *MemoryInstanceStore) CountByStatus() map[domain.InstanceStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[domain.InstanceStatus]int)
	for _, inst := range s.instances {
		counts[inst.Status]++
	}
	return counts
}

// Emit implements InstanceStore.
func (s *MemoryInstanceStore) Emit(ctx context.Context, instanceID string, t domain.EventType, payload map[string]any) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	streamID := "workflow-instance-" + instanceID
	version, err := s.events.StreamVersion(ctx, streamID)
	if err != nil {
		return
	}
	_, _ = s.events.Append(ctx, streamID, []eventlog.NewEvent{{Type: t, Payload: data}}, version)
}

func cloneInstance(in *domain.WorkflowInstance) *domain.WorkflowInstance {
	if in == nil {
		return nil
	}
	out := *in
	out.Variables = cloneMap(in.Variables)
	out.Input = cloneMap(in.Input)
	out.Output = cloneMap(in.Output)
	out.CompletionOrder = append([]string(nil), in.CompletionOrder...)

	out.StepInstances = make(map[string]*domain.StepInstance, len(in.StepInstances))
	for k, v := range in.StepInstances {
		out.StepInstances[k] = cloneStepInstance(v)
	}

	if in.StartedAt != nil {
		t := *in.StartedAt
		out.StartedAt = &t
	}
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func cloneStepInstance(in *domain.StepInstance) *domain.StepInstance {
	if in == nil {
		return nil
	}
	out := *in
	out.Output = cloneMap(in.Output)
	out.WaitApprovers = append([]string(nil), in.WaitApprovers...)
	if in.StartedAt != nil {
		t := *in.StartedAt
		out.StartedAt = &t
	}
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		out.CompletedAt = &t
	}
	if in.WaitDeadline != nil {
		t := *in.WaitDeadline
		out.WaitDeadline = &t
	}
	branches := make([]domain.BranchResult, len(in.Branches))
	copy(branches, in.Branches)
	out.Branches = branches
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
