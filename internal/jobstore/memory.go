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

package jobstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/pkg/eventlog"
	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ JobStore  = (*MemoryStore)(nil)
	_ JobLister = (*MemoryStore)(nil)
)

// MemoryStore is an in-process JobStore/JobLister backed by a map, with
// secondary indices for status and assigned agent kept current under the
// same lock as the primary map (spec §4.3 indexed-lookup requirement).
type MemoryStore struct {
	events eventlog.Store

	mu        sync.RWMutex
	jobs      map[string]*domain.Job
	byStatus  map[domain.JobStatus]map[string]struct{}
	byAgent   map[string]map[string]struct{}
}

// NewMemoryStore creates an empty store. events may be nil to skip emission.
func NewMemoryStore(events eventlog.Store) *MemoryStore {
	return &MemoryStore{
		events:   events,
		jobs:     make(map[string]*domain.Job),
		byStatus: make(map[domain.JobStatus]map[string]struct{}),
		byAgent:  make(map[string]map[string]struct{}),
	}
}

// Create implements JobStore.
func (s *MemoryStore) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return &pkgerrors.ConflictError{Resource: "job", ID: job.ID, Reason: "already exists"}
	}
	job.Version = 1
	stored := job.Clone()
	s.jobs[job.ID] = stored
	s.indexAdd(stored)
	s.mu.Unlock()

	s.emit(ctx, job.ID, domain.EventJobCreated, map[string]any{"command": job.Command, "priority": job.Priority})
	return nil
}

// Get implements JobStore.
func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "job", ID: id}
	}
	return job.Clone(), nil
}

// Transition implements JobStore: it applies mutate to a private clone,
// validates the resulting status edge and the expectedVersion CAS, then
// commits.
func (s *MemoryStore) Transition(ctx context.Context, id string, expectedVersion uint64, mutate func(*domain.Job) error) (*domain.Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, &pkgerrors.NotFoundError{Resource: "job", ID: id}
	}
	if job.Version != expectedVersion {
		s.mu.Unlock()
		return nil, &pkgerrors.ConflictError{Resource: "job", ID: id, Reason: "version mismatch"}
	}

	working := job.Clone()
	fromStatus := working.Status
	if err := mutate(working); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !CanTransition(fromStatus, working.Status) {
		s.mu.Unlock()
		return nil, &pkgerrors.ConflictError{
			Resource: "job", ID: id,
			Reason: "illegal transition " + string(fromStatus) + " -> " + string(working.Status),
		}
	}

	s.indexRemove(job)
	working.Version = job.Version + 1
	s.jobs[id] = working
	s.indexAdd(working)
	result := working.Clone()
	s.mu.Unlock()

	s.emit(ctx, id, statusEventType(working.Status), map[string]any{"status": string(working.Status)})
	return result, nil
}

// List implements JobLister.
func (s *MemoryStore) List(ctx context.Context, filter domain.JobFilter, offset, limit int) ([]*domain.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidateIDs map[string]struct{}
	switch {
	case filter.Status != "":
		candidateIDs = s.byStatus[filter.Status]
	case filter.AssignedAgent != "":
		candidateIDs = s.byAgent[filter.AssignedAgent]
	}

	var matched []*domain.Job
	if candidateIDs != nil {
		for id := range candidateIDs {
			if job := s.jobs[id]; job != nil && matchesFilter(job, filter) {
				matched = append(matched, job)
			}
		}
	} else {
		for _, job := range s.jobs {
			if matchesFilter(job, filter) {
				matched = append(matched, job)
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	total := len(matched)

	if offset >= len(matched) {
		return nil, total, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*domain.Job, 0, end-offset)
	for _, job := range matched[offset:end] {
		out = append(out, job.Clone())
	}
	return out, total, nil
}

// CountByStatus implements JobLister.
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.JobStatus]int, len(s.byStatus))
	for status, ids := range s.byStatus {
		out[status] = len(ids)
	}
	return out, nil
}

func matchesFilter(job *domain.Job, f domain.JobFilter) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.AssignedAgent != "" && job.AssignedAgentID != f.AssignedAgent {
		return false
	}
	if f.Command != "" && job.Command != f.Command {
		return false
	}
	return true
}

func (s *MemoryStore) indexAdd(job *domain.Job) {
	set, ok := s.byStatus[job.Status]
	if !ok {
		set = make(map[string]struct{})
		s.byStatus[job.Status] = set
	}
	set[job.ID] = struct{}{}

	if job.AssignedAgentID != "" {
		set, ok := s.byAgent[job.AssignedAgentID]
		if !ok {
			set = make(map[string]struct{})
			s.byAgent[job.AssignedAgentID] = set
		}
		set[job.ID] = struct{}{}
	}
}

func (s *MemoryStore) indexRemove(job *domain.Job) {
	delete(s.byStatus[job.Status], job.ID)
	if job.AssignedAgentID != "" {
		delete(s.byAgent[job.AssignedAgentID], job.ID)
	}
}

func statusEventType(status domain.JobStatus) domain.EventType {
	switch status {
	case domain.JobAssigned:
		return domain.EventJobAssigned
	case domain.JobRunning:
		return domain.EventJobAcked
	case domain.JobCompleted:
		return domain.EventJobCompleted
	case domain.JobFailed:
		return domain.EventJobFailed
	case domain.JobTimedOut:
		return domain.EventJobTimedOut
	case domain.JobCancelled:
		return domain.EventJobCancelled
	default:
		return domain.EventJobCreated
	}
}

func (s *MemoryStore) emit(ctx context.Context, jobID string, t domain.EventType, payload map[string]any) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	streamID := "job-" + jobID
	version, err := s.events.StreamVersion(ctx, streamID)
	if err != nil {
		return
	}
	_, _ = s.events.Append(ctx, streamID, []eventlog.NewEvent{{Type: t, Payload: data}}, version)
}
