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

package jobstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/internal/jobstore"
	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newJob(id string) *domain.Job {
	return &domain.Job{ID: id, Command: "noop", Status: domain.JobPending, CreatedAt: time.Now()}
}

func TestMemoryStore_CreateAndTransition(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore(nil)

	job := newJob("job_1")
	require.NoError(t, store.Create(ctx, job))

	got, err := store.Get(ctx, "job_1")
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, got.Status)
	require.Equal(t, uint64(1), got.Version)

	updated, err := store.Transition(ctx, "job_1", 1, func(j *domain.Job) error {
		j.Status = domain.JobAssigned
		j.AssignedAgentID = "agt_1"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobAssigned, updated.Status)
	require.Equal(t, uint64(2), updated.Version)
}

func TestMemoryStore_TransitionRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore(nil)
	require.NoError(t, store.Create(ctx, newJob("job_1")))

	_, err := store.Transition(ctx, "job_1", 99, func(j *domain.Job) error {
		j.Status = domain.JobAssigned
		return nil
	})
	require.Error(t, err)
	var conflict *pkgerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestMemoryStore_TransitionRejectsIllegalEdge(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore(nil)
	require.NoError(t, store.Create(ctx, newJob("job_1")))

	_, err := store.Transition(ctx, "job_1", 1, func(j *domain.Job) error {
		j.Status = domain.JobCompleted // Pending -> Completed is not a legal edge
		return nil
	})
	require.Error(t, err)
}

func TestMemoryStore_ListByStatusAndAgent(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore(nil)

	require.NoError(t, store.Create(ctx, newJob("job_1")))
	require.NoError(t, store.Create(ctx, newJob("job_2")))
	_, err := store.Transition(ctx, "job_2", 1, func(j *domain.Job) error {
		j.Status = domain.JobAssigned
		j.AssignedAgentID = "agt_1"
		return nil
	})
	require.NoError(t, err)

	pending, total, err := store.List(ctx, domain.JobFilter{Status: domain.JobPending}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, pending, 1)
	require.Equal(t, "job_1", pending[0].ID)

	byAgent, total, err := store.List(ctx, domain.JobFilter{AssignedAgent: "agt_1"}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, byAgent, 1)
	require.Equal(t, "job_2", byAgent[0].ID)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[domain.JobPending])
	require.Equal(t, 1, counts[domain.JobAssigned])
}

func TestTransitions_CanTransition(t *testing.T) {
	require.True(t, jobstore.CanTransition(domain.JobPending, domain.JobAssigned))
	require.True(t, jobstore.CanTransition(domain.JobAssigned, domain.JobPending)) // ack timeout
	require.False(t, jobstore.CanTransition(domain.JobPending, domain.JobCompleted))
	require.False(t, jobstore.CanTransition(domain.JobCompleted, domain.JobRunning))
}
