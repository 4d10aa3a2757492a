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

package stepexec_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/internal/stepexec"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	nextID    int
	completeAfter time.Duration
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: map[string]*domain.Job{}} }

func (f *fakeJobs) Enqueue(ctx context.Context, req domain.JobRequest) (*domain.Job, error) {
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("job_%d", f.nextID)
	job := &domain.Job{ID: id, Status: domain.JobRunning, Command: req.Command}
	f.jobs[id] = job
	f.mu.Unlock()

	go func() {
		time.Sleep(f.completeAfter)
		f.mu.Lock()
		job.Status = domain.JobCompleted
		job.Result = []byte("ok")
		f.mu.Unlock()
	}()

	return job, nil
}

func (f *fakeJobs) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID]; ok {
		j.Status = domain.JobCancelled
	}
	return nil
}

func (f *fakeJobs) Get(ctx context.Context, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id].Clone(), nil
}

func TestExecutor_Job(t *testing.T) {
	jobs := newFakeJobs()
	jobs.completeAfter = 10 * time.Millisecond
	ex := stepexec.New(stepexec.WithJobRunner(jobs, jobs), stepexec.WithPollInterval(5*time.Millisecond))

	step := &domain.WorkflowStep{ID: "s1", Type: domain.StepJob, Config: map[string]any{"command": "do-thing"}}
	instance := &domain.WorkflowInstance{ID: "inst_1"}

	res, err := ex.Execute(context.Background(), instance, step, map[string]any{}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StepInstanceCompleted, res.Status)
	require.Equal(t, "ok", res.Output["result"])
}

func TestExecutor_Delay(t *testing.T) {
	ex := stepexec.New()
	step := &domain.WorkflowStep{ID: "s1", Type: domain.StepDelay, Config: map[string]any{"duration": "10ms"}}
	instance := &domain.WorkflowInstance{ID: "inst_1"}

	start := time.Now()
	res, err := ex.Execute(context.Background(), instance, step, map[string]any{}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StepInstanceCompleted, res.Status)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestExecutor_Transform(t *testing.T) {
	ex := stepexec.New()
	step := &domain.WorkflowStep{ID: "s1", Type: domain.StepTransform, Config: map[string]any{"expression": "inputs.count + 1"}}
	instance := &domain.WorkflowInstance{ID: "inst_1"}
	vars := map[string]any{"inputs": map[string]any{"count": 2.0}}

	res, err := ex.Execute(context.Background(), instance, step, vars, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StepInstanceCompleted, res.Status)
	require.Equal(t, 3.0, res.Output["value"])
}

func TestExecutor_TransformJQMode(t *testing.T) {
	ex := stepexec.New()
	step := &domain.WorkflowStep{
		ID:   "s1",
		Type: domain.StepTransform,
		Config: map[string]any{
			"query": ".items | length",
			"input": map[string]any{"items": []any{"a", "b", "c"}},
		},
	}
	instance := &domain.WorkflowInstance{ID: "inst_1"}

	res, err := ex.Execute(context.Background(), instance, step, map[string]any{}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StepInstanceCompleted, res.Status)
	require.Equal(t, 3, res.Output["value"])
}

func TestExecutor_Conditional(t *testing.T) {
	ex := stepexec.New()
	step := &domain.WorkflowStep{
		ID:   "s1",
		Type: domain.StepConditional,
		Config: map[string]any{"expression": "inputs.ok == true"},
		Then: []domain.WorkflowStep{
			{ID: "then1", Type: domain.StepLog, Config: map[string]any{"message": "yes"}},
		},
		Else: []domain.WorkflowStep{
			{ID: "else1", Type: domain.StepLog, Config: map[string]any{"message": "no"}},
		},
	}
	instance := &domain.WorkflowInstance{ID: "inst_1"}
	vars := map[string]any{"inputs": map[string]any{"ok": true}}

	runBranch := func(ctx context.Context, s *domain.WorkflowStep, v map[string]any) (*stepexec.StepResult, error) {
		return ex.Execute(ctx, instance, s, v, nil)
	}

	res, err := ex.Execute(context.Background(), instance, step, vars, runBranch)
	require.NoError(t, err)
	require.Equal(t, domain.StepInstanceCompleted, res.Status)
	require.Equal(t, "yes", res.Output["message"])
}

func TestExecutor_ForEachSequential(t *testing.T) {
	ex := stepexec.New()
	step := &domain.WorkflowStep{
		ID:   "s1",
		Type: domain.StepForEach,
		Config: map[string]any{
			"collection":   "inputs.items",
			"itemVariable": "it",
		},
		Body: []domain.WorkflowStep{
			{ID: "body1", Type: domain.StepTransform, Config: map[string]any{"expression": "it"}},
		},
	}
	instance := &domain.WorkflowInstance{ID: "inst_1"}
	vars := map[string]any{"inputs": map[string]any{"items": []any{"a", "b", "c"}}}

	var callCount int
	var mu sync.Mutex
	runBranch := func(ctx context.Context, s *domain.WorkflowStep, v map[string]any) (*stepexec.StepResult, error) {
		mu.Lock()
		callCount++
		mu.Unlock()
		return ex.Execute(ctx, instance, s, v, nil)
	}

	res, err := ex.Execute(context.Background(), instance, step, vars, runBranch)
	require.NoError(t, err)
	require.Equal(t, domain.StepInstanceCompleted, res.Status)
	require.Equal(t, 3, callCount)
	items := res.Output["items"].([]any)
	require.Len(t, items, 3)
}

func TestExecutor_ParallelFailFast(t *testing.T) {
	ex := stepexec.New()
	step := &domain.WorkflowStep{
		ID:   "s1",
		Type: domain.StepParallel,
		Config: map[string]any{"failFast": true},
		Branches: []domain.WorkflowStep{
			{ID: "b1", Type: domain.StepLog, Config: map[string]any{"message": "ok"}},
			{ID: "b2", Type: domain.StepTransform, Config: map[string]any{"expression": "1 / 0"}},
		},
	}
	instance := &domain.WorkflowInstance{ID: "inst_1"}

	runBranch := func(ctx context.Context, s *domain.WorkflowStep, v map[string]any) (*stepexec.StepResult, error) {
		return ex.Execute(ctx, instance, s, v, nil)
	}

	res, err := ex.Execute(context.Background(), instance, step, map[string]any{}, runBranch)
	require.Error(t, err)
	require.Equal(t, domain.StepInstanceFailed, res.Status)
}

func TestExecutor_WaitForEvent(t *testing.T) {
	ex := stepexec.New()
	step := &domain.WorkflowStep{ID: "s1", Type: domain.StepWaitForEvent, Config: map[string]any{"eventType": "deploy.finished"}}
	instance := &domain.WorkflowInstance{ID: "inst_1"}

	res, err := ex.Execute(context.Background(), instance, step, map[string]any{}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StepInstanceWaitingForEvent, res.Status)
	require.Equal(t, "deploy.finished", res.WaitEventType)
}
