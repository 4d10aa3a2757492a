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

package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/internal/stepexec"
	"github.com/orbitmesh/orbitmesh/internal/workflow/engine"
	"github.com/orbitmesh/orbitmesh/internal/workflow/store"
	"github.com/orbitmesh/orbitmesh/pkg/eventlog"
)

type fakeDefs struct {
	mu   sync.Mutex
	defs map[string]*domain.WorkflowDefinition
}

func newFakeDefs(defs ...*domain.WorkflowDefinition) *fakeDefs {
	f := &fakeDefs{defs: map[string]*domain.WorkflowDefinition{}}
	for _, d := range defs {
		f.defs[d.ID] = d
	}
	return f
}

func (f *fakeDefs) Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.defs[id]
	if !ok {
		return nil, &notFound{id}
	}
	return d, nil
}

type notFound struct{ id string }

func (e *notFound) Error() string { return "not found: " + e.id }

func waitForStatus(t *testing.T, instances store.InstanceStore, id string, want domain.InstanceStatus) *domain.WorkflowInstance {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := instances.Get(context.Background(), id)
		require.NoError(t, err)
		if inst.Status == want {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached status %s", id, want)
	return nil
}

func TestEngine_SequentialCompletion(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "wfd_seq", Version: 1, Enabled: true,
		Steps: []domain.WorkflowStep{
			{ID: "a", Type: domain.StepLog, Config: map[string]any{"message": "first"}, OutputVariable: "aOut"},
			{ID: "b", Type: domain.StepLog, Config: map[string]any{"message": "second"}, DependsOn: []string{"a"}},
		},
	}
	defs := newFakeDefs(def)
	instances := store.NewMemoryInstanceStore(eventlog.NewMemoryStore())
	exec := stepexec.New()
	eng := engine.New(defs, instances, exec, nil, engine.DefaultConfig())

	inst, err := eng.Start(context.Background(), "wfd_seq", map[string]any{}, "")
	require.NoError(t, err)

	final := waitForStatus(t, instances, inst.ID, domain.InstanceCompleted)
	require.Equal(t, domain.StepInstanceCompleted, final.StepInstances["a"].Status)
	require.Equal(t, domain.StepInstanceCompleted, final.StepInstances["b"].Status)
}

func TestEngine_ConditionalSkip(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "wfd_cond", Version: 1, Enabled: true,
		Steps: []domain.WorkflowStep{
			{ID: "a", Type: domain.StepLog, Condition: "inputs.run == true", Config: map[string]any{"message": "ran"}},
		},
	}
	defs := newFakeDefs(def)
	instances := store.NewMemoryInstanceStore(eventlog.NewMemoryStore())
	exec := stepexec.New()
	eng := engine.New(defs, instances, exec, nil, engine.DefaultConfig())

	inst, err := eng.Start(context.Background(), "wfd_cond", map[string]any{"inputs": map[string]any{"run": false}}, "")
	require.NoError(t, err)

	final := waitForStatus(t, instances, inst.ID, domain.InstanceCompleted)
	require.Equal(t, domain.StepInstanceSkipped, final.StepInstances["a"].Status)
}

func TestEngine_PauseAndResumeOnEvent(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "wfd_wait", Version: 1, Enabled: true,
		Steps: []domain.WorkflowStep{
			{ID: "a", Type: domain.StepWaitForEvent, Config: map[string]any{"eventType": "deploy.done"}},
			{ID: "b", Type: domain.StepLog, DependsOn: []string{"a"}, Config: map[string]any{"message": "after"}},
		},
	}
	defs := newFakeDefs(def)
	instances := store.NewMemoryInstanceStore(eventlog.NewMemoryStore())
	exec := stepexec.New()
	eng := engine.New(defs, instances, exec, nil, engine.DefaultConfig())

	inst, err := eng.Start(context.Background(), "wfd_wait", map[string]any{}, "")
	require.NoError(t, err)

	waitForStatus(t, instances, inst.ID, domain.InstancePaused)

	n, err := eng.SendEvent(context.Background(), "deploy.done", "", map[string]any{"ok": true})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	final := waitForStatus(t, instances, inst.ID, domain.InstanceCompleted)
	require.Equal(t, domain.StepInstanceCompleted, final.StepInstances["b"].Status)
}

func TestEngine_StepFailureStopsInstance(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "wfd_fail", Version: 1, Enabled: true,
		Steps: []domain.WorkflowStep{
			{ID: "a", Type: domain.StepTransform, Config: map[string]any{"expression": "1 / 0"}},
			{ID: "b", Type: domain.StepLog, DependsOn: []string{"a"}, Config: map[string]any{"message": "never"}},
		},
	}
	defs := newFakeDefs(def)
	instances := store.NewMemoryInstanceStore(eventlog.NewMemoryStore())
	exec := stepexec.New()
	eng := engine.New(defs, instances, exec, nil, engine.DefaultConfig())

	inst, err := eng.Start(context.Background(), "wfd_fail", map[string]any{}, "")
	require.NoError(t, err)

	final := waitForStatus(t, instances, inst.ID, domain.InstanceFailed)
	require.Equal(t, domain.StepInstanceFailed, final.StepInstances["a"].Status)
	require.Equal(t, domain.StepInstanceSkipped, final.StepInstances["b"].Status)
}

func TestEngine_Recover(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "wfd_recover", Version: 1, Enabled: true,
		Steps: []domain.WorkflowStep{
			{ID: "a", Type: domain.StepLog, Config: map[string]any{"message": "first"}},
			{ID: "b", Type: domain.StepLog, Config: map[string]any{"message": "second"}, DependsOn: []string{"a"}},
		},
	}
	defs := newFakeDefs(def)
	instances := store.NewMemoryInstanceStore(eventlog.NewMemoryStore())

	// Seed an instance as a prior, now-dead process would have left it:
	// Running, with its first step already completed.
	inst := &domain.WorkflowInstance{
		ID:         "wfi_recover_1",
		WorkflowID: def.ID, WorkflowVersion: 1,
		Status: domain.InstanceRunning,
		StepInstances: map[string]*domain.StepInstance{
			"a": {StepID: "a", Status: domain.StepInstanceCompleted},
			"b": {StepID: "b", Status: domain.StepInstancePending},
		},
		CompletionOrder: []string{"a"},
		CreatedAt:       time.Now(),
	}
	require.NoError(t, instances.Create(context.Background(), inst))

	exec := stepexec.New()
	eng := engine.New(defs, instances, exec, nil, engine.DefaultConfig())
	require.NoError(t, eng.Recover(context.Background()))

	final := waitForStatus(t, instances, inst.ID, domain.InstanceCompleted)
	require.Equal(t, domain.StepInstanceCompleted, final.StepInstances["b"].Status)
}

type noopApprovalRequester struct{}

func (noopApprovalRequester) RequestApproval(ctx context.Context, instanceID, stepID string, approvers []string, subject, message string) error {
	return nil
}

func TestEngine_ApprovalSweepRejectsAfterDeadline(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "wfd_approval", Version: 1, Enabled: true,
		Steps: []domain.WorkflowStep{
			{ID: "a", Type: domain.StepApproval, Config: map[string]any{"subject": "ship it"}},
		},
	}
	defs := newFakeDefs(def)
	instances := store.NewMemoryInstanceStore(eventlog.NewMemoryStore())
	exec := stepexec.New(stepexec.WithApprovalRequester(noopApprovalRequester{}))

	cfg := engine.DefaultConfig()
	cfg.ApprovalDefaultTimeout = 20 * time.Millisecond
	cfg.ApprovalDefaultTimeoutAction = engine.ApprovalTimeoutReject
	cfg.ApprovalSweepInterval = 10 * time.Millisecond
	eng := engine.New(defs, instances, exec, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.StartApprovalSweep(ctx)
	defer eng.Stop()

	inst, err := eng.Start(context.Background(), "wfd_approval", map[string]any{}, "")
	require.NoError(t, err)

	waitForStatus(t, instances, inst.ID, domain.InstancePaused)

	final := waitForStatus(t, instances, inst.ID, domain.InstanceFailed)
	require.Equal(t, domain.StepInstanceFailed, final.StepInstances["a"].Status)
}

func TestEngine_Cancel(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "wfd_cancel", Version: 1, Enabled: true,
		Steps: []domain.WorkflowStep{
			{ID: "a", Type: domain.StepDelay, Config: map[string]any{"duration": "200ms"}},
		},
	}
	defs := newFakeDefs(def)
	instances := store.NewMemoryInstanceStore(eventlog.NewMemoryStore())
	exec := stepexec.New()
	eng := engine.New(defs, instances, exec, nil, engine.DefaultConfig())

	inst, err := eng.Start(context.Background(), "wfd_cancel", map[string]any{}, "")
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(context.Background(), inst.ID, "operator request"))
	final := waitForStatus(t, instances, inst.ID, domain.InstanceCancelled)
	require.Equal(t, "operator request", final.Error)
}
