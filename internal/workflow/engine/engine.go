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

// Package engine drives WorkflowInstances to completion: it compiles a
// WorkflowDefinition's step graph into a topological order, walks it as
// dependencies become eligible, suspends an instance when a step waits on an
// external signal, and resumes it again once that signal arrives.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/internal/stepexec"
	"github.com/orbitmesh/orbitmesh/internal/workflow/store"
	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
	"github.com/orbitmesh/orbitmesh/pkg/expression"
	"github.com/orbitmesh/orbitmesh/pkg/id"
)

// DefinitionStore is the subset of store.DefinitionStore the engine needs.
type DefinitionStore interface {
	Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
}

// ApprovalTimeoutAction names the default decision applied to an Approval
// step whose WaitDeadline passes with no human response (spec §4.8).
type ApprovalTimeoutAction string

const (
	ApprovalTimeoutReject  ApprovalTimeoutAction = "Reject"
	ApprovalTimeoutApprove ApprovalTimeoutAction = "Approve"
)

// Config configures an Engine.
type Config struct {
	// MaxConcurrentInstances bounds how many instances may be actively
	// scheduled (inside their run loop) at once. Zero means unbounded.
	MaxConcurrentInstances int

	// ApprovalDefaultTimeout applies to an Approval step whose own
	// configured timeout (step.Config["timeout"]) left WaitDeadline unset.
	// Zero means such a step waits indefinitely.
	ApprovalDefaultTimeout time.Duration

	// ApprovalDefaultTimeoutAction is applied once a waiting Approval step's
	// WaitDeadline has passed with no decision.
	ApprovalDefaultTimeoutAction ApprovalTimeoutAction

	// ApprovalSweepInterval controls how often the engine scans for lapsed
	// approval deadlines. Defaults to time.Minute if <= 0.
	ApprovalSweepInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentInstances:       100,
		ApprovalDefaultTimeout:       24 * time.Hour,
		ApprovalDefaultTimeoutAction: ApprovalTimeoutReject,
		ApprovalSweepInterval:        time.Minute,
	}
}

// Engine schedules WorkflowInstances. It implements stepexec.SubWorkflowRunner
// so a SubWorkflow step can start and await a child instance without
// internal/stepexec importing this package.
type Engine struct {
	cfg       Config
	defs      DefinitionStore
	instances store.InstanceStore
	exec      *stepexec.Executor
	condEval  *expression.Evaluator
	log       *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]context.CancelFunc

	// sem bounds concurrently-running scheduling goroutines when
	// cfg.MaxConcurrentInstances > 0; nil means unbounded.
	sem chan struct{}

	sweepOnce sync.Once
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New creates an Engine. exec must already be configured with whatever
// JobRunner/Notifier/ApprovalRequester the deployment needs; New wires the
// engine itself in as the executor's SubWorkflowRunner.
func New(defs DefinitionStore, instances store.InstanceStore, exec *stepexec.Executor, log *slog.Logger, cfg Config) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:       cfg,
		defs:      defs,
		instances: instances,
		exec:      exec,
		condEval:  expression.New(),
		log:       log.With("component", "workflow_engine"),
		locks:     make(map[string]*sync.Mutex),
		cancels:   make(map[string]context.CancelFunc),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	if cfg.MaxConcurrentInstances > 0 {
		e.sem = make(chan struct{}, cfg.MaxConcurrentInstances)
	}
	return e
}

// StartApprovalSweep launches the background scan for lapsed approval
// deadlines. Call once at boot alongside Recover; Stop cancels it.
func (e *Engine) StartApprovalSweep(ctx context.Context) {
	e.sweepOnce.Do(func() {
		go e.approvalSweepLoop(ctx)
	})
}

// Stop halts the approval sweep goroutine, if running.
func (e *Engine) Stop() {
	close(e.sweepStop)
	// If the sweep was never started, nothing else will close sweepDone.
	e.sweepOnce.Do(func() { close(e.sweepDone) })
	<-e.sweepDone
}

// scheduleRun acquires a concurrency slot (when MaxConcurrentInstances > 0)
// before entering instanceID's scheduling loop, bounding how many instances
// run at once without blocking the caller that launched the goroutine.
func (e *Engine) scheduleRun(ctx context.Context, instanceID string) {
	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			return
		}
	}
	e.run(ctx, instanceID)
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func (e *Engine) lockFor(instanceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[instanceID] = l
	}
	return l
}

// Start creates a new WorkflowInstance from workflowID's current definition
// and begins scheduling it in the background. It implements
// stepexec.SubWorkflowRunner.
func (e *Engine) Start(ctx context.Context, workflowID string, input map[string]any, parentInstanceID string) (*domain.WorkflowInstance, error) {
	def, err := e.defs.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !def.Enabled {
		return nil, &pkgerrors.ValidationError{Field: "workflowId", Message: "workflow definition is disabled"}
	}
	if _, err := topologicalOrder(def); err != nil {
		return nil, err
	}

	instance := &domain.WorkflowInstance{
		ID:               id.New(id.KindWorkflowInstance),
		WorkflowID:       def.ID,
		WorkflowVersion:  def.Version,
		Status:           domain.InstancePending,
		Variables:        mergeMaps(def.Variables, input),
		Input:            input,
		StepInstances:    make(map[string]*domain.StepInstance, len(def.Steps)),
		ParentInstanceID: parentInstanceID,
		CreatedAt:        time.Now(),
	}
	for _, s := range def.Steps {
		instance.StepInstances[s.ID] = &domain.StepInstance{StepID: s.ID, Status: domain.StepInstancePending}
	}

	if err := e.instances.Create(ctx, instance); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[instance.ID] = cancel
	e.mu.Unlock()

	go e.scheduleRun(runCtx, instance.ID)

	return e.instances.Get(ctx, instance.ID)
}

// Get returns the current state of a WorkflowInstance.
func (e *Engine) Get(ctx context.Context, instanceID string) (*domain.WorkflowInstance, error) {
	return e.instances.Get(ctx, instanceID)
}

// Cancel marks a running or paused instance Cancelled and stops its
// scheduling goroutine. Cancelling an already-terminal instance is a
// conflict, not a no-op, since the caller's intent could not be honoured.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	// Signal the running scheduling goroutine (if any) to stop *before*
	// taking the per-instance lock: a step may be blocked inside a poll
	// loop holding that lock, and only cancelling its context unblocks it.
	e.mu.Lock()
	if cancel, ok := e.cancels[instanceID]; ok {
		cancel()
		delete(e.cancels, instanceID)
	}
	e.mu.Unlock()

	lock := e.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return &pkgerrors.ConflictError{Resource: "workflow_instance", ID: instanceID, Reason: "already terminal"}
	}

	_, err = e.instances.Transition(ctx, instanceID, inst.Version, func(w *domain.WorkflowInstance) error {
		now := time.Now()
		w.Status = domain.InstanceCancelled
		w.Error = reason
		w.CompletedAt = &now
		markRemainingSkipped(w, now)
		return nil
	})
	if err != nil {
		return err
	}

	e.instances.Emit(ctx, instanceID, domain.EventInstanceCancelled, map[string]any{"reason": reason})
	e.log.Info("workflow instance cancelled", "instance_id", instanceID, "reason", reason)
	return nil
}

// Resume writes signal into the step currently waiting in instanceID and
// re-enters the scheduling loop. Used directly for approvals and indirectly
// (via SendEvent) for WaitForEvent steps.
func (e *Engine) Resume(ctx context.Context, instanceID string, signal map[string]any) error {
	lock := e.lockFor(instanceID)
	lock.Lock()
	inst, err := e.instances.Get(ctx, instanceID)
	if err != nil {
		lock.Unlock()
		return err
	}
	waiting := inst.WaitingStep()
	if waiting == nil {
		lock.Unlock()
		return &pkgerrors.ConflictError{Resource: "workflow_instance", ID: instanceID, Reason: "no step is waiting"}
	}

	_, err = e.instances.Transition(ctx, instanceID, inst.Version, func(w *domain.WorkflowInstance) error {
		ws := w.StepInstances[waiting.StepID]
		ws.Status = domain.StepInstanceCompleted
		ws.Output = signal
		now := time.Now()
		ws.CompletedAt = &now
		w.CompletionOrder = append(w.CompletionOrder, waiting.StepID)
		w.Status = domain.InstanceRunning
		return nil
	})
	lock.Unlock()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[instanceID] = cancel
	e.mu.Unlock()
	go e.scheduleRun(runCtx, instanceID)
	return nil
}

// Recover re-attaches a scheduling goroutine to every instance left
// non-terminal by a previous process (Pending/Running/Compensating resume
// their step loop; Paused instances re-enter it too, but since their waiting
// step isn't Pending, run immediately falls back out, leaving them blocked
// until a matching Resume/SendEvent arrives). Call once at boot, before
// accepting new Start calls.
func (e *Engine) Recover(ctx context.Context) error {
	active, err := e.instances.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, inst := range active {
		runCtx, cancel := context.WithCancel(context.Background())
		e.mu.Lock()
		e.cancels[inst.ID] = cancel
		e.mu.Unlock()
		go e.scheduleRun(runCtx, inst.ID)
		e.log.Info("recovered workflow instance", "instance_id", inst.ID, "workflow_id", inst.WorkflowID, "status", inst.Status)
	}
	return nil
}

// SendEvent resumes every Paused instance whose current step is waiting for
// eventType (and correlationKey, when non-empty), handing data to each as
// the waiting step's output.
func (e *Engine) SendEvent(ctx context.Context, eventType, correlationKey string, data map[string]any) (int, error) {
	matches, err := e.instances.ListPausedWaitingFor(ctx, eventType, correlationKey)
	if err != nil {
		return 0, err
	}
	for _, inst := range matches {
		if err := e.Resume(ctx, inst.ID, data); err != nil {
			e.log.Error("failed to resume instance on event", "instance_id", inst.ID, "event_type", eventType, "error", err)
		}
	}
	return len(matches), nil
}
