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

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/internal/stepexec"
)

// run drives one WorkflowInstance's scheduling loop until it completes,
// fails, pauses waiting on a signal, or its context is cancelled. Only one
// run goroutine is ever active per instance, serialized by lockFor.
func (e *Engine) run(ctx context.Context, instanceID string) {
	lock := e.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, instanceID)
		e.mu.Unlock()
	}()

	inst, err := e.instances.Get(ctx, instanceID)
	if err != nil {
		e.log.Error("load instance for scheduling", "instance_id", instanceID, "error", err)
		return
	}
	def, err := e.defs.Get(ctx, inst.WorkflowID)
	if err != nil {
		e.log.Error("load definition for scheduling", "instance_id", instanceID, "error", err)
		return
	}
	order, err := topologicalOrder(def)
	if err != nil {
		e.log.Error("compile step order", "instance_id", instanceID, "error", err)
		return
	}
	byID := make(map[string]*domain.WorkflowStep, len(def.Steps))
	for i := range def.Steps {
		byID[def.Steps[i].ID] = &def.Steps[i]
	}

	if inst.Status == domain.InstancePending {
		now := time.Now()
		updated, err := e.instances.Transition(ctx, instanceID, inst.Version, func(w *domain.WorkflowInstance) error {
			w.Status = domain.InstanceRunning
			w.StartedAt = &now
			return nil
		})
		if err != nil {
			e.log.Error("mark instance running", "instance_id", instanceID, "error", err)
			return
		}
		inst = updated
		e.instances.Emit(ctx, instanceID, domain.EventInstanceStarted, map[string]any{})
	}

	for {
		if ctx.Err() != nil {
			return
		}

		advanced := false
		for _, stepID := range order {
			si := inst.StepInstances[stepID]
			if si.Status != domain.StepInstancePending {
				continue
			}
			step := byID[stepID]

			status, blocked := e.dependencyStatus(inst, step)
			if status == depsPending {
				continue
			}
			if status == depsFailed {
				updated, err := e.skipStep(ctx, instanceID, inst, step, blocked)
				if err != nil {
					e.log.Error("skip step with failed dependency", "instance_id", instanceID, "step_id", stepID, "error", err)
					return
				}
				inst = updated
				advanced = true
				break
			}

			updated, err := e.runStep(ctx, instanceID, def, step, inst)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.log.Error("run step", "instance_id", instanceID, "step_id", stepID, "error", err)
				return
			}
			inst = updated
			advanced = true
			break
		}

		switch inst.Status {
		case domain.InstancePaused:
			e.instances.Emit(ctx, instanceID, domain.EventInstancePaused, map[string]any{})
			return
		case domain.InstanceCompensating:
			e.compensate(ctx, instanceID, def, byID, inst)
			return
		case domain.InstanceFailed, domain.InstanceCompleted, domain.InstanceCancelled:
			e.emitTerminal(ctx, instanceID, inst)
			return
		}
		if !advanced {
			break
		}
	}

	e.finalize(ctx, instanceID, def, inst)
}

type depStatus int

const (
	depsPending depStatus = iota
	depsSatisfied
	depsFailed
)

// dependencyStatus reports whether step's dependencies are still pending,
// all satisfied (Completed/Skipped), or include a Failed step, in which
// case the dependent is skipped rather than run.
func (e *Engine) dependencyStatus(inst *domain.WorkflowInstance, step *domain.WorkflowStep) (depStatus, string) {
	for _, dep := range step.DependsOn {
		si := inst.StepInstances[dep]
		if si == nil {
			continue
		}
		switch si.Status {
		case domain.StepInstanceCompleted, domain.StepInstanceSkipped:
			continue
		case domain.StepInstanceFailed:
			return depsFailed, dep
		default:
			return depsPending, ""
		}
	}
	return depsSatisfied, ""
}

func (e *Engine) skipStep(ctx context.Context, instanceID string, inst *domain.WorkflowInstance, step *domain.WorkflowStep, blockedBy string) (*domain.WorkflowInstance, error) {
	updated, err := e.instances.Transition(ctx, instanceID, inst.Version, func(w *domain.WorkflowInstance) error {
		si := w.StepInstances[step.ID]
		si.Status = domain.StepInstanceSkipped
		si.Error = fmt.Sprintf("upstream dependency %s failed", blockedBy)
		now := time.Now()
		si.CompletedAt = &now
		w.CompletionOrder = append(w.CompletionOrder, step.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.instances.Emit(ctx, instanceID, domain.EventStepSkipped, map[string]any{"step_id": step.ID})
	return updated, nil
}

// runStep evaluates step's condition (skipping if false), executes it, and
// persists the outcome, returning the refreshed instance.
func (e *Engine) runStep(ctx context.Context, instanceID string, def *domain.WorkflowDefinition, step *domain.WorkflowStep, inst *domain.WorkflowInstance) (*domain.WorkflowInstance, error) {
	if step.Condition != "" {
		ok, err := e.condEval.Evaluate(step.Condition, inst.Variables)
		if err != nil {
			return nil, fmt.Errorf("evaluate condition for step %s: %w", step.ID, err)
		}
		if !ok {
			updated, err := e.instances.Transition(ctx, instanceID, inst.Version, func(w *domain.WorkflowInstance) error {
				si := w.StepInstances[step.ID]
				si.Status = domain.StepInstanceSkipped
				now := time.Now()
				si.CompletedAt = &now
				w.CompletionOrder = append(w.CompletionOrder, step.ID)
				return nil
			})
			if err != nil {
				return nil, err
			}
			e.instances.Emit(ctx, instanceID, domain.EventStepSkipped, map[string]any{"step_id": step.ID})
			return updated, nil
		}
	}

	running, err := e.instances.Transition(ctx, instanceID, inst.Version, func(w *domain.WorkflowInstance) error {
		si := w.StepInstances[step.ID]
		si.Status = domain.StepInstanceRunning
		now := time.Now()
		si.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.instances.Emit(ctx, instanceID, domain.EventStepStarted, map[string]any{"step_id": step.ID})

	var runBranch func(ctx context.Context, s *domain.WorkflowStep, v map[string]any) (*stepexec.StepResult, error)
	runBranch = func(ctx context.Context, s *domain.WorkflowStep, v map[string]any) (*stepexec.StepResult, error) {
		return e.exec.Execute(ctx, running, s, v, runBranch)
	}

	result, execErr := e.exec.Execute(ctx, running, step, running.Variables, runBranch)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if result == nil {
		return nil, execErr
	}

	return e.applyStepResult(ctx, instanceID, def, step, running, result)
}

func (e *Engine) applyStepResult(ctx context.Context, instanceID string, def *domain.WorkflowDefinition, step *domain.WorkflowStep, inst *domain.WorkflowInstance, result *stepexec.StepResult) (*domain.WorkflowInstance, error) {
	retrying := false
	updated, err := e.instances.Transition(ctx, instanceID, inst.Version, func(w *domain.WorkflowInstance) error {
		si := w.StepInstances[step.ID]
		now := time.Now()
		si.Output = result.Output
		si.JobID = result.JobID
		si.SubWorkflowInstanceID = result.SubInstanceID

		switch result.Status {
		case domain.StepInstanceWaitingForEvent:
			si.Status = result.Status
			si.WaitEventType = result.WaitEventType
			si.WaitCorrelationKey = result.WaitCorrelationKey
			w.Status = domain.InstancePaused
		case domain.StepInstanceWaitingForApproval:
			si.Status = result.Status
			si.WaitApprovers = result.WaitApprovers
			si.WaitDeadline = result.WaitDeadline
			if si.WaitDeadline == nil && e.cfg.ApprovalDefaultTimeout > 0 {
				deadline := now.Add(e.cfg.ApprovalDefaultTimeout)
				si.WaitDeadline = &deadline
			}
			w.Status = domain.InstancePaused
		case domain.StepInstanceCompleted:
			si.Status = domain.StepInstanceCompleted
			si.CompletedAt = &now
			si.RetryCount = 0
			if step.OutputVariable != "" {
				if w.Variables == nil {
					w.Variables = map[string]any{}
				}
				w.Variables[step.OutputVariable] = result.Output
			}
			w.CompletionOrder = append(w.CompletionOrder, step.ID)
		default:
			if si.RetryCount < step.MaxRetries {
				si.RetryCount++
				si.Status = domain.StepInstancePending
				si.Error = result.Error
				retrying = true
				break
			}
			si.Status = domain.StepInstanceFailed
			si.Error = result.Error
			si.CompletedAt = &now
			if step.ContinueOnError {
				w.CompletionOrder = append(w.CompletionOrder, step.ID)
				break
			}
			switch def.ErrorPolicy {
			case domain.Compensate:
				w.Status = domain.InstanceCompensating
				w.Error = result.Error
			case domain.ContinueAndAggregate:
				w.CompletionOrder = append(w.CompletionOrder, step.ID)
			default:
				w.Status = domain.InstanceFailed
				w.Error = result.Error
				w.CompletedAt = &now
				markRemainingSkipped(w, now)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case domain.StepInstanceCompleted:
		e.instances.Emit(ctx, instanceID, domain.EventStepCompleted, map[string]any{"step_id": step.ID})
	case domain.StepInstanceWaitingForEvent, domain.StepInstanceWaitingForApproval:
	default:
		if retrying {
			e.instances.Emit(ctx, instanceID, domain.EventStepRetrying, map[string]any{
				"step_id": step.ID, "attempt": updated.StepInstances[step.ID].RetryCount, "error": result.Error,
			})
			select {
			case <-time.After(step.RetryDelay):
			case <-ctx.Done():
			}
			break
		}
		e.instances.Emit(ctx, instanceID, domain.EventStepFailed, map[string]any{"step_id": step.ID, "error": result.Error})
	}
	return updated, nil
}

// finalize sets the instance's terminal status once every step has reached
// a terminal status of its own (Completed/Failed/Skipped).
func (e *Engine) finalize(ctx context.Context, instanceID string, def *domain.WorkflowDefinition, inst *domain.WorkflowInstance) {
	var failedSteps []string
	allTerminal := true
	for _, si := range inst.StepInstances {
		if !si.Status.Terminal() {
			allTerminal = false
			break
		}
		if si.Status == domain.StepInstanceFailed {
			failedSteps = append(failedSteps, si.StepID)
		}
	}
	if !allTerminal {
		return
	}

	now := time.Now()
	updated, err := e.instances.Transition(ctx, instanceID, inst.Version, func(w *domain.WorkflowInstance) error {
		if len(failedSteps) > 0 {
			w.Status = domain.InstanceFailed
			w.Error = fmt.Sprintf("steps failed: %s", strings.Join(failedSteps, ", "))
		} else {
			w.Status = domain.InstanceCompleted
			w.Output = copyVars(w.Variables)
		}
		w.CompletedAt = &now
		return nil
	})
	if err != nil {
		e.log.Error("finalize instance", "instance_id", instanceID, "error", err)
		return
	}
	e.emitTerminal(ctx, instanceID, updated)
}

func (e *Engine) emitTerminal(ctx context.Context, instanceID string, inst *domain.WorkflowInstance) {
	switch inst.Status {
	case domain.InstanceCompleted:
		e.instances.Emit(ctx, instanceID, domain.EventInstanceCompleted, map[string]any{})
	case domain.InstanceFailed:
		e.instances.Emit(ctx, instanceID, domain.EventInstanceFailed, map[string]any{"error": inst.Error})
	case domain.InstanceCancelled:
		e.instances.Emit(ctx, instanceID, domain.EventInstanceCancelled, map[string]any{"error": inst.Error})
	}
}

// compensate runs the Compensation step of every completed step in
// CompletionOrder, most recent first, then marks the instance Failed.
func (e *Engine) compensate(ctx context.Context, instanceID string, def *domain.WorkflowDefinition, byID map[string]*domain.WorkflowStep, inst *domain.WorkflowInstance) {
	e.instances.Emit(ctx, instanceID, domain.EventCompensationStarted, map[string]any{})

	for i := len(inst.CompletionOrder) - 1; i >= 0; i-- {
		step := byID[inst.CompletionOrder[i]]
		if step == nil || step.Compensation == nil {
			continue
		}
		var runBranch func(ctx context.Context, s *domain.WorkflowStep, v map[string]any) (*stepexec.StepResult, error)
		runBranch = func(ctx context.Context, s *domain.WorkflowStep, v map[string]any) (*stepexec.StepResult, error) {
			return e.exec.Execute(ctx, inst, s, v, runBranch)
		}
		if _, err := e.exec.Execute(ctx, inst, step.Compensation, inst.Variables, runBranch); err != nil {
			e.log.Error("compensation step failed", "instance_id", instanceID, "step_id", step.ID, "error", err)
		}
	}

	now := time.Now()
	updated, err := e.instances.Transition(ctx, instanceID, inst.Version, func(w *domain.WorkflowInstance) error {
		w.Status = domain.InstanceFailed
		w.CompletedAt = &now
		return nil
	})
	if err != nil {
		e.log.Error("finalize compensated instance", "instance_id", instanceID, "error", err)
		return
	}
	e.instances.Emit(ctx, instanceID, domain.EventCompensationCompleted, map[string]any{})
	e.emitTerminal(ctx, instanceID, updated)
}

// markRemainingSkipped marks every step instance not yet terminal as Skipped,
// so a workflow instance that stops early (StopOnFirstError, Cancel) never
// leaves a step stuck Pending/Running once the instance itself is terminal.
func markRemainingSkipped(w *domain.WorkflowInstance, at time.Time) {
	for id, si := range w.StepInstances {
		if si.Status.Terminal() {
			continue
		}
		si.Status = domain.StepInstanceSkipped
		si.CompletedAt = &at
		w.CompletionOrder = append(w.CompletionOrder, id)
	}
}

func copyVars(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
