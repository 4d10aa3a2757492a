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
	"time"

	"github.com/orbitmesh/orbitmesh/internal/domain"
)

// approvalSweepLoop periodically scans every Paused instance for an Approval
// step whose WaitDeadline has passed with no human decision, and applies
// Config.ApprovalDefaultTimeoutAction (spec §4.8).
func (e *Engine) approvalSweepLoop(ctx context.Context) {
	defer close(e.sweepDone)

	interval := e.cfg.ApprovalSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.sweepStop:
			return
		case <-ticker.C:
			e.sweepApprovals(ctx)
		}
	}
}

func (e *Engine) sweepApprovals(ctx context.Context) {
	active, err := e.instances.ListActive(ctx)
	if err != nil {
		e.log.Error("list active instances for approval sweep", "error", err)
		return
	}
	now := time.Now()
	for _, inst := range active {
		if inst.Status != domain.InstancePaused {
			continue
		}
		waiting := inst.WaitingStep()
		if waiting == nil || waiting.Status != domain.StepInstanceWaitingForApproval {
			continue
		}
		if waiting.WaitDeadline == nil || now.Before(*waiting.WaitDeadline) {
			continue
		}
		e.log.Warn("approval step deadline lapsed, applying default action",
			"instance_id", inst.ID, "step_id", waiting.StepID, "action", e.cfg.ApprovalDefaultTimeoutAction)
		e.applyApprovalTimeout(ctx, inst.ID)
	}
}

// applyApprovalTimeout resolves instanceID's currently-waiting Approval step
// according to Config.ApprovalDefaultTimeoutAction and re-enters the
// scheduling loop.
func (e *Engine) applyApprovalTimeout(ctx context.Context, instanceID string) {
	if e.cfg.ApprovalDefaultTimeoutAction == ApprovalTimeoutApprove {
		if err := e.Resume(ctx, instanceID, map[string]any{"approved": true, "timedOut": true}); err != nil {
			e.log.Error("apply approval default-approve timeout", "instance_id", instanceID, "error", err)
		}
		return
	}
	e.rejectWaitingApproval(ctx, instanceID)
}

// rejectWaitingApproval marks instanceID's waiting Approval step Failed
// (distinct from Resume, which always completes the waiting step) and
// applies the workflow's ordinary error-handling policy to that failure.
func (e *Engine) rejectWaitingApproval(ctx context.Context, instanceID string) {
	lock := e.lockFor(instanceID)
	lock.Lock()

	inst, err := e.instances.Get(ctx, instanceID)
	if err != nil {
		lock.Unlock()
		e.log.Error("load instance for approval rejection", "instance_id", instanceID, "error", err)
		return
	}
	waiting := inst.WaitingStep()
	if waiting == nil || waiting.Status != domain.StepInstanceWaitingForApproval {
		lock.Unlock()
		return
	}

	def, err := e.defs.Get(ctx, inst.WorkflowID)
	if err != nil {
		lock.Unlock()
		e.log.Error("load definition for approval rejection", "instance_id", instanceID, "error", err)
		return
	}
	var continueOnError bool
	for i := range def.Steps {
		if def.Steps[i].ID == waiting.StepID {
			continueOnError = def.Steps[i].ContinueOnError
			break
		}
	}

	const reason = "approval timed out: rejected by default policy"
	updated, err := e.instances.Transition(ctx, instanceID, inst.Version, func(w *domain.WorkflowInstance) error {
		si := w.StepInstances[waiting.StepID]
		now := time.Now()
		si.Status = domain.StepInstanceFailed
		si.Error = reason
		si.Output = map[string]any{"approved": false, "timedOut": true}
		si.CompletedAt = &now
		w.Status = domain.InstanceRunning

		if continueOnError {
			w.CompletionOrder = append(w.CompletionOrder, waiting.StepID)
			return nil
		}
		switch def.ErrorPolicy {
		case domain.Compensate:
			w.Status = domain.InstanceCompensating
			w.Error = reason
		case domain.ContinueAndAggregate:
			w.CompletionOrder = append(w.CompletionOrder, waiting.StepID)
		default:
			w.Status = domain.InstanceFailed
			w.Error = reason
			w.CompletedAt = &now
			markRemainingSkipped(w, now)
		}
		return nil
	})
	lock.Unlock()
	if err != nil {
		e.log.Error("apply approval default-reject timeout", "instance_id", instanceID, "error", err)
		return
	}
	e.instances.Emit(ctx, instanceID, domain.EventStepFailed, map[string]any{"step_id": waiting.StepID, "error": reason})
	_ = updated

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[instanceID] = cancel
	e.mu.Unlock()
	go e.scheduleRun(runCtx, instanceID)
}
