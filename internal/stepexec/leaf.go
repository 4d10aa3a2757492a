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

package stepexec

import (
	"context"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/pkg/errors"
)

func (e *Executor) executeJob(ctx context.Context, step *domain.WorkflowStep, vars map[string]any) (*StepResult, error) {
	if e.jobs == nil || e.jobReader == nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Job", Reason: "no job runner configured"})
	}

	command, err := e.interpolate(stringConfig(step.Config, "command"), vars)
	if err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Job", Reason: "interpolate command", Cause: err})
	}

	caps := map[string]struct{}{}
	if raw, ok := step.Config["requiredCapabilities"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				caps[s] = struct{}{}
			}
		}
	}

	req := domain.JobRequest{
		IdempotencyKey:       stringConfig(step.Config, "idempotencyKey"),
		Command:              command,
		Pattern:              domain.PatternRequestResponse,
		Priority:             intConfig(step.Config, "priority", 0),
		Timeout:              step.Timeout,
		TargetAgentID:        stringConfig(step.Config, "targetAgentId"),
		TargetGroup:          stringConfig(step.Config, "targetGroup"),
		RequiredCapabilities: caps,
		MaxRetries:           step.MaxRetries,
	}

	job, err := e.jobs.Enqueue(ctx, req)
	if err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Job", Reason: "enqueue", Cause: err})
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = e.jobs.Cancel(context.Background(), job.ID)
			return &StepResult{Status: domain.StepInstanceFailed, Error: ctx.Err().Error(), JobID: job.ID}, ctx.Err()
		case <-ticker.C:
			cur, err := e.jobReader.Get(ctx, job.ID)
			if err != nil {
				return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Job", Reason: "poll job", Cause: err})
			}
			if !cur.Status.Terminal() {
				continue
			}
			if cur.Status != domain.JobCompleted {
				msg := cur.Error
				if msg == "" {
					msg = string(cur.Status)
				}
				return &StepResult{Status: domain.StepInstanceFailed, Error: msg, JobID: job.ID}, &errors.ExecutorError{StepID: step.ID, StepType: "Job", Reason: msg}
			}
			return &StepResult{
				Status: domain.StepInstanceCompleted,
				Output: map[string]any{"result": string(cur.Result)},
				JobID:  job.ID,
			}, nil
		}
	}
}

func (e *Executor) executeDelay(ctx context.Context, step *domain.WorkflowStep, vars map[string]any) (*StepResult, error) {
	d, _ := step.Config["duration"]
	dur, ok := toDuration(d)
	if !ok {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Delay", Reason: "missing or invalid duration"})
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &StepResult{Status: domain.StepInstanceFailed, Error: ctx.Err().Error()}, ctx.Err()
	case <-timer.C:
		return &StepResult{Status: domain.StepInstanceCompleted, Output: map[string]any{}}, nil
	}
}

func toDuration(v any) (time.Duration, bool) {
	switch t := v.(type) {
	case time.Duration:
		return t, true
	case float64:
		return time.Duration(t) * time.Second, true
	case int:
		return time.Duration(t) * time.Second, true
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, false
		}
		return d, true
	default:
		return 0, false
	}
}

func (e *Executor) executeTransform(ctx context.Context, step *domain.WorkflowStep, vars map[string]any) (*StepResult, error) {
	if query := stringConfig(step.Config, "query"); query != "" {
		input := vars
		if raw, ok := step.Config["input"]; ok {
			if m, ok := raw.(map[string]any); ok {
				input = m
			}
		}
		val, err := e.jq.run(ctx, query, input)
		if err != nil {
			return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Transform", Reason: "jq evaluate", Cause: err})
		}
		return &StepResult{Status: domain.StepInstanceCompleted, Output: map[string]any{"value": val}}, nil
	}

	exprStr := stringConfig(step.Config, "expression")
	val, err := e.exprEval.EvaluateValue(exprStr, vars)
	if err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Transform", Reason: "evaluate", Cause: err})
	}
	return &StepResult{Status: domain.StepInstanceCompleted, Output: map[string]any{"value": val}}, nil
}

func (e *Executor) executeNotify(ctx context.Context, step *domain.WorkflowStep, vars map[string]any) (*StepResult, error) {
	if e.notifier == nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Notify", Reason: "no notifier configured"})
	}
	channel := stringConfig(step.Config, "channel")
	subject, err := e.interpolate(stringConfig(step.Config, "subject"), vars)
	if err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Notify", Reason: "interpolate subject", Cause: err})
	}
	message, err := e.interpolate(stringConfig(step.Config, "message"), vars)
	if err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Notify", Reason: "interpolate message", Cause: err})
	}
	if err := e.notifier.Notify(ctx, channel, subject, message); err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Notify", Reason: "send", Cause: err})
	}
	return &StepResult{Status: domain.StepInstanceCompleted, Output: map[string]any{}}, nil
}

func (e *Executor) executeApproval(ctx context.Context, instance *domain.WorkflowInstance, step *domain.WorkflowStep, vars map[string]any) (*StepResult, error) {
	if e.approvals == nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Approval", Reason: "no approval requester configured"})
	}
	var approvers []string
	if raw, ok := step.Config["approvers"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				approvers = append(approvers, s)
			}
		}
	}
	subject, err := e.interpolate(stringConfig(step.Config, "subject"), vars)
	if err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Approval", Reason: "interpolate subject", Cause: err})
	}
	message, err := e.interpolate(stringConfig(step.Config, "message"), vars)
	if err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Approval", Reason: "interpolate message", Cause: err})
	}
	if err := e.approvals.RequestApproval(ctx, instance.ID, step.ID, approvers, subject, message); err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Approval", Reason: "request", Cause: err})
	}

	result := &StepResult{Status: domain.StepInstanceWaitingForApproval, WaitApprovers: approvers}
	if d, ok := toDuration(step.Config["timeout"]); ok {
		deadline := time.Now().Add(d)
		result.WaitDeadline = &deadline
	}
	return result, nil
}

func (e *Executor) executeWaitForEvent(step *domain.WorkflowStep, vars map[string]any) (*StepResult, error) {
	eventType := stringConfig(step.Config, "eventType")
	if eventType == "" {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "WaitForEvent", Reason: "eventType is required"})
	}
	return &StepResult{
		Status:             domain.StepInstanceWaitingForEvent,
		WaitEventType:      eventType,
		WaitCorrelationKey: stringConfig(step.Config, "correlationKey"),
	}, nil
}

func (e *Executor) executeLog(ctx context.Context, step *domain.WorkflowStep, vars map[string]any) (*StepResult, error) {
	message, err := e.interpolate(stringConfig(step.Config, "message"), vars)
	if err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Log", Reason: "interpolate message", Cause: err})
	}
	level := stringConfig(step.Config, "level")
	switch level {
	case "warn":
		e.log.Warn(message, "step_id", step.ID)
	case "error":
		e.log.Error(message, "step_id", step.ID)
	default:
		e.log.Info(message, "step_id", step.ID)
	}
	return &StepResult{Status: domain.StepInstanceCompleted, Output: map[string]any{"message": message}}, nil
}

func (e *Executor) interpolate(template string, vars map[string]any) (string, error) {
	if template == "" {
		return "", nil
	}
	return e.exprEval.Interpolate(template, vars)
}
