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

// Package stepexec runs individual workflow steps. Each executor implements
// a uniform contract: given an instance, a step and the instance's current
// variables, produce a StepResult. The workflow engine owns persisting that
// result; executors must be safe to re-invoke for the same StepInstance on
// retry.
package stepexec

import (
	"context"
	"log/slog"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/pkg/errors"
	"github.com/orbitmesh/orbitmesh/pkg/expression"
)

// StepResult is the outcome of running one step once.
type StepResult struct {
	Status       domain.StepInstanceStatus
	Output       map[string]any
	Error        string
	JobID        string
	SubInstanceID string
	Branches     []domain.BranchResult

	// WaitEventType / WaitCorrelationKey / WaitApprovers / WaitDeadline are
	// populated when Status is WaitingForEvent or WaitingForApproval.
	WaitEventType      string
	WaitCorrelationKey string
	WaitApprovers      []string
	WaitDeadline       *time.Time
}

// JobRunner abstracts the dispatcher for the Job executor so this package
// doesn't import internal/dispatcher directly.
type JobRunner interface {
	Enqueue(ctx context.Context, req domain.JobRequest) (*domain.Job, error)
	Cancel(ctx context.Context, jobID string) error
}

// JobReader abstracts the job store's read path so the Job executor can poll
// for terminal status without importing internal/jobstore directly.
type JobReader interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
}

// SubWorkflowRunner abstracts the workflow engine for the SubWorkflow
// executor.
type SubWorkflowRunner interface {
	Start(ctx context.Context, workflowID string, input map[string]any, parentInstanceID string) (*domain.WorkflowInstance, error)
	Get(ctx context.Context, instanceID string) (*domain.WorkflowInstance, error)
}

// Notifier delivers a Notify step's message to an external channel.
type Notifier interface {
	Notify(ctx context.Context, channel, subject, message string) error
}

// ApprovalRequester delivers an Approval step's request to its approvers.
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, instanceID, stepID string, approvers []string, subject, message string) error
}

// Executor dispatches a step to the matching per-type implementation.
type Executor struct {
	jobs       JobRunner
	jobReader  JobReader
	subworkflows SubWorkflowRunner
	notifier   Notifier
	approvals  ApprovalRequester
	exprEval   *expression.Evaluator
	jq         *jqRunner
	log        *slog.Logger

	// pollInterval controls how often Job/SubWorkflow executors poll for
	// terminal status. Exposed for tests.
	pollInterval time.Duration
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithJobRunner wires the dispatcher used by the Job executor.
func WithJobRunner(jobs JobRunner, reader JobReader) Option {
	return func(e *Executor) { e.jobs = jobs; e.jobReader = reader }
}

// WithSubWorkflowRunner wires the workflow engine used by the SubWorkflow executor.
func WithSubWorkflowRunner(r SubWorkflowRunner) Option {
	return func(e *Executor) { e.subworkflows = r }
}

// WithNotifier wires the collaborator used by the Notify executor.
func WithNotifier(n Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithApprovalRequester wires the collaborator used by the Approval executor.
func WithApprovalRequester(a ApprovalRequester) Option {
	return func(e *Executor) { e.approvals = a }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithPollInterval overrides the default Job/SubWorkflow poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.pollInterval = d }
}

// New creates a step executor with the given collaborators.
func New(opts ...Option) *Executor {
	e := &Executor{
		exprEval:     expression.New(),
		jq:           newJQRunner(),
		log:          slog.Default(),
		pollInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runBranchFunc runs a single step once. It is supplied by the engine so
// Parallel/Conditional/ForEach can recurse into arbitrary nested steps
// without this package importing the engine.
type runBranchFunc func(ctx context.Context, step *domain.WorkflowStep, vars map[string]any) (*StepResult, error)

// Execute runs step against vars and returns its result. runBranch is used
// by composite executors (Parallel, Conditional, ForEach) to run nested
// steps; it may be nil for leaf steps that never invoke it.
func (e *Executor) Execute(ctx context.Context, instance *domain.WorkflowInstance, step *domain.WorkflowStep, vars map[string]any, runBranch runBranchFunc) (*StepResult, error) {
	switch step.Type {
	case domain.StepJob:
		return e.executeJob(ctx, step, vars)
	case domain.StepDelay:
		return e.executeDelay(ctx, step, vars)
	case domain.StepTransform:
		return e.executeTransform(ctx, step, vars)
	case domain.StepParallel:
		return e.executeParallel(ctx, step, vars, runBranch)
	case domain.StepConditional:
		return e.executeConditional(ctx, step, vars, runBranch)
	case domain.StepForEach:
		return e.executeForEach(ctx, step, vars, runBranch)
	case domain.StepSubWorkflow:
		return e.executeSubWorkflow(ctx, instance, step, vars)
	case domain.StepNotify:
		return e.executeNotify(ctx, step, vars)
	case domain.StepApproval:
		return e.executeApproval(ctx, instance, step, vars)
	case domain.StepWaitForEvent:
		return e.executeWaitForEvent(step, vars)
	case domain.StepLog:
		return e.executeLog(ctx, step, vars)
	default:
		return nil, &errors.ValidationError{
			Field:      "type",
			Message:    "unsupported step type: " + string(step.Type),
			Suggestion: "use one of Job, Delay, Transform, Parallel, Conditional, ForEach, SubWorkflow, Notify, Approval, WaitForEvent, Log",
		}
	}
}

func stringConfig(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func intConfig(cfg map[string]any, key string, def int) int {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	default:
		return def
	}
}

func boolConfig(cfg map[string]any, key string) bool {
	v, ok := cfg[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func stepFailure(err error) (*StepResult, error) {
	return &StepResult{Status: domain.StepInstanceFailed, Error: err.Error()}, err
}
