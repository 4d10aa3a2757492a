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
	"fmt"
	"reflect"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelConcurrency bounds Parallel fan-out when a step doesn't set
// maxConcurrency. ForEach does not use it: unless maxConcurrency is above 1,
// ForEach runs its items one at a time.
const DefaultParallelConcurrency = 3

func (e *Executor) executeParallel(ctx context.Context, step *domain.WorkflowStep, vars map[string]any, runBranch runBranchFunc) (*StepResult, error) {
	branches := step.Branches
	if len(branches) == 0 {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Parallel", Reason: "no branches configured"})
	}
	maxConcurrency := intConfig(step.Config, "maxConcurrency", DefaultParallelConcurrency)
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultParallelConcurrency
	}
	failFast := boolConfig(step.Config, "failFast")

	results := make([]domain.BranchResult, len(branches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	for i := range branches {
		i, branch := i, &branches[i]
		g.Go(func() error {
			res, err := runBranch(gctx, branch, vars)
			if res == nil {
				res = &StepResult{Status: domain.StepInstanceFailed}
			}
			results[i] = domain.BranchResult{Index: i, Output: res.Output, Status: res.Status}
			if err != nil {
				results[i].Error = err.Error()
				if failFast {
					return err
				}
			}
			return nil
		})
	}

	runErr := g.Wait()

	outputs := make([]any, len(results))
	failed := false
	for i, r := range results {
		outputs[i] = r.Output
		if r.Status == domain.StepInstanceFailed {
			failed = true
		}
	}

	if failed && !boolConfig(step.Config, "continueOnError") {
		return &StepResult{
			Status:   domain.StepInstanceFailed,
			Output:   map[string]any{"branches": outputs},
			Branches: results,
			Error:    "one or more parallel branches failed",
		}, fmt.Errorf("parallel step %s: branch failure: %w", step.ID, firstBranchErr(runErr, results))
	}

	return &StepResult{
		Status:   domain.StepInstanceCompleted,
		Output:   map[string]any{"branches": outputs},
		Branches: results,
	}, nil
}

func firstBranchErr(runErr error, results []domain.BranchResult) error {
	if runErr != nil {
		return runErr
	}
	for _, r := range results {
		if r.Error != "" {
			return fmt.Errorf("%s", r.Error)
		}
	}
	return fmt.Errorf("unknown branch failure")
}

func (e *Executor) executeConditional(ctx context.Context, step *domain.WorkflowStep, vars map[string]any, runBranch runBranchFunc) (*StepResult, error) {
	exprStr := stringConfig(step.Config, "expression")
	ok, err := e.exprEval.Evaluate(exprStr, vars)
	if err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "Conditional", Reason: "evaluate", Cause: err})
	}

	var branchKey string
	var steps []domain.WorkflowStep
	if ok {
		branchKey = "then"
		steps = step.Then
	} else {
		branchKey = "else"
		steps = step.Else
	}
	if len(steps) == 0 {
		return &StepResult{Status: domain.StepInstanceCompleted, Output: map[string]any{"branch": branchKey}}, nil
	}

	var lastOutput map[string]any
	for i := range steps {
		res, err := runBranch(ctx, &steps[i], vars)
		if err != nil {
			return &StepResult{Status: domain.StepInstanceFailed, Error: err.Error(), Output: lastOutput}, err
		}
		lastOutput = res.Output
	}
	return &StepResult{Status: domain.StepInstanceCompleted, Output: lastOutput}, nil
}

func (e *Executor) executeForEach(ctx context.Context, step *domain.WorkflowStep, vars map[string]any, runBranch runBranchFunc) (*StepResult, error) {
	collExpr := stringConfig(step.Config, "collection")
	collVal, err := e.exprEval.EvaluateValue(collExpr, vars)
	if err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "ForEach", Reason: "evaluate collection", Cause: err})
	}

	items, err := toSlice(collVal)
	if err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "ForEach", Reason: "collection is not iterable", Cause: err})
	}

	body := step.Body
	if len(body) == 0 {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "ForEach", Reason: "no body steps configured"})
	}

	itemVar := stringConfig(step.Config, "itemVariable")
	if itemVar == "" {
		itemVar = "item"
	}
	indexVar := stringConfig(step.Config, "indexVariable")
	continueOnError := boolConfig(step.Config, "continueOnError")
	maxConcurrency := intConfig(step.Config, "maxConcurrency", 1)

	results := make([]domain.BranchResult, len(items))
	runItem := func(ctx context.Context, i int, item any) error {
		itemVars := make(map[string]any, len(vars)+2)
		for k, v := range vars {
			itemVars[k] = v
		}
		itemVars[itemVar] = item
		if indexVar != "" {
			itemVars[indexVar] = float64(i)
		}

		var lastOutput map[string]any
		for bi := range body {
			res, err := runBranch(ctx, &body[bi], itemVars)
			if err != nil {
				results[i] = domain.BranchResult{Index: i, Status: domain.StepInstanceFailed, Error: err.Error(), Output: lastOutput}
				return err
			}
			lastOutput = res.Output
		}
		results[i] = domain.BranchResult{Index: i, Status: domain.StepInstanceCompleted, Output: lastOutput}
		return nil
	}

	var runErr error
	if maxConcurrency <= 1 {
		for i, item := range items {
			if err := runItem(ctx, i, item); err != nil {
				runErr = err
				if !continueOnError {
					break
				}
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxConcurrency)
		for i, item := range items {
			i, item := i, item
			g.Go(func() error {
				if err := runItem(gctx, i, item); err != nil && !continueOnError {
					return err
				}
				return nil
			})
		}
		runErr = g.Wait()
	}

	outputs := make([]any, len(results))
	for i, r := range results {
		outputs[i] = r.Output
	}

	if runErr != nil && !continueOnError {
		return &StepResult{
			Status:   domain.StepInstanceFailed,
			Output:   map[string]any{"items": outputs},
			Branches: results,
			Error:    runErr.Error(),
		}, runErr
	}

	return &StepResult{
		Status:   domain.StepInstanceCompleted,
		Output:   map[string]any{"items": outputs},
		Branches: results,
	}, nil
}

func toSlice(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a collection, got %T", v)
	}
}

func (e *Executor) executeSubWorkflow(ctx context.Context, instance *domain.WorkflowInstance, step *domain.WorkflowStep, vars map[string]any) (*StepResult, error) {
	if e.subworkflows == nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "SubWorkflow", Reason: "no sub-workflow runner configured"})
	}
	workflowID := stringConfig(step.Config, "workflowId")
	if workflowID == "" {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "SubWorkflow", Reason: "workflowId is required"})
	}

	input := map[string]any{}
	if raw, ok := step.Config["input"].(map[string]any); ok {
		input = raw
	}

	child, err := e.subworkflows.Start(ctx, workflowID, input, instance.ID)
	if err != nil {
		return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "SubWorkflow", Reason: "start", Cause: err})
	}

	if !boolConfig(step.Config, "await") {
		return &StepResult{Status: domain.StepInstanceCompleted, SubInstanceID: child.ID, Output: map[string]any{"instanceId": child.ID}}, nil
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return &StepResult{Status: domain.StepInstanceFailed, Error: ctx.Err().Error(), SubInstanceID: child.ID}, ctx.Err()
		case <-ticker.C:
			cur, err := e.subworkflows.Get(ctx, child.ID)
			if err != nil {
				return stepFailure(&errors.ExecutorError{StepID: step.ID, StepType: "SubWorkflow", Reason: "poll", Cause: err})
			}
			if !cur.Status.Terminal() {
				continue
			}
			if cur.Status != domain.InstanceCompleted {
				return &StepResult{Status: domain.StepInstanceFailed, Error: cur.Error, SubInstanceID: child.ID},
					&errors.ExecutorError{StepID: step.ID, StepType: "SubWorkflow", Reason: cur.Error}
			}
			return &StepResult{
				Status:        domain.StepInstanceCompleted,
				SubInstanceID: child.ID,
				Output:        cur.Output,
			}, nil
		}
	}
}
