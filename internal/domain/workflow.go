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

package domain

import "time"

// StepType identifies which executor runs a WorkflowStep.
type StepType string

const (
	StepJob         StepType = "Job"
	StepDelay       StepType = "Delay"
	StepTransform   StepType = "Transform"
	StepParallel    StepType = "Parallel"
	StepConditional StepType = "Conditional"
	StepForEach     StepType = "ForEach"
	StepSubWorkflow StepType = "SubWorkflow"
	StepNotify      StepType = "Notify"
	StepApproval    StepType = "Approval"
	StepWaitForEvent StepType = "WaitForEvent"
	StepLog         StepType = "Log"
)

// ErrorHandlingPolicy governs what the engine does when a step fails.
type ErrorHandlingPolicy string

const (
	StopOnFirstError    ErrorHandlingPolicy = "StopOnFirstError"
	ContinueAndAggregate ErrorHandlingPolicy = "ContinueAndAggregate"
	Compensate           ErrorHandlingPolicy = "Compensate"
)

// WorkflowStep is one node of a WorkflowDefinition's dependency graph.
type WorkflowStep struct {
	ID              string         `yaml:"id" json:"id"`
	Name            string         `yaml:"name" json:"name"`
	Type            StepType       `yaml:"type" json:"type"`
	Config          map[string]any `yaml:"config" json:"config"`
	DependsOn       []string       `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Condition       string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	OutputVariable  string         `yaml:"outputVariable,omitempty" json:"outputVariable,omitempty"`
	MaxRetries      int            `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	RetryDelay      time.Duration  `yaml:"retryDelay,omitempty" json:"retryDelay,omitempty"`
	Timeout         time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ContinueOnError bool           `yaml:"continueOnError,omitempty" json:"continueOnError,omitempty"`
	Compensation    *WorkflowStep  `yaml:"compensation,omitempty" json:"compensation,omitempty"`

	// Branches/Then/Else/Body hold the nested step lists of the composite
	// step kinds (Parallel, Conditional, ForEach respectively). Left empty
	// for leaf step kinds.
	Branches []WorkflowStep `yaml:"branches,omitempty" json:"branches,omitempty"`
	Then     []WorkflowStep `yaml:"then,omitempty" json:"then,omitempty"`
	Else     []WorkflowStep `yaml:"else,omitempty" json:"else,omitempty"`
	Body     []WorkflowStep `yaml:"body,omitempty" json:"body,omitempty"`
}

// WorkflowDefinition is a declarative, versioned DAG of steps.
type WorkflowDefinition struct {
	ID        string              `yaml:"id" json:"id"`
	Version   int                 `yaml:"version" json:"version"`
	Name      string              `yaml:"name" json:"name"`
	Steps     []WorkflowStep      `yaml:"steps" json:"steps"`
	Triggers  []TriggerSpec       `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Variables map[string]any      `yaml:"variables,omitempty" json:"variables,omitempty"`
	ErrorPolicy ErrorHandlingPolicy `yaml:"errorPolicy,omitempty" json:"errorPolicy,omitempty"`
	Tags      []string            `yaml:"tags,omitempty" json:"tags,omitempty"`
	Enabled   bool                `yaml:"enabled" json:"enabled"`
}

// TriggerSpec declares how a workflow may be started; interpreted by the
// (external-facing) Trigger Service, not the engine itself.
type TriggerSpec struct {
	Type          string         `yaml:"type" json:"type"` // manual | schedule | event
	Schedule      string         `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	EventType     string         `yaml:"eventType,omitempty" json:"eventType,omitempty"`
	CorrelationKey string        `yaml:"correlationKey,omitempty" json:"correlationKey,omitempty"`
	InputMapping  map[string]string `yaml:"inputMapping,omitempty" json:"inputMapping,omitempty"`
}

// StepByID returns the step with the given id, or nil.
func (d *WorkflowDefinition) StepByID(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}
