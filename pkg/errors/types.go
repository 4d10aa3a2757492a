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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "agent", "job")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "LLM request", "workflow step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ConflictError represents a state conflict: an optimistic version mismatch,
// an illegal state-machine transition, or a duplicate idempotency key
// submitted with a different payload than the one on record.
type ConflictError struct {
	// Resource is the type of aggregate in conflict (e.g. "job", "workflow_instance")
	Resource string

	// ID is the identifier of the aggregate
	ID string

	// Reason explains the nature of the conflict
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
}

// SessionLostError indicates the agent channel died while holding an
// outbound RPC. Callers should treat this as transient: the dispatcher
// re-enqueues, and a workflow Job step retries per its policy.
type SessionLostError struct {
	// AgentID is the agent whose session was lost
	AgentID string

	// SessionID is the session that was lost, if known
	SessionID string

	// Cause is the underlying transport error, if any
	Cause error
}

// Error implements the error interface.
func (e *SessionLostError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("session lost for agent %s (session %s)", e.AgentID, e.SessionID)
	}
	return fmt.Sprintf("session lost for agent %s", e.AgentID)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SessionLostError) Unwrap() error {
	return e.Cause
}

// BackpressureError indicates a bounded buffer (dispatch queue, stream
// buffer) is full. Not retried internally; callers get a retry-after hint.
type BackpressureError struct {
	// Resource names the saturated buffer (e.g. "dispatch_queue", "stream_buffer")
	Resource string

	// RetryAfter hints how long the caller should wait before retrying
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *BackpressureError) Error() string {
	return fmt.Sprintf("%s is full, retry after %v", e.Resource, e.RetryAfter)
}

// ExecutorError represents a step executor failure with a typed reason.
// Honoured by a step's continueOnError flag and the workflow's
// error-handling policy.
type ExecutorError struct {
	// StepID is the step that failed
	StepID string

	// StepType identifies the executor kind (e.g. "Parallel", "ForEach")
	StepType string

	// Reason is a machine-usable short reason code
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExecutorError) Error() string {
	return fmt.Sprintf("step %s (%s) failed: %s", e.StepID, e.StepType, e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutorError) Unwrap() error {
	return e.Cause
}

// InternalError represents an unexpected invariant violation. Fatal to the
// in-flight operation; never silently swallowed. Context should carry enough
// information to reconstruct the failing event.
type InternalError struct {
	// Component identifies where the invariant was violated
	Component string

	// Message describes the violated invariant
	Message string

	// Context carries diagnostic key/value pairs for logging
	Context map[string]any

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error in %s: %s", e.Component, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error {
	return e.Cause
}

// The methods below implement ErrorClassifier (see interfaces.go) for each
// kind in the spec §7 taxonomy, so callers can do:
//
//	var cl errors.ErrorClassifier
//	if errors.As(err, &cl) && cl.IsRetryable() { ... }

// ErrorType identifies this error as "validation".
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable is always false: validation errors are reported, never retried.
func (e *ValidationError) IsRetryable() bool { return false }

// ErrorType identifies this error as "not_found".
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable is always false: the caller asked about something that does not exist.
func (e *NotFoundError) IsRetryable() bool { return false }

// ErrorType identifies this error as "conflict".
func (e *ConflictError) ErrorType() string { return "conflict" }

// IsRetryable is true: CAS conflicts are recovered by a re-read and retry.
func (e *ConflictError) IsRetryable() bool { return true }

// ErrorType identifies this error as "session_lost".
func (e *SessionLostError) ErrorType() string { return "session_lost" }

// IsRetryable is always true: session loss is transient by definition.
func (e *SessionLostError) IsRetryable() bool { return true }

// ErrorType identifies this error as "timeout".
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable is true: higher layers may retry within their policy limits.
func (e *TimeoutError) IsRetryable() bool { return true }

// ErrorType identifies this error as "backpressure".
func (e *BackpressureError) ErrorType() string { return "backpressure" }

// IsRetryable is false: backpressure is reported to the caller with a
// retry-after hint rather than retried internally.
func (e *BackpressureError) IsRetryable() bool { return false }

// ErrorType identifies this error as "executor".
func (e *ExecutorError) ErrorType() string { return "executor" }

// IsRetryable is false by default; retry is governed by the step's own
// maxRetries/retryDelay configuration, not blanket classification.
func (e *ExecutorError) IsRetryable() bool { return false }

// ErrorType identifies this error as "internal".
func (e *InternalError) ErrorType() string { return "internal" }

// IsRetryable is always false: an invariant violation must be investigated,
// not retried.
func (e *InternalError) IsRetryable() bool { return false }
