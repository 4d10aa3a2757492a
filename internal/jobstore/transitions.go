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

package jobstore

import "github.com/orbitmesh/orbitmesh/internal/domain"

// validNextStatus encodes the edges of the job state machine (spec §4.5).
// Two distinct paths lead back to Pending: Assigned -> Pending is the
// ack-timeout reassignment (the agent never acknowledged receipt), and
// Running -> Pending is the failure-triggered retry (the agent reported a
// failed result and RetryCount is still under MaxRetries). Both consume
// RetryCount; Pending -> Failed covers the router exhausting
// MaxUnroutableAttempts without ever reaching Assigned.
var validNextStatus = map[domain.JobStatus]map[domain.JobStatus]bool{
	domain.JobPending: {
		domain.JobAssigned:  true,
		domain.JobCancelled: true,
		domain.JobFailed:    true, // unroutable ceiling exceeded
	},
	domain.JobAssigned: {
		domain.JobRunning:   true,
		domain.JobPending:   true, // ack timeout: reassign
		domain.JobCancelled: true,
		domain.JobTimedOut:  true,
	},
	domain.JobRunning: {
		domain.JobCompleted: true,
		domain.JobFailed:    true,
		domain.JobPending:   true, // failure retry: RetryCount < MaxRetries
		domain.JobTimedOut:  true,
		domain.JobCancelled: true,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to domain.JobStatus) bool {
	if from == to {
		return true // idempotent no-op transitions (e.g. duplicate progress events) are allowed
	}
	edges, ok := validNextStatus[from]
	if !ok {
		return false
	}
	return edges[to]
}
