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

// Package jobstore implements the Job Store & state machine (spec §4.3 /
// §4.5): Pending -> Assigned -> Running -> {Completed, Failed, TimedOut} /
// Cancelled, enforced with optimistic per-job CAS on domain.Job.Version.
//
// Interface segregation mirrors the controller storage package this is
// grounded on: JobStore is the minimal required surface, JobLister is an
// optional capability callers should probe for with a type assertion.
package jobstore

import (
	"context"

	"github.com/orbitmesh/orbitmesh/internal/domain"
)

// JobStore is the core required interface.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Transition performs a compare-and-swap state change: it fails with a
	// ConflictError if job.Version does not match the stored version, or if
	// the transition isn't valid per the state machine (spec §4.5).
	Transition(ctx context.Context, id string, expectedVersion uint64, mutate func(*domain.Job) error) (*domain.Job, error)
}

// JobLister is an optional capability for filtered/paged queries.
type JobLister interface {
	List(ctx context.Context, filter domain.JobFilter, offset, limit int) ([]*domain.Job, int, error)
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}
