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

// Package id generates the opaque, kind-prefixed identifiers used for every
// aggregate in OrbitMesh (agents, jobs, workflow definitions and instances,
// sessions, events). IDs are server-assigned unless the caller supplies one.
package id

import "github.com/google/uuid"

// Kind tags the aggregate an ID belongs to, used as a short, readable prefix.
type Kind string

const (
	KindAgent            Kind = "agt"
	KindSession          Kind = "ses"
	KindJob              Kind = "job"
	KindWorkflowDef      Kind = "wfd"
	KindWorkflowInstance Kind = "wfi"
	KindStepInstance     Kind = "sti"
	KindEvent            Kind = "evt"
	KindTrigger          Kind = "trg"
)

// New generates a new opaque ID of the given kind, e.g. "job_3f2c9a1e...".
func New(kind Kind) string {
	return string(kind) + "_" + uuid.New().String()
}

// IsValid reports whether s looks like an ID of the given kind. It does not
// attempt to parse or validate the suffix beyond a non-empty check.
func IsValid(kind Kind, s string) bool {
	prefix := string(kind) + "_"
	if len(s) <= len(prefix) {
		return false
	}
	return s[:len(prefix)] == prefix
}
