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

// Package eventlog defines the event-sourced persistence contract (spec §3
// EventRecord, §6 EventStore) that the aggregate stores (registry, job
// store, workflow instance store) append an event to on every change. The
// aggregate stores keep their own state; nothing in this module rebuilds
// them from the log.
package eventlog

import (
	"context"
	"io"

	"github.com/orbitmesh/orbitmesh/internal/domain"
)

// NewEvent is the caller-supplied shape of an event to append; Version and
// Position are assigned by the store.
type NewEvent struct {
	Type    domain.EventType
	Payload []byte
}

// Store is the append-only event log. Append uses optimistic
// concurrency: expectedVersion must match the stream's current version or
// implementations return a *errors.ConflictError.
type Store interface {
	// Append appends events to streamID, atomically, only if the stream's
	// current version equals expectedVersion (0 for a brand-new stream).
	// Returns the stream's new version after the append.
	Append(ctx context.Context, streamID string, events []NewEvent, expectedVersion uint64) (newVersion uint64, err error)

	// ReadStream returns events in streamID with Version > fromVersion, in
	// ascending version order.
	ReadStream(ctx context.Context, streamID string, fromVersion uint64) ([]domain.EventRecord, error)

	// ReadAll returns up to maxCount events across all streams with
	// Position > fromPosition, in ascending position order.
	ReadAll(ctx context.Context, fromPosition uint64, maxCount int) ([]domain.EventRecord, error)

	// StreamVersion returns the current version of a stream (0 if it has no
	// events yet).
	StreamVersion(ctx context.Context, streamID string) (uint64, error)

	io.Closer
}
