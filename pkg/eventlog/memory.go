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

package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orbitmesh/orbitmesh/internal/domain"
	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
)

// MemoryStore is an in-process Store, suitable for tests and single-process
// deployments that don't need durability across restarts.
type MemoryStore struct {
	mu       sync.Mutex
	streams  map[string][]domain.EventRecord
	all      []domain.EventRecord
	position uint64
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]domain.EventRecord),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, streamID string, events []NewEvent, expectedVersion uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := uint64(len(m.streams[streamID]))
	if current != expectedVersion {
		return 0, &pkgerrors.ConflictError{
			Resource: "event_stream",
			ID:       streamID,
			Reason:   "version mismatch",
		}
	}

	now := time.Now()
	for _, e := range events {
		current++
		m.position++
		rec := domain.EventRecord{
			EventID:   uuid.New().String(),
			StreamID:  streamID,
			Type:      e.Type,
			Payload:   append([]byte(nil), e.Payload...),
			Version:   current,
			Position:  m.position,
			Timestamp: now,
		}
		m.streams[streamID] = append(m.streams[streamID], rec)
		m.all = append(m.all, rec)
	}
	return current, nil
}

// ReadStream implements Store.
func (m *MemoryStore) ReadStream(_ context.Context, streamID string, fromVersion uint64) ([]domain.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.EventRecord
	for _, e := range m.streams[streamID] {
		if e.Version > fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

// ReadAll implements Store.
func (m *MemoryStore) ReadAll(_ context.Context, fromPosition uint64, maxCount int) ([]domain.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.EventRecord
	for _, e := range m.all {
		if e.Position > fromPosition {
			out = append(out, e)
			if maxCount > 0 && len(out) >= maxCount {
				break
			}
		}
	}
	return out, nil
}

// StreamVersion implements Store.
func (m *MemoryStore) StreamVersion(_ context.Context, streamID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.streams[streamID])), nil
}

// Close implements io.Closer; a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
