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

package streambus

import (
	"sync"

	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
)

// Chunk is one piece of streamed job output (spec §4.7 Streaming pattern).
type Chunk struct {
	JobID    string
	Sequence uint64
	Data     []byte
	Done     bool
}

type stream struct {
	mu     sync.Mutex
	chunks []Chunk
	done   bool
}

// StreamStore buffers sequenced chunks per job and supports replay from an
// arbitrary sequence number, so a reconnecting consumer never misses output
// emitted while it was disconnected.
type StreamStore struct {
	mu      sync.Mutex
	streams map[string]*stream
}

// NewStreamStore creates an empty StreamStore.
func NewStreamStore() *StreamStore {
	return &StreamStore{streams: make(map[string]*stream)}
}

func (s *StreamStore) streamFor(jobID string) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[jobID]
	if !ok {
		st = &stream{}
		s.streams[jobID] = st
	}
	return st
}

// Append adds c to jobID's stream. Appending to a stream already marked Done
// is a ConflictError.
func (s *StreamStore) Append(c Chunk) error {
	st := s.streamFor(c.JobID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return &pkgerrors.ConflictError{Resource: "stream", ID: c.JobID, Reason: "stream already closed"}
	}
	st.chunks = append(st.chunks, c)
	if c.Done {
		st.done = true
	}
	return nil
}

// ReplayFrom returns every chunk with Sequence > fromSequence, in order.
func (s *StreamStore) ReplayFrom(jobID string, fromSequence uint64) []Chunk {
	st := s.streamFor(jobID)
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []Chunk
	for _, c := range st.chunks {
		if c.Sequence > fromSequence {
			out = append(out, c)
		}
	}
	return out
}

// Done reports whether jobID's stream has been terminated.
func (s *StreamStore) Done(jobID string) bool {
	st := s.streamFor(jobID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.done
}
