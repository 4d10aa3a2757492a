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

// Package streambus implements the Progress & Stream bus (spec §4.7): a
// latest-value-plus-bounded-history publisher for job progress, and a
// sequenced append-only buffer for streaming job output, both built around
// the teacher's debug-event fan-out pattern (one channel per subscriber,
// bounded buffer, non-blocking send so a slow observer never stalls the
// producer).
package streambus

import (
	"sync"
	"time"
)

// Progress is one reported progress update for a job.
type Progress struct {
	JobID     string
	Sequence  uint64
	Percent   int
	Message   string
	Timestamp time.Time
}

type progressTopic struct {
	mu        sync.Mutex
	latest    Progress
	history   []Progress
	maxHist   int
	observers map[int]chan Progress
	nextObs   int
}

// ProgressBus fans out progress updates per job: callers can pull the latest
// value at any time (Latest) or subscribe for a push channel (Subscribe).
// Publish drops the update for any subscriber whose channel is full rather
// than blocking the producer (spec §5 "never block the reporting agent").
type ProgressBus struct {
	maxHistory int

	mu     sync.Mutex
	topics map[string]*progressTopic
}

// NewProgressBus creates a bus retaining maxHistory entries per job.
func NewProgressBus(maxHistory int) *ProgressBus {
	if maxHistory <= 0 {
		maxHistory = 50
	}
	return &ProgressBus{maxHistory: maxHistory, topics: make(map[string]*progressTopic)}
}

func (b *ProgressBus) topic(jobID string) *progressTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[jobID]
	if !ok {
		t = &progressTopic{maxHist: b.maxHistory, observers: make(map[int]chan Progress)}
		b.topics[jobID] = t
	}
	return t
}

// Publish records p as the latest progress for its job and pushes it to
// every current subscriber (spec §8 idempotence law: a caller should drop
// p.Sequence values it has already applied before calling Publish).
func (b *ProgressBus) Publish(p Progress) {
	t := b.topic(p.JobID)
	t.mu.Lock()
	t.latest = p
	t.history = append(t.history, p)
	if len(t.history) > t.maxHist {
		t.history = t.history[len(t.history)-t.maxHist:]
	}
	subs := make([]chan Progress, 0, len(t.observers))
	for _, ch := range t.observers {
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- p:
		default: // slow subscriber: drop rather than block the publisher
		}
	}
}

// Latest returns the most recently published progress for jobID, if any.
func (b *ProgressBus) Latest(jobID string) (Progress, bool) {
	t := b.topic(jobID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest.Timestamp.IsZero() {
		return Progress{}, false
	}
	return t.latest, true
}

// History returns up to maxHistory past updates for jobID, oldest first.
func (b *ProgressBus) History(jobID string) []Progress {
	t := b.topic(jobID)
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Progress, len(t.history))
	copy(out, t.history)
	return out
}

// Subscribe returns a channel receiving every future Publish for jobID, and
// an unsubscribe function the caller must call when done.
func (b *ProgressBus) Subscribe(jobID string, bufferSize int) (<-chan Progress, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	t := b.topic(jobID)
	ch := make(chan Progress, bufferSize)

	t.mu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = ch
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}
