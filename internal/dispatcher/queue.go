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

// Package dispatcher implements the Dispatcher (spec §4.6): it pulls from a
// bounded priority queue, routes each job to an agent, tracks ack and
// execution timeouts, and de-duplicates retried submissions by idempotency
// key.
package dispatcher

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
)

// ErrQueueClosed is returned by Enqueue/Dequeue once Close has been called.
var ErrQueueClosed = errors.New("dispatcher: queue closed")

type item struct {
	job   *domain.Job
	index int
}

type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority // higher priority first
	}
	return h[i].job.CreatedAt.Before(h[j].job.CreatedAt) // FIFO within a priority
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a bounded, priority-ordered, blocking job queue. Capacity <= 0
// means unbounded. It is the in-process analogue of the teacher's
// NewMemoryQueue/Enqueue/Dequeue/Len/Close API, adapted from a single-job
// queue to the priority-ordered structure the dispatcher needs.
type Queue struct {
	mu       sync.Mutex
	heap     priorityHeap
	capacity int
	closed   bool
	ready    chan struct{}
	closedCh chan struct{}
}

// NewQueue creates a queue bounded at capacity (0 = unbounded).
func NewQueue(capacity int) *Queue {
	return &Queue{capacity: capacity, ready: make(chan struct{}, 1), closedCh: make(chan struct{})}
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Enqueue adds job to the queue, or returns BackpressureError if the queue
// is at capacity, or ErrQueueClosed if the queue has been closed.
func (q *Queue) Enqueue(ctx context.Context, job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.heap) >= q.capacity {
		return &pkgerrors.BackpressureError{Resource: "dispatch_queue", RetryAfter: time.Second}
	}
	heap.Push(&q.heap, &item{job: job})
	q.signal()
	return nil
}

// Dequeue blocks for the highest-priority job until one is available, ctx is
// cancelled, or the queue is closed.
func (q *Queue) Dequeue(ctx context.Context) (*domain.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.heap) > 0 {
			it := heap.Pop(&q.heap).(*item)
			q.mu.Unlock()
			return it.job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closedCh:
		case <-q.ready:
		}
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Close marks the queue closed; further Enqueue/Dequeue calls fail and any
// blocked Dequeue callers are released.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.closedCh)
	return nil
}
