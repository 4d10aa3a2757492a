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

package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestQueue_PriorityOrder(t *testing.T) {
	q := NewQueue(0)
	defer q.Close()
	ctx := context.Background()

	low := &domain.Job{ID: "low", Priority: 0, CreatedAt: time.Now()}
	high := &domain.Job{ID: "high", Priority: 10, CreatedAt: time.Now()}
	med := &domain.Job{ID: "med", Priority: 5, CreatedAt: time.Now()}

	require.NoError(t, q.Enqueue(ctx, low))
	require.NoError(t, q.Enqueue(ctx, high))
	require.NoError(t, q.Enqueue(ctx, med))
	require.Equal(t, 3, q.Len())

	j1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "high", j1.ID)

	j2, _ := q.Dequeue(ctx)
	require.Equal(t, "med", j2.ID)

	j3, _ := q.Dequeue(ctx)
	require.Equal(t, "low", j3.ID)
}

func TestQueue_DequeueBlocksUntilDeadline(t *testing.T) {
	q := NewQueue(0)
	defer q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_BackpressureWhenFull(t *testing.T) {
	q := NewQueue(1)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &domain.Job{ID: "a"}))
	err := q.Enqueue(ctx, &domain.Job{ID: "b"})
	require.Error(t, err)
	var bp *pkgerrors.BackpressureError
	require.ErrorAs(t, err, &bp)
}

func TestQueue_CloseUnblocksDequeue(t *testing.T) {
	q := NewQueue(0)
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock after Close")
	}
}
