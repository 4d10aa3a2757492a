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

package dispatcher_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/dispatcher"
	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/internal/jobstore"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/session"
	"github.com/stretchr/testify/require"
)

func connectFakeAgent(t *testing.T, reg *registry.Registry, sessions *session.Manager, agentID string, handler session.Handler) {
	t.Helper()
	ctx := context.Background()
	clientTransport, agentTransport := session.NewMemoryTransportPair()

	_, _, err := reg.Register(ctx, registry.RegisterRequest{AgentID: agentID, SessionID: agentID + "-sess", Capabilities: []string{"x"}})
	require.NoError(t, err)

	sessions.Accept(agentID, agentID+"-sess", clientTransport)
	session.New(agentID, agentID+"-sess", agentTransport, handler, nil)
}

func TestDispatcher_EnqueueAssignsAndCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(registry.DefaultConfig(), nil)
	sessions := session.NewManager(nil, nil)

	acked := make(chan string, 1)
	connectFakeAgent(t, reg, sessions, "agt_1", func(agentID, method string, params json.RawMessage) (any, error) {
		if method == session.MethodAssignJob {
			var p map[string]any
			_ = json.Unmarshal(params, &p)
			acked <- p["jobId"].(string)
		}
		return map[string]any{"ok": true}, nil
	})

	cfg := dispatcher.DefaultConfig()
	cfg.AckTimeout = time.Second
	store := jobstore.NewMemoryStore(nil)
	d := dispatcher.New(cfg, store, reg, sessions)
	d.Start(ctx)
	defer d.Stop()

	job, err := d.Enqueue(ctx, domain.JobRequest{Command: "noop", Priority: 1})
	require.NoError(t, err)

	select {
	case jobID := <-acked:
		require.Equal(t, job.ID, jobID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job to be assigned")
	}

	require.NoError(t, d.HandleAck(ctx, job.ID))
	require.NoError(t, d.HandleResult(ctx, job.ID, true, []byte(`"done"`), ""))

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, final.Status)
}

func TestDispatcher_HandleResult_RetriesFailureUnderMaxRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(registry.DefaultConfig(), nil)
	sessions := session.NewManager(nil, nil)

	var assignCount int32
	assigned := make(chan string, 4)
	connectFakeAgent(t, reg, sessions, "agt_1", func(agentID, method string, params json.RawMessage) (any, error) {
		if method == session.MethodAssignJob {
			var p map[string]any
			_ = json.Unmarshal(params, &p)
			atomic.AddInt32(&assignCount, 1)
			assigned <- p["jobId"].(string)
		}
		return map[string]any{"ok": true}, nil
	})

	cfg := dispatcher.DefaultConfig()
	cfg.AckTimeout = time.Second
	store := jobstore.NewMemoryStore(nil)
	d := dispatcher.New(cfg, store, reg, sessions)
	d.Start(ctx)
	defer d.Stop()

	job, err := d.Enqueue(ctx, domain.JobRequest{Command: "noop", Priority: 1, MaxRetries: 1})
	require.NoError(t, err)

	// First attempt: agent reports failure. RetryCount (0) < MaxRetries (1),
	// so HandleResult must send the job back to Pending and re-enqueue it
	// rather than failing it outright.
	<-assigned
	require.NoError(t, d.HandleAck(ctx, job.ID))
	require.NoError(t, d.HandleResult(ctx, job.ID, false, nil, "boom"))

	// Second attempt: RetryCount (1) is no longer under MaxRetries (1), so
	// this failure is terminal.
	select {
	case <-assigned:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retried job to be reassigned")
	}
	require.NoError(t, d.HandleAck(ctx, job.ID))
	require.NoError(t, d.HandleResult(ctx, job.ID, false, nil, "boom again"))

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, final.Status)
	require.Equal(t, 1, final.RetryCount)
	require.GreaterOrEqual(t, int(atomic.LoadInt32(&assignCount)), 2)
}

func TestDispatcher_IdempotentEnqueueReturnsSameJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(registry.DefaultConfig(), nil)
	sessions := session.NewManager(nil, nil)
	store := jobstore.NewMemoryStore(nil)
	d := dispatcher.New(dispatcher.DefaultConfig(), store, reg, sessions)
	d.Start(ctx)
	defer d.Stop()

	first, err := d.Enqueue(ctx, domain.JobRequest{Command: "noop", IdempotencyKey: "k1"})
	require.NoError(t, err)

	second, err := d.Enqueue(ctx, domain.JobRequest{Command: "noop", IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}
