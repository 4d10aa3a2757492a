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

package telemetry_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/internal/telemetry"
)

type fakeInstanceCounter struct {
	counts map[domain.InstanceStatus]int
}

func (f *fakeInstanceCounter) CountByStatus() map[domain.InstanceStatus]int {
	return f.counts
}

func TestProvider_RecordsAndServesMetrics(t *testing.T) {
	provider, err := telemetry.NewProvider("orbitmesh-test", "0.0.0-test")
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	provider.Collector.RecordJob(context.Background(), domain.JobCompleted)
	provider.Collector.RecordJob(context.Background(), domain.JobFailed)
	provider.Collector.SetQueueDepth(3)
	provider.Collector.SetAckPending(1)
	provider.Collector.SetSessionsConnected(5)
	provider.Collector.SetInstanceCounter(&fakeInstanceCounter{counts: map[domain.InstanceStatus]int{
		domain.InstanceRunning: 2,
	}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	provider.MetricsHandler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "orbitmesh_jobs_total")
	require.Contains(t, body, "orbitmesh_dispatcher_queue_depth")
	require.Contains(t, body, "orbitmesh_workflow_instances")
}
