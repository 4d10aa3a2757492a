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

package streambus_test

import (
	"testing"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/streambus"
	"github.com/stretchr/testify/require"
)

func TestProgressBus_LatestAndHistory(t *testing.T) {
	bus := streambus.NewProgressBus(2)

	bus.Publish(streambus.Progress{JobID: "job_1", Sequence: 1, Percent: 10, Timestamp: time.Now()})
	bus.Publish(streambus.Progress{JobID: "job_1", Sequence: 2, Percent: 50, Timestamp: time.Now()})
	bus.Publish(streambus.Progress{JobID: "job_1", Sequence: 3, Percent: 90, Timestamp: time.Now()})

	latest, ok := bus.Latest("job_1")
	require.True(t, ok)
	require.Equal(t, 90, latest.Percent)

	hist := bus.History("job_1")
	require.Len(t, hist, 2) // bounded to maxHistory=2
	require.Equal(t, uint64(2), hist[0].Sequence)
	require.Equal(t, uint64(3), hist[1].Sequence)
}

func TestProgressBus_SubscribePushesFutureUpdates(t *testing.T) {
	bus := streambus.NewProgressBus(10)
	ch, cancel := bus.Subscribe("job_1", 4)
	defer cancel()

	bus.Publish(streambus.Progress{JobID: "job_1", Sequence: 1, Percent: 10})

	select {
	case p := <-ch:
		require.Equal(t, 10, p.Percent)
	case <-time.After(time.Second):
		t.Fatal("expected a push from Publish")
	}
}

func TestStreamStore_AppendAndReplay(t *testing.T) {
	store := streambus.NewStreamStore()

	require.NoError(t, store.Append(streambus.Chunk{JobID: "job_1", Sequence: 1, Data: []byte("a")}))
	require.NoError(t, store.Append(streambus.Chunk{JobID: "job_1", Sequence: 2, Data: []byte("b")}))
	require.NoError(t, store.Append(streambus.Chunk{JobID: "job_1", Sequence: 3, Data: []byte("c"), Done: true}))

	replay := store.ReplayFrom("job_1", 1)
	require.Len(t, replay, 2)
	require.Equal(t, []byte("b"), replay[0].Data)
	require.Equal(t, []byte("c"), replay[1].Data)

	require.True(t, store.Done("job_1"))

	err := store.Append(streambus.Chunk{JobID: "job_1", Sequence: 4})
	require.Error(t, err)
}
