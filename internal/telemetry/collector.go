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

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/orbitmesh/orbitmesh/internal/domain"
)

// InstanceCounter reports, per workflow instance status, how many
// instances currently hold it. Supplied by the engine/store at wiring
// time so the gauge can be sampled lazily instead of pushed on every
// transition.
type InstanceCounter interface {
	CountByStatus() map[domain.InstanceStatus]int
}

// Collector records the Observable surface: jobs and workflow steps by
// terminal status, sessions connected, workflow instances by status,
// dispatcher queue depth, and ack-pending count.
type Collector struct {
	meter metric.Meter

	jobsTotal    metric.Int64Counter
	stepsTotal   metric.Int64Counter

	sessionsConnectedMu sync.RWMutex
	sessionsConnected   int64

	queueDepthMu sync.RWMutex
	queueDepth   int64

	ackPendingMu sync.RWMutex
	ackPending   int64

	instanceCounterMu sync.RWMutex
	instanceCounter   InstanceCounter
}

// NewCollector registers every instrument against meterProvider's
// "orbitmesh" meter.
func NewCollector(meterProvider metric.MeterProvider) (*Collector, error) {
	meter := meterProvider.Meter("orbitmesh")
	c := &Collector{meter: meter}

	var err error
	c.jobsTotal, err = meter.Int64Counter(
		"orbitmesh_jobs_total",
		metric.WithDescription("Jobs processed by the dispatcher, by terminal status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	c.stepsTotal, err = meter.Int64Counter(
		"orbitmesh_workflow_steps_total",
		metric.WithDescription("Workflow steps executed, by terminal status"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	if _, err = meter.Int64ObservableGauge(
		"orbitmesh_sessions_connected",
		metric.WithDescription("Currently connected agent sessions"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			c.sessionsConnectedMu.RLock()
			n := c.sessionsConnected
			c.sessionsConnectedMu.RUnlock()
			observer.Observe(n)
			return nil
		}),
	); err != nil {
		return nil, err
	}

	if _, err = meter.Int64ObservableGauge(
		"orbitmesh_dispatcher_queue_depth",
		metric.WithDescription("Jobs currently queued awaiting dispatch"),
		metric.WithUnit("{job}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			c.queueDepthMu.RLock()
			n := c.queueDepth
			c.queueDepthMu.RUnlock()
			observer.Observe(n)
			return nil
		}),
	); err != nil {
		return nil, err
	}

	if _, err = meter.Int64ObservableGauge(
		"orbitmesh_dispatcher_ack_pending",
		metric.WithDescription("Jobs dispatched and awaiting an ack"),
		metric.WithUnit("{job}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			c.ackPendingMu.RLock()
			n := c.ackPending
			c.ackPendingMu.RUnlock()
			observer.Observe(n)
			return nil
		}),
	); err != nil {
		return nil, err
	}

	if _, err = meter.Int64ObservableGauge(
		"orbitmesh_workflow_instances",
		metric.WithDescription("Workflow instances currently held, by status"),
		metric.WithUnit("{instance}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			c.instanceCounterMu.RLock()
			counter := c.instanceCounter
			c.instanceCounterMu.RUnlock()
			if counter == nil {
				return nil
			}
			for status, n := range counter.CountByStatus() {
				observer.Observe(int64(n), metric.WithAttributes(attribute.String("status", string(status))))
			}
			return nil
		}),
	); err != nil {
		return nil, err
	}

	return c, nil
}

// RecordJob increments the job counter for a terminal status
// (Completed/Failed/Cancelled/TimedOut).
func (c *Collector) RecordJob(ctx context.Context, status domain.JobStatus) {
	c.jobsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

// RecordStep increments the workflow step counter for a terminal status.
func (c *Collector) RecordStep(ctx context.Context, status domain.StepInstanceStatus) {
	c.stepsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

// SetSessionsConnected sets the current connected-session gauge value.
func (c *Collector) SetSessionsConnected(n int) {
	c.sessionsConnectedMu.Lock()
	c.sessionsConnected = int64(n)
	c.sessionsConnectedMu.Unlock()
}

// SetQueueDepth sets the dispatcher's pending-queue gauge value.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepthMu.Lock()
	c.queueDepth = int64(n)
	c.queueDepthMu.Unlock()
}

// SetAckPending sets the dispatcher's ack-pending gauge value.
func (c *Collector) SetAckPending(n int) {
	c.ackPendingMu.Lock()
	c.ackPending = int64(n)
	c.ackPendingMu.Unlock()
}

// SetInstanceCounter wires the source the instances-by-status gauge reads
// from. Optional; the gauge reports nothing until this is set.
func (c *Collector) SetInstanceCounter(counter InstanceCounter) {
	c.instanceCounterMu.Lock()
	c.instanceCounter = counter
	c.instanceCounterMu.Unlock()
}
