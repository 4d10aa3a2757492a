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

// Package trigger fires workflow instances on a definition's declared
// triggers: manual (direct API call), schedule (periodic timer), and event
// (a correlated signal arriving through SendEvent).
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/domain"
)

// DefinitionStore is the subset of store.WorkflowDefinitionStore the
// service needs to discover trigger declarations.
type DefinitionStore interface {
	List(ctx context.Context) ([]*domain.WorkflowDefinition, error)
}

// Starter is the subset of engine.Engine the service uses to start new
// instances.
type Starter interface {
	Start(ctx context.Context, workflowID string, input map[string]any, parentInstanceID string) (*domain.WorkflowInstance, error)
}

// EventSender is the subset of engine.Engine the service uses to resume
// instances already paused on an event.
type EventSender interface {
	SendEvent(ctx context.Context, eventType, correlationKey string, data map[string]any) (int, error)
}

// Config configures a Service.
type Config struct {
	Defs      DefinitionStore
	Starter   Starter
	Events    EventSender
	Logger    *slog.Logger
	// ReconcileInterval controls how often the schedule-trigger timer set is
	// resynced against the current definitions. Definitions can be added,
	// removed, or edited at any time behind a hot-reloading DefinitionStore.
	ReconcileInterval time.Duration
}

// Service fires manual, schedule, and event triggers declared on workflow
// definitions.
type Service struct {
	defs    DefinitionStore
	starter Starter
	events  EventSender
	log     *slog.Logger

	reconcileEvery time.Duration
	schedules      *timerScheduler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService builds a Service from cfg. Defs, Starter, and Events are
// required.
func NewService(cfg Config) (*Service, error) {
	if cfg.Defs == nil {
		return nil, fmt.Errorf("trigger: Defs is required")
	}
	if cfg.Starter == nil {
		return nil, fmt.Errorf("trigger: Starter is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("trigger: Events is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	reconcileEvery := cfg.ReconcileInterval
	if reconcileEvery <= 0 {
		reconcileEvery = 30 * time.Second
	}

	s := &Service{
		defs:           cfg.Defs,
		starter:        cfg.Starter,
		events:         cfg.Events,
		log:            log.With("component", "trigger_service"),
		reconcileEvery: reconcileEvery,
	}
	s.schedules = newTimerScheduler(s.fireSchedule)
	return s, nil
}

// Start begins periodic reconciliation of schedule triggers. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	if err := s.reconcile(runCtx); err != nil {
		s.log.Error("initial trigger reconcile failed", "error", err)
	}

	s.wg.Add(1)
	go s.reconcileLoop(runCtx)
	return nil
}

// Stop halts reconciliation and every schedule timer.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.schedules.stop()
}

func (s *Service) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reconcile(ctx); err != nil {
				s.log.Error("trigger reconcile failed", "error", err)
			}
		}
	}
}

// reconcile registers a timer for every enabled schedule trigger and tears
// down timers for definitions/triggers that disappeared or changed.
func (s *Service) reconcile(ctx context.Context) error {
	defs, err := s.defs.List(ctx)
	if err != nil {
		return err
	}

	want := make(map[string]struct{})
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		for i, t := range def.Triggers {
			if t.Type != "schedule" {
				continue
			}
			interval, err := time.ParseDuration(t.Schedule)
			if err != nil {
				s.log.Warn("skipping schedule trigger with unparseable interval",
					"workflow_id", def.ID, "schedule", t.Schedule, "error", err)
				continue
			}
			key := scheduleKey(def.ID, i)
			want[key] = struct{}{}
			s.schedules.register(ctx, key, interval)
		}
	}
	s.schedules.reconcileKeys(want)
	return nil
}

func scheduleKey(workflowID string, triggerIndex int) string {
	return fmt.Sprintf("%s#%d", workflowID, triggerIndex)
}

// fireSchedule is called by the timerScheduler when a schedule trigger's
// timer elapses. It re-resolves the definition since the timer key only
// encodes the workflow id and trigger position, not the input mapping.
func (s *Service) fireSchedule(ctx context.Context, key string) {
	workflowID, idx, ok := splitScheduleKey(key)
	if !ok {
		return
	}
	defs, err := s.defs.List(ctx)
	if err != nil {
		s.log.Error("failed to list definitions for schedule fire", "error", err)
		return
	}
	for _, def := range defs {
		if def.ID != workflowID || idx >= len(def.Triggers) {
			continue
		}
		t := def.Triggers[idx]
		if t.Type != "schedule" {
			return
		}
		input := applyInputMapping(t.InputMapping, nil)
		if _, err := s.starter.Start(ctx, workflowID, input, ""); err != nil {
			s.log.Error("scheduled trigger failed to start workflow", "workflow_id", workflowID, "error", err)
		}
		return
	}
}

func splitScheduleKey(key string) (workflowID string, idx int, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '#' {
			workflowID = key[:i]
			if _, err := fmt.Sscanf(key[i+1:], "%d", &idx); err != nil {
				return "", 0, false
			}
			return workflowID, idx, true
		}
	}
	return "", 0, false
}

// Fire starts workflowID directly, bypassing trigger declarations. This is
// the manual trigger path.
func (s *Service) Fire(ctx context.Context, workflowID string, input map[string]any) (*domain.WorkflowInstance, error) {
	return s.starter.Start(ctx, workflowID, input, "")
}

// HandleEvent resumes every instance already paused waiting for eventType,
// and additionally starts a new instance for every enabled definition
// declaring a matching event trigger (subject to correlationKey, when that
// trigger specifies one).
func (s *Service) HandleEvent(ctx context.Context, eventType, correlationKey string, data map[string]any) (int, error) {
	resumed, err := s.events.SendEvent(ctx, eventType, correlationKey, data)
	if err != nil {
		return resumed, err
	}

	defs, err := s.defs.List(ctx)
	if err != nil {
		return resumed, err
	}
	started := 0
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		for _, t := range def.Triggers {
			if t.Type != "event" || t.EventType != eventType {
				continue
			}
			if t.CorrelationKey != "" && correlationKey != t.CorrelationKey {
				continue
			}
			input := applyInputMapping(t.InputMapping, data)
			if _, err := s.starter.Start(ctx, def.ID, input, ""); err != nil {
				s.log.Error("event trigger failed to start workflow", "workflow_id", def.ID, "event_type", eventType, "error", err)
				continue
			}
			started++
		}
	}
	return resumed + started, nil
}

// applyInputMapping projects event/schedule data into workflow input using
// a trigger's declared field renames. An unset mapping passes data through
// unchanged.
func applyInputMapping(mapping map[string]string, data map[string]any) map[string]any {
	if len(mapping) == 0 {
		out := make(map[string]any, len(data))
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(mapping))
	for dest, src := range mapping {
		if v, ok := data[src]; ok {
			out[dest] = v
		}
	}
	return out
}
