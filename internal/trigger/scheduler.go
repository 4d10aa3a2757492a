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

package trigger

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MinScheduleInterval is the smallest interval a schedule trigger may run
// at, to keep a misconfigured definition from hammering the engine. A var,
// not a const, so tests can shrink it.
var MinScheduleInterval = 10 * time.Second

// firer is called when a schedule timer fires.
type firer func(ctx context.Context, key string)

// timerScheduler runs one jittered timer per registered key, re-arming it
// after every fire. Used for schedule-type workflow triggers.
type timerScheduler struct {
	mu      sync.Mutex
	timers  map[string]*scheduleTimer
	fire    firer
	stopped bool
}

type scheduleTimer struct {
	interval time.Duration
	timer    *time.Timer
	cancel   context.CancelFunc
}

func newTimerScheduler(fire firer) *timerScheduler {
	return &timerScheduler{timers: make(map[string]*scheduleTimer), fire: fire}
}

// register arms (or re-arms, if interval changed) a timer for key.
func (s *timerScheduler) register(ctx context.Context, key string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if interval < MinScheduleInterval {
		interval = MinScheduleInterval
	}

	if existing, ok := s.timers[key]; ok {
		if existing.interval == interval {
			return
		}
		existing.cancel()
		delete(s.timers, key)
	}

	timerCtx, cancel := context.WithCancel(ctx)
	st := &scheduleTimer{interval: interval, timer: time.NewTimer(addJitter(interval)), cancel: cancel}
	s.timers[key] = st
	go s.run(timerCtx, key, st)
}

// unregister stops key's timer, if any. Used when a definition is reloaded
// without that schedule trigger, or removed entirely.
func (s *timerScheduler) unregister(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.timers[key]; ok {
		st.cancel()
		st.timer.Stop()
		delete(s.timers, key)
	}
}

// reconcileKeys removes any registered timer not present in want, leaving
// the rest untouched.
func (s *timerScheduler) reconcileKeys(want map[string]struct{}) {
	s.mu.Lock()
	var stale []string
	for key := range s.timers {
		if _, ok := want[key]; !ok {
			stale = append(stale, key)
		}
	}
	s.mu.Unlock()
	for _, key := range stale {
		s.unregister(key)
	}
}

func (s *timerScheduler) run(ctx context.Context, key string, st *scheduleTimer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-st.timer.C:
			s.fire(ctx, key)
			st.timer.Reset(addJitter(st.interval))
		}
	}
}

// stop tears down every registered timer.
func (s *timerScheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, st := range s.timers {
		st.cancel()
		st.timer.Stop()
	}
	s.timers = make(map[string]*scheduleTimer)
}

// addJitter spreads timer fires by up to ±10% to avoid a thundering herd
// when many schedule triggers share the same interval.
func addJitter(d time.Duration) time.Duration {
	jitterRange := float64(d) * 0.1
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return d + time.Duration(jitter)
}
