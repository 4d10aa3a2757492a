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

package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// KeyedLimiter paces per-key work through an independent token bucket for
// each key, so one noisy key cannot starve the rest.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewKeyedLimiter builds a KeyedLimiter where each key gets its own bucket
// refilling at r events/sec with the given burst size.
func NewKeyedLimiter(r rate.Limit, burst int) *KeyedLimiter {
	return &KeyedLimiter{limiters: make(map[string]*rate.Limiter), r: r, burst: burst}
}

func (k *KeyedLimiter) limiterFor(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(k.r, k.burst)
		k.limiters[key] = l
	}
	return l
}

// Allow reports whether a single event for key may proceed right now,
// without blocking.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.limiterFor(key).Allow()
}

// Wait blocks until a token is available for key or ctx is cancelled.
func (k *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return k.limiterFor(key).Wait(ctx)
}
