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
	"sync"
	"time"
)

// idempotencyEntry remembers which job an idempotency key resolved to.
type idempotencyEntry struct {
	jobID     string
	expiresAt time.Time
}

// idempotencyCache deduplicates job submissions sharing an idempotency key
// within a TTL window (spec §4.6 / §8 idempotence law), mirroring the
// per-key map + lazy-expiry pattern used by the rate limiter this dispatcher
// is grounded on.
type idempotencyCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

func newIdempotencyCache(ttl time.Duration) *idempotencyCache {
	return &idempotencyCache{ttl: ttl, entries: make(map[string]idempotencyEntry)}
}

// Lookup returns the job ID previously associated with key, if still live.
func (c *idempotencyCache) Lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return entry.jobID, true
}

// Remember associates key with jobID for the cache's TTL.
func (c *idempotencyCache) Remember(key, jobID string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = idempotencyEntry{jobID: jobID, expiresAt: time.Now().Add(c.ttl)}
}

// sweep removes expired entries; called periodically by the dispatcher.
func (c *idempotencyCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
