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

package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthenticationFailed is returned when a bearer token fails validation.
	ErrAuthenticationFailed = errors.New("session: authentication failed")

	// ErrRateLimitExceeded is returned when a remote address has failed
	// authentication too many times in the current window.
	ErrRateLimitExceeded = errors.New("session: rate limit exceeded")
)

const (
	maxFailedAttempts = 5
	rateLimitWindow   = time.Minute
	rateLimitLockout  = 60 * time.Second
)

// Claims is the JWT payload an agent presents when establishing a session.
type Claims struct {
	AgentID string `json:"agentId"`
	jwt.RegisteredClaims
}

// rateLimitEntry tracks failed authentication attempts per remote address.
type rateLimitEntry struct {
	count       int
	firstFail   time.Time
	lockedUntil time.Time
}

// TokenValidator verifies agent bearer tokens against a shared signing
// secret and rate-limits repeated failures per remote address, the same
// defense the control plane's original handshake path used against brute
// force (adapted to JWT instead of a single static token).
type TokenValidator struct {
	secret []byte

	mu             sync.Mutex
	failedAttempts map[string]*rateLimitEntry
}

// NewTokenValidator creates a validator around an HMAC signing secret.
func NewTokenValidator(secret []byte) *TokenValidator {
	return &TokenValidator{
		secret:         secret,
		failedAttempts: make(map[string]*rateLimitEntry),
	}
}

// Validate parses and verifies token, returning the agent id it authorizes.
// remoteAddr is used only for rate limiting, not for identity.
func (v *TokenValidator) Validate(token, remoteAddr string) (string, error) {
	v.mu.Lock()
	entry, locked := v.failedAttempts[remoteAddr]
	if locked && time.Now().Before(entry.lockedUntil) {
		v.mu.Unlock()
		return "", ErrRateLimitExceeded
	}
	v.mu.Unlock()

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid || claims.AgentID == "" {
		v.recordFailedAttempt(remoteAddr)
		return "", ErrAuthenticationFailed
	}

	v.mu.Lock()
	delete(v.failedAttempts, remoteAddr)
	v.mu.Unlock()

	return claims.AgentID, nil
}

func (v *TokenValidator) recordFailedAttempt(remoteAddr string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	entry, ok := v.failedAttempts[remoteAddr]
	if !ok {
		v.failedAttempts[remoteAddr] = &rateLimitEntry{count: 1, firstFail: now}
		return
	}
	if now.Sub(entry.firstFail) > rateLimitWindow {
		entry.count = 1
		entry.firstFail = now
		entry.lockedUntil = time.Time{}
		return
	}
	entry.count++
	if entry.count >= maxFailedAttempts {
		entry.lockedUntil = now.Add(rateLimitLockout)
	}
}

// IssueToken mints a signed bearer token for agentID, valid for ttl.
func IssueToken(secret []byte, agentID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		AgentID: agentID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(secret)
}
