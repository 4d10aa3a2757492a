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

import "errors"

// ErrTransportClosed is returned by Send/Recv once the underlying connection
// has gone away.
var ErrTransportClosed = errors.New("session: transport closed")

// Transport is the minimal duplex frame channel a Session rides on. It
// deliberately knows nothing about RPC semantics (methods, correlation,
// futures) — that lives in Session. Concrete implementations: websocketTransport
// for real agents, memoryTransport for tests.
type Transport interface {
	// Send writes one frame. Session calls it from several goroutines at
	// once, so implementations serialize concurrent writes themselves.
	Send(msg Message) error

	// Recv blocks for the next inbound frame. Returns ErrTransportClosed once
	// the transport is closed and no frames remain buffered.
	Recv() (Message, error)

	// Close tears down the underlying connection. Idempotent.
	Close() error
}
