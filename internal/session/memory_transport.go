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

import "sync"

// memoryTransport is an in-process Transport backed by channels, used for
// tests and for the in-process fake agent harness. NewMemoryTransportPair
// returns two ends wired to each other.
type memoryTransport struct {
	out chan Message
	in  chan Message

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryTransportPair returns two connected Transports: writes to one side
// arrive as reads on the other.
func NewMemoryTransportPair() (Transport, Transport) {
	a := make(chan Message, 64)
	b := make(chan Message, 64)
	left := &memoryTransport{out: a, in: b, closed: make(chan struct{})}
	right := &memoryTransport{out: b, in: a, closed: make(chan struct{})}
	return left, right
}

func (t *memoryTransport) Send(msg Message) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case t.out <- msg:
		return nil
	case <-t.closed:
		return ErrTransportClosed
	}
}

func (t *memoryTransport) Recv() (Message, error) {
	select {
	case msg, ok := <-t.in:
		if !ok {
			return Message{}, ErrTransportClosed
		}
		return msg, nil
	case <-t.closed:
		return Message{}, ErrTransportClosed
	}
}

func (t *memoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		close(t.out)
	})
	return nil
}
