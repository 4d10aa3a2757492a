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
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// websocketTransport adapts a *websocket.Conn to Transport. Writes are
// serialized with a mutex since gorilla/websocket forbids concurrent writers
// on one connection; reads are only ever issued from Session's single reader
// goroutine so no read-side lock is needed.
type websocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewWebSocketTransport wraps an established WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &websocketTransport{conn: conn}
}

func (t *websocketTransport) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *websocketTransport) Recv() (Message, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return Message{}, ErrTransportClosed
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (t *websocketTransport) Close() error {
	return t.conn.Close()
}
