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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	rpclog "github.com/orbitmesh/orbitmesh/internal/log"
	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
)

// pendingCall tracks one in-flight outbound RPC awaiting its response.
type pendingCall struct {
	resultCh chan Message
}

// Session owns one agent's wire connection. It runs a single reader goroutine
// that demultiplexes inbound frames into either resolved outbound-call
// futures (responses/errors matched by correlation id) or dispatch to the
// registered inbound Handler (requests from the agent). Session adds no
// write lock of its own: Call sends from the caller's goroutine and dispatch
// replies from the reader goroutine, so the Transport serializes concurrent
// Send calls (websocketTransport with a mutex, memoryTransport via its
// channel).
type Session struct {
	AgentID   string
	SessionID string

	transport Transport
	log       *slog.Logger
	handler   Handler
	rpcLog    *rpclog.RPCMiddleware

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
	lostCh  chan struct{}
	lostErr error

	closeOnce sync.Once
}

// New creates a Session around an established Transport and starts its
// reader loop. handler processes inbound requests from the agent.
func New(agentID, sessionID string, transport Transport, handler Handler, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		AgentID:   agentID,
		SessionID: sessionID,
		transport: transport,
		log:       log,
		handler:   handler,
		rpcLog:    rpclog.NewRPCMiddleware(log),
		pending:   make(map[string]*pendingCall),
		lostCh:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Call invokes method on the agent and blocks for its result, the context
// deadline, or the session being lost — whichever comes first. Per spec
// §4.2, a session loss cancels every outstanding future with SessionLostError
// rather than leaving callers blocked forever.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("session: marshal params: %w", err)
	}

	correlationID := uuid.New().String()
	call := &pendingCall{resultCh: make(chan Message, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.lostSessionError()
	}
	s.pending[correlationID] = call
	s.mu.Unlock()

	msg := Message{Type: MessageTypeRequest, CorrelationID: correlationID, Method: method, Params: paramsJSON}
	if err := s.transport.Send(msg); err != nil {
		s.mu.Lock()
		delete(s.pending, correlationID)
		s.mu.Unlock()
		return nil, &pkgerrors.SessionLostError{AgentID: s.AgentID, SessionID: s.SessionID, Cause: err}
	}

	select {
	case resp := <-call.resultCh:
		if resp.Error != nil {
			if resp.Error.Code == "session_lost" {
				return nil, s.lostSessionError()
			}
			return nil, fmt.Errorf("session: agent returned error: %s: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, correlationID)
		s.mu.Unlock()
		return nil, ctx.Err()
	case <-s.lostCh:
		return nil, s.lostSessionError()
	}
}

// readLoop is the session's single reader goroutine. It dispatches responses
// to waiting Call futures and inbound requests to the handler, replying on
// the same transport.
func (s *Session) readLoop() {
	for {
		msg, err := s.transport.Recv()
		if err != nil {
			s.markLost(err)
			return
		}

		switch msg.Type {
		case MessageTypeResponse, MessageTypeError:
			s.mu.Lock()
			call, ok := s.pending[msg.CorrelationID]
			if ok {
				delete(s.pending, msg.CorrelationID)
			}
			s.mu.Unlock()
			if ok {
				call.resultCh <- msg
			}
		case MessageTypeRequest:
			s.dispatch(msg)
		default:
			s.log.Warn("session: unexpected frame type", "agent_id", s.AgentID, "type", msg.Type)
		}
	}
}

// dispatch routes one inbound request to the registered Handler, wrapped in
// rpcLog so every inbound call is logged with its correlation id and
// duration the same way an outbound Call's response would be.
func (s *Session) dispatch(msg Message) {
	if s.handler == nil {
		return
	}

	req := &rpclog.RPCRequest{
		MessageType:   msg.Method,
		CorrelationID: msg.CorrelationID,
		RequestID:     msg.CorrelationID,
		RemoteAddr:    s.AgentID,
	}

	var result any
	err := s.rpcLog.Handler(req, func() error {
		var handlerErr error
		result, handlerErr = s.handler(s.AgentID, msg.Method, msg.Params)
		return handlerErr
	})
	if err != nil {
		_ = s.transport.Send(Message{
			Type:          MessageTypeError,
			CorrelationID: msg.CorrelationID,
			Error:         &ErrorFrame{Code: "handler_error", Message: err.Error()},
		})
		return
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		s.log.Error("session: marshal handler result", "error", err)
		return
	}
	_ = s.transport.Send(Message{Type: MessageTypeResponse, CorrelationID: msg.CorrelationID, Result: resultJSON})
}

// markLost cancels every outstanding future and marks the session dead.
func (s *Session) markLost(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.lostErr = cause
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	lostMsg := Message{Type: MessageTypeError, Error: &ErrorFrame{Code: "session_lost", Message: "session lost"}}
	for _, call := range pending {
		call.resultCh <- lostMsg
	}
	close(s.lostCh)
}

func (s *Session) lostSessionError() error {
	return &pkgerrors.SessionLostError{AgentID: s.AgentID, SessionID: s.SessionID, Cause: s.lostErr}
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears down the transport, which in turn unblocks the reader loop and
// triggers markLost.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.transport.Close()
	})
	return err
}
