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

// Package session implements the Session Layer (spec §4.2): it owns the
// per-agent channel, routes inbound RPCs to handlers, and lets callers invoke
// outbound RPCs against a connected agent without knowing anything about the
// wire transport underneath.
package session

import "encoding/json"

// MessageType identifies the kind of frame on the wire.
type MessageType string

const (
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
	MessageTypeStream   MessageType = "stream"
	MessageTypeError    MessageType = "error"
)

// Outbound RPC methods the control plane invokes against an agent.
const (
	MethodAssignJob      = "job.assign"
	MethodCancelJob      = "job.cancel"
	MethodResumeWorkflow = "workflow.resume"
)

// Inbound RPC methods an agent invokes against the control plane.
const (
	MethodReportProgress  = "job.progress"
	MethodReportResult    = "job.result"
	MethodReportHeartbeat = "agent.heartbeat"
	MethodReportStatus    = "agent.status"
)

// Message is the wire envelope for every frame exchanged over a Session.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlationId"`
	Method        string          `json:"method,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ErrorFrame     `json:"error,omitempty"`
}

// ErrorFrame carries a structured error back across the wire.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler processes an inbound request and returns its result (or an error).
type Handler func(agentID string, method string, params json.RawMessage) (any, error)
