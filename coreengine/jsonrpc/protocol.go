// Package jsonrpc exposes the task kernel over JSON-RPC 2.0 on HTTP.
//
// Routes:
//   - POST /a2a                     message/send, message/stream, tasks/get, tasks/list, tasks/cancel
//   - GET  /.well-known/agent.json  agent card (no auth)
//   - GET  /health                  liveness plus kernel status
//   - GET  /metrics                 Prometheus exposition
//   - GET  /orders                  order listing with the most recently updated id
package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/kernel"
)

// Version is the only accepted "jsonrpc" member value.
const Version = "2.0"

// Methods.
const (
	MethodSend   = "message/send"
	MethodStream = "message/stream"
	MethodGet    = "tasks/get"
	MethodList   = "tasks/list"
	MethodCancel = "tasks/cancel"
)

// =============================================================================
// Error Codes
// =============================================================================

// Error codes. The -32000 range is application defined.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeApplication    = -32000
	CodeRateLimited    = -32001
)

// Error is a JSON-RPC error object. It doubles as a Go error so method
// handlers can return it directly.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// NewError creates an error with the given code.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func errParse() *Error {
	return &Error{Code: CodeParseError, Message: "Parse error"}
}

func errNotJSONRPC() *Error {
	return &Error{Code: CodeInvalidRequest, Message: "Invalid Request: must be JSON-RPC 2.0"}
}

func errMethodRequired() *Error {
	return &Error{Code: CodeInvalidRequest, Message: "Invalid Request: method required"}
}

func errMethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "Method not found: %s", method)
}

func errInvalidParams(err error) *Error {
	return NewError(CodeInvalidParams, "Invalid params: %v", err)
}

func errInternal(err error) *Error {
	return NewError(CodeInternalError, "Internal error: %v", err)
}

func errApplication(msg string) *Error {
	return &Error{Code: CodeApplication, Message: msg}
}

func errRateLimited(r *kernel.RateLimitResult) *Error {
	return &Error{
		Code:    CodeRateLimited,
		Message: fmt.Sprintf("Rate limit exceeded: %d requests per %s", r.Limit, r.LimitType),
		Data: map[string]any{
			"limitType":  r.LimitType,
			"retryAfter": r.RetryAfter,
		},
	}
}

// =============================================================================
// Envelopes
// =============================================================================

// Request is an inbound JSON-RPC request. ID is kept raw so it is echoed
// back exactly as sent (string, number or null).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound JSON-RPC response. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func result(id json.RawMessage, v any) Response {
	return Response{JSONRPC: Version, ID: nullable(id), Result: v}
}

func failure(id json.RawMessage, e *Error) Response {
	return Response{JSONRPC: Version, ID: nullable(id), Error: e}
}

func nullable(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// =============================================================================
// Params
// =============================================================================

// SendConfiguration is the optional configuration of message/send.
type SendConfiguration struct {
	ContextID string `json:"contextId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
}

// SendParams are the params of message/send and message/stream.
type SendParams struct {
	Message       *kernel.TaskMessage `json:"message"`
	Configuration SendConfiguration   `json:"configuration"`
}

// TaskIDParams are the params of tasks/get and tasks/cancel.
type TaskIDParams struct {
	TaskID string `json:"taskId"`
}

// ListParams are the params of tasks/list.
type ListParams struct {
	ContextID string `json:"contextId,omitempty"`
}

// StreamChunk is one incremental piece of a streamed reply.
type StreamChunk struct {
	Kind      string `json:"kind"` // always "chunk"
	TaskID    string `json:"taskId"`
	ContextID string `json:"contextId"`
	Text      string `json:"text"`
}

// decodeParams unmarshals raw params into v. Absent params decode as an
// empty object.
func decodeParams(raw json.RawMessage, v any) *Error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errInvalidParams(err)
	}
	return nil
}

// contextIDFromBody pulls params.configuration.contextId out of a raw body
// without failing on malformed input. Authentication runs before dispatch
// and needs it to reuse an existing session.
func contextIDFromBody(body []byte) string {
	var probe struct {
		Params struct {
			Configuration SendConfiguration `json:"configuration"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Params.Configuration.ContextID
}
