// Package rpcproto implements the JSON-RPC 2.0 envelope: request,
// response, notification, and batch framing, plus a pending-request
// correlation table (PendingTable). The downstream transports in this
// repository do not use PendingTable.
package rpcproto

import (
	"encoding/json"
	"errors"
	"fmt"

	"i3gateway/internal/gwerr"
)

// Version is the only accepted jsonrpc version string.
const Version = "2.0"

// Request is one JSON-RPC request or notification. A nil ID marks a
// notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether r carries no id.
func (r Request) IsNotification() bool { return len(r.ID) == 0 }

// Response is one JSON-RPC response: exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Notification is a server-to-client message with no id and no response
// expected.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewNotification builds a server-pushed notification envelope.
func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: Version, Method: method, Params: params}
}

// NewResult builds a success response for the given request id.
func NewResult(id json.RawMessage, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("%w: marshaling result: %v", gwerr.ErrInternal, err)
	}
	return Response{JSONRPC: Version, Result: raw, ID: id}, nil
}

// NewError builds an error response for the given request id from a
// sentinel error, mapping it through gwerr.Code.
func NewError(id json.RawMessage, err error, data any) Response {
	return Response{
		JSONRPC: Version,
		ID:      id,
		Error: &Error{
			Code:    gwerr.Code(err),
			Message: err.Error(),
			Data:    data,
		},
	}
}

// NewStandardError builds an error response using one of the standard
// JSON-RPC codes (-32700..-32603) rather than a gateway sentinel.
func NewStandardError(id json.RawMessage, code int, message string) Response {
	return Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// ParseMessage decodes raw bytes as either a single Request or a batch
// ([]Request). An empty batch ("[]") is itself a protocol error.
func ParseMessage(raw []byte) (single *Request, batch []Request, err error) {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil, errors.New("empty message")
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, nil, fmt.Errorf("invalid batch: %w", err)
		}
		if len(batch) == 0 {
			return nil, nil, errors.New("empty batch")
		}
		return nil, batch, nil
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil, nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

// Validate checks r against the JSON-RPC 2.0 envelope shape, independent
// of whether the method exists.
func Validate(r Request) error {
	if r.JSONRPC != Version {
		return fmt.Errorf("jsonrpc version must be %q", Version)
	}
	if r.Method == "" {
		return errors.New("method is required")
	}
	if len(r.ID) > 0 {
		var s string
		var n json.Number
		if json.Unmarshal(r.ID, &s) != nil && json.Unmarshal(r.ID, &n) != nil {
			return errors.New("id must be a string or number")
		}
	}
	return nil
}
