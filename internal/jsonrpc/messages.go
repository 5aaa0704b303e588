package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Message is the raw JSON representation of a JSON-RPC message.
type Message []byte

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return r.ID.IsNil()
}

// Type returns "request" or "notification".
func (r *Request) Type() string {
	if r.IsNotification() {
		return "notification"
	}
	return "request"
}

// Response represents a JSON-RPC response. The id is always emitted; it is
// null when the request id could not be determined.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          NewError(code, message, data),
		ID:             id,
	}
}

// NewNotification builds a server-originated notification message.
func NewNotification(method string, params any) (*Request, error) {
	n := &Request{JSONRPCVersion: ProtocolVersion, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		n.Params = b
	}
	return n, nil
}

// ParseRequest decodes a single inbound JSON-RPC request or notification.
//
// Malformed JSON yields ErrorCodeParseError. A body that is valid JSON but not
// a well formed request (batch array, wrong version, missing method, bad id,
// result/error members) yields ErrorCodeInvalidRequest. When the id could be
// recovered it is returned alongside the error so the caller can address the
// error response.
func ParseRequest(data []byte) (*Request, *RequestID, *Error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return nil, nil, NewError(ErrorCodeParseError, "parse error", nil)
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, nil, NewError(ErrorCodeInvalidRequest, "batch requests are not supported", nil)
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil, NewError(ErrorCodeInvalidRequest, "request must be a JSON object", nil)
	}

	var raw struct {
		JSONRPCVersion *string         `json:"jsonrpc"`
		Method         *string         `json:"method"`
		Params         json.RawMessage `json:"params"`
		Result         json.RawMessage `json:"result"`
		Error          json.RawMessage `json:"error"`
		ID             json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, nil, NewError(ErrorCodeInvalidRequest, "invalid request", err.Error())
	}

	var id *RequestID
	if len(raw.ID) > 0 && !bytes.Equal(raw.ID, []byte("null")) {
		id = &RequestID{}
		if err := id.UnmarshalJSON(raw.ID); err != nil {
			return nil, nil, NewError(ErrorCodeInvalidRequest, "invalid request id", err.Error())
		}
	}

	if raw.JSONRPCVersion == nil || *raw.JSONRPCVersion != ProtocolVersion {
		return nil, id, NewError(ErrorCodeInvalidRequest, fmt.Sprintf("jsonrpc must be %q", ProtocolVersion), nil)
	}
	if raw.Method == nil || *raw.Method == "" {
		return nil, id, NewError(ErrorCodeInvalidRequest, "missing method", nil)
	}
	if len(raw.Result) > 0 || len(raw.Error) > 0 {
		return nil, id, NewError(ErrorCodeInvalidRequest, "request message cannot have result or error fields", nil)
	}
	if len(raw.Params) > 0 {
		if c := bytes.TrimSpace(raw.Params)[0]; c != '{' && c != '[' && !bytes.Equal(bytes.TrimSpace(raw.Params), []byte("null")) {
			return nil, id, NewError(ErrorCodeInvalidRequest, "params must be an object or array", nil)
		}
	}

	return &Request{
		JSONRPCVersion: ProtocolVersion,
		Method:         *raw.Method,
		Params:         raw.Params,
		ID:             id,
	}, id, nil
}
