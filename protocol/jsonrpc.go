package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version marker carried by every frame.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes, plus the server-range codes this agent
// uses for session-level failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeSessionNotFound = -32001
	CodeSessionBusy     = -32002
)

// Request is one inbound JSON-RPC request or notification. The unmarshaler
// records how the id member appeared on the wire so the server can tell a
// notification (absent id) from a request, and reject ids that are neither
// strings nor numbers. An explicit null id is rejected too: it cannot pair a
// response, and treating it as a notification would drop the frame silently.
type Request struct {
	JSONRPC string
	ID      interface{}
	Method  string
	Params  json.RawMessage

	idPresent bool
	idNull    bool
	idInvalid bool
}

// UnmarshalJSON decodes a request while tracking id presence and validity.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.JSONRPC = raw.JSONRPC
	r.Method = raw.Method
	r.Params = raw.Params
	r.ID = nil
	r.idPresent = raw.ID != nil
	r.idNull = false
	r.idInvalid = false
	if !r.idPresent {
		return nil
	}
	if string(raw.ID) == "null" {
		r.idNull = true
		return nil
	}
	var id interface{}
	if err := json.Unmarshal(raw.ID, &id); err != nil {
		r.idInvalid = true
		return nil
	}
	switch id.(type) {
	case string, float64:
		r.ID = id
	default:
		// Arrays, objects and booleans cannot pair a response.
		r.idInvalid = true
	}
	return nil
}

// IsNotification reports whether the frame must not receive a response.
// Only an absent id marks a notification.
func (r *Request) IsNotification() bool {
	return !r.idPresent
}

// HasInvalidID reports whether the frame carried an id that cannot pair a
// response: explicit null, or a type other than string or number.
func (r *Request) HasInvalidID() bool {
	return r.idInvalid || r.idNull
}

// Response is one outbound response frame, or an inbound response to an
// agent-initiated call. The id member is always serialized, null included,
// so parse-error responses conform to the JSON-RPC spec.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error object for a response.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithData builds an error object carrying supplemental data.
func NewErrorWithData(code int, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// NewResponse builds a success response, marshaling result into the frame.
// A nil result serializes as JSON null.
func NewResponse(id interface{}, result interface{}) (*Response, error) {
	raw := json.RawMessage("null")
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize result: %w", err)
		}
		raw = data
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given id. Pass a nil id
// when the offending frame's id is unknown.
func NewErrorResponse(id interface{}, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// Notification is one outbound notification frame.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewNotification builds a notification frame.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// OutboundRequest is one agent-initiated request frame (agent -> client).
type OutboundRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewOutboundRequest builds an agent-to-client request frame.
func NewOutboundRequest(id interface{}, method string, params interface{}) *OutboundRequest {
	return &OutboundRequest{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// Message is one decoded inbound frame: a request/notification (Request set),
// a response to an agent-initiated call (Response set), or a frame that was
// valid JSON but not a recognizable JSON-RPC shape (Invalid set).
type Message struct {
	Request  *Request
	Response *Response
	Invalid  bool
}

// DecodeMessage classifies and decodes one frame. It returns an error only
// when the bytes are not a single valid JSON value; shape problems within
// valid JSON, a non-object frame included, are reported through
// Message.Invalid.
func DecodeMessage(data []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		var value interface{}
		if json.Unmarshal(data, &value) == nil {
			// Scalars and arrays parse fine; they just are not requests.
			return &Message{Invalid: true}, nil
		}
		return nil, fmt.Errorf("invalid JSON frame: %w", err)
	}
	if _, ok := fields["method"]; ok {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("invalid JSON frame: %w", err)
		}
		return &Message{Request: &req}, nil
	}
	if _, ok := fields["id"]; ok {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("invalid JSON frame: %w", err)
		}
		return &Message{Response: &resp}, nil
	}
	return &Message{Invalid: true}, nil
}
