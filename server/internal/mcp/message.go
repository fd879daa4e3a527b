// Package mcp models JSON-RPC 2.0 messages as relayed by the runner and the
// transport capability every internal and external transport implements.
package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// JSON-RPC 2.0 error codes, plus the server-defined codes used by the runner.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeNoValidSession is returned when a session id is missing or unknown.
	CodeNoValidSession = -32000
	// CodeDeploymentUnavailable is returned when the deployment does not
	// exist or cannot be brought to running.
	CodeDeploymentUnavailable = -32001
)

// MethodInitialize is the method that opens an MCP session.
const MethodInitialize = "initialize"

// ErrInvalidMessage is returned for bodies that are not valid JSON-RPC 2.0.
var ErrInvalidMessage = errors.New("invalid JSON-RPC message")

var nullID = json.RawMessage("null")

// Message is one JSON-RPC 2.0 request, notification or response. Params,
// Result and error data are kept raw so the payload is relayed unchanged.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// hasID reports whether the message carries a non-null id.
func (m *Message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(bytes.TrimSpace(m.ID), nullID)
}

// IsRequest reports whether the message is a request expecting a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.hasID()
}

// IsNotification reports whether the message is a notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && !m.hasID()
}

// IsResponse reports whether the message is a result or error response.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsInitializeRequest reports whether the message opens a session.
func (m *Message) IsInitializeRequest() bool {
	return m.Method == MethodInitialize && m.hasID()
}

// IDKey returns the id as text: the unquoted value for string ids, the
// literal for numeric ids and "" when there is no id.
func (m *Message) IDKey() string {
	if !m.hasID() {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(m.ID))
}

// Validate checks the JSON-RPC 2.0 envelope.
func (m *Message) Validate() error {
	if m.JSONRPC != "2.0" {
		return fmt.Errorf("%w: jsonrpc must be \"2.0\"", ErrInvalidMessage)
	}
	if m.hasID() {
		var v any
		if err := json.Unmarshal(m.ID, &v); err != nil {
			return fmt.Errorf("%w: malformed id", ErrInvalidMessage)
		}
		switch v.(type) {
		case string, float64:
		default:
			return fmt.Errorf("%w: id must be a string or number", ErrInvalidMessage)
		}
	}
	switch {
	case m.Method != "":
		if m.Result != nil || m.Error != nil {
			return fmt.Errorf("%w: request must not carry result or error", ErrInvalidMessage)
		}
	case m.Result != nil && m.Error != nil:
		return fmt.Errorf("%w: response must not carry both result and error", ErrInvalidMessage)
	case m.Result == nil && m.Error == nil:
		return fmt.Errorf("%w: message has neither method nor result", ErrInvalidMessage)
	case len(m.ID) == 0:
		return fmt.Errorf("%w: response requires an id", ErrInvalidMessage)
	}
	return nil
}

// Clone returns a copy that can be modified without affecting m.
func (m *Message) Clone() *Message {
	cpy := *m
	cpy.ID = append(json.RawMessage(nil), m.ID...)
	return &cpy
}

// Decode parses a single JSON-RPC message and validates it.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeBatch parses a body that is either one message or a JSON array of
// messages. batch reports which form was used.
func DecodeBatch(data []byte) (msgs []*Message, batch bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("%w: empty body", ErrInvalidMessage)
	}
	if trimmed[0] != '[' {
		m, err := Decode(trimmed)
		if err != nil {
			return nil, false, err
		}
		return []*Message{m}, false, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(raws) == 0 {
		return nil, true, fmt.Errorf("%w: empty batch", ErrInvalidMessage)
	}
	msgs = make([]*Message, 0, len(raws))
	for _, raw := range raws {
		m, err := Decode(raw)
		if err != nil {
			return nil, true, err
		}
		msgs = append(msgs, m)
	}
	return msgs, true, nil
}

// Encode serializes the message.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// NewErrorResponse builds an error response. A nil id is sent as null.
func NewErrorResponse(id json.RawMessage, code int, message string) *Message {
	if len(id) == 0 {
		id = nullID
	}
	return &Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// StringID encodes s as a JSON string id.
func StringID(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
