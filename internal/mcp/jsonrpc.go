package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Kind discriminates the variants of a wire [Message].
type Kind int

const (
	// KindUnknown is anything that does not match another variant. It is
	// kept rather than rejected so newer servers stay usable.
	KindUnknown Kind = iota
	// KindRequest has a method and an id; a response is expected.
	KindRequest
	// KindResponse has an id and a result or error.
	KindResponse
	// KindNotification has a method and no id.
	KindNotification
	// KindPing is a socket heartbeat probe ({"type":"ping"}).
	KindPing
	// KindPong is a socket heartbeat reply ({"type":"pong"}).
	KindPong
)

// String returns the lowercase variant name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Message is a single frame on any transport. It is a tagged union: use
// [Message.Kind] to decide which fields are meaningful. Heartbeat
// frames use Type instead of the JSON-RPC envelope.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Type    string          `json:"type,omitempty"`

	// Raw is the frame as received. Set by DecodeMessage only.
	Raw json.RawMessage `json:"-"`
}

// Kind classifies the message.
func (m *Message) Kind() Kind {
	switch {
	case m == nil:
		return KindUnknown
	case m.Type == "ping":
		return KindPing
	case m.Type == "pong":
		return KindPong
	case m.Method != "" && hasID(m.ID):
		return KindRequest
	case m.Method != "":
		return KindNotification
	case hasID(m.ID) && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindUnknown
	}
}

// IDString returns the id in a form usable as a map key: numbers as
// their decimal text, strings unquoted. Returns "" when absent.
func (m *Message) IDString() string {
	if m == nil || !hasID(m.ID) {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(m.ID))
}

func hasID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// NumericID encodes n as a JSON-RPC id.
func NumericID(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

// NewRequest creates a JSON-RPC 2.0 request. params may be nil.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		ID:      NumericID(id),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification creates a JSON-RPC 2.0 notification (no id).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResult creates a successful response to the request with id.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Result:  raw,
	}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// DecodeMessage parses one frame. Failures are returned as
// *ProtocolParseError carrying the offending bytes.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ProtocolParseError{Frame: truncateFrame(data), Err: err}
	}
	m.Raw = append(json.RawMessage(nil), data...)
	return &m, nil
}

// truncateFrame limits how much of a bad frame ends up in logs.
func truncateFrame(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
