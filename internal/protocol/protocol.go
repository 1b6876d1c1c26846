// Package protocol is the message codec shared by master, monitor and
// client peers: request, notify, response and command envelopes carried
// as JSON on a fixed set of transport topics.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
)

// Transport topics.
const (
	TopicRegister    = "register"
	TopicMonitor     = "monitor"
	TopicClient      = "client"
	TopicReconnect   = "reconnect"
	TopicReconnectOK = "reconnect_ok"
)

// Peer types declared in register frames.
const (
	TypeMonitor = "monitor"
	TypeClient  = "client"
)

// Module handler methods, as named in execute calls and audit logs.
const (
	MethodMonitor = "monitorHandler"
	MethodMaster  = "masterHandler"
	MethodClient  = "clientHandler"
)

// Register and command result codes.
const (
	OK   = 1
	FAIL = -1
)

// Message is the union of the four envelope shapes. Which fields are set
// decides the shape: ReqID on a request or command expecting an answer,
// RespID on a response, Command on a command, none of them on a notify.
type Message struct {
	ReqID    uint64          `json:"reqId,omitempty"`
	RespID   uint64          `json:"respId,omitempty"`
	ModuleID string          `json:"moduleId,omitempty"`
	Command  string          `json:"command,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// IsRequest reports whether m expects a response.
func (m *Message) IsRequest() bool {
	return m != nil && m.ReqID != 0
}

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool {
	return m != nil && m.RespID != 0
}

// Err rebuilds the error carried by a response, nil when there is none.
func (m *Message) Err() error {
	return ResponseError(m.Error)
}

// ComposeRequest builds a request envelope when id is non-zero and a
// notify envelope otherwise. Requests come back as a JSON string, notifies
// as a *Message, mirroring what peers put on the wire; Parse accepts both.
func ComposeRequest(id uint64, moduleID string, body any) (any, error) {
	raw, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return &Message{ModuleID: moduleID, Body: raw}, nil
	}
	return encode(&Message{ReqID: id, ModuleID: moduleID, Body: raw})
}

// ComposeResponse answers req. It returns nil for a notify: notifies
// never get a response.
func ComposeResponse(req *Message, err error, res any) (any, error) {
	if !req.IsRequest() {
		return nil, nil
	}
	raw, merr := marshalBody(res)
	if merr != nil {
		return nil, merr
	}
	resp := &Message{RespID: req.ReqID, Body: raw}
	if err != nil {
		resp.Error, merr = json.Marshal(CloneError(err))
		if merr != nil {
			return nil, merr
		}
	}
	return encode(resp)
}

// ComposeCommand builds a command envelope; id may be zero for a command
// sent without expecting an answer.
func ComposeCommand(id uint64, command, moduleID string, body any) (any, error) {
	raw, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return encode(&Message{ReqID: id, Command: command, ModuleID: moduleID, Body: raw})
}

// Parse decodes a frame payload. It is idempotent: a *Message is returned
// as is, and a JSON string holding an encoded envelope is unwrapped first.
func Parse(v any) (*Message, error) {
	switch m := v.(type) {
	case *Message:
		return m, nil
	case Message:
		return &m, nil
	case string:
		return parseBytes([]byte(m))
	case []byte:
		return parseBytes(m)
	case json.RawMessage:
		return parseBytes(m)
	case nil:
		return nil, errors.New("protocol: empty message")
	default:
		return nil, fmt.Errorf("protocol: cannot parse %T", v)
	}
}

func parseBytes(data []byte) (*Message, error) {
	var m Message
	if err := Decode(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Decode unmarshals a frame payload into v, unwrapping it first when the
// sender encoded the JSON document as a JSON string.
func Decode(data []byte, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return fmt.Errorf("protocol: decode wrapped message: %w", err)
		}
		data = []byte(inner)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: decode message: %w", err)
	}
	return nil
}

func encode(m *Message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode body: %w", err)
	}
	return data, nil
}

// WireError is the serialized form of an error.
type WireError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *WireError) Error() string { return e.Message }

// CloneError copies err into its wire form. The concrete error type is
// lost on the way; the message and the stack at the cloning site survive.
func CloneError(err error) *WireError {
	if err == nil {
		return nil
	}
	var we *WireError
	if errors.As(err, &we) {
		return we
	}
	return &WireError{Message: err.Error(), Stack: string(debug.Stack())}
}

// ResponseError turns the error field of a response back into an error.
// Plain strings are accepted as well as {message, stack} objects.
func ResponseError(raw json.RawMessage) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return &WireError{Message: s}
		}
	}
	var we WireError
	if err := json.Unmarshal(raw, &we); err != nil || we.Message == "" {
		return &WireError{Message: string(raw)}
	}
	return &we
}
