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

// Package rpc implements framed JSON-RPC 2.0 over a child process's
// standard I/O: one JSON object per newline-delimited line, with
// request/response correlation and notification delivery.
package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Version is the fixed jsonrpc field value.
const Version = "2.0"

// ID is a JSON-RPC id, which may be a string or an integer. Parsing
// preserves the wire type so responses echo the type the request used.
type ID struct {
	str   string
	num   int64
	isNum bool
	set   bool
}

// StringID creates a string-typed id.
func StringID(s string) ID { return ID{str: s, set: true} }

// NumberID creates a number-typed id.
func NumberID(n int64) ID { return ID{num: n, isNum: true, set: true} }

// NewID mints a fresh string-typed id.
func NewID() ID { return StringID(uuid.NewString()) }

// IsSet reports whether the id carries a value.
func (id ID) IsSet() bool { return id.set }

// Key returns a canonical map key. String and number ids never collide.
func (id ID) Key() string {
	if id.isNum {
		return "n:" + strconv.FormatInt(id.num, 10)
	}
	return "s:" + id.str
}

// String renders the id for logging.
func (id ID) String() string {
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

// MarshalJSON writes the id with its original wire type.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isNum {
		return json.Marshal(id.num)
	}
	return json.Marshal(id.str)
}

// UnmarshalJSON accepts either a numeric or a string id.
func (id *ID) UnmarshalJSON(data []byte) error {
	var num int64
	if err := json.Unmarshal(data, &num); err == nil {
		*id = NumberID(num)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*id = StringID(str)
		return nil
	}
	return fmt.Errorf("rpc: id must be a string or integer, got %s", data)
}

// Kind classifies a parsed message.
type Kind int

const (
	// KindInvalid is a line that satisfies none of the message shapes.
	KindInvalid Kind = iota
	// KindRequest has both id and method.
	KindRequest
	// KindNotification has method and no id.
	KindNotification
	// KindResponse has id and exactly one of result or error.
	KindResponse
)

// Message is one JSON-RPC 2.0 object.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Kind classifies the message: id+method is a request, method without id
// is a notification, id with result or error is a response. Anything
// else is invalid.
func (m *Message) Kind() Kind {
	hasID := m.ID != nil && m.ID.IsSet()
	switch {
	case hasID && m.Method != "":
		return KindRequest
	case m.Method != "":
		return KindNotification
	case hasID && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// NewRequest creates a request with a fresh string id.
func NewRequest(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	id := NewID()
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification creates a notification (no id).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse creates a success response echoing the request id.
func NewResponse(id ID, result any) (*Message, error) {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("rpc: marshal result: %w", err)
		}
		raw = data
	} else {
		raw = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, ID: &id, Result: raw}, nil
}

// NewErrorResponse creates an error response echoing the request id.
func NewErrorResponse(id ID, code int, message string) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      &id,
		Error:   &Error{Code: code, Message: message},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal params: %w", err)
	}
	return data, nil
}

// Marshal encodes the message as one JSON line (no trailing newline).
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Parse decodes one line into a message. The caller classifies it with
// Kind; a KindInvalid message is a parse error at the protocol level.
func Parse(line []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("rpc: invalid message: %w", err)
	}
	return &m, nil
}

// UnmarshalParams unmarshals the params field into v.
func (m *Message) UnmarshalParams(v any) error {
	if m.Params == nil {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// UnmarshalResult unmarshals the result field into v.
func (m *Message) UnmarshalResult(v any) error {
	if m.Result == nil {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}
