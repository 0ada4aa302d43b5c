// Package message defines the envelopes exchanged between vrpc peers.
//
// Message is the generic envelope carrying every field a peer may send. The
// directional variants (ClientEvent, ServerEvent, RPCRequest, RPCResponse)
// carry only their own fields and are what application code normally builds.
// All of them are serialized by the codec package as self-describing maps
// with optional fields omitted.
package message

import (
	"time"

	"vrpc/errs"
)

// Message is the generic envelope.
//
//   - Events:       EType names the event, Data (server) or Value (client) is the payload.
//   - RPC request:  RType is the correlation id, Args/Kwargs are the call arguments.
//   - RPC response: EType echoes the request's RType, OK/Error report the outcome.
type Message struct {
	Ts     int64          `msgpack:"ts" json:"ts"`                             // Milliseconds since Unix epoch
	EType  string         `msgpack:"etype" json:"etype"`                       // Event type, method name, or correlation id on responses
	RType  string         `msgpack:"rtype,omitempty" json:"rtype,omitempty"`   // Correlation id, required when Args or Kwargs are set
	Key    string         `msgpack:"key,omitempty" json:"key,omitempty"`       // Entity the event refers to
	UUID   string         `msgpack:"uuid,omitempty" json:"uuid,omitempty"`     // Caller-side request id
	Args   []any          `msgpack:"args,omitempty" json:"args,omitempty"`     // Positional arguments
	Kwargs map[string]any `msgpack:"kwargs,omitempty" json:"kwargs,omitempty"` // Keyword arguments
	Data   any            `msgpack:"data,omitempty" json:"data,omitempty"`     // Server payload
	Value  any            `msgpack:"value,omitempty" json:"value,omitempty"`   // Client payload
	OK     *bool          `msgpack:"ok,omitempty" json:"ok,omitempty"`
	Error  string         `msgpack:"error,omitempty" json:"error,omitempty"`
}

// ClientEvent travels from a client to a server. Value is mandatory.
type ClientEvent struct {
	Ts    int64  `msgpack:"ts" json:"ts"`
	EType string `msgpack:"etype" json:"etype"`
	RType string `msgpack:"rtype,omitempty" json:"rtype,omitempty"`
	Key   string `msgpack:"key,omitempty" json:"key,omitempty"`
	Value any    `msgpack:"value" json:"value"`
}

// ServerEvent travels from a server to a client. Data is mandatory.
type ServerEvent struct {
	Ts    int64  `msgpack:"ts" json:"ts"`
	EType string `msgpack:"etype" json:"etype"`
	Data  any    `msgpack:"data" json:"data"`
}

// RPCRequest asks the peer to run EType and answer on RType.
type RPCRequest struct {
	Ts     int64          `msgpack:"ts" json:"ts"`
	EType  string         `msgpack:"etype" json:"etype"`
	RType  string         `msgpack:"rtype" json:"rtype"`
	UUID   string         `msgpack:"uuid,omitempty" json:"uuid,omitempty"`
	Args   []any          `msgpack:"args,omitempty" json:"args,omitempty"`
	Kwargs map[string]any `msgpack:"kwargs,omitempty" json:"kwargs,omitempty"`
}

// RPCResponse answers an RPCRequest. EType equals the request's RType.
type RPCResponse struct {
	Ts    int64  `msgpack:"ts" json:"ts"`
	EType string `msgpack:"etype" json:"etype"`
	Data  any    `msgpack:"data,omitempty" json:"data,omitempty"`
	Value any    `msgpack:"value,omitempty" json:"value,omitempty"`
	OK    *bool  `msgpack:"ok,omitempty" json:"ok,omitempty"`
	Error string `msgpack:"error,omitempty" json:"error,omitempty"`
}

// Now returns the current time in envelope timestamp units.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Time converts an envelope timestamp back to a time.Time.
func Time(ts int64) time.Time {
	return time.UnixMilli(ts)
}

func New(etype string) *Message {
	return &Message{Ts: Now(), EType: etype}
}

func NewClientEvent(etype string, value any) *ClientEvent {
	return &ClientEvent{Ts: Now(), EType: etype, Value: value}
}

func NewServerEvent(etype string, data any) *ServerEvent {
	return &ServerEvent{Ts: Now(), EType: etype, Data: data}
}

func NewRPCRequest(etype, rtype string) *RPCRequest {
	return &RPCRequest{Ts: Now(), EType: etype, RType: rtype}
}

func (r *RPCRequest) WithArgs(args ...any) *RPCRequest {
	r.Args = args
	return r
}

func (r *RPCRequest) WithKwargs(kwargs map[string]any) *RPCRequest {
	r.Kwargs = kwargs
	return r
}

// Success builds a response carrying data with ok=true.
func Success(etype string, data any) *RPCResponse {
	ok := true
	return &RPCResponse{Ts: Now(), EType: etype, Data: data, OK: &ok}
}

// Failure builds a response carrying an error string with ok=false.
func Failure(etype, errMsg string) *RPCResponse {
	ok := false
	return &RPCResponse{Ts: Now(), EType: etype, OK: &ok, Error: errMsg}
}

// Succeeded reports whether the response is not an explicit failure. A
// response without an ok flag and without an error counts as success.
func (r *RPCResponse) Succeeded() bool {
	if r.OK != nil {
		return *r.OK
	}
	return r.Error == ""
}

// IsRequest reports whether m asks for an answer.
func (m *Message) IsRequest() bool {
	return m.RType != ""
}

func (m *Message) AsRequest() *RPCRequest {
	return &RPCRequest{Ts: m.Ts, EType: m.EType, RType: m.RType, UUID: m.UUID, Args: m.Args, Kwargs: m.Kwargs}
}

func (m *Message) AsResponse() *RPCResponse {
	return &RPCResponse{Ts: m.Ts, EType: m.EType, Data: m.Data, Value: m.Value, OK: m.OK, Error: m.Error}
}

func (m *Message) AsClientEvent() *ClientEvent {
	return &ClientEvent{Ts: m.Ts, EType: m.EType, RType: m.RType, Key: m.Key, Value: m.Value}
}

func (m *Message) AsServerEvent() *ServerEvent {
	return &ServerEvent{Ts: m.Ts, EType: m.EType, Data: m.Data}
}

// Validate checks the structural rules every message must satisfy: a
// non-empty event type, and a response type whenever call arguments are
// present.
func Validate(m *Message) error {
	if m == nil {
		return errs.New(errs.KindInvalidMessage, "nil message")
	}
	if m.EType == "" {
		return errs.New(errs.KindInvalidMessage, "message etype cannot be empty")
	}
	if (m.Args != nil || m.Kwargs != nil) && m.RType == "" {
		return errs.New(errs.KindInvalidMessage, "rpc request must have rtype field")
	}
	return nil
}
