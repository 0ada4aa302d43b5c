package rpc

import (
	"github.com/google/uuid"

	"vrpc/message"
)

// IDPrefix starts every correlation id minted here.
const IDPrefix = "rpc-"

// NewRequestID returns a fresh correlation id.
func NewRequestID() string {
	return IDPrefix + uuid.NewString()
}

// NewRequest builds a request for method under a fresh correlation id.
func NewRequest(method string, args []any, kwargs map[string]any) *message.RPCRequest {
	req := message.NewRPCRequest(method, NewRequestID())
	req.Args, req.Kwargs = args, kwargs
	return req
}

// NewResponse answers the request whose rtype was etype. A nil err gives
// ok=true with data, otherwise ok=false with the error text.
func NewResponse(etype string, data any, err error) *message.RPCResponse {
	if err != nil {
		return message.Failure(etype, err.Error())
	}
	return message.Success(etype, data)
}
