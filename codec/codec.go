// Package codec turns vrpc envelopes into bytes and back.
//
// A Codec is the raw serialization primitive (MessagePack or JSON). A
// Serializer sits on top of a Codec and owns the envelope rules: optional
// fields are omitted, null payloads are rejected unless allowed, and nested
// values are converted to and from ZData through a type registry.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeMsgpack CodecType = 0
	CodecTypeJSON    CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=MessagePack, 1=JSON
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &MsgpackCodec{}
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeMsgpack:
		return "msgpack"
	case CodecTypeJSON:
		return "json"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// ParseType maps a configuration name onto a CodecType.
func ParseType(name string) (CodecType, error) {
	switch name {
	case "", "msgpack", "messagepack":
		return CodecTypeMsgpack, nil
	case "json":
		return CodecTypeJSON, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}
