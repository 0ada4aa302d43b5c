package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"vrpc/zdata"
)

// MsgpackCodec is the canonical binary encoding. Maps that carry a ztype
// key decode as *zdata.ZData wherever they appear inside untyped values.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetMapDecoder(zdata.DecodeMapValue)
	return dec.Decode(v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
