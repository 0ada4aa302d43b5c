// Package protocol implements the binary frame used by stream transports.
//
// TCP is a byte stream, so every encoded envelope travels in a frame: a
// fixed-size 10-byte header followed by a variable-length body. The receiver
// reads the header first to learn the body length, then reads exactly that
// many bytes. Websocket links already preserve message boundaries and do not
// use this package.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...    │
//	│ vmp  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// There is no sequence number in the header: requests and responses are
// correlated by the rtype/etype fields inside the body.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "vmp" (vrpc message protocol).
// Used to reject non-protocol connections early, e.g. an HTTP client
// hitting the TCP port.
const (
	MagicNumber byte = 0x76 // 'v'
	MagicByte2  byte = 0x6d // 'm'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame so a corrupt length cannot make the
	// reader allocate gigabytes.
	MaxBodyLen = 64 << 20
)

// MsgType distinguishes envelope frames from keepalive probes.
type MsgType byte

const (
	MsgTypeMessage   MsgType = 0 // Any envelope: event, request, or response
	MsgTypeHeartbeat MsgType = 1 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeMsgpack byte = 0
	CodecTypeJSON    byte = 1
)

// ErrFrameTooLarge is returned for bodies above MaxBodyLen.
var ErrFrameTooLarge = errors.New("frame too large")

// Header is the fixed 10-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=MessagePack, 1=JSON
	MsgType   MsgType // Message or Heartbeat
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w. BodyLen is taken
// from body.
// The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise frames from different senders interleave and corrupt
// the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(body) > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	h.BodyLen = uint32(len(body))

	// Header and body go out in one Write so a frame is never split by a
	// concurrent writer that forgot the lock.
	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.BodyLen)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and
// body length. io.ReadFull guarantees exactly N bytes are read.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeMsgpack && headerBuf[4] != CodecTypeJSON {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := headerBuf[5]
	if msgType != byte(MsgTypeMessage) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		BodyLen:   bodyLen,
	}, body, nil
}
