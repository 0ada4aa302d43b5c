package transport

import (
	"net"
	"time"

	"github.com/gorilla/websocket"

	"vrpc/codec"
	"vrpc/protocol"
)

// Link moves whole encoded envelopes between two peers. ReadMessage is only
// called from one goroutine; writes are serialized by the Conn.
type Link interface {
	ReadMessage() (codec.CodecType, []byte, error)
	WriteMessage(ct codec.CodecType, data []byte) error
	Heartbeat() error
	Close() error
	RemoteAddr() string
}

// frameLink carries envelopes over a byte stream using protocol frames.
type frameLink struct {
	conn net.Conn
	idle time.Duration // Read deadline per frame, 0 = none
}

func newFrameLink(conn net.Conn, idle time.Duration) *frameLink {
	return &frameLink{conn: conn, idle: idle}
}

// ReadMessage skips heartbeat frames. Every frame, heartbeat or not, pushes
// the idle deadline forward.
func (l *frameLink) ReadMessage() (codec.CodecType, []byte, error) {
	for {
		if l.idle > 0 {
			l.conn.SetReadDeadline(time.Now().Add(l.idle))
		}
		header, body, err := protocol.Decode(l.conn)
		if err != nil {
			return 0, nil, err
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		return codec.CodecType(header.CodecType), body, nil
	}
}

func (l *frameLink) WriteMessage(ct codec.CodecType, data []byte) error {
	return protocol.Encode(l.conn, &protocol.Header{
		CodecType: byte(ct),
		MsgType:   protocol.MsgTypeMessage,
	}, data)
}

func (l *frameLink) Heartbeat() error {
	return protocol.Encode(l.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
}

func (l *frameLink) Close() error {
	return l.conn.Close()
}

func (l *frameLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// wsLink carries one envelope per websocket message. MessagePack travels
// as binary messages and JSON as text messages, so no extra header is
// needed.
type wsLink struct {
	conn *websocket.Conn
	idle time.Duration
}

func newWSLink(conn *websocket.Conn, idle time.Duration) *wsLink {
	l := &wsLink{conn: conn, idle: idle}
	conn.SetReadLimit(protocol.MaxBodyLen)
	if idle > 0 {
		conn.SetPingHandler(func(appData string) error {
			l.extend()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
			if err == websocket.ErrCloseSent {
				return nil
			}
			return err
		})
		conn.SetPongHandler(func(string) error {
			l.extend()
			return nil
		})
	}
	return l
}

func (l *wsLink) extend() {
	if l.idle > 0 {
		l.conn.SetReadDeadline(time.Now().Add(l.idle))
	}
}

func (l *wsLink) ReadMessage() (codec.CodecType, []byte, error) {
	for {
		l.extend()
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			return 0, nil, err
		}
		switch kind {
		case websocket.BinaryMessage:
			return codec.CodecTypeMsgpack, data, nil
		case websocket.TextMessage:
			return codec.CodecTypeJSON, data, nil
		}
	}
}

func (l *wsLink) WriteMessage(ct codec.CodecType, data []byte) error {
	kind := websocket.BinaryMessage
	if ct == codec.CodecTypeJSON {
		kind = websocket.TextMessage
	}
	return l.conn.WriteMessage(kind, data)
}

func (l *wsLink) Heartbeat() error {
	return l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (l *wsLink) Close() error {
	l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return l.conn.Close()
}

func (l *wsLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}
