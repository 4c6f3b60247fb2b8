package transport

import (
	"fmt"
	"time"
)

// FrameKind is the first byte of every binary message on the session socket.
type FrameKind byte

const (
	KindHandshake FrameKind = 0x00
	KindAudio     FrameKind = 0x01
	KindText      FrameKind = 0x02
	KindError     FrameKind = 0x05
	// KindEvent marks websocket text messages (JSON events). It never
	// appears on the wire.
	KindEvent FrameKind = 0xff
)

func (k FrameKind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	case KindError:
		return "error"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// Frame is one inbound message. Seq increases by one per delivered frame
// within a session.
type Frame struct {
	Seq        uint64
	Kind       FrameKind
	Payload    []byte
	ReceivedAt time.Time
}

// encodeBinary prefixes payload with kind.
func encodeBinary(kind FrameKind, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(kind)
	copy(buf[1:], payload)
	return buf
}
