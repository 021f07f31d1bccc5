// Package protocol implements the length-prefixed wire framing used by the
// SupervisorChannel: a 1-byte type, a 4-byte big-endian length, and a
// payload of exactly that many bytes. See control.go for the JSON
// ControlCmd payload shapes carried inside a ControlCmd frame.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType identifies the kind of payload a frame carries.
type MessageType byte

const (
	StdinData    MessageType = 0x01
	ControlCmd   MessageType = 0x02
	StatusUpdate MessageType = 0x03
	StdoutData   MessageType = 0x04
	SessionInfo  MessageType = 0x05
	Error        MessageType = 0x06
)

func (t MessageType) String() string {
	switch t {
	case StdinData:
		return "StdinData"
	case ControlCmd:
		return "ControlCmd"
	case StatusUpdate:
		return "StatusUpdate"
	case StdoutData:
		return "StdoutData"
	case SessionInfo:
		return "SessionInfo"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("MessageType(0x%02x)", byte(t))
	}
}

func (t MessageType) valid() bool {
	switch t {
	case StdinData, ControlCmd, StatusUpdate, StdoutData, SessionInfo, Error:
		return true
	default:
		return false
	}
}

// ErrBadMessageType is returned when a frame header's type byte is not one
// of the six defined message types.
var ErrBadMessageType = errors.New("protocol: bad message type")

// headerSize is the fixed 1-byte type + 4-byte length-prefix size.
const headerSize = 5

// maxPayloadBytes sanity-caps a single frame's payload, mirroring the
// 1 MiB guard the daemon's own attach-frame framing applies.
const maxPayloadBytes = 1 << 20

// Encode appends one frame (header + payload) for msgType/payload to dst and
// returns the extended slice.
func Encode(dst []byte, msgType MessageType, payload []byte) []byte {
	hdr := make([]byte, headerSize)
	hdr[0] = byte(msgType)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	dst = append(dst, hdr...)
	dst = append(dst, payload...)
	return dst
}

// Decode extracts at most one frame from the front of buf.
//
// Exactly three outcomes are possible:
//   - ok=false, err=nil: not enough bytes yet (incomplete header or payload).
//     The caller should read more and retry; buf is untouched.
//   - ok=true, err=nil: exactly one frame was decoded; consumed reports how
//     many leading bytes of buf it occupied so the caller can advance.
//   - err=ErrBadMessageType: the header is unusable, either because its type
//     byte is not one of the six defined codes or because its length prefix
//     exceeds maxPayloadBytes (a corrupt or adversarial header, not a frame
//     the caller could ever complete by reading more). The header bytes
//     should still be treated as consumed by the caller if it chooses to
//     resynchronize; Decode itself does not advance the buffer on error.
func Decode(buf []byte) (msgType MessageType, payload []byte, consumed int, ok bool, err error) {
	if len(buf) < headerSize {
		return 0, nil, 0, false, nil
	}
	t := MessageType(buf[0])
	length := binary.BigEndian.Uint32(buf[1:headerSize])
	if !t.valid() || length > maxPayloadBytes {
		return 0, nil, 0, false, ErrBadMessageType
	}
	total := headerSize + int(length)
	if len(buf) < total {
		return 0, nil, 0, false, nil
	}
	out := make([]byte, length)
	copy(out, buf[headerSize:total])
	return t, out, total, true, nil
}

// WriteFrame writes one complete frame to w.
func WriteFrame(w io.Writer, msgType MessageType, payload []byte) error {
	hdr := make([]byte, headerSize)
	hdr[0] = byte(msgType)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame blocks until it has read one complete frame from r.
func ReadFrame(r io.Reader) (MessageType, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	t := MessageType(hdr[0])
	if !t.valid() {
		return 0, nil, ErrBadMessageType
	}
	length := binary.BigEndian.Uint32(hdr[1:])
	if length > maxPayloadBytes {
		return 0, nil, fmt.Errorf("protocol: frame too large: %d bytes", length)
	}
	if length == 0 {
		return t, []byte{}, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return t, payload, nil
}
