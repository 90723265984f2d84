package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrShortBuffer is returned by WriteHeader when the destination cannot
	// hold a full header.
	ErrShortBuffer = errors.New("protocol: buffer too small for frame header")

	// ErrShortFrame is returned by ReadHeader when the frame is shorter than
	// a full header.
	ErrShortFrame = errors.New("protocol: frame shorter than header")
)

// WriteHeader serializes a frame header into the start of buf and returns the
// number of bytes written. The optional field is zero-filled when unused.
func WriteHeader(buf []byte, op Opcode, flags uint8, channel uint16, optional uint16) (int, error) {
	if len(buf) < HeaderSize {
		return 0, ErrShortBuffer
	}
	buf[0] = byte(op)
	buf[1] = flags
	binary.BigEndian.PutUint16(buf[2:4], channel)
	binary.BigEndian.PutUint16(buf[4:6], optional)
	return HeaderSize, nil
}

// ReadHeader parses the header at the start of buf and returns it together
// with the number of bytes consumed. The payload is buf[n:].
func ReadHeader(buf []byte) (Header, int, error) {
	if len(buf) < HeaderSize {
		return Header{}, 0, ErrShortFrame
	}
	h := Header{
		Opcode:   Opcode(buf[0]),
		Flags:    buf[1],
		Channel:  binary.BigEndian.Uint16(buf[2:4]),
		Optional: binary.BigEndian.Uint16(buf[4:6]),
	}
	return h, HeaderSize, nil
}

// ControlFrame builds a header-only frame, e.g. OPEN_CONFIRM or ERROR.
func ControlFrame(op Opcode, channel uint16, optional uint16) []byte {
	buf := make([]byte, HeaderSize)
	WriteHeader(buf, op, 0, channel, optional)
	return buf
}

// DataFrame builds a DATA frame carrying a copy of payload.
func DataFrame(channel uint16, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	WriteHeader(buf, OpData, 0, channel, 0)
	copy(buf[HeaderSize:], payload)
	return buf
}
