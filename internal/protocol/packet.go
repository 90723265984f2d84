// Package protocol defines the frame format and opcodes of the tunnel
// multiplexing protocol.
package protocol

import "fmt"

// Opcode is the operation tag carried in byte 0 of every frame.
type Opcode uint8

// Frame opcodes.
const (
	OpData        Opcode = 0x00 // payload for an open channel
	OpOpenRequest Opcode = 0x01 // open a channel to the port in the optional field
	OpOpenConfirm Opcode = 0x02 // channel opened
	OpOpenFault   Opcode = 0x03 // channel could not be opened, error code in the optional field
	OpClose       Opcode = 0x04 // sender has closed its forwarding direction
	OpError       Opcode = 0x05 // channel failed, error code in the optional field
	OpPropUpdate  Opcode = 0x10 // property map for the connection, channel 0
)

func (op Opcode) String() string {
	switch op {
	case OpData:
		return "DATA"
	case OpOpenRequest:
		return "OPEN_REQUEST"
	case OpOpenConfirm:
		return "OPEN_CONFIRM"
	case OpOpenFault:
		return "OPEN_FAULT"
	case OpClose:
		return "CLOSE"
	case OpError:
		return "ERROR"
	case OpPropUpdate:
		return "PROP_UPDATE"
	default:
		return fmt.Sprintf("OPCODE(0x%02x)", uint8(op))
	}
}

// ErrorCode is carried in the optional field of ERROR and OPEN_FAULT frames.
type ErrorCode uint16

// Error codes.
const (
	ErrCodeNone         ErrorCode = 0
	ErrCodeSocket       ErrorCode = 1
	ErrCodeTimeout      ErrorCode = 2
	ErrCodeProtocol     ErrorCode = 3
	ErrCodeBadChannel   ErrorCode = 4
	ErrCodeNotForwarded ErrorCode = 5
	ErrCodeChannelInUse ErrorCode = 6
	ErrCodeConnRefused  ErrorCode = 7
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNone:
		return "NONE"
	case ErrCodeSocket:
		return "SOCKET"
	case ErrCodeTimeout:
		return "TIMEOUT"
	case ErrCodeProtocol:
		return "PROTOCOL"
	case ErrCodeBadChannel:
		return "BAD_CHANNEL"
	case ErrCodeNotForwarded:
		return "NOT_FORWARDED"
	case ErrCodeChannelInUse:
		return "CHANNEL_IN_USE"
	case ErrCodeConnRefused:
		return "CONN_REFUSED"
	default:
		return fmt.Sprintf("ERROR(%d)", uint16(c))
	}
}

// HeaderSize is the fixed header size:
// Opcode(1) + Flags(1) + Channel(2) + Optional(2).
const HeaderSize = 6

// ControlChannel is the reserved channel id for connection-scoped frames.
const ControlChannel uint16 = 0

// Header is the decoded form of a frame header.
type Header struct {
	Opcode   Opcode
	Flags    uint8
	Channel  uint16
	Optional uint16 // port for OPEN_REQUEST, error code for ERROR/OPEN_FAULT
}
