// Package wire defines the Homa packet formats shared by the sender and
// receiver sides of the transport.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the length of the common packet header:
	// opcode(1), flags(1), transport_id(8), sequence(8), reserved(2).
	HeaderLen = 20

	// DataHeaderLen is the length of a DATA packet before its payload:
	// common header plus total_length(4), offset(4), payload_len(4), priority(1).
	DataHeaderLen = HeaderLen + 13

	grantLen  = HeaderLen + 5
	resendLen = HeaderLen + 9
	errorLen  = HeaderLen + 1
)

// Opcode identifies the packet kind.
type Opcode byte

// Packet opcodes.
const (
	OpData   = Opcode(0x1)
	OpGrant  = Opcode(0x2)
	OpResend = Opcode(0x3)
	OpBusy   = Opcode(0x4)
	OpPing   = Opcode(0x5)
	OpDone   = Opcode(0x6)
	OpError  = Opcode(0x7)
)

func (op Opcode) String() string {
	var names = []string{
		OpData:   "DATA",
		OpGrant:  "GRANT",
		OpResend: "RESEND",
		OpBusy:   "BUSY",
		OpPing:   "PING",
		OpDone:   "DONE",
		OpError:  "ERROR",
	}
	if int(op) >= len(names) || names[op] == "" {
		return fmt.Sprintf("UNKNOWN:%d", byte(op))
	}
	return names[op]
}

// Flags is the packet flags byte.
type Flags byte

// Flag bits. NoAck and ExpectResponse mirror the send flags of the
// originating message; Last marks the DATA packet carrying the final byte.
const (
	FlagNoAck          = Flags(1 << 0)
	FlagExpectResponse = Flags(1 << 1)
	FlagLast           = Flags(1 << 2)
)

// ErrorReason is the reason byte carried by ERROR packets.
type ErrorReason byte

// Error reasons.
const (
	ErrReasonAborted = ErrorReason(0x1) // peer gave up on the message
	ErrReasonUnknown = ErrorReason(0x2) // peer has no state for the message
)

// MessageID uniquely identifies a message for all time between an ordered
// pair of endpoints.
type MessageID struct {
	TransportID uint64
	Sequence    uint64
}

// Less orders MessageIDs; used for deterministic tie-breaking.
func (id MessageID) Less(other MessageID) bool {
	if id.TransportID != other.TransportID {
		return id.TransportID < other.TransportID
	}
	return id.Sequence < other.Sequence
}

// String implements fmt.Stringer
func (id MessageID) String() string {
	return fmt.Sprintf("%d:%d", id.TransportID, id.Sequence)
}

// Validation errors.
var (
	ErrTruncated     = errors.New("packet shorter than header")
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrBadLength     = errors.New("packet length does not match opcode")
	ErrBadPayloadLen = errors.New("declared payload length disagrees with packet")
	ErrBadOffset     = errors.New("data offset past declared total length")
)

// Packet is a raw Homa packet. Accessors assume Validate has passed.
type Packet []byte

// Opcode returns the packet's opcode.
func (p Packet) Opcode() Opcode { return Opcode(p[0]) }

// Flags returns the packet's flags byte.
func (p Packet) Flags() Flags { return Flags(p[1]) }

// MsgID returns the packet's message id.
func (p Packet) MsgID() MessageID {
	return MessageID{
		TransportID: binary.BigEndian.Uint64(p[2:10]),
		Sequence:    binary.BigEndian.Uint64(p[10:18]),
	}
}

// DataTotalLength returns the message's total length (DATA only).
func (p Packet) DataTotalLength() uint32 { return binary.BigEndian.Uint32(p[20:24]) }

// DataOffset returns the payload's offset within the message (DATA only).
func (p Packet) DataOffset() uint32 { return binary.BigEndian.Uint32(p[24:28]) }

// DataPayloadLen returns the declared payload length (DATA only).
func (p Packet) DataPayloadLen() uint32 { return binary.BigEndian.Uint32(p[28:32]) }

// DataPriority returns the priority the sender transmitted at (DATA only).
func (p Packet) DataPriority() uint8 { return p[32] }

// DataPayload returns the payload bytes (DATA only).
func (p Packet) DataPayload() []byte { return p[DataHeaderLen:] }

// GrantOffset returns the granted offset (GRANT only).
func (p Packet) GrantOffset() uint32 { return binary.BigEndian.Uint32(p[20:24]) }

// GrantPriority returns the advertised priority (GRANT only).
func (p Packet) GrantPriority() uint8 { return p[24] }

// ResendOffset returns the first byte to resend (RESEND only).
func (p Packet) ResendOffset() uint32 { return binary.BigEndian.Uint32(p[20:24]) }

// ResendLength returns the number of bytes to resend (RESEND only).
func (p Packet) ResendLength() uint32 { return binary.BigEndian.Uint32(p[24:28]) }

// ResendPriority returns the priority to resend at (RESEND only).
func (p Packet) ResendPriority() uint8 { return p[28] }

// ErrorReason returns the reason byte (ERROR only).
func (p Packet) ErrorReason() ErrorReason { return ErrorReason(p[20]) }

// Validate checks the packet's framing. Packets failing validation must be
// dropped without touching message state.
func (p Packet) Validate() error {
	if len(p) < HeaderLen {
		return ErrTruncated
	}
	switch p.Opcode() {
	case OpData:
		if len(p) < DataHeaderLen {
			return ErrTruncated
		}
		if int(p.DataPayloadLen()) != len(p)-DataHeaderLen {
			return ErrBadPayloadLen
		}
		if p.DataOffset() >= p.DataTotalLength() && p.DataTotalLength() != 0 {
			return ErrBadOffset
		}
	case OpGrant:
		if len(p) != grantLen {
			return ErrBadLength
		}
	case OpResend:
		if len(p) != resendLen {
			return ErrBadLength
		}
	case OpBusy, OpPing, OpDone:
		if len(p) != HeaderLen {
			return ErrBadLength
		}
	case OpError:
		if len(p) != errorLen {
			return ErrBadLength
		}
	default:
		return ErrUnknownOpcode
	}
	return nil
}

// String implements fmt.Stringer
func (p Packet) String() string {
	if len(p) < HeaderLen {
		return fmt.Sprintf("<truncated:%d>", len(p))
	}
	var tail string
	switch p.Opcode() {
	case OpData:
		if len(p) >= DataHeaderLen {
			tail = fmt.Sprintf("<total:%d><offset:%d><len:%d><prio:%d>",
				p.DataTotalLength(), p.DataOffset(), p.DataPayloadLen(), p.DataPriority())
		}
	case OpGrant:
		if len(p) >= grantLen {
			tail = fmt.Sprintf("<offset:%d><prio:%d>", p.GrantOffset(), p.GrantPriority())
		}
	case OpResend:
		if len(p) >= resendLen {
			tail = fmt.Sprintf("<offset:%d><len:%d><prio:%d>",
				p.ResendOffset(), p.ResendLength(), p.ResendPriority())
		}
	case OpError:
		if len(p) >= errorLen {
			tail = fmt.Sprintf("<reason:%d>", p.ErrorReason())
		}
	}
	return fmt.Sprintf("<op:%s><id:%s>%s", p.Opcode(), p.MsgID(), tail)
}

func putHeader(dst []byte, op Opcode, flags Flags, id MessageID) {
	dst[0] = byte(op)
	dst[1] = byte(flags)
	binary.BigEndian.PutUint64(dst[2:10], id.TransportID)
	binary.BigEndian.PutUint64(dst[10:18], id.Sequence)
	binary.BigEndian.PutUint16(dst[18:20], 0)
}

// PutData serializes a DATA packet into dst and returns the packet length.
// dst must hold at least DataHeaderLen+len(payload) bytes.
func PutData(dst []byte, flags Flags, id MessageID, total, offset uint32, priority uint8, payload []byte) int {
	putHeader(dst, OpData, flags, id)
	binary.BigEndian.PutUint32(dst[20:24], total)
	binary.BigEndian.PutUint32(dst[24:28], offset)
	binary.BigEndian.PutUint32(dst[28:32], uint32(len(payload)))
	dst[32] = priority
	copy(dst[DataHeaderLen:], payload)
	return DataHeaderLen + len(payload)
}

// PutGrant serializes a GRANT packet into dst and returns the packet length.
func PutGrant(dst []byte, id MessageID, offset uint32, priority uint8) int {
	putHeader(dst, OpGrant, 0, id)
	binary.BigEndian.PutUint32(dst[20:24], offset)
	dst[24] = priority
	return grantLen
}

// PutResend serializes a RESEND packet into dst and returns the packet length.
func PutResend(dst []byte, id MessageID, offset, length uint32, priority uint8) int {
	putHeader(dst, OpResend, 0, id)
	binary.BigEndian.PutUint32(dst[20:24], offset)
	binary.BigEndian.PutUint32(dst[24:28], length)
	dst[28] = priority
	return resendLen
}

// PutBusy serializes a BUSY packet into dst and returns the packet length.
func PutBusy(dst []byte, id MessageID) int {
	putHeader(dst, OpBusy, 0, id)
	return HeaderLen
}

// PutPing serializes a PING packet into dst and returns the packet length.
func PutPing(dst []byte, id MessageID) int {
	putHeader(dst, OpPing, 0, id)
	return HeaderLen
}

// PutDone serializes a DONE packet into dst and returns the packet length.
func PutDone(dst []byte, id MessageID) int {
	putHeader(dst, OpDone, 0, id)
	return HeaderLen
}

// PutError serializes an ERROR packet into dst and returns the packet length.
func PutError(dst []byte, id MessageID, reason ErrorReason) int {
	putHeader(dst, OpError, 0, id)
	dst[20] = byte(reason)
	return errorLen
}

// MakeData allocates and serializes a DATA packet.
func MakeData(flags Flags, id MessageID, total, offset uint32, priority uint8, payload []byte) Packet {
	p := make(Packet, DataHeaderLen+len(payload))
	PutData(p, flags, id, total, offset, priority, payload)
	return p
}

// MakeGrant allocates and serializes a GRANT packet.
func MakeGrant(id MessageID, offset uint32, priority uint8) Packet {
	p := make(Packet, grantLen)
	PutGrant(p, id, offset, priority)
	return p
}

// MakeResend allocates and serializes a RESEND packet.
func MakeResend(id MessageID, offset, length uint32, priority uint8) Packet {
	p := make(Packet, resendLen)
	PutResend(p, id, offset, length, priority)
	return p
}

// MakeBusy allocates and serializes a BUSY packet.
func MakeBusy(id MessageID) Packet {
	p := make(Packet, HeaderLen)
	PutBusy(p, id)
	return p
}

// MakePing allocates and serializes a PING packet.
func MakePing(id MessageID) Packet {
	p := make(Packet, HeaderLen)
	PutPing(p, id)
	return p
}

// MakeDone allocates and serializes a DONE packet.
func MakeDone(id MessageID) Packet {
	p := make(Packet, HeaderLen)
	PutDone(p, id)
	return p
}

// MakeError allocates and serializes an ERROR packet.
func MakeError(id MessageID, reason ErrorReason) Packet {
	p := make(Packet, errorLen)
	PutError(p, id, reason)
	return p
}
