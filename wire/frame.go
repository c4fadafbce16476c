// Package wire carries dispatch traffic over any byte stream: each message
// is one CBOR frame with integer keys behind a 4-byte big-endian length
// prefix. It is the transport used by tests, simulators and relays that
// don't talk to the kernel directly.
package wire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Protocol version carried in every frame.
const ProtocolVersion uint8 = 1

// Default maximum frame size (3.5 MB)
const DefaultMaxFrame int = 3_670_016

// Hard limit on frame size (16 MB)
const MaxFrameHardLimit int = 16_777_216

// FrameType represents the type of frame
type FrameType uint8

const (
	FrameTypeHello   FrameType = 0 // limits handshake, MUST be 0
	FrameTypeRequest FrameType = 1 // host to device command
	FrameTypeEvent   FrameType = 2 // unsolicited device message
	FrameTypeReply   FrameType = 3 // valid reply to a request
	FrameTypeAck     FrameType = 4
	FrameTypeError   FrameType = 5 // negative acknowledgement
	FrameTypeDone    FrameType = 6 // end of a multipart reply
)

// String returns the frame type name
func (ft FrameType) String() string {
	switch ft {
	case FrameTypeHello:
		return "HELLO"
	case FrameTypeRequest:
		return "REQUEST"
	case FrameTypeEvent:
		return "EVENT"
	case FrameTypeReply:
		return "REPLY"
	case FrameTypeAck:
		return "ACK"
	case FrameTypeError:
		return "ERROR"
	case FrameTypeDone:
		return "DONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", ft)
	}
}

// Frame flags
const (
	FlagAck   uint16 = 1 << 0 // request wants an ACK
	FlagDump  uint16 = 1 << 1 // request wants a multipart reply
	FlagMulti uint16 = 1 << 2 // reply is part of a multipart sequence
)

// Frame is one message on the wire.
type Frame struct {
	Version   uint8
	FrameType FrameType
	Kind      uint8
	VendorID  uint32
	SubCmd    uint32
	Seq       uint32
	Flags     uint16
	Iface     int32 // interface index for requests, -1 when unset
	ErrorCode int32 // errno for ERROR frames
	Meta      map[string]interface{}
	Payload   []byte
	Checksum  *uint64 // FNV-1a of Payload
}

func newFrame(frameType FrameType) *Frame {
	return &Frame{
		Version:   ProtocolVersion,
		FrameType: frameType,
		Iface:     -1,
	}
}

func withPayload(f *Frame, payload []byte) *Frame {
	if payload != nil {
		f.Payload = payload
		sum := ComputeChecksum(payload)
		f.Checksum = &sum
	}
	return f
}

// NewRequest creates a REQUEST frame
func NewRequest(kind uint8, vendorID, subcmd, seq uint32, flags uint16, iface int32, payload []byte) *Frame {
	f := newFrame(FrameTypeRequest)
	f.Kind = kind
	f.VendorID = vendorID
	f.SubCmd = subcmd
	f.Seq = seq
	f.Flags = flags
	f.Iface = iface
	return withPayload(f, payload)
}

// NewEvent creates an EVENT frame. Events carry sequence 0.
func NewEvent(kind uint8, vendorID, subcmd uint32, payload []byte) *Frame {
	f := newFrame(FrameTypeEvent)
	f.Kind = kind
	f.VendorID = vendorID
	f.SubCmd = subcmd
	return withPayload(f, payload)
}

// NewReply creates a REPLY frame answering seq. multi marks one part of a
// multipart reply.
func NewReply(kind uint8, vendorID, subcmd, seq uint32, multi bool, payload []byte) *Frame {
	f := newFrame(FrameTypeReply)
	f.Kind = kind
	f.VendorID = vendorID
	f.SubCmd = subcmd
	f.Seq = seq
	if multi {
		f.Flags |= FlagMulti
	}
	return withPayload(f, payload)
}

// NewAck creates an ACK frame for seq
func NewAck(seq uint32) *Frame {
	f := newFrame(FrameTypeAck)
	f.Seq = seq
	return f
}

// NewError creates an ERROR frame for seq. code is a negative errno.
func NewError(seq uint32, code int32) *Frame {
	f := newFrame(FrameTypeError)
	f.Seq = seq
	f.ErrorCode = code
	return f
}

// NewDone creates a DONE frame closing the multipart reply to seq
func NewDone(seq uint32) *Frame {
	f := newFrame(FrameTypeDone)
	f.Seq = seq
	return f
}

// NewHello creates a HELLO frame advertising our limits and session id
func NewHello(limits Limits, session uuid.UUID) *Frame {
	f := newFrame(FrameTypeHello)
	f.Meta = map[string]interface{}{
		"max_frame": limits.MaxFrame,
		"session":   session.String(),
		"version":   ProtocolVersion,
	}
	return f
}

// ComputeChecksum computes the FNV-1a 64-bit checksum of data.
func ComputeChecksum(data []byte) uint64 {
	const fnvOffsetBasis = uint64(0xcbf29ce484222325)
	const fnvPrime = uint64(0x100000001b3)

	hash := fnvOffsetBasis
	for _, b := range data {
		hash ^= uint64(b)
		hash *= fnvPrime
	}
	return hash
}

// VerifyChecksum checks the frame's payload against its checksum. Frames
// without a payload need no checksum.
func VerifyChecksum(f *Frame) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if f.Checksum == nil {
		return errors.New("frame with payload missing checksum")
	}
	if got := ComputeChecksum(f.Payload); got != *f.Checksum {
		return fmt.Errorf("checksum mismatch: expected %d, got %d", *f.Checksum, got)
	}
	return nil
}

// IsMulti reports whether a REPLY is one part of a multipart sequence
func (f *Frame) IsMulti() bool {
	return f.Flags&FlagMulti != 0
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s kind=%d vendor=0x%x/%d seq=%d len=%d",
		f.FrameType, f.Kind, f.VendorID, f.SubCmd, f.Seq, len(f.Payload))
}
