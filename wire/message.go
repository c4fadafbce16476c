package wire

import (
	"fmt"

	"github.com/machinefabric/halcmd-go"
)

// Codec maps dispatch requests and messages onto frames. It implements
// halcmd.Codec.
type Codec struct{}

// Encode builds a REQUEST frame for req.
func (Codec) Encode(req *halcmd.Request) ([]byte, error) {
	var flags uint16
	if req.Flags&halcmd.FlagAck != 0 {
		flags |= FlagAck
	}
	if req.Flags&halcmd.FlagDump != 0 {
		flags |= FlagDump
	}
	f := NewRequest(uint8(req.Kind), req.VendorID, req.SubCmd, req.Seq, flags, int32(req.Iface), req.Attributes)
	return EncodeFrame(f)
}

// Decode parses a device-to-host frame.
func (Codec) Decode(data []byte) (*halcmd.Message, error) {
	f, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	return ToMessage(f)
}

// ToMessage converts a decoded device-to-host frame.
func ToMessage(f *Frame) (*halcmd.Message, error) {
	msg := &halcmd.Message{
		Kind:       halcmd.MessageKind(f.Kind),
		VendorID:   f.VendorID,
		SubCmd:     f.SubCmd,
		Seq:        f.Seq,
		Multi:      f.IsMulti(),
		Attributes: f.Payload,
	}
	switch f.FrameType {
	case FrameTypeEvent:
		msg.Class = halcmd.ClassEvent
	case FrameTypeReply:
		msg.Class = halcmd.ClassReply
	case FrameTypeAck:
		msg.Class = halcmd.ClassAck
	case FrameTypeError:
		msg.Class = halcmd.ClassError
		msg.ErrorCode = f.ErrorCode
	case FrameTypeDone:
		msg.Class = halcmd.ClassDone
	default:
		return nil, fmt.Errorf("unexpected %s frame from device", f.FrameType)
	}
	return msg, nil
}

// FromRequest is the device-side view of a REQUEST frame.
func FromRequest(f *Frame) (*halcmd.Request, error) {
	if f.FrameType != FrameTypeRequest {
		return nil, fmt.Errorf("expected REQUEST frame, got %s", f.FrameType)
	}
	req := &halcmd.Request{
		Kind:       halcmd.MessageKind(f.Kind),
		VendorID:   f.VendorID,
		SubCmd:     f.SubCmd,
		Iface:      int(f.Iface),
		Seq:        f.Seq,
		Attributes: f.Payload,
	}
	if f.Flags&FlagAck != 0 {
		req.Flags |= halcmd.FlagAck
	}
	if f.Flags&FlagDump != 0 {
		req.Flags |= halcmd.FlagDump
	}
	return req, nil
}
