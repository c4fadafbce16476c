package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBOR map keys
const (
	keyVersion   = 0  // version (u8)
	keyFrameType = 1  // frame_type (u8)
	keyKind      = 2  // kind (u8)
	keyVendorID  = 3  // vendor_id (u32, vendor kinds only)
	keySubCmd    = 4  // subcmd (u32, vendor kinds only)
	keySeq       = 5  // seq (u32, omitted when 0)
	keyFlags     = 6  // flags (u16, optional)
	keyIface     = 7  // iface (int, REQUEST only, omitted when -1)
	keyErrorCode = 8  // error_code (int, ERROR only)
	keyMeta      = 9  // meta (map, HELLO only)
	keyPayload   = 10 // payload (bstr, optional)
	keyChecksum  = 11 // checksum (u64, REQUIRED with payload)
)

// EncodeFrame encodes a Frame to CBOR bytes using integer keys
func EncodeFrame(frame *Frame) ([]byte, error) {
	m := make(map[int]interface{})

	m[keyVersion] = ProtocolVersion
	m[keyFrameType] = uint8(frame.FrameType)
	m[keyKind] = frame.Kind

	if frame.VendorID != 0 || frame.SubCmd != 0 {
		m[keyVendorID] = frame.VendorID
		m[keySubCmd] = frame.SubCmd
	}
	if frame.Seq != 0 {
		m[keySeq] = frame.Seq
	}
	if frame.Flags != 0 {
		m[keyFlags] = frame.Flags
	}
	if frame.FrameType == FrameTypeRequest && frame.Iface >= 0 {
		m[keyIface] = frame.Iface
	}
	if frame.FrameType == FrameTypeError {
		m[keyErrorCode] = frame.ErrorCode
	}
	if len(frame.Meta) > 0 {
		m[keyMeta] = frame.Meta
	}
	if frame.Payload != nil {
		m[keyPayload] = frame.Payload
	}
	if frame.Checksum != nil {
		m[keyChecksum] = *frame.Checksum
	}

	return cbor.Marshal(m)
}

// DecodeFrame decodes CBOR bytes to a Frame using integer keys
func DecodeFrame(data []byte) (*Frame, error) {
	var m map[int]interface{}
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	frame := &Frame{Iface: -1}

	// 0: version (required)
	verVal, ok := m[keyVersion]
	if !ok {
		return nil, errors.New("missing version (key 0)")
	}
	ver, ok := verVal.(uint64)
	if !ok {
		return nil, errors.New("version must be uint")
	}
	if uint8(ver) != ProtocolVersion {
		return nil, fmt.Errorf("invalid version %d, expected %d", ver, ProtocolVersion)
	}
	frame.Version = uint8(ver)

	// 1: frame_type (required)
	ftVal, ok := m[keyFrameType]
	if !ok {
		return nil, errors.New("missing frame_type (key 1)")
	}
	ft, ok := ftVal.(uint64)
	if !ok {
		return nil, errors.New("frame_type must be uint")
	}
	if FrameType(ft) > FrameTypeDone {
		return nil, fmt.Errorf("invalid frame_type %d", ft)
	}
	frame.FrameType = FrameType(ft)

	// 2: kind (required)
	kindVal, ok := m[keyKind]
	if !ok {
		return nil, errors.New("missing kind (key 2)")
	}
	kind, ok := kindVal.(uint64)
	if !ok || kind > 0xff {
		return nil, errors.New("kind must be u8")
	}
	frame.Kind = uint8(kind)

	var err error
	if frame.VendorID, err = uintField(m, keyVendorID, "vendor_id", 0xffffffff); err != nil {
		return nil, err
	}
	if frame.SubCmd, err = uintField(m, keySubCmd, "subcmd", 0xffffffff); err != nil {
		return nil, err
	}
	if frame.Seq, err = uintField(m, keySeq, "seq", 0xffffffff); err != nil {
		return nil, err
	}
	flags, err := uintField(m, keyFlags, "flags", 0xffff)
	if err != nil {
		return nil, err
	}
	frame.Flags = uint16(flags)

	if v, ok := m[keyIface]; ok {
		iface, ok := intValue(v)
		if !ok {
			return nil, errors.New("iface must be int")
		}
		frame.Iface = int32(iface)
	}
	if v, ok := m[keyErrorCode]; ok {
		code, ok := intValue(v)
		if !ok {
			return nil, errors.New("error_code must be int")
		}
		frame.ErrorCode = int32(code)
	}
	if frame.FrameType == FrameTypeError && frame.ErrorCode == 0 {
		return nil, errors.New("ERROR frame missing required field: error_code")
	}

	// 9: meta (optional)
	if metaVal, ok := m[keyMeta]; ok {
		if meta, ok := metaVal.(map[interface{}]interface{}); ok {
			frame.Meta = make(map[string]interface{})
			for k, v := range meta {
				if ks, ok := k.(string); ok {
					frame.Meta[ks] = v
				}
			}
		}
	}

	// 10: payload (optional)
	if payloadVal, ok := m[keyPayload]; ok {
		payload, ok := payloadVal.([]byte)
		if !ok {
			return nil, errors.New("payload must be bytes")
		}
		frame.Payload = payload
	}

	// 11: checksum (required with payload)
	if sumVal, ok := m[keyChecksum]; ok {
		sum, ok := sumVal.(uint64)
		if !ok {
			return nil, errors.New("checksum must be uint")
		}
		frame.Checksum = &sum
	}
	if err := VerifyChecksum(frame); err != nil {
		return nil, err
	}

	return frame, nil
}

func uintField(m map[int]interface{}, key int, name string, max uint64) (uint32, error) {
	v, ok := m[key]
	if !ok {
		return 0, nil
	}
	u, ok := v.(uint64)
	if !ok || u > max {
		return 0, fmt.Errorf("%s out of range", name)
	}
	return uint32(u), nil
}

func intValue(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case uint64:
		if n > 1<<31-1 {
			return 0, false
		}
		return int64(n), true
	case int64:
		if n < -1<<31 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func extractIntFromMeta(meta map[string]interface{}, key string) int {
	if v, ok := meta[key]; ok {
		switch n := v.(type) {
		case uint64:
			return int(n)
		case int64:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}
