// Package nl carries dispatch traffic over generic netlink to nl80211.
package nl

import (
	"errors"
	"fmt"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"

	"github.com/machinefabric/halcmd-go"
)

// nl80211 attribute numbers used for routing. Everything else travels as
// an opaque attribute blob.
const (
	AttrIfindex    = 0x03
	AttrVendorID   = 0xc3
	AttrVendorSub  = 0xc4
	AttrVendorData = 0xc5
)

// FamilyName is the generic netlink family of the wireless subsystem.
const FamilyName = "nl80211"

const nlmsgHeaderLen = 16

// Codec converts dispatch requests to nl80211 generic netlink messages and
// back. It implements halcmd.Codec.
type Codec struct {
	FamilyID uint16
	Version  uint8
}

// NewCodec returns a codec for the resolved family.
func NewCodec(family genetlink.Family) *Codec {
	return &Codec{FamilyID: family.ID, Version: family.Version}
}

// Encode builds a netlink request. Vendor requests carry their routing pair
// and the request attributes as vendor data; other requests append the
// attributes as already encoded netlink attributes.
func (c *Codec) Encode(req *halcmd.Request) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	if req.Iface >= 0 {
		ae.Uint32(AttrIfindex, uint32(req.Iface))
	}
	if req.Kind == halcmd.KindVendor {
		ae.Uint32(AttrVendorID, req.VendorID)
		ae.Uint32(AttrVendorSub, req.SubCmd)
		if len(req.Attributes) > 0 {
			ae.Bytes(AttrVendorData, req.Attributes)
		}
	}
	attrs, err := ae.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	if req.Kind != halcmd.KindVendor {
		attrs = append(attrs, req.Attributes...)
	}

	gdata, err := genetlink.Message{
		Header: genetlink.Header{
			Command: uint8(req.Kind),
			Version: c.Version,
		},
		Data: attrs,
	}.MarshalBinary()
	if err != nil {
		return nil, err
	}

	flags := netlink.Request
	if req.Flags&halcmd.FlagAck != 0 {
		flags |= netlink.Acknowledge
	}
	if req.Flags&halcmd.FlagDump != 0 {
		flags |= netlink.Dump
	}

	return netlink.Message{
		Header: netlink.Header{
			Length:   uint32(align(nlmsgHeaderLen + len(gdata))),
			Type:     netlink.HeaderType(c.FamilyID),
			Flags:    flags,
			Sequence: req.Seq,
		},
		Data: gdata,
	}.MarshalBinary()
}

// Decode parses one netlink message.
func (c *Codec) Decode(data []byte) (*halcmd.Message, error) {
	var m netlink.Message
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, err
	}

	msg := &halcmd.Message{
		Seq:   m.Header.Sequence,
		Multi: m.Header.Flags&netlink.Multi != 0,
	}

	switch m.Header.Type {
	case netlink.Error:
		if len(m.Data) < 4 {
			return nil, errors.New("short netlink error message")
		}
		code := nlenc.Int32(m.Data[0:4])
		if code == 0 {
			msg.Class = halcmd.ClassAck
		} else {
			msg.Class = halcmd.ClassError
			msg.ErrorCode = code
		}
		return msg, nil
	case netlink.Done:
		msg.Class = halcmd.ClassDone
		return msg, nil
	case netlink.Noop, netlink.Overrun:
		return nil, fmt.Errorf("unexpected netlink message type %d", m.Header.Type)
	}

	if m.Header.Type != netlink.HeaderType(c.FamilyID) {
		return nil, fmt.Errorf("message for family %d, expected %d", m.Header.Type, c.FamilyID)
	}

	var gm genetlink.Message
	if err := gm.UnmarshalBinary(m.Data); err != nil {
		return nil, err
	}

	msg.Kind = halcmd.MessageKind(gm.Header.Command)
	if msg.Seq == 0 {
		msg.Class = halcmd.ClassEvent
	} else {
		msg.Class = halcmd.ClassReply
	}

	if msg.Kind != halcmd.KindVendor {
		msg.Attributes = gm.Data
		return msg, nil
	}

	ad, err := netlink.NewAttributeDecoder(gm.Data)
	if err != nil {
		return nil, err
	}
	var haveID, haveSub bool
	for ad.Next() {
		switch ad.Type() {
		case AttrVendorID:
			msg.VendorID = ad.Uint32()
			haveID = true
		case AttrVendorSub:
			msg.SubCmd = ad.Uint32()
			haveSub = true
		case AttrVendorData:
			msg.Attributes = ad.Bytes()
		}
	}
	if err := ad.Err(); err != nil {
		return nil, err
	}
	if !haveID || !haveSub {
		return nil, errors.New("vendor message without vendor id or sub-command")
	}
	return msg, nil
}

func align(n int) int {
	return (n + 3) &^ 3
}

// split cuts a datagram into its netlink messages.
func split(b []byte) ([][]byte, error) {
	var out [][]byte
	for len(b) >= nlmsgHeaderLen {
		l := int(nlenc.Uint32(b[0:4]))
		if l < nlmsgHeaderLen || l > len(b) {
			return nil, fmt.Errorf("netlink message length %d out of range", l)
		}
		m := make([]byte, align(l))
		copy(m, b[:l])
		// keep the declared length consistent with the padded slice
		nlenc.PutUint32(m[0:4], uint32(len(m)))
		out = append(out, m)

		if align(l) >= len(b) {
			b = nil
		} else {
			b = b[align(l):]
		}
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(b))
	}
	return out, nil
}
