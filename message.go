package halcmd

import "fmt"

// RequestID correlates one logical exchange among the many in flight on a
// DispatchContext.
type RequestID int32

// MessageKind is the generic command number carried in every message header.
type MessageKind uint8

// KindVendor is the vendor command kind (NL80211_CMD_VENDOR). Messages of
// this kind carry a secondary (vendor id, sub-command) pair.
const KindVendor MessageKind = 0x67

// DispatchKey identifies which subscriptions an inbound message is routed to.
// VendorID and SubCmd are zero for non-vendor kinds.
type DispatchKey struct {
	Kind     MessageKind
	VendorID uint32
	SubCmd   uint32
}

// CommandKey returns the key for a non-vendor message kind.
func CommandKey(kind MessageKind) DispatchKey {
	return DispatchKey{Kind: kind}
}

// VendorKey returns the key for a vendor (id, sub-command) pair.
func VendorKey(vendorID, subcmd uint32) DispatchKey {
	return DispatchKey{Kind: KindVendor, VendorID: vendorID, SubCmd: subcmd}
}

// IsVendor reports whether the key addresses a vendor sub-command.
func (k DispatchKey) IsVendor() bool {
	return k.Kind == KindVendor
}

// String returns a human readable form used in logs.
func (k DispatchKey) String() string {
	if k.IsVendor() {
		return fmt.Sprintf("vendor(0x%06x/0x%x)", k.VendorID, k.SubCmd)
	}
	return fmt.Sprintf("cmd(%d)", k.Kind)
}

// MessageClass tells the dispatcher whether a message belongs to a
// synchronous handshake or is an asynchronous event.
type MessageClass uint8

const (
	ClassEvent MessageClass = iota // unsolicited or multicast message
	ClassReply                     // valid reply to a specific request
	ClassAck                       // acknowledgement (error code 0)
	ClassError                     // negative acknowledgement
	ClassDone                      // end of a multipart reply
)

// String returns the class name
func (c MessageClass) String() string {
	switch c {
	case ClassEvent:
		return "EVENT"
	case ClassReply:
		return "REPLY"
	case ClassAck:
		return "ACK"
	case ClassError:
		return "ERROR"
	case ClassDone:
		return "DONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", c)
	}
}

// Message is a decoded inbound message. The core only inspects the routing
// fields; Attributes are moved through untouched.
type Message struct {
	Class     MessageClass
	Kind      MessageKind
	VendorID  uint32
	SubCmd    uint32
	Seq       uint32
	Multi     bool  // part of a multipart reply, DONE follows
	ErrorCode int32 // errno carried by ClassError (negative)
	// Attributes is the opaque attribute blob (vendor data for vendor kinds).
	Attributes []byte
}

// Key returns the dispatch key of the message.
func (m *Message) Key() DispatchKey {
	if m.Kind == KindVendor {
		return VendorKey(m.VendorID, m.SubCmd)
	}
	return CommandKey(m.Kind)
}

// IsHandshake reports whether the message belongs to the synchronous
// ack/error/done/valid handshake of some request.
func (m *Message) IsHandshake() bool {
	if m.Seq == 0 {
		return false
	}
	switch m.Class {
	case ClassReply, ClassAck, ClassError, ClassDone:
		return true
	default:
		return false
	}
}

// RequestFlags modify how the peer answers a request.
type RequestFlags uint16

const (
	// FlagAck asks the peer to acknowledge the request.
	FlagAck RequestFlags = 1 << iota
	// FlagDump asks for a multipart reply terminated by DONE.
	FlagDump
)

// Request is an outbound command assembled by Behavior.Create.
type Request struct {
	Kind     MessageKind
	VendorID uint32
	SubCmd   uint32
	// Iface is the interface index the command applies to, or -1.
	Iface      int
	Flags      RequestFlags
	Seq        uint32
	Attributes []byte
}

// NewRequest returns a request for a non-vendor kind.
func NewRequest(kind MessageKind) *Request {
	return &Request{Kind: kind, Iface: -1}
}

// NewVendorRequest returns a vendor request for (vendorID, subcmd).
func NewVendorRequest(vendorID, subcmd uint32) *Request {
	return &Request{Kind: KindVendor, VendorID: vendorID, SubCmd: subcmd, Iface: -1}
}

// Key returns the dispatch key the request addresses.
func (r *Request) Key() DispatchKey {
	if r.Kind == KindVendor {
		return VendorKey(r.VendorID, r.SubCmd)
	}
	return CommandKey(r.Kind)
}

// Transport is a single ordered, message-oriented channel shared by all
// commands and events of a DispatchContext.
type Transport interface {
	// Send enqueues one outbound message. Safe for concurrent use.
	Send(msg []byte) error
	// Receive blocks until the next inbound message is available.
	Receive() ([]byte, error)
	// Close tears the channel down and unblocks Receive.
	Close() error
}

// Codec converts between typed requests/messages and transport bytes.
type Codec interface {
	Encode(req *Request) ([]byte, error)
	Decode(data []byte) (*Message, error)
}
