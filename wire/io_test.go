package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/halcmd-go"
)

// TEST020: frames written by FrameWriter are read back in order
func Test020_reader_writer_roundtrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	require.NoError(t, w.WriteFrame(NewAck(1)))
	require.NoError(t, w.WriteFrame(NewReply(2, 0, 0, 2, false, []byte("r"))))
	require.NoError(t, w.WriteFrame(NewDone(3)))

	r := NewFrameReader(&buf)
	for _, want := range []FrameType{FrameTypeAck, FrameTypeReply, FrameTypeDone} {
		f, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, f.FrameType)
	}
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

// TEST021: reader rejects frames above max_frame before allocating
func Test021_reader_enforces_max_frame(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 2048)
	buf.Write(prefix[:])

	r := NewFrameReader(&buf)
	r.SetLimits(Limits{MaxFrame: 1024})
	_, err := r.ReadRaw()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_frame")
}

// TEST022: writer rejects oversized messages
func Test022_writer_enforces_max_frame(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	w.SetLimits(Limits{MaxFrame: 16})
	err := w.WriteRaw(make([]byte, 17))
	require.Error(t, err)
	assert.Zero(t, buf.Len())
}

// TEST023: truncated stream surfaces an error
func Test023_truncated_frame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFrameWriter(&buf).WriteFrame(NewEvent(1, 0, 0, []byte("hello"))))
	data := buf.Bytes()[:buf.Len()-2]

	_, err := NewFrameReader(bytes.NewReader(data)).ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// TEST024: handshake negotiates the smaller max_frame and shares the session
func Test024_handshake_negotiates_limits(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	type result struct {
		s   Session
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		s, err := HandshakeAccept(NewFrameReader(b), NewFrameWriter(b), Limits{MaxFrame: 4096})
		accepted <- result{s, err}
	}()

	host, err := HandshakeInitiate(NewFrameReader(a), NewFrameWriter(a), Limits{MaxFrame: 8192})
	require.NoError(t, err)
	dev := <-accepted
	require.NoError(t, dev.err)

	assert.Equal(t, 4096, host.Limits.MaxFrame)
	assert.Equal(t, 4096, dev.s.Limits.MaxFrame)
	assert.Equal(t, host.ID, dev.s.ID)
	assert.NotEmpty(t, host.ID)
}

// TEST025: handshake fails when the peer does not start with HELLO
func Test025_handshake_rejects_non_hello(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFrameWriter(&buf).WriteFrame(NewAck(1)))

	_, err := HandshakeAccept(NewFrameReader(&buf), NewFrameWriter(io.Discard), DefaultLimits())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HELLO")
}

// TEST026: Pipe transports carry messages both ways
func Test026_pipe_send_receive(t *testing.T) {
	host, device, err := Pipe(DefaultLimits(), nil)
	require.NoError(t, err)
	defer host.Close()
	defer device.Close()
	assert.Equal(t, host.Session().ID, device.Session().ID)

	go func() {
		_ = host.SendFrame(NewRequest(5, 0, 0, 1, FlagAck, -1, nil))
	}()
	f, err := device.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameTypeRequest, f.FrameType)
	assert.Equal(t, uint32(1), f.Seq)

	go func() {
		_ = device.SendFrame(NewAck(1))
	}()
	raw, err := host.Receive()
	require.NoError(t, err)
	msg, err := Codec{}.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, halcmd.ClassAck, msg.Class)
	assert.Equal(t, uint32(1), msg.Seq)
}

// TEST027: Send after Close fails and Receive unblocks
func Test027_close_stops_transport(t *testing.T) {
	host, device, err := Pipe(DefaultLimits(), nil)
	require.NoError(t, err)
	defer device.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := host.Receive()
		errc <- err
	}()

	require.NoError(t, host.Close())
	assert.Error(t, <-errc)
	assert.ErrorIs(t, host.Send([]byte{1}), ErrTransportClosed)
	// second close is a no-op
	assert.NoError(t, host.Close())
}

// TEST028: codec maps frame types to message classes
func Test028_codec_classes(t *testing.T) {
	cases := []struct {
		frame *Frame
		class halcmd.MessageClass
	}{
		{NewEvent(0x67, 0x1374, 2, []byte("e")), halcmd.ClassEvent},
		{NewReply(0x20, 0, 0, 4, true, nil), halcmd.ClassReply},
		{NewAck(4), halcmd.ClassAck},
		{NewError(4, -95), halcmd.ClassError},
		{NewDone(4), halcmd.ClassDone},
	}
	for _, tc := range cases {
		data, err := EncodeFrame(tc.frame)
		require.NoError(t, err)
		msg, err := Codec{}.Decode(data)
		require.NoError(t, err, tc.frame.FrameType.String())
		assert.Equal(t, tc.class, msg.Class)
	}

	data, err := EncodeFrame(NewEvent(0x67, 0x1374, 2, []byte("e")))
	require.NoError(t, err)
	msg, err := Codec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, halcmd.VendorKey(0x1374, 2), msg.Key())
	assert.Equal(t, []byte("e"), msg.Attributes)
}

// TEST029: codec refuses to decode host-to-device frames
func Test029_codec_rejects_request(t *testing.T) {
	data, err := EncodeFrame(NewRequest(1, 0, 0, 1, 0, -1, nil))
	require.NoError(t, err)
	_, err = Codec{}.Decode(data)
	assert.Error(t, err)
}

// TEST030: encoded requests come back intact on the device side
func Test030_codec_request_roundtrip(t *testing.T) {
	req := halcmd.NewVendorRequest(0x1374, 0x10)
	req.Seq = 77
	req.Iface = 2
	req.Flags = halcmd.FlagAck
	req.Attributes = []byte{0xde, 0xad}

	data, err := Codec{}.Encode(req)
	require.NoError(t, err)
	f, err := DecodeFrame(data)
	require.NoError(t, err)
	got, err := FromRequest(f)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}
