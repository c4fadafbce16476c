package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// FrameReader reads length-prefixed CBOR frames from a stream
type FrameReader struct {
	reader io.Reader
	limits Limits
}

// NewFrameReader creates a new FrameReader
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		reader: r,
		limits: DefaultLimits(),
	}
}

// SetLimits updates the reader's limits
func (fr *FrameReader) SetLimits(limits Limits) {
	fr.limits = limits.orDefault()
}

// ReadRaw reads the next length-prefixed message without decoding it
func (fr *FrameReader) ReadRaw() ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.reader, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if int(length) > fr.limits.MaxFrame {
		return nil, fmt.Errorf("frame size %d exceeds max_frame limit %d", length, fr.limits.MaxFrame)
	}
	if int(length) > MaxFrameHardLimit {
		return nil, fmt.Errorf("frame size %d exceeds hard limit %d", length, MaxFrameHardLimit)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(fr.reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadFrame reads and decodes a single frame
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	buf, err := fr.ReadRaw()
	if err != nil {
		return nil, err
	}
	return DecodeFrame(buf)
}

// FrameWriter writes length-prefixed CBOR frames to a stream
type FrameWriter struct {
	writer io.Writer
	limits Limits
}

// NewFrameWriter creates a new FrameWriter
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{
		writer: w,
		limits: DefaultLimits(),
	}
}

// SetLimits updates the writer's limits
func (fw *FrameWriter) SetLimits(limits Limits) {
	fw.limits = limits.orDefault()
}

// WriteRaw writes one already encoded message behind its length prefix
func (fw *FrameWriter) WriteRaw(data []byte) error {
	if len(data) > fw.limits.MaxFrame {
		return fmt.Errorf("encoded frame size %d exceeds max_frame limit %d", len(data), fw.limits.MaxFrame)
	}
	if len(data) > MaxFrameHardLimit {
		return fmt.Errorf("encoded frame size %d exceeds hard limit %d", len(data), MaxFrameHardLimit)
	}

	// one write so concurrent readers never see a split prefix
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err := fw.writer.Write(buf)
	return err
}

// WriteFrame encodes and writes a single frame
func (fw *FrameWriter) WriteFrame(frame *Frame) error {
	buf, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	return fw.WriteRaw(buf)
}

// Session is the result of a completed HELLO exchange.
type Session struct {
	ID     string // session id chosen by the initiator
	Limits Limits // negotiated limits, already applied to reader and writer
}

// HandshakeInitiate performs the handshake from the host side: send HELLO
// with our limits and a fresh session id, read the peer's HELLO and apply
// the smaller limits.
func HandshakeInitiate(reader *FrameReader, writer *FrameWriter, ours Limits) (Session, error) {
	ours = ours.orDefault()
	session := uuid.New()
	if err := writer.WriteFrame(NewHello(ours, session)); err != nil {
		return Session{}, fmt.Errorf("failed to write HELLO: %w", err)
	}

	resp, err := reader.ReadFrame()
	if err != nil {
		return Session{}, fmt.Errorf("failed to read HELLO response: %w", err)
	}
	if resp.FrameType != FrameTypeHello {
		return Session{}, errors.New("expected HELLO response")
	}

	negotiated := NegotiateLimits(ours, peerLimits(resp))
	reader.SetLimits(negotiated)
	writer.SetLimits(negotiated)
	return Session{ID: session.String(), Limits: negotiated}, nil
}

// HandshakeAccept performs the handshake from the device side: read the
// host's HELLO, answer with ours under the same session id.
func HandshakeAccept(reader *FrameReader, writer *FrameWriter, ours Limits) (Session, error) {
	ours = ours.orDefault()
	hello, err := reader.ReadFrame()
	if err != nil {
		return Session{}, fmt.Errorf("failed to read HELLO: %w", err)
	}
	if hello.FrameType != FrameTypeHello {
		return Session{}, errors.New("expected HELLO frame")
	}

	session := uuid.Nil
	if s, ok := hello.Meta["session"].(string); ok {
		if parsed, err := uuid.Parse(s); err == nil {
			session = parsed
		}
	}
	if session == uuid.Nil {
		return Session{}, errors.New("HELLO missing session id")
	}

	if err := writer.WriteFrame(NewHello(ours, session)); err != nil {
		return Session{}, fmt.Errorf("failed to write HELLO response: %w", err)
	}

	negotiated := NegotiateLimits(ours, peerLimits(hello))
	reader.SetLimits(negotiated)
	writer.SetLimits(negotiated)
	return Session{ID: session.String(), Limits: negotiated}, nil
}

func peerLimits(hello *Frame) Limits {
	var l Limits
	if hello.Meta != nil {
		l.MaxFrame = extractIntFromMeta(hello.Meta, "max_frame")
	}
	return l.orDefault()
}
