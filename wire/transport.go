package wire

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// StreamTransport moves length-prefixed messages over a byte stream. Sends
// from any goroutine are serialized through a single writer goroutine; Receive
// must be called from one goroutine only.
type StreamTransport struct {
	conn   io.ReadWriteCloser
	reader *FrameReader
	writer *FrameWriter
	logger *slog.Logger

	session Session

	writerCh chan writeReq
	done     chan struct{}
	once     sync.Once
}

type writeReq struct {
	data []byte
	errc chan error
}

// NewStreamTransport wraps conn without a handshake, using default limits.
func NewStreamTransport(conn io.ReadWriteCloser, logger *slog.Logger) *StreamTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &StreamTransport{
		conn:     conn,
		reader:   NewFrameReader(conn),
		writer:   NewFrameWriter(conn),
		logger:   logger.With("component", "wire"),
		writerCh: make(chan writeReq, 64),
		done:     make(chan struct{}),
	}
	go t.writerLoop()
	return t
}

// Dial wraps conn and performs the handshake as the initiating side.
func Dial(conn io.ReadWriteCloser, limits Limits, logger *slog.Logger) (*StreamTransport, error) {
	t := NewStreamTransport(conn, logger)
	// the writer goroutine is idle until Send, so the handshake may write
	// directly
	s, err := HandshakeInitiate(t.reader, t.writer, limits)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.session = s
	t.logger = t.logger.With("session", s.ID)
	t.logger.Debug("handshake complete", "max_frame", s.Limits.MaxFrame)
	return t, nil
}

// Accept wraps conn and performs the handshake as the accepting side.
func Accept(conn io.ReadWriteCloser, limits Limits, logger *slog.Logger) (*StreamTransport, error) {
	t := NewStreamTransport(conn, logger)
	s, err := HandshakeAccept(t.reader, t.writer, limits)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.session = s
	t.logger = t.logger.With("session", s.ID)
	return t, nil
}

// Pipe returns two connected transports that have completed the handshake,
// backed by net.Pipe.
func Pipe(limits Limits, logger *slog.Logger) (host, device *StreamTransport, err error) {
	a, b := net.Pipe()

	type result struct {
		t   *StreamTransport
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		t, err := Accept(b, limits, logger)
		accepted <- result{t, err}
	}()

	host, err = Dial(a, limits, logger)
	r := <-accepted
	if err != nil || r.err != nil {
		if host != nil {
			host.Close()
		}
		if r.t != nil {
			r.t.Close()
		}
		a.Close()
		b.Close()
		if err == nil {
			err = r.err
		}
		return nil, nil, err
	}
	return host, r.t, nil
}

// Session returns the handshake result, zero when no handshake was made.
func (t *StreamTransport) Session() Session {
	return t.session
}

// Send writes one message. It blocks until the message is on the stream.
func (t *StreamTransport) Send(msg []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	req := writeReq{data: msg, errc: make(chan error, 1)}
	select {
	case t.writerCh <- req:
	case <-t.done:
		return ErrTransportClosed
	}
	select {
	case err := <-req.errc:
		return err
	case <-t.done:
		return ErrTransportClosed
	}
}

// SendFrame encodes and sends a frame.
func (t *StreamTransport) SendFrame(f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return t.Send(data)
}

// Receive blocks until the next message arrives.
func (t *StreamTransport) Receive() ([]byte, error) {
	return t.reader.ReadRaw()
}

// ReceiveFrame receives and decodes the next frame.
func (t *StreamTransport) ReceiveFrame() (*Frame, error) {
	return t.reader.ReadFrame()
}

// Close shuts the stream; pending and future Sends fail and Receive
// returns an error.
func (t *StreamTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *StreamTransport) writerLoop() {
	for {
		select {
		case req := <-t.writerCh:
			err := t.writer.WriteRaw(req.data)
			if err != nil {
				t.logger.Warn("write failed", "error", err)
			}
			req.errc <- err
		case <-t.done:
			return
		}
	}
}
