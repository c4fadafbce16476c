package halcmd_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/halcmd-go"
	"github.com/machinefabric/halcmd-go/metrics"
	"github.com/machinefabric/halcmd-go/wire"
)

const waitTimeout = 2 * time.Second

// fakeTransport is an in-memory transport. Outbound messages land on sent,
// inbound messages are queued on in, and errs makes Receive fail.
type fakeTransport struct {
	sent   chan []byte
	in     chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:   make(chan []byte, 64),
		in:     make(chan []byte, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(msg []byte) error {
	select {
	case <-f.closed:
		return wire.ErrTransportClosed
	default:
	}
	f.sent <- msg
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case err := <-f.errs:
		return nil, err
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// harness is a dispatch context wired to a fake device speaking wire frames.
type harness struct {
	t  *testing.T
	dc *halcmd.DispatchContext
	tr *fakeTransport
	m  *metrics.Collector
}

func newHarness(t *testing.T, opts halcmd.Options) *harness {
	t.Helper()
	tr := newFakeTransport()
	m := metrics.New("")
	require.NoError(t, m.Register(prometheus.NewRegistry()))
	opts.Metrics = m
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dc := halcmd.New(tr, wire.Codec{}, opts)
	t.Cleanup(func() { dc.Close() })
	return &harness{t: t, dc: dc, tr: tr, m: m}
}

// start runs the dispatcher in the background.
func (h *harness) start() *harness {
	h.dc.Start(context.Background())
	return h
}

// request returns the next request the host sent.
func (h *harness) request() *halcmd.Request {
	h.t.Helper()
	select {
	case b := <-h.tr.sent:
		f, err := wire.DecodeFrame(b)
		require.NoError(h.t, err)
		req, err := wire.FromRequest(f)
		require.NoError(h.t, err)
		return req
	case <-time.After(waitTimeout):
		h.t.Fatal("no request sent")
		return nil
	}
}

// deliver queues a frame for the dispatcher.
func (h *harness) deliver(f *wire.Frame) {
	h.t.Helper()
	b, err := wire.EncodeFrame(f)
	require.NoError(h.t, err)
	h.tr.in <- b
}

// dispatch routes a frame synchronously, for tests that don't start Run.
func (h *harness) dispatch(f *wire.Frame) {
	h.t.Helper()
	b, err := wire.EncodeFrame(f)
	require.NoError(h.t, err)
	h.dc.Dispatcher().Deliver(b)
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("operation did not return")
		return nil
	}
}

func async(fn func() error) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- fn() }()
	return errc
}

// recorder is a behavior that records what the dispatcher hands it.
type recorder struct {
	create      func(req *halcmd.Request) error
	responseErr error

	mu        sync.Mutex
	responses []*halcmd.Message
	events    []*halcmd.Message
	cancels   int
}

func (r *recorder) Create(req *halcmd.Request) error {
	if r.create != nil {
		return r.create(req)
	}
	req.Kind = 0x20
	return nil
}

func (r *recorder) HandleResponse(msg *halcmd.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, msg)
	return r.responseErr
}

func (r *recorder) HandleEvent(msg *halcmd.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, msg)
	return nil
}

func (r *recorder) Cancel(*halcmd.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels++
	return nil
}

func (r *recorder) counts() (responses, events, cancels int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses), len(r.events), r.cancels
}

func kindRequest(kind halcmd.MessageKind, flags halcmd.RequestFlags) func(*halcmd.Request) error {
	return func(req *halcmd.Request) error {
		req.Kind = kind
		req.Flags = flags
		return nil
	}
}

func vendorRequest(oui, sub uint32, flags halcmd.RequestFlags) func(*halcmd.Request) error {
	return func(req *halcmd.Request) error {
		req.Kind = halcmd.KindVendor
		req.VendorID = oui
		req.SubCmd = sub
		req.Flags = flags
		return nil
	}
}
