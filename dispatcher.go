package halcmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/machinefabric/halcmd-go/metrics"
)

// pendingExchange is the state of one RequestResponse waiting for its
// handshake to finish.
type pendingExchange struct {
	cmd     *Command
	result  *promise[struct{}]
	ack     bool // request asked for an acknowledgement
	started time.Time

	handlerErr error // first ResponseHandler error, reported on completion
}

// Dispatcher owns the receive side of a DispatchContext: it decodes every
// inbound message on a single goroutine, completes pending handshakes and
// fans events out to subscriptions.
type Dispatcher struct {
	dc      *DispatchContext
	logger  *slog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	pending map[uint32]*pendingExchange
}

func newDispatcher(dc *DispatchContext) *Dispatcher {
	return &Dispatcher{
		dc:      dc,
		logger:  dc.logger,
		metrics: dc.metrics,
		pending: make(map[uint32]*pendingExchange),
	}
}

func (d *Dispatcher) addPending(seq uint32, p *pendingExchange) error {
	d.mu.Lock()
	if _, exists := d.pending[seq]; exists {
		d.mu.Unlock()
		return newError(ErrorTypeAlreadyRegistered, "request response", "sequence %d pending", seq)
	}
	d.pending[seq] = p
	n := len(d.pending)
	d.mu.Unlock()
	d.metrics.SetPendingExchanges(n)
	return nil
}

// removePending removes the entry for seq if it is still p. Exactly one of
// the racing parties (dispatcher completion, timeout, cancel) wins.
func (d *Dispatcher) removePending(seq uint32, p *pendingExchange) bool {
	d.mu.Lock()
	cur, ok := d.pending[seq]
	if !ok || cur != p {
		d.mu.Unlock()
		return false
	}
	delete(d.pending, seq)
	n := len(d.pending)
	d.mu.Unlock()
	d.metrics.SetPendingExchanges(n)
	return true
}

func (d *Dispatcher) lookupPending(seq uint32) (*pendingExchange, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[seq]
	return p, ok
}

// Pending returns the number of exchanges waiting for a handshake.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run reads from the transport until it fails or ctx is done. A receive
// failure that is not the result of Close or ctx fails every waiter with
// ErrTransport and is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		d.dc.Close()
	})
	defer stop()

	d.logger.Debug("dispatcher started", "context_id", d.dc.ID())
	for {
		raw, err := d.dc.transport.Receive()
		if err != nil {
			if d.dc.closed.Load() {
				d.failAll(newError(ErrorTypeClosed, "receive", "dispatch context closed"))
				d.logger.Debug("dispatcher stopped", "context_id", d.dc.ID())
				return nil
			}
			terr := wrapError(ErrorTypeTransport, "receive", err)
			d.logger.Error("transport failed", "error", err)
			d.failAll(terr)
			d.dc.closeWith(terr)
			return terr
		}
		d.Deliver(raw)
	}
}

// Deliver decodes and routes one raw inbound message. Run calls it for every
// message; push-style transports may call it directly, but never from more
// than one goroutine at a time.
func (d *Dispatcher) Deliver(raw []byte) {
	msg, err := d.dc.codec.Decode(raw)
	if err != nil {
		d.metrics.DecodeFailed()
		d.metrics.MessageDropped(metrics.DropMalformed)
		d.logger.Warn("dropping undecodable message", "error", err, "len", len(raw))
		return
	}
	d.Dispatch(msg)
}

// Dispatch routes a decoded message.
func (d *Dispatcher) Dispatch(msg *Message) {
	d.metrics.MessageReceived(msg.Class.String())

	if msg.IsHandshake() {
		if p, ok := d.lookupPending(msg.Seq); ok {
			d.handshake(msg, p)
			return
		}
		if msg.Class != ClassReply {
			d.metrics.MessageDropped(metrics.DropOrphan)
			d.logger.Debug("dropping orphan handshake message",
				"class", msg.Class, "seq", msg.Seq, "key", msg.Key())
			return
		}
		// a reply nobody waits on is routed like an event
	}
	d.route(msg)
}

func (d *Dispatcher) handshake(msg *Message, p *pendingExchange) {
	switch msg.Class {
	case ClassReply:
		if err := d.invoke(p.cmd, msg, HandlerFunc(p.cmd.handleResponse)); err != nil && p.handlerErr == nil {
			p.handlerErr = err
		}
		if !msg.Multi && !p.ack {
			d.complete(msg.Seq, p, p.handlerErr)
		}
	case ClassAck, ClassDone:
		d.complete(msg.Seq, p, p.handlerErr)
	case ClassError:
		d.logger.Debug("command failed", "request_id", p.cmd.ID(), "code", msg.ErrorCode)
		d.complete(msg.Seq, p, commandFailed("request response", msg.ErrorCode))
	}
}

func (d *Dispatcher) complete(seq uint32, p *pendingExchange, err error) {
	if d.removePending(seq, p) {
		d.logger.Debug("exchange complete", "request_id", p.cmd.ID(), "seq", seq,
			"elapsed", time.Since(p.started), "error", err)
		p.result.fail(err)
	}
}

func (d *Dispatcher) route(msg *Message) {
	subs := d.dc.subscriptions.MatchAll(msg.Kind, msg.VendorID, msg.SubCmd)
	if len(subs) == 0 {
		d.metrics.MessageDropped(metrics.DropNoMatch)
		d.logger.Debug("no handler", "key", msg.Key(), "class", msg.Class)
		return
	}
	for _, s := range subs {
		err := d.invoke(s.Owner, msg, s.Handler)
		if errors.Is(err, ErrStopDispatch) {
			return
		}
		if err != nil {
			d.metrics.HandlerFailed(s.Key.String())
			d.logger.Warn("handler failed", "key", s.Key, "error", err)
		}
	}
}

// invoke runs h with a reference on owner held for the duration of the call.
// A panicking handler is logged and reported as an error.
func (d *Dispatcher) invoke(owner *Command, msg *Message, h Handler) (err error) {
	if owner != nil {
		owner.AddRef()
		defer owner.Release()
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "key", msg.Key(), "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.HandleMessage(msg)
}

// failAll wakes every waiter with err and clears the registry and the
// subscription table.
func (d *Dispatcher) failAll(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[uint32]*pendingExchange)
	d.mu.Unlock()
	d.metrics.SetPendingExchanges(0)

	for _, p := range pending {
		p.result.fail(err)
	}
	for _, cmd := range d.dc.commands.Drain() {
		cmd.fail(err)
	}
	for _, s := range d.dc.subscriptions.Drain() {
		if s.Owner != nil {
			s.Owner.fail(err)
		}
	}
}
