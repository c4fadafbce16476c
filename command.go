package halcmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CommandState is the lifecycle state of a Command.
type CommandState int32

const (
	StateCreated CommandState = iota
	StateSent
	StateCompleted
	StateCancelled
)

// String returns the state name
func (s CommandState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateSent:
		return "SENT"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// Behavior assembles the outbound request of a command. A behavior may also
// implement ResponseHandler, EventHandler and Canceler.
type Behavior interface {
	Create(req *Request) error
}

// ResponseHandler parses valid replies of a synchronous exchange.
type ResponseHandler interface {
	HandleResponse(msg *Message) error
}

// EventHandler parses asynchronous events routed to the command.
type EventHandler interface {
	HandleEvent(msg *Message) error
}

// Canceler lets a behavior tell the peer to stop, e.g. by issuing a stop
// request on another command. It runs after local delivery was cut off.
type Canceler interface {
	Cancel(cmd *Command) error
}

// BehaviorFunc adapts a request-building function to Behavior.
type BehaviorFunc func(req *Request) error

// Create calls f(req).
func (f BehaviorFunc) Create(req *Request) error {
	return f(req)
}

// Command is one unit of work on a DispatchContext: it assembles a request,
// sends it and optionally blocks until a correlated reply or event arrives.
//
// A command starts with one reference owned by its creator. The dispatcher
// takes an extra reference around every handler invocation, so Release from
// a concurrent cancel never destroys a command whose handler is running.
type Command struct {
	dc       *DispatchContext
	id       RequestID
	behavior Behavior

	refs      atomic.Int32
	state     atomic.Int32
	destroyed atomic.Bool

	mu    sync.Mutex // also serializes Cancel against setAbort
	req   *Request
	abort func(error) // wakes the blocking operation in progress, if any
}

// NewCommand creates a command bound to dc with request id id.
func NewCommand(dc *DispatchContext, id RequestID, behavior Behavior) *Command {
	c := &Command{
		dc:       dc,
		id:       id,
		behavior: behavior,
	}
	c.refs.Store(1)
	c.state.Store(int32(StateCreated))
	return c
}

// ID returns the request id.
func (c *Command) ID() RequestID {
	return c.id
}

// Context returns the dispatch context the command belongs to.
func (c *Command) Context() *DispatchContext {
	return c.dc
}

// State returns the current lifecycle state.
func (c *Command) State() CommandState {
	return CommandState(c.state.Load())
}

// Request returns the assembled request, or nil before Create.
func (c *Command) Request() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req
}

// AddRef takes an additional reference.
func (c *Command) AddRef() {
	c.refs.Add(1)
}

// Release drops a reference. The last release destroys the command.
func (c *Command) Release() {
	refs := c.refs.Add(-1)
	switch {
	case refs == 0:
		c.destroy()
	case refs < 0:
		c.dc.logger.Error("command released too many times", "request_id", c.id, "refs", refs)
	}
}

// tryAddRef takes a reference unless the command is already being destroyed.
func (c *Command) tryAddRef() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Refs returns the current reference count.
func (c *Command) Refs() int32 {
	return c.refs.Load()
}

// Destroyed reports whether the last reference has been released.
func (c *Command) Destroyed() bool {
	return c.destroyed.Load()
}

func (c *Command) destroy() {
	registered := c.dc.commands.UnregisterCommand(c)
	if c.dc.subscriptions.RemoveOwner(c) > 0 || registered {
		c.dc.logger.Warn("command destroyed while still registered", "request_id", c.id)
	}
	c.mu.Lock()
	c.req = nil
	c.abort = nil
	c.mu.Unlock()
	c.destroyed.Store(true)
	c.dc.logger.Debug("command destroyed", "request_id", c.id)
}

// Create (re)assembles the outbound request through the behavior.
func (c *Command) Create() error {
	if c.behavior == nil {
		return newError(ErrorTypeNotSupported, "create", "command %d has no behavior", c.id)
	}
	if c.Destroyed() {
		return newError(ErrorTypeInvalidOperation, "create", "command %d destroyed", c.id)
	}
	req := &Request{Iface: -1}
	if err := c.behavior.Create(req); err != nil {
		return fmt.Errorf("create command %d: %w", c.id, err)
	}
	c.mu.Lock()
	c.req = req
	c.mu.Unlock()
	return nil
}

// Register enters the command in the context's registry under its id.
func (c *Command) Register() error {
	return c.dc.commands.Register(c.id, c)
}

// Unregister removes the command from the registry.
func (c *Command) Unregister() {
	c.dc.commands.UnregisterCommand(c)
}

// Subscribe installs the command's EventHandler as the exclusive handler for
// key. The dispatcher holds a reference to the command while it runs.
func (c *Command) Subscribe(key DispatchKey) error {
	return c.dc.subscriptions.RegisterKey(key, commandEvents{c}, c)
}

// Unsubscribe removes the command's own exclusive handler for key. An entry
// under key owned by anyone else is left alone.
func (c *Command) Unsubscribe(key DispatchKey) {
	c.dc.subscriptions.UnregisterOwned(key, c)
}

// hold registers the command under its id for the duration of a blocking
// operation. The returned func undoes a registration made here; an id the
// command already holds stays registered.
func (c *Command) hold() (func(), error) {
	added, err := c.dc.commands.register(c.id, c, true)
	if err != nil {
		return nil, err
	}
	if !added {
		return func() {}, nil
	}
	return func() { c.dc.commands.unregisterIf(c.id, c) }, nil
}

// commandEvents routes events to the behavior's EventHandler.
type commandEvents struct {
	c *Command
}

func (h commandEvents) HandleMessage(msg *Message) error {
	return h.c.handleEvent(msg)
}

func (c *Command) handleEvent(msg *Message) error {
	if eh, ok := c.behavior.(EventHandler); ok {
		return eh.HandleEvent(msg)
	}
	c.dc.logger.Debug("skipping an event", "request_id", c.id, "key", msg.Key())
	return nil
}

func (c *Command) handleResponse(msg *Message) error {
	if rh, ok := c.behavior.(ResponseHandler); ok {
		return rh.HandleResponse(msg)
	}
	c.dc.logger.Debug("skipping a response", "request_id", c.id)
	return nil
}

// prepare assigns a sequence number and encodes the request, creating it
// first if needed.
func (c *Command) prepare() (*Request, []byte, error) {
	if c.Request() == nil {
		if err := c.Create(); err != nil {
			return nil, nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.req == nil {
		return nil, nil, newError(ErrorTypeInvalidOperation, "send", "command %d destroyed", c.id)
	}
	c.req.Seq = c.dc.nextSeq()
	data, err := c.dc.codec.Encode(c.req)
	if err != nil {
		return nil, nil, fmt.Errorf("encode command %d: %w", c.id, err)
	}
	return c.req, data, nil
}

func (c *Command) transmit(data []byte) error {
	if c.State() == StateCancelled {
		return newError(ErrorTypeCancelled, "send", "command %d", c.id)
	}
	if c.dc.closed.Load() {
		return newError(ErrorTypeClosed, "send", "dispatch context closed")
	}
	if err := c.dc.transport.Send(data); err != nil {
		return wrapError(ErrorTypeTransport, "send", err)
	}
	c.state.CompareAndSwap(int32(StateCreated), int32(StateSent))
	return nil
}

// Send encodes and sends the request without waiting. Completion, if any,
// arrives through the command's subscriptions.
func (c *Command) Send() error {
	if c.State() == StateCancelled {
		return newError(ErrorTypeCancelled, "send", "command %d", c.id)
	}
	_, data, err := c.prepare()
	if err != nil {
		return err
	}
	return c.transmit(data)
}

// RequestResponse sends the request and blocks until the peer acknowledges
// it, reports an error or finishes a multipart reply. Valid replies are
// passed to the behavior's ResponseHandler on the dispatcher goroutine.
// The wait is unbounded unless ctx carries a deadline.
func (c *Command) RequestResponse(ctx context.Context) error {
	start := time.Now()
	err := c.requestResponse(ctx)
	c.dc.metrics.ObserveExchange("request_response", outcomeLabel(err), time.Since(start).Seconds())
	return err
}

func (c *Command) requestResponse(ctx context.Context) error {
	if c.State() == StateCancelled {
		return newError(ErrorTypeCancelled, "request response", "command %d", c.id)
	}
	req, data, err := c.prepare()
	if err != nil {
		return err
	}

	p := &pendingExchange{
		cmd:     c,
		result:  newPromise[struct{}](),
		ack:     req.Flags&FlagAck != 0,
		started: time.Now(),
	}
	seq := req.Seq
	if err := c.dc.dispatcher.addPending(seq, p); err != nil {
		return err
	}
	if err := c.setAbort("request response", func(err error) {
		if c.dc.dispatcher.removePending(seq, p) {
			p.result.fail(err)
		}
	}); err != nil {
		c.dc.dispatcher.removePending(seq, p)
		return err
	}
	defer c.clearAbort()

	if err := c.transmit(data); err != nil {
		c.dc.dispatcher.removePending(seq, p)
		return err
	}

	select {
	case out := <-p.result.done():
		return out.err
	case <-ctx.Done():
		if c.dc.dispatcher.removePending(seq, p) {
			return contextError("request response", ctx.Err())
		}
		// the dispatcher settled the exchange first
		out := <-p.result.done()
		return out.err
	}
}

// RequestEvent subscribes the command to key, sends the request and blocks
// until the first event matching key has been handled. The subscription is
// removed before returning.
func (c *Command) RequestEvent(ctx context.Context, key DispatchKey) error {
	start := time.Now()
	err := c.requestEvent(ctx, key)
	c.dc.metrics.ObserveExchange("request_event", outcomeLabel(err), time.Since(start).Seconds())
	return err
}

func (c *Command) requestEvent(ctx context.Context, key DispatchKey) error {
	if c.State() == StateCancelled {
		return newError(ErrorTypeCancelled, "request event", "command %d", c.id)
	}
	release, err := c.hold()
	if err != nil {
		return err
	}
	defer release()

	result := newPromise[struct{}]()
	handler := HandlerFunc(func(msg *Message) error {
		err := c.handleEvent(msg)
		result.resolve(struct{}{}, err)
		return nil
	})
	sub, err := c.dc.subscriptions.add(key, handler, c, false)
	if err != nil {
		return err
	}
	defer c.dc.subscriptions.Remove(sub)

	if err := c.setAbort("request event", func(err error) { result.fail(err) }); err != nil {
		return err
	}
	defer c.clearAbort()

	if err := c.Send(); err != nil {
		return err
	}

	c.dc.logger.Debug("waiting for event", "request_id", c.id, "key", key)
	select {
	case out := <-result.done():
		return out.err
	case <-ctx.Done():
		if result.fail(contextError("request event", ctx.Err())) {
			return contextError("request event", ctx.Err())
		}
		out := <-result.done()
		return out.err
	}
}

// RequestVendorEvent is RequestEvent for the vendor key (vendorID, subcmd).
func (c *Command) RequestVendorEvent(ctx context.Context, vendorID, subcmd uint32) error {
	return c.RequestEvent(ctx, VendorKey(vendorID, subcmd))
}

// Cancel aborts the command: a blocked wait returns ErrCancelled, registry
// and subscription entries are removed so late replies are dropped, and the
// behavior's Canceler, if any, runs. Messages already on the transport are
// not recalled.
func (c *Command) Cancel() error {
	c.mu.Lock()
	for {
		s := c.State()
		if s == StateCompleted || s == StateCancelled {
			c.mu.Unlock()
			return nil
		}
		if c.state.CompareAndSwap(int32(s), int32(StateCancelled)) {
			break
		}
	}
	abort := c.abort
	c.mu.Unlock()

	c.dc.commands.UnregisterCommand(c)
	c.dc.subscriptions.RemoveOwner(c)
	if abort != nil {
		abort(newError(ErrorTypeCancelled, "cancel", "command %d", c.id))
	}
	c.dc.logger.Debug("command cancelled", "request_id", c.id)

	if cc, ok := c.behavior.(Canceler); ok {
		return cc.Cancel(c)
	}
	return nil
}

// Complete marks the command finished and removes its registry and
// subscription entries. Call it as the terminal action of an exchange that
// completes through subscriptions.
func (c *Command) Complete() {
	for {
		s := c.State()
		if s == StateCompleted || s == StateCancelled {
			return
		}
		if c.state.CompareAndSwap(int32(s), int32(StateCompleted)) {
			break
		}
	}
	c.dc.commands.UnregisterCommand(c)
	c.dc.subscriptions.RemoveOwner(c)
}

// fail wakes a blocked wait with err; used when the transport is lost.
func (c *Command) fail(err error) {
	c.wake(err)
}

func (c *Command) wake(err error) {
	c.mu.Lock()
	abort := c.abort
	c.mu.Unlock()
	if abort != nil {
		abort(err)
	}
}

// setAbort installs the wake function of the blocking operation starting
// now. It fails once the command is cancelled or while another blocking
// operation is in progress.
func (c *Command) setAbort(op string, fn func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateCancelled {
		return newError(ErrorTypeCancelled, op, "command %d", c.id)
	}
	if c.abort != nil {
		return newError(ErrorTypeInvalidOperation, op, "command %d already waiting", c.id)
	}
	c.abort = fn
	return nil
}

func (c *Command) clearAbort() {
	c.mu.Lock()
	c.abort = nil
	c.mu.Unlock()
}

func contextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(ErrorTypeTimeout, op, err)
	}
	return wrapError(ErrorTypeCancelled, op, err)
}

func outcomeLabel(err error) string {
	var e *Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &e):
		return e.Type.String()
	default:
		return "error"
	}
}
