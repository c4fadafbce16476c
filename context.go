package halcmd

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/machinefabric/halcmd-go/metrics"
)

// DefaultFragmentTimeout bounds the wait for each fragment of a fragmented
// exchange.
const DefaultFragmentTimeout = 4 * time.Second

// Options configure a DispatchContext. The zero value is usable.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector

	MaxCommands      int // 0 = unbounded
	MaxSubscriptions int // 0 = unbounded

	FragmentTimeout time.Duration
	Limits          FragmentLimits
}

// DispatchContext is one shared message channel together with the tables
// that correlate traffic on it. Every command, subscription and accumulator
// belongs to exactly one context.
type DispatchContext struct {
	id        string
	transport Transport
	codec     Codec
	logger    *slog.Logger
	metrics   *metrics.Collector

	commands      *CommandRegistry
	subscriptions *SubscriptionTable
	dispatcher    *Dispatcher

	fragmentTimeout time.Duration
	limits          FragmentLimits

	seq    atomic.Uint32
	reqID  atomic.Int32
	closed atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
	onClosed  []func(error)
}

// New creates a context over t, encoding with c.
func New(t Transport, c Codec, opts Options) *DispatchContext {
	id := uuid.New().String()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "halcmd", "context_id", id)

	if opts.FragmentTimeout <= 0 {
		opts.FragmentTimeout = DefaultFragmentTimeout
	}

	dc := &DispatchContext{
		id:              id,
		transport:       t,
		codec:           c,
		logger:          logger,
		metrics:         opts.Metrics,
		fragmentTimeout: opts.FragmentTimeout,
		limits:          opts.Limits,
		done:            make(chan struct{}),
	}
	dc.commands = NewCommandRegistry(opts.MaxCommands, logger, opts.Metrics)
	dc.subscriptions = NewSubscriptionTable(opts.MaxSubscriptions, logger)
	dc.dispatcher = newDispatcher(dc)
	return dc
}

// ID returns the unique id of the context, used in logs.
func (dc *DispatchContext) ID() string {
	return dc.id
}

// Logger returns the context's logger.
func (dc *DispatchContext) Logger() *slog.Logger {
	return dc.logger
}

// Commands returns the command registry.
func (dc *DispatchContext) Commands() *CommandRegistry {
	return dc.commands
}

// Subscriptions returns the event subscription table.
func (dc *DispatchContext) Subscriptions() *SubscriptionTable {
	return dc.subscriptions
}

// Dispatcher returns the dispatcher.
func (dc *DispatchContext) Dispatcher() *Dispatcher {
	return dc.dispatcher
}

// FragmentTimeout returns the per-fragment timeout used by fragmented
// exchanges that don't override it.
func (dc *DispatchContext) FragmentTimeout() time.Duration {
	return dc.fragmentTimeout
}

// Limits returns the default accumulator limits.
func (dc *DispatchContext) Limits() FragmentLimits {
	return dc.limits
}

// Run runs the dispatcher on the calling goroutine until the transport
// fails, Close is called or ctx is done.
func (dc *DispatchContext) Run(ctx context.Context) error {
	return dc.dispatcher.Run(ctx)
}

// Start runs the dispatcher on a new goroutine. The result of Run is
// available through Err once Done is closed.
func (dc *DispatchContext) Start(ctx context.Context) {
	go func() {
		if err := dc.Run(ctx); err != nil {
			dc.closeWith(err)
		}
	}()
}

// NextRequestID returns a fresh request id for callers that don't supply
// their own. Ids are positive and wrap.
func (dc *DispatchContext) NextRequestID() RequestID {
	for {
		id := dc.reqID.Add(1)
		if id > 0 {
			return RequestID(id)
		}
		dc.reqID.CompareAndSwap(id, 0)
	}
}

// CancelRequest cancels the command in flight under id: it leaves the
// registry, a blocked wait returns ErrCancelled and its Canceler runs. It
// fails with ErrNotFound when no command holds id.
func (dc *DispatchContext) CancelRequest(id RequestID) error {
	cmd, ok := dc.commands.take(id)
	if !ok {
		return newError(ErrorTypeNotFound, "cancel request", "request id %d", id)
	}
	defer cmd.Release()
	dc.logger.Debug("cancelling request", "request_id", id)
	return cmd.Cancel()
}

// nextSeq returns the next outbound sequence number. Zero is reserved for
// unsolicited traffic.
func (dc *DispatchContext) nextSeq() uint32 {
	for {
		if s := dc.seq.Add(1); s != 0 {
			return s
		}
	}
}

// OnClosed registers fn to run once the context has shut down. fn receives
// nil after a deliberate Close and the transport error otherwise.
func (dc *DispatchContext) OnClosed(fn func(err error)) {
	dc.errMu.Lock()
	if dc.closed.Load() && isDone(dc.done) {
		err := dc.err
		dc.errMu.Unlock()
		fn(err)
		return
	}
	dc.onClosed = append(dc.onClosed, fn)
	dc.errMu.Unlock()
}

// Close shuts the transport down and wakes every waiter with ErrClosed.
// It is safe to call more than once.
func (dc *DispatchContext) Close() error {
	return dc.closeWith(nil)
}

func (dc *DispatchContext) closeWith(cause error) error {
	var err error
	dc.closeOnce.Do(func() {
		dc.closed.Store(true)
		err = dc.transport.Close()
		dc.dispatcher.failAll(newError(ErrorTypeClosed, "close", "dispatch context closed"))

		dc.errMu.Lock()
		dc.err = cause
		hooks := dc.onClosed
		dc.onClosed = nil
		close(dc.done)
		dc.errMu.Unlock()

		if cause != nil {
			dc.logger.Warn("dispatch context closed", "error", cause)
		} else {
			dc.logger.Info("dispatch context closed")
		}
		for _, fn := range hooks {
			fn(cause)
		}
	})
	return err
}

// Done is closed once the context has shut down.
func (dc *DispatchContext) Done() <-chan struct{} {
	return dc.done
}

// Err returns the error that shut the context down, or nil.
func (dc *DispatchContext) Err() error {
	dc.errMu.Lock()
	defer dc.errMu.Unlock()
	return dc.err
}

// Closed reports whether Close has been called.
func (dc *DispatchContext) Closed() bool {
	return dc.closed.Load()
}

// RegisterHandler installs an exclusive handler for a non-vendor kind.
func (dc *DispatchContext) RegisterHandler(kind MessageKind, h Handler) error {
	return dc.subscriptions.RegisterHandler(kind, h, nil)
}

// UnregisterHandler removes the exclusive handler for a non-vendor kind.
func (dc *DispatchContext) UnregisterHandler(kind MessageKind) error {
	return dc.subscriptions.UnregisterHandler(kind)
}

// RegisterVendorHandler installs an exclusive handler for a vendor pair.
func (dc *DispatchContext) RegisterVendorHandler(vendorID, subcmd uint32, h Handler) error {
	return dc.subscriptions.RegisterVendorHandler(vendorID, subcmd, h, nil)
}

// UnregisterVendorHandler removes the exclusive handler for a vendor pair.
func (dc *DispatchContext) UnregisterVendorHandler(vendorID, subcmd uint32) {
	dc.subscriptions.UnregisterVendorHandler(vendorID, subcmd)
}

// AddListener subscribes h to every message matching key.
func (dc *DispatchContext) AddListener(key DispatchKey, h Handler) (SubscriptionID, error) {
	return dc.subscriptions.AddListener(key, h)
}

// RemoveListener removes a listener.
func (dc *DispatchContext) RemoveListener(id SubscriptionID) {
	dc.subscriptions.RemoveListener(id)
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
