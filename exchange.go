package halcmd

import (
	"context"
	"errors"
	"time"

	"github.com/machinefabric/halcmd-go/metrics"
)

// Fragment is one decoded batch of a fragmented result. RequestID zero means
// the fragment carries no request id and is accepted by any exchange.
type Fragment[T any] struct {
	RequestID RequestID
	Items     []T
	More      bool
}

// FragmentDecoder extracts a fragment from an inbound message. An error is
// treated as a parse failure of the whole exchange.
type FragmentDecoder[T any] func(msg *Message) (Fragment[T], error)

// FragmentedExchange sends a command and reassembles the result the peer
// streams back as a series of messages under one dispatch key.
type FragmentedExchange[T any] struct {
	cmd     *Command
	key     DispatchKey
	decode  FragmentDecoder[T]
	timeout time.Duration
	limits  FragmentLimits
}

// NewFragmentedExchange prepares an exchange for cmd whose fragments arrive
// under key. Timeout and limits default to the context's.
func NewFragmentedExchange[T any](cmd *Command, key DispatchKey, decode FragmentDecoder[T]) *FragmentedExchange[T] {
	return &FragmentedExchange[T]{
		cmd:     cmd,
		key:     key,
		decode:  decode,
		timeout: cmd.dc.fragmentTimeout,
		limits:  cmd.dc.limits,
	}
}

// WithTimeout overrides the per-fragment timeout.
func (x *FragmentedExchange[T]) WithTimeout(d time.Duration) *FragmentedExchange[T] {
	if d > 0 {
		x.timeout = d
	}
	return x
}

// WithLimits overrides the accumulator limits.
func (x *FragmentedExchange[T]) WithLimits(l FragmentLimits) *FragmentedExchange[T] {
	x.limits = l
	return x
}

// Collect sends the command and blocks until the final fragment arrives.
// The timeout restarts with every accepted fragment. On timeout, parse
// failure, limit violation or cancellation the partial result is discarded
// and only the error is returned. The subscription on key is always removed
// before Collect returns.
func (x *FragmentedExchange[T]) Collect(ctx context.Context) ([]T, error) {
	start := time.Now()
	items, err := x.collect(ctx)
	x.cmd.dc.metrics.ObserveExchange("fragmented", outcomeLabel(err), time.Since(start).Seconds())
	return items, err
}

func (x *FragmentedExchange[T]) collect(ctx context.Context) ([]T, error) {
	c := x.cmd
	dc := c.dc
	if c.State() == StateCancelled {
		return nil, newError(ErrorTypeCancelled, "collect", "command %d", c.id)
	}

	release, err := c.hold()
	if err != nil {
		return nil, err
	}
	defer release()

	acc := NewAccumulator[T](x.limits)
	result := newPromise[[]T]()
	progress := make(chan struct{}, 1)

	handler := HandlerFunc(func(msg *Message) error {
		frag, err := x.decode(msg)
		if err != nil {
			perr := wrapError(ErrorTypeParse, "collect", err)
			acc.Discard(perr)
			if result.fail(perr) {
				dc.metrics.AccumulatorDiscard(metrics.DiscardParse)
				dc.logger.Warn("discarding fragmented result", "request_id", c.id, "error", err)
			}
			return nil
		}
		if frag.RequestID != 0 && frag.RequestID != c.id {
			dc.logger.Debug("ignoring fragment for another request",
				"request_id", c.id, "fragment_request_id", frag.RequestID)
			return nil
		}

		dc.metrics.FragmentReceived()
		p, err := acc.Feed(frag.Items, frag.More)
		switch {
		case errors.Is(err, ErrAccumulatorClosed):
			dc.logger.Debug("late fragment dropped", "request_id", c.id)
		case err != nil:
			if result.fail(err) {
				dc.metrics.AccumulatorDiscard(metrics.DiscardLimit)
				dc.logger.Warn("discarding fragmented result", "request_id", c.id, "error", err)
			}
		case p.State == Complete:
			result.resolve(p.Items, nil)
		default:
			select {
			case progress <- struct{}{}:
			default:
			}
		}
		return nil
	})

	sub, err := dc.subscriptions.add(x.key, handler, c, false)
	if err != nil {
		return nil, err
	}
	defer dc.subscriptions.Remove(sub)

	abort := func(err error) {
		acc.Discard(err)
		if result.fail(err) {
			dc.metrics.AccumulatorDiscard(metrics.DiscardCanceled)
		}
	}
	if err := c.setAbort("collect", abort); err != nil {
		return nil, err
	}
	defer c.clearAbort()

	if err := c.Send(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(x.timeout)
	defer timer.Stop()
	for {
		select {
		case out := <-result.done():
			return out.value, out.err
		case <-progress:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(x.timeout)
		case <-timer.C:
			terr := newError(ErrorTypeTimeout, "collect", "no fragment within %s", x.timeout)
			acc.Discard(terr)
			if result.fail(terr) {
				dc.metrics.AccumulatorDiscard(metrics.DiscardTimeout)
				dc.logger.Warn("fragmented result timed out", "request_id", c.id,
					"fragments", acc.Fragments(), "timeout", x.timeout)
			}
			out := <-result.done()
			return out.value, out.err
		case <-ctx.Done():
			cerr := contextError("collect", ctx.Err())
			acc.Discard(cerr)
			if result.fail(cerr) {
				dc.metrics.AccumulatorDiscard(metrics.DiscardCanceled)
			}
			out := <-result.done()
			return out.value, out.err
		}
	}
}
