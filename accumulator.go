package halcmd

import (
	"fmt"
	"sync"
)

// Default accumulator ceilings. A peer that keeps claiming more data is cut
// off once either is exceeded.
const (
	DefaultMaxFragments = 256
	DefaultMaxElements  = 64 * 1024
)

// FragmentLimits bound a single accumulation. Zero fields take the
// defaults; negative fields disable the limit.
type FragmentLimits struct {
	MaxFragments int
	MaxElements  int
}

func (l FragmentLimits) withDefaults() FragmentLimits {
	if l.MaxFragments == 0 {
		l.MaxFragments = DefaultMaxFragments
	}
	if l.MaxElements == 0 {
		l.MaxElements = DefaultMaxElements
	}
	return l
}

// AccumulatorState is the state reported by Feed.
type AccumulatorState int

const (
	InProgress AccumulatorState = iota
	Complete
	Discarded
)

// String returns the state name
func (s AccumulatorState) String() string {
	switch s {
	case InProgress:
		return "IN_PROGRESS"
	case Complete:
		return "COMPLETE"
	case Discarded:
		return "DISCARDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Progress is the result of one Feed. Items is set only when State is
// Complete.
type Progress[T any] struct {
	State     AccumulatorState
	Items     []T
	Fragments int
	Count     int
}

// Accumulator reassembles a result delivered as a sequence of batches, each
// flagged with whether more follow. Elements keep arrival order; nothing is
// deduplicated. The full collection is handed out exactly once, and never
// after an error.
type Accumulator[T any] struct {
	mu        sync.Mutex
	limits    FragmentLimits
	items     []T
	fragments int
	state     AccumulatorState
	err       error
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator[T any](limits FragmentLimits) *Accumulator[T] {
	return &Accumulator[T]{limits: limits.withDefaults()}
}

// Feed appends batch. With more set the accumulator stays in progress;
// otherwise the assembled collection is returned and the accumulator closes.
// Exceeding a limit discards everything gathered so far.
func (a *Accumulator[T]) Feed(batch []T, more bool) (Progress[T], error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != InProgress {
		return Progress[T]{State: a.state}, a.closedErr()
	}

	if max := a.limits.MaxFragments; max > 0 && a.fragments+1 > max {
		return a.discardLocked(newError(ErrorTypeTooManyFragments, "feed",
			"more than %d fragments", max))
	}
	if max := a.limits.MaxElements; max > 0 && len(a.items)+len(batch) > max {
		return a.discardLocked(newError(ErrorTypeOutOfMemory, "feed",
			"more than %d elements", max))
	}

	a.fragments++
	a.items = append(a.items, batch...)
	if more {
		return Progress[T]{State: InProgress, Fragments: a.fragments, Count: len(a.items)}, nil
	}

	items := a.items
	a.items = nil
	a.state = Complete
	return Progress[T]{State: Complete, Items: items, Fragments: a.fragments, Count: len(items)}, nil
}

// FeedRaw parses data with parse and feeds the result. A parse failure
// discards the accumulated state and returns ErrParse.
func (a *Accumulator[T]) FeedRaw(data []byte, more bool, parse func([]byte) ([]T, error)) (Progress[T], error) {
	batch, err := parse(data)
	if err != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.state != InProgress {
			return Progress[T]{State: a.state}, a.closedErr()
		}
		return a.discardLocked(wrapError(ErrorTypeParse, "feed", err))
	}
	return a.Feed(batch, more)
}

// Discard drops everything accumulated. Later feeds fail with reason, or
// with ErrAccumulatorClosed when reason is nil. Discarding a closed
// accumulator has no effect.
func (a *Accumulator[T]) Discard(reason error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != InProgress {
		return
	}
	a.discardLocked(reason)
}

func (a *Accumulator[T]) discardLocked(reason error) (Progress[T], error) {
	a.items = nil
	a.state = Discarded
	a.err = reason
	return Progress[T]{State: Discarded, Fragments: a.fragments}, reason
}

func (a *Accumulator[T]) closedErr() error {
	return &Error{
		Type:    ErrorTypeAccumulatorClosed,
		Op:      "feed",
		Message: a.state.String(),
		Err:     a.err,
	}
}

// State returns the current state.
func (a *Accumulator[T]) State() AccumulatorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Len returns the number of elements held while in progress.
func (a *Accumulator[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// Fragments returns the number of batches accepted.
func (a *Accumulator[T]) Fragments() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fragments
}

// Err returns why the accumulator was discarded, if it was.
func (a *Accumulator[T]) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
