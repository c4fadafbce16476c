package halcmd

import "sync"

// promise is a single-use result slot. The first resolve wins; later calls
// are ignored. Every blocking exchange owns its own promise, so a signal can
// never wake an unrelated waiter.
type promise[T any] struct {
	ch   chan outcome[T]
	once sync.Once
}

type outcome[T any] struct {
	value T
	err   error
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{ch: make(chan outcome[T], 1)}
}

// resolve stores the outcome and reports whether this call was the one that
// settled the promise.
func (p *promise[T]) resolve(value T, err error) bool {
	settled := false
	p.once.Do(func() {
		p.ch <- outcome[T]{value: value, err: err}
		settled = true
	})
	return settled
}

func (p *promise[T]) fail(err error) bool {
	var zero T
	return p.resolve(zero, err)
}

// done returns the channel the single outcome is delivered on.
func (p *promise[T]) done() <-chan outcome[T] {
	return p.ch
}
