// Package future provides the single-assignment completion handle used by
// every asynchronous operation of the transport stack.
//
// A Future is the read side and a Promise the write side of the same result.
// The result is assigned exactly once: the first Succeed or Fail wins and any
// later attempt reports false without changing the outcome. Completion is
// observable through Done (a channel closed on completion), Get (blocking,
// bounded by a context) and OnComplete (callback, run exactly once).
package future

import (
	"context"
	"sync"
)

// Future is the read side of a single-assignment asynchronous result.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

// Promise is the write side of a Future.
type Promise[T any] struct {
	f *Future[T]
}

// New creates an unresolved Future and the Promise that resolves it.
func New[T any]() (*Future[T], *Promise[T]) {
	f := &Future[T]{done: make(chan struct{})}
	return f, &Promise[T]{f: f}
}

// Succeeded returns a Future already resolved with v.
func Succeeded[T any](v T) *Future[T] {
	f, p := New[T]()
	p.Succeed(v)
	return f
}

// Failed returns a Future already failed with err.
func Failed[T any](err error) *Future[T] {
	f, p := New[T]()
	p.Fail(err)
	return f
}

// Future returns the Future resolved by this Promise.
func (p *Promise[T]) Future() *Future[T] {
	return p.f
}

// Succeed resolves the Future with v. Returns false if it was already resolved.
func (p *Promise[T]) Succeed(v T) bool {
	return p.f.complete(v, nil)
}

// Fail resolves the Future with err. A nil err is a programming error and panics.
// Returns false if the Future was already resolved.
func (p *Promise[T]) Fail(err error) bool {
	if err == nil {
		panic("future: Fail called with nil error")
	}
	var zero T
	return p.f.complete(zero, err)
}

// IsDone reports whether the Future has been resolved.
func (p *Promise[T]) IsDone() bool {
	return p.f.IsDone()
}

func (f *Future[T]) complete(v T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// Done returns a channel that is closed once the Future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the Future has been resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking. ok is false while unresolved.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.completed
}

// Get blocks until the Future is resolved or ctx is done. Abandoning a Get
// does not cancel the underlying operation.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, err, _ := f.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers fn to run exactly once with the outcome. If the Future
// is already resolved fn runs synchronously on the calling goroutine,
// otherwise on the goroutine that resolves it.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}

// Then chains a continuation onto f. If f fails, the returned Future fails
// with the same error and fn is never called. Otherwise the returned Future
// follows the Future produced by fn.
func Then[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out, p := New[U]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			p.Fail(err)
			return
		}
		Forward(fn(v), p)
	})
	return out
}

// Map transforms a successful result of f. Failures pass through untouched.
func Map[T, U any](f *Future[T], fn func(T) U) *Future[U] {
	return Then(f, func(v T) *Future[U] { return Succeeded(fn(v)) })
}

// Forward resolves p with the outcome of f once f completes.
func Forward[T any](f *Future[T], p *Promise[T]) {
	f.OnComplete(func(v T, err error) {
		if err != nil {
			p.Fail(err)
			return
		}
		p.Succeed(v)
	})
}
