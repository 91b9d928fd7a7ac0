// Package lifecycle provides Helper, the exactly-once asynchronous shutdown
// base embedded by every closable object in the transport stack (raw
// channels, ready channels, stacks, listeners).
package lifecycle

import (
	"context"
	"sync"

	"github.com/sammck-go/nctransport/pkg/tlog"
)

// OnceShutdownHandler is an interface that must be implemented by the object managed by Helper
type OnceShutdownHandler interface {
	// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
	// as an advisory completion value, actually shut down, then return the real completion value.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is an interface implemented by objects that provide
// asynchronous shutdown capability.
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown of the object. If the object
	// has already been scheduled for shutdown, it has no effect.
	StartShutdown(completionErr error)

	// ShutdownDoneChan returns a chan that is closed after shutdown is complete.
	ShutdownDoneChan() <-chan struct{}

	// WaitShutdown blocks until the object is completely shut down, and
	// returns the final completion status
	WaitShutdown() error
}

// Helper manages clean asynchronous object shutdown for an
// object that implements OnceShutdownHandler
type Helper struct {
	// Logger is the Logger that will be used for log output from this helper
	tlog.Logger

	// Lock is a general-purpose mutex for this helper; it may be used
	// by derived objects as well
	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	isStartedShutdown bool
	isDoneShutdown    bool

	// shutdownErr is the advisory error until the handler returns, then the final status
	shutdownErr error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	// wg is waited on before shutdown is considered complete; one count per child
	wg sync.WaitGroup
}

// InitHelper initializes a Helper in place
func (h *Helper) InitHelper(logger tlog.Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// asyncDoStartedShutdown starts background processing of shutdown *after*
// h.isStartedShutdown has already been set to true and h.shutdownErr has been set
// to the advisory completion error
func (h *Helper) asyncDoStartedShutdown() {
	h.TLogf("->shutdownStarted")
	close(h.shutdownStartedChan)
	go func() {
		err := h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		h.Lock.Lock()
		h.shutdownErr = err
		h.Lock.Unlock()
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		h.TLogf("->shutdownDone")
		close(h.shutdownDoneChan)
	}()
}

// ShutdownOnContext begins background monitoring of a context.Context, and
// will begin asynchronously shutting down this helper with the context's error
// if the context is completed. This method does not block.
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown returns true if shutdown has begun. It continues to return true after shutdown
// is complete
func (h *Helper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// IsDoneShutdown returns true if shutdown is complete.
func (h *Helper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// ShutdownWG returns a sync.WaitGroup that you can call Add() on to
// defer final completion of shutdown until the matching Done() calls are made
func (h *Helper) ShutdownWG() *sync.WaitGroup {
	return &h.wg
}

// ShutdownStartedChan returns a channel that will be closed as soon as shutdown is initiated
func (h *Helper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan returns a channel that will be closed after shutdown is done
func (h *Helper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown waits for the shutdown to complete, then returns the shutdown status
// It does not initiate shutdown.
func (h *Helper) WaitShutdown() error {
	<-h.shutdownDoneChan
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.shutdownErr
}

// Shutdown performs a synchronous shutdown. It initiates shutdown if it has
// not already started, waits for the shutdown to complete, then returns
// the final shutdown status
func (h *Helper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown of the object. Only the first
// call has any effect; its completionErr becomes the advisory status passed to
// HandleOnceShutdown.
func (h *Helper) StartShutdown(completionErr error) {
	h.Lock.Lock()
	doShutdownNow := !h.isStartedShutdown
	if doShutdownNow {
		h.shutdownErr = completionErr
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with an advisory completion status of nil, and returns the
// final completion status
func (h *Helper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild adds a child object that will be actively shut down by this
// helper after HandleOnceShutdown() returns, before this object's shutdown is
// considered complete.
func (h *Helper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			h.Lock.Lock()
			err := h.shutdownErr
			h.Lock.Unlock()
			child.StartShutdown(err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
