package underlay

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/prep/socketpair"
	"github.com/sammck-go/nctransport/pkg/future"
	"github.com/sammck-go/nctransport/pkg/lifecycle"
	"github.com/sammck-go/nctransport/pkg/tlog"
)

// Implementation of the in-process "loop" underlay. Each name in a
// LoopServer's namespace may have one listening acceptor; connecting to the
// name creates a socketpair and hands one end to each side.

var (
	_ Transport = (*LoopTransport)(nil)
	_ Listening = (*loopAcceptor)(nil)
)

// LoopAddr is the net.Addr of a loop name
type LoopAddr string

// Network returns "loop"
func (a LoopAddr) Network() string {
	return "loop"
}

func (a LoopAddr) String() string {
	return string(a)
}

// LoopServer maintains a namespace of loop names with waiting acceptors.
type LoopServer struct {
	tlog.Logger
	lock    sync.Mutex
	entries map[string]*loopAcceptor
}

// NewLoopServer creates a new LoopServer
func NewLoopServer(logger tlog.Logger) *LoopServer {
	return &LoopServer{
		Logger:  logger.Fork("loop"),
		entries: make(map[string]*loopAcceptor),
	}
}

func (s *LoopServer) getAcceptor(name string) *loopAcceptor {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.entries[name]
}

// registerAcceptor registers the acceptor for a loop name. Only one acceptor
// can be registered with a given name at a time.
func (s *LoopServer) registerAcceptor(name string, acceptor *loopAcceptor) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.entries[name] != nil {
		return fmt.Errorf("%s: loop acceptor already registered for name: %s", s.Prefix(), name)
	}
	s.entries[name] = acceptor
	return nil
}

// unregisterAcceptor has no effect if acceptor is not the current acceptor for name.
func (s *LoopServer) unregisterAcceptor(name string, acceptor *loopAcceptor) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	remove := s.entries[name] == acceptor
	if remove {
		delete(s.entries, name)
	}
	return remove
}

// Transport returns the underlay for one loop name in this namespace
func (s *LoopServer) Transport(name string) *LoopTransport {
	return &LoopTransport{server: s, name: name}
}

// LoopTransport connects to, or listens on, a single loop name
type LoopTransport struct {
	server *LoopServer
	name   string
}

// Connect creates a socketpair, delivers one end to the acceptor registered
// for the name and the other to listener.
func (t *LoopTransport) Connect(ctx context.Context, listener RawChannelListener) *future.Future[*RawChannel] {
	if err := ctx.Err(); err != nil {
		return future.Failed[*RawChannel](underlayError(err))
	}
	acceptor := t.server.getAcceptor(t.name)
	if acceptor == nil || acceptor.IsStartedShutdown() {
		return future.Failed[*RawChannel](underlayError(
			t.server.DLogErrorf("nothing listening on loop name: %s", t.name)))
	}
	local, remote, err := socketpair.New("unix")
	if err != nil {
		return future.Failed[*RawChannel](underlayError(t.server.DLogErrorf("socketpair failed: %w", err)))
	}
	callee := NewRawChannel(acceptor.Logger, remote)
	acceptor.DLogf("accepted %s", callee)
	acceptor.listener.OnRawChannel(callee)

	caller := NewRawChannel(t.server.Logger, local)
	t.server.DLogf("connected %s to %s", caller, t.name)
	listener.OnRawChannel(caller)
	return future.Succeeded(caller)
}

// Listen registers an acceptor for the name. It fails if the name is taken.
func (t *LoopTransport) Listen(ctx context.Context, listener RawChannelListener) *future.Future[Listening] {
	a := &loopAcceptor{server: t.server, name: t.name, listener: listener}
	a.InitHelper(t.server.Fork("listen(%s)", t.name), a)
	if err := t.server.registerAcceptor(t.name, a); err != nil {
		a.Close()
		return future.Failed[Listening](underlayError(err))
	}
	a.ShutdownOnContext(ctx)
	return future.Succeeded[Listening](a)
}

type loopAcceptor struct {
	lifecycle.Helper
	server   *LoopServer
	name     string
	listener RawChannelListener
}

func (a *loopAcceptor) Addr() net.Addr {
	return LoopAddr(a.name)
}

func (a *loopAcceptor) Done() <-chan struct{} {
	return a.ShutdownDoneChan()
}

func (a *loopAcceptor) HandleOnceShutdown(completionErr error) error {
	a.server.unregisterAcceptor(a.name, a)
	return completionErr
}
