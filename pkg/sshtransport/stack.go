// Package sshtransport runs an SSH overlay on raw underlay channels and
// delivers authenticated, subsystem-opened ReadyChannels.
//
// An SSHClient or SSHServer is a transport stack: Connect or Listen on an
// underlay.Transport, and every raw channel the underlay produces becomes a
// session that is driven through
//
//	UnderlayReady -> KeyExchange -> PeerVerified -> Authenticating ->
//	Authenticated -> ChannelOpening -> Established
//
// or into Failed. Each session ends exactly once: its ReadyChannel is handed
// to the stack's TransportChannelListener, or the listener is told why it
// failed. Sessions run concurrently, each in its own goroutine.
package sshtransport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sammck-go/nctransport/pkg/future"
	"github.com/sammck-go/nctransport/pkg/lifecycle"
	"github.com/sammck-go/nctransport/pkg/pipeline"
	"github.com/sammck-go/nctransport/pkg/tlog"
	"github.com/sammck-go/nctransport/pkg/transport"
	"github.com/sammck-go/nctransport/pkg/underlay"
	"golang.org/x/crypto/ssh"
)

// TransportStack is the capability set shared by SSHClient and SSHServer
type TransportStack interface {
	Connect(ctx context.Context, t underlay.Transport) *future.Future[*ReadyChannel]
	Listen(ctx context.Context, t underlay.Transport) *future.Future[underlay.Listening]
	Close() error
}

// negotiator supplies the role-specific parts of a session
type negotiator interface {
	role() string

	// handshake runs key exchange and user authentication on the session's
	// raw channel, calling stack.onPeerVerified from its trust check.
	handshake(s *session) (*sshConn, error)

	// isAuthFailure reports whether a handshake error was a rejected credential
	isAuthFailure(err error) bool

	// openSubsystem opens (client) or accepts (server) the subsystem channel
	openSubsystem(s *session, sc *sshConn) (ssh.Channel, <-chan *ssh.Request, error)
}

// Option customizes a stack
type Option func(*options)

type options struct {
	logger      tlog.Logger
	initializer pipeline.ChannelInitializer
	metrics     *Metrics
}

// WithLogger sets the parent logger of the stack
func WithLogger(logger tlog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithInitializer installs a pipeline initializer that every ReadyChannel
// passes through before it is handed off. An initializer error fails the session.
func WithInitializer(init pipeline.ChannelInitializer) Option {
	return func(o *options) {
		o.initializer = init
	}
}

// WithMetrics records session metrics
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// stack is the transport stack facade common to client and server
type stack struct {
	lifecycle.Helper
	cfg         *Config
	neg         negotiator
	listener    transport.TransportChannelListener
	registry    *registry
	initializer pipeline.ChannelInitializer
	metrics     *Metrics

	mu     sync.Mutex
	closed bool
}

func (st *stack) init(name string, cfg *Config, neg negotiator, listener transport.TransportChannelListener, opts []Option) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = tlog.NewLogger("", tlog.LogLevelInfo)
	}
	if cfg.Trust == nil {
		cfg.Trust = AllowAll
	}
	st.cfg = cfg
	st.neg = neg
	st.listener = listener
	st.registry = newRegistry()
	st.initializer = o.initializer
	st.metrics = o.metrics
	st.InitHelper(o.logger.Fork("%s", name), st)
}

func closedError() error {
	return transport.NewError(transport.KindUnderlay, 0, ErrStackClosed)
}

// Connect asks the underlay for a raw channel and negotiates a session on
// it. The returned handle fails with the underlay's own error if no raw
// channel is produced, or with the typed negotiation error if the session
// fails. ctx bounds the connect and the negotiation, not the ReadyChannel.
func (st *stack) Connect(ctx context.Context, t underlay.Transport) *future.Future[*ReadyChannel] {
	if st.IsStartedShutdown() {
		return future.Failed[*ReadyChannel](closedError())
	}
	f, promise := future.New[*ReadyChannel]()
	rf := t.Connect(ctx, underlay.RawChannelListenerFunc(func(raw *underlay.RawChannel) {
		go st.runSession(ctx, raw, promise)
	}))
	return future.Then(rf, func(*underlay.RawChannel) *future.Future[*ReadyChannel] {
		return f
	})
}

// Listen starts accepting raw channels from the underlay; each one becomes a
// session whose outcome goes to the stack's listener. ctx bounds the
// lifetime of the listener.
func (st *stack) Listen(ctx context.Context, t underlay.Transport) *future.Future[underlay.Listening] {
	if st.IsStartedShutdown() {
		return future.Failed[underlay.Listening](closedError())
	}
	lf := t.Listen(ctx, underlay.RawChannelListenerFunc(func(raw *underlay.RawChannel) {
		_, promise := future.New[*ReadyChannel]()
		go st.runSession(context.Background(), raw, promise)
	}))
	return future.Map(lf, func(l underlay.Listening) underlay.Listening {
		st.trackListening(l)
		return l
	})
}

// trackListening makes l a shutdown child of the stack, so it stops when
// the stack closes. A listener that arrives after close is stopped at once.
func (st *stack) trackListening(l underlay.Listening) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		l.StartShutdown(closedError())
		return
	}
	st.AddShutdownChild(l)
}

// NumSessions returns the number of sessions still negotiating
func (st *stack) NumSessions() int {
	return st.registry.len()
}

// HandleOnceShutdown fails every session still negotiating. Listeners are
// shutdown children and stop once it returns.
func (st *stack) HandleOnceShutdown(completionErr error) error {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()

	for _, s := range st.registry.closeAll() {
		st.finishFailed(s, transport.NewError(transport.KindUnderlay, uint64(s.id), s.Errorf("%w", ErrStackClosed)))
	}
	return completionErr
}

// runSession drives one raw channel to a terminal outcome
func (st *stack) runSession(ctx context.Context, raw *underlay.RawChannel, promise *future.Promise[*ReadyChannel]) {
	s := newSession(st.Logger, raw, promise, st.cfg.StateObserver)
	st.metrics.sessionStarted(st.neg.role())
	if err := st.registry.put(s.id, s); err != nil {
		kind := transport.KindInternal
		if errors.Is(err, ErrStackClosed) {
			kind = transport.KindUnderlay
		}
		st.finishFailed(s, transport.NewError(kind, uint64(s.id), s.Errorf("%w", err)))
		return
	}
	s.DLogf("negotiating on %s", raw)
	if !s.watch(ctx, st.cfg.handshakeTimeout()) {
		return
	}
	if err := st.advance(s, StateKeyExchange); err != nil {
		return
	}
	sc, err := st.neg.handshake(s)
	st.onAuthComplete(s, sc, err)
}

// advance moves a registered session forward. A session that has left the
// registry is not advanced; an invalid transition fails it.
func (st *stack) advance(s *session, to State) error {
	cur, ok := st.registry.get(s.id)
	if !ok {
		return s.Errorf("session no longer registered")
	}
	if err := cur.advance(to); err != nil {
		err = transport.NewError(transport.KindInternal, uint64(s.id), s.Errorf("%w", err))
		st.failSession(s.id, err)
		return err
	}
	return nil
}

// onPeerVerified is the trust check of the key exchange. It may be called
// again on rekey or on every auth attempt; only the first call moves the session.
func (st *stack) onPeerVerified(s *session, peer PeerIdentity) error {
	if done, err := s.verified(peer); done {
		return err
	}
	if err := st.cfg.Trust.VerifyPeer(peer); err != nil {
		s.setVerifyErr(err)
		return s.DLogErrorf("peer rejected: %w", err)
	}
	if peer.Key != nil {
		s.ILogf("fingerprint %s", FingerprintKey(peer.Key))
	}
	s.setPeer(peer)
	if err := st.advance(s, StatePeerVerified); err != nil {
		return err
	}
	return st.onKeyEstablished(s)
}

// onKeyEstablished starts user authentication
func (st *stack) onKeyEstablished(s *session) error {
	s.DLogf("key established, authenticating")
	return st.advance(s, StateAuthenticating)
}

// onAuthComplete records the result of the handshake
func (st *stack) onAuthComplete(s *session, sc *sshConn, err error) {
	if err != nil {
		kind := transport.KindUnderlay
		if s.State() == StateAuthenticating && st.neg.isAuthFailure(err) {
			kind = transport.KindAuthentication
		}
		st.failSession(s.id, s.failure(kind, err))
		return
	}
	if err := st.advance(s, StateAuthenticated); err != nil {
		sc.conn.Close()
		return
	}
	s.DLogf("authenticated as %s (%s)", sc.conn.User(), sc.conn.RemoteAddr())
	st.onAuthenticated(s.id, sc, s)
}

// onAuthenticated re-fetches the session by id and opens its subsystem channel.
// orphan is the session as the caller last saw it; it is only used to
// release resources if the registry no longer knows the id. An orphan that
// was already failed elsewhere (stack close) keeps that outcome.
func (st *stack) onAuthenticated(id SessionID, sc *sshConn, orphan *session) {
	s, ok := st.registry.get(id)
	if !ok || s != orphan {
		sc.conn.Close()
		st.finishFailed(orphan, transport.NewError(transport.KindInternal, uint64(id),
			orphan.Errorf("session vanished between authentication and channel open")))
		return
	}
	if s.user == "" {
		s.user = sc.conn.User()
	}
	if err := st.advance(s, StateChannelOpening); err != nil {
		sc.conn.Close()
		return
	}
	ch, reqs, err := st.neg.openSubsystem(s, sc)
	if err != nil {
		sc.conn.Close()
		st.failSession(id, s.failure(transport.KindChannelOpen, err))
		return
	}
	st.onChannelOpen(s, sc.conn, ch, reqs)
}

// onChannelOpen hands the ReadyChannel off, unless the session failed meanwhile
func (st *stack) onChannelOpen(s *session, conn ssh.Conn, ch ssh.Channel, reqs <-chan *ssh.Request) {
	rc := newReadyChannel(st, s, conn, ch)
	go rc.watchRequests(reqs)
	go rc.watchConn()

	if !s.endWatch() {
		rc.Close()
		st.failSession(s.id, s.failure(transport.KindUnderlay, context.Canceled))
		return
	}
	if st.initializer != nil {
		if err := st.initializer.InitChannel(rc); err != nil {
			rc.Close()
			st.failSession(s.id, s.failure(transport.KindChannelOpen, err))
			return
		}
	}
	handedOff := st.registry.completeUnderlay(s.id, func(s *session) {
		s.advance(StateEstablished)
		st.metrics.sessionEstablished(st.neg.role(), time.Since(s.started))
		s.ILogf("established %s channel %q", st.neg.role(), st.cfg.Subsystem)
		st.listener.OnTransportChannelEstablished(rc)
		s.promise.Succeed(rc)
	})
	if !handedOff {
		rc.Close()
		return
	}
	if st.cfg.KeepAlive > 0 {
		go rc.keepAliveLoop(st.cfg.KeepAlive)
	}
}

// failSession is the single failure exit of a session. Only the first call
// for an id has any effect; it returns false for the others.
func (st *stack) failSession(id SessionID, err error) bool {
	s, ok := st.registry.delete(id)
	if !ok {
		return false
	}
	st.finishFailed(s, err)
	return true
}

// finishFailed releases a session that left the registry. The move to
// Failed happens once per session; only that call reports the failure.
func (st *stack) finishFailed(s *session, err error) {
	first := s.markFailed()
	s.endWatch()
	s.raw.Close()
	if !first {
		return
	}
	s.DLogf("failed: %s", err)
	st.metrics.sessionFailed(st.neg.role(), err)
	s.promise.Fail(err)
	st.listener.OnTransportChannelFailed(err)
}
