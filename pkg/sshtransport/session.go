package sshtransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sammck-go/nctransport/pkg/future"
	"github.com/sammck-go/nctransport/pkg/tlog"
	"github.com/sammck-go/nctransport/pkg/transport"
	"github.com/sammck-go/nctransport/pkg/underlay"
	"golang.org/x/crypto/ssh"
)

// SessionID identifies one overlay negotiation. IDs are allocated from a
// process-wide counter and never reused.
type SessionID uint64

var lastSessionID uint64

// allocSessionID allocates a unique session id
func allocSessionID() SessionID {
	return SessionID(atomic.AddUint64(&lastSessionID, 1))
}

// session is one overlay negotiation on one raw channel. It owns the raw
// channel until it is either handed off inside a ReadyChannel or closed on failure.
type session struct {
	tlog.Logger
	id       SessionID
	raw      *underlay.RawChannel
	promise  *future.Promise[*ReadyChannel]
	started  time.Time
	observer func(SessionID, State)

	mu        sync.Mutex
	state     State
	peer      *PeerIdentity
	verifyErr error
	abortErr  error
	watching  bool
	stopWatch chan struct{}
	user      string
}

func newSession(logger tlog.Logger, raw *underlay.RawChannel, promise *future.Promise[*ReadyChannel], observer func(SessionID, State)) *session {
	id := allocSessionID()
	return &session{
		Logger:   logger.Fork("session#%d", id),
		id:       id,
		raw:      raw,
		promise:  promise,
		started:  time.Now(),
		observer: observer,
		state:    StateUnderlayReady,
	}
}

// State returns the current negotiation state
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance moves the session forward one state. The observer is called under
// the session lock so that it sees the transitions of a session in order.
func (s *session) advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkTransition(s.state, to); err != nil {
		return err
	}
	s.state = to
	s.TLogf("-> %s", to)
	if s.observer != nil {
		s.observer(s.id, to)
	}
	return nil
}

// markFailed moves the session to Failed. Returns false if it was already terminal.
func (s *session) markFailed() bool {
	return s.advance(StateFailed) == nil
}

// verified returns done=true if the peer has already been judged, with the
// earlier verdict. A rekey that presents a different host key is rejected.
func (s *session) verified(peer PeerIdentity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verifyErr != nil {
		return true, s.verifyErr
	}
	if s.peer == nil {
		return false, nil
	}
	if peer.Key != nil && s.peer.Key != nil && !bytes.Equal(peer.Key.Marshal(), s.peer.Key.Marshal()) {
		return true, fmt.Errorf("peer host key changed during session")
	}
	return true, nil
}

func (s *session) setPeer(peer PeerIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = &peer
}

func (s *session) setVerifyErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verifyErr == nil {
		s.verifyErr = err
	}
}

// watch aborts the session if ctx is done or timeout elapses before
// endWatch is called. It returns false, starting nothing, if the session is
// already terminal.
func (s *session) watch(ctx context.Context, timeout time.Duration) bool {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	s.watching = true
	s.stopWatch = make(chan struct{})
	stop := s.stopWatch
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	go func() {
		defer timer.Stop()
		select {
		case <-stop:
		case <-timer.C:
			s.abort(fmt.Errorf("handshake not complete after %s: %w", timeout, context.DeadlineExceeded))
		case <-ctx.Done():
			s.abort(ctx.Err())
		}
	}()
	return true
}

// endWatch stops the watch. Returns false if the session was already aborted,
// in which case its raw channel is closing.
func (s *session) endWatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watching {
		s.watching = false
		close(s.stopWatch)
	}
	return s.abortErr == nil
}

// abort closes the raw channel, forcing the handshake to fail. Closing is
// the only way to cancel a negotiation.
func (s *session) abort(err error) {
	s.mu.Lock()
	if !s.watching || s.abortErr != nil {
		s.mu.Unlock()
		return
	}
	s.abortErr = err
	s.watching = false
	s.mu.Unlock()
	s.DLogf("aborting: %s", err)
	s.raw.StartShutdown(err)
}

// failure builds the typed error for a failed session. An abort or a trust
// rejection overrides the kind observed by the caller.
func (s *session) failure(kind transport.ErrorKind, err error) error {
	s.mu.Lock()
	switch {
	case s.abortErr != nil:
		kind, err = transport.KindUnderlay, s.abortErr
	case s.verifyErr != nil:
		kind, err = transport.KindVerification, s.verifyErr
	}
	s.mu.Unlock()
	var te *transport.Error
	if errors.As(err, &te) {
		return err
	}
	return transport.NewError(kind, uint64(s.id), s.Errorf("%w", err))
}

// sshConn is an authenticated overlay connection. chans is only set when the
// subsystem acceptor still has to service incoming channels.
type sshConn struct {
	conn  ssh.Conn
	chans <-chan ssh.NewChannel
}
