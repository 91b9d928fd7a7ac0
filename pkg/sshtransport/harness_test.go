package sshtransport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sammck-go/nctransport/pkg/credentials"
	"github.com/sammck-go/nctransport/pkg/future"
	"github.com/sammck-go/nctransport/pkg/tlog"
	"github.com/sammck-go/nctransport/pkg/transport"
	"github.com/sammck-go/nctransport/pkg/underlay"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const testTimeout = 10 * time.Second

// recordingListener collects session outcomes
type recordingListener struct {
	established chan transport.TransportChannel
	failed      chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		established: make(chan transport.TransportChannel, 16),
		failed:      make(chan error, 16),
	}
}

func (l *recordingListener) OnTransportChannelEstablished(ch transport.TransportChannel) {
	l.established <- ch
}

func (l *recordingListener) OnTransportChannelFailed(err error) {
	l.failed <- err
}

func (l *recordingListener) nextEstablished(t *testing.T) *ReadyChannel {
	t.Helper()
	select {
	case ch := <-l.established:
		rc, ok := ch.(*ReadyChannel)
		require.True(t, ok)
		t.Cleanup(func() { rc.Close() })
		return rc
	case err := <-l.failed:
		t.Fatalf("expected an established channel, got failure: %s", err)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for an established channel")
	}
	return nil
}

func (l *recordingListener) nextFailed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-l.failed:
		return err
	case ch := <-l.established:
		ch.Close()
		t.Fatal("expected a failure, got an established channel")
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a failure")
	}
	return nil
}

// stateRecorder records the transitions of every session
type stateRecorder struct {
	mu     sync.Mutex
	states map[SessionID][]State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{states: map[SessionID][]State{}}
}

func (r *stateRecorder) observe(id SessionID, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[id] = append(r.states[id], s)
}

func (r *stateRecorder) get(id SessionID) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states[id]...)
}

// only returns the transitions of the single recorded session
func (r *stateRecorder) only(t *testing.T) []State {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.states, 1)
	for _, s := range r.states {
		return append([]State(nil), s...)
	}
	return nil
}

// requireMilestonePrefix checks that states is a prefix of the successful
// sequence, optionally ending in a single Failed
func requireMilestonePrefix(t *testing.T, states []State) {
	t.Helper()
	expect := StateKeyExchange
	for i, s := range states {
		if s == StateFailed {
			require.Equal(t, len(states)-1, i, "Failed must be last: %v", states)
			return
		}
		require.Equal(t, expect, s, "out of order: %v", states)
		expect++
	}
}

// captureTransport records the raw channels an underlay produces
type captureTransport struct {
	underlay.Transport
	raws chan *underlay.RawChannel
}

func newCaptureTransport(t underlay.Transport) *captureTransport {
	return &captureTransport{Transport: t, raws: make(chan *underlay.RawChannel, 4)}
}

func (c *captureTransport) Connect(ctx context.Context, l underlay.RawChannelListener) *future.Future[*underlay.RawChannel] {
	return c.Transport.Connect(ctx, underlay.RawChannelListenerFunc(func(raw *underlay.RawChannel) {
		c.raws <- raw
		l.OnRawChannel(raw)
	}))
}

// countingTransport counts calls and never produces a channel
type countingTransport struct {
	mu       sync.Mutex
	connects int
	listens  int
}

func (c *countingTransport) Connect(context.Context, underlay.RawChannelListener) *future.Future[*underlay.RawChannel] {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
	return future.Failed[*underlay.RawChannel](transport.ErrUnderlay)
}

func (c *countingTransport) Listen(context.Context, underlay.RawChannelListener) *future.Future[underlay.Listening] {
	c.mu.Lock()
	c.listens++
	c.mu.Unlock()
	return future.Failed[underlay.Listening](transport.ErrUnderlay)
}

// silentPeer accepts raw channels on a loop name and never speaks
func silentPeer(t *testing.T, ctx context.Context, loop *underlay.LoopServer, name string) {
	t.Helper()
	var mu sync.Mutex
	var held []*underlay.RawChannel
	l, err := loop.Transport(name).Listen(ctx, underlay.RawChannelListenerFunc(func(raw *underlay.RawChannel) {
		mu.Lock()
		held = append(held, raw)
		mu.Unlock()
	})).Get(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, raw := range held {
			raw.Close()
		}
	})
}

type fixture struct {
	ctx      context.Context
	logger   tlog.Logger
	loop     *underlay.LoopServer
	hostKey  ssh.Signer
	users    *credentials.Index
	serverL  *recordingListener
	clientL  *recordingListener
	observer *stateRecorder
}

func newFixture(t *testing.T) *fixture {
	ctx, cancel := context.WithTimeout(context.Background(), 2*testTimeout)
	t.Cleanup(cancel)
	logger := tlog.Discard("test")
	hostKey, err := NewSigner("test-host-key")
	require.NoError(t, err)
	users := credentials.NewIndex(logger)
	t.Cleanup(func() { users.Close() })
	u, err := credentials.NewUser("admin", "secret", "^mgmt$")
	require.NoError(t, err)
	users.AddUser(u)
	return &fixture{
		ctx:      ctx,
		logger:   logger,
		loop:     underlay.NewLoopServer(logger),
		hostKey:  hostKey,
		users:    users,
		serverL:  newRecordingListener(),
		clientL:  newRecordingListener(),
		observer: newStateRecorder(),
	}
}

func (f *fixture) serverConfig() ServerConfig {
	return ServerConfig{
		Config:   Config{Subsystem: "mgmt", HandshakeTimeout: testTimeout},
		HostKeys: []ssh.Signer{f.hostKey},
		Users:    f.users,
	}
}

func (f *fixture) clientConfig() ClientConfig {
	return ClientConfig{
		Config: Config{
			Subsystem:        "mgmt",
			HandshakeTimeout: testTimeout,
			Trust:            FingerprintPolicy(FingerprintKey(f.hostKey.PublicKey())),
			StateObserver:    f.observer.observe,
		},
		Identity: Identity{Username: "admin", Password: "secret"},
	}
}

func (f *fixture) newServer(t *testing.T, cfg ServerConfig, opts ...Option) *SSHServer {
	t.Helper()
	opts = append([]Option{WithLogger(f.logger)}, opts...)
	s, err := NewServer(cfg, f.serverL, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func (f *fixture) newClient(t *testing.T, cfg ClientConfig, opts ...Option) *SSHClient {
	t.Helper()
	opts = append([]Option{WithLogger(f.logger)}, opts...)
	c, err := NewClient(cfg, f.clientL, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// listenServer starts a server listening on the loop name
func (f *fixture) listenServer(t *testing.T, name string, cfg ServerConfig, opts ...Option) *SSHServer {
	t.Helper()
	s := f.newServer(t, cfg, opts...)
	_, err := s.Listen(f.ctx, f.loop.Transport(name)).Get(f.ctx)
	require.NoError(t, err)
	return s
}
