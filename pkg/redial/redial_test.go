package redial

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sammck-go/nctransport/pkg/credentials"
	"github.com/sammck-go/nctransport/pkg/sshtransport"
	"github.com/sammck-go/nctransport/pkg/tlog"
	"github.com/sammck-go/nctransport/pkg/transport"
	"github.com/sammck-go/nctransport/pkg/underlay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type env struct {
	ctx    context.Context
	logger tlog.Logger
	loop   *underlay.LoopServer
	host   ssh.Signer
}

func newEnv(t *testing.T) *env {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	logger := tlog.Discard("test")
	host, err := sshtransport.NewSigner("redial-host")
	require.NoError(t, err)
	e := &env{ctx: ctx, logger: logger, loop: underlay.NewLoopServer(logger), host: host}

	users := credentials.NewIndex(logger)
	t.Cleanup(func() { users.Close() })
	u, err := credentials.NewUser("admin", "secret")
	require.NoError(t, err)
	users.AddUser(u)

	server, err := sshtransport.NewServer(sshtransport.ServerConfig{
		Config:   sshtransport.Config{Subsystem: "mgmt"},
		HostKeys: []ssh.Signer{host},
		Users:    users,
	}, transport.ListenerFuncs{}, sshtransport.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	_, err = server.Listen(ctx, e.loop.Transport("mgmt")).Get(ctx)
	require.NoError(t, err)
	return e
}

func (e *env) client(t *testing.T, password string) *sshtransport.SSHClient {
	c, err := sshtransport.NewClient(sshtransport.ClientConfig{
		Config: sshtransport.Config{
			Subsystem: "mgmt",
			Trust:     sshtransport.FingerprintPolicy(sshtransport.FingerprintKey(e.host.PublicKey())),
		},
		Identity: sshtransport.Identity{Username: "admin", Password: password},
	}, transport.ListenerFuncs{}, sshtransport.WithLogger(e.logger))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLoopRedialsAfterDisconnect(t *testing.T) {
	e := newEnv(t)
	var connections int32
	loop := New(e.logger, e.client(t, "secret"), e.loop.Transport("mgmt"), Config{MaxRetryCount: -1},
		func(rc *sshtransport.ReadyChannel) {
			atomic.AddInt32(&connections, 1)
			rc.Close()
		})

	done := make(chan error, 1)
	go func() { done <- loop.Run(e.ctx) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&connections) >= 3 },
		10*time.Second, 10*time.Millisecond)

	require.NoError(t, loop.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestLoopGivesUpOnAuthenticationFailure(t *testing.T) {
	e := newEnv(t)
	var connections int32
	loop := New(e.logger, e.client(t, "wrong"), e.loop.Transport("mgmt"), Config{MaxRetryCount: -1},
		func(*sshtransport.ReadyChannel) { atomic.AddInt32(&connections, 1) })

	err := loop.Run(e.ctx)
	assert.ErrorIs(t, err, transport.ErrAuthentication)
	assert.Zero(t, atomic.LoadInt32(&connections))
}

func TestLoopStopsAfterMaxRetries(t *testing.T) {
	e := newEnv(t)
	loop := New(e.logger, e.client(t, "secret"), e.loop.Transport("nobody"), Config{
		MaxRetryCount:    2,
		MinRetryInterval: time.Millisecond,
	}, nil)

	err := loop.Run(e.ctx)
	assert.ErrorIs(t, err, transport.ErrUnderlay)
	assert.ErrorContains(t, err, "giving up after 3 attempts")
}

func TestLoopOnce(t *testing.T) {
	e := newEnv(t)
	var connections int32
	loop := New(e.logger, e.client(t, "secret"), e.loop.Transport("mgmt"), Config{MaxRetryCount: -1, Once: true},
		func(rc *sshtransport.ReadyChannel) {
			atomic.AddInt32(&connections, 1)
			rc.Close()
		})

	assert.NoError(t, loop.Run(e.ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&connections))
}

func TestLoopStopsOnContext(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(e.ctx)
	loop := New(e.logger, e.client(t, "secret"), e.loop.Transport("mgmt"), Config{MaxRetryCount: -1}, nil)

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
