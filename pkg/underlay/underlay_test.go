package underlay

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/nctransport/pkg/tlog"
	"github.com/sammck-go/nctransport/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers raw channels delivered to a listener
type collector chan *RawChannel

func (c collector) OnRawChannel(ch *RawChannel) {
	c <- ch
}

func (c collector) next(t *testing.T) *RawChannel {
	t.Helper()
	select {
	case ch := <-c:
		return ch
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for raw channel")
		return nil
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func echoOnce(t *testing.T, a, b net.Conn) {
	t.Helper()
	_, err := a.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestTCPConnectAndListen(t *testing.T) {
	ctx := testContext(t)
	logger := tlog.Discard("test")

	accepted := make(collector, 1)
	server := NewTCPTransport(logger, TCPParams{Address: "127.0.0.1:0"})
	l, err := server.Listen(ctx, accepted).Get(ctx)
	require.NoError(t, err)
	defer l.Close()

	connected := make(collector, 1)
	client := NewTCPTransport(logger, TCPParams{Address: l.Addr().String(), ConnectTimeout: time.Second})
	ch, err := client.Connect(ctx, connected).Get(ctx)
	require.NoError(t, err)
	defer ch.Close()

	assert.Same(t, ch, connected.next(t), "listener sees the channel the future resolves with")
	peer := accepted.next(t)
	defer peer.Close()

	echoOnce(t, ch, peer)
	assert.EqualValues(t, 4, ch.NumBytesWritten())
	assert.EqualValues(t, 4, peer.NumBytesRead())

	require.NoError(t, ch.Close())
	select {
	case <-ch.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestTCPConnectRefusedIsUnderlayError(t *testing.T) {
	ctx := testContext(t)
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := nl.Addr().String()
	nl.Close()

	connected := make(collector, 1)
	client := NewTCPTransport(tlog.Discard("test"), TCPParams{Address: addr})
	_, err = client.Connect(ctx, connected).Get(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrUnderlay)
	assert.Empty(t, connected)
}

func TestTCPListenStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := NewTCPTransport(tlog.Discard("test"), TCPParams{Address: "127.0.0.1:0"})
	l, err := server.Listen(ctx, make(collector, 1)).Get(testContext(t))
	require.NoError(t, err)

	cancel()
	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
	_, err = net.Dial("tcp", l.Addr().String())
	assert.Error(t, err)
}

func TestLoopConnect(t *testing.T) {
	ctx := testContext(t)
	s := NewLoopServer(tlog.Discard("test"))

	_, err := s.Transport("mgmt").Connect(ctx, make(collector, 1)).Get(ctx)
	assert.ErrorIs(t, err, transport.ErrUnderlay, "nothing listening yet")

	accepted := make(collector, 1)
	l, err := s.Transport("mgmt").Listen(ctx, accepted).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "loop", l.Addr().Network())

	_, err = s.Transport("mgmt").Listen(ctx, make(collector, 1)).Get(ctx)
	assert.ErrorIs(t, err, transport.ErrUnderlay, "name already taken")

	connected := make(collector, 1)
	ch, err := s.Transport("mgmt").Connect(ctx, connected).Get(ctx)
	require.NoError(t, err)
	defer ch.Close()
	assert.Same(t, ch, connected.next(t))
	peer := accepted.next(t)
	defer peer.Close()
	echoOnce(t, peer, ch)

	require.NoError(t, l.Close())
	_, err = s.Transport("mgmt").Connect(ctx, make(collector, 1)).Get(ctx)
	assert.ErrorIs(t, err, transport.ErrUnderlay)
}

func TestWebSocketConnectAndListen(t *testing.T) {
	ctx := testContext(t)
	logger := tlog.Discard("test")

	accepted := make(collector, 1)
	server := NewWSTransport(logger, WSParams{Address: "127.0.0.1:0"})
	l, err := server.Listen(ctx, accepted).Get(ctx)
	require.NoError(t, err)
	defer l.Close()

	resp, err := http.Get("http://" + l.Addr().String() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK\n", string(body))

	connected := make(collector, 1)
	client := NewWSTransport(logger, WSParams{URL: "http://" + l.Addr().String() + "/"})
	ch, err := client.Connect(ctx, connected).Get(ctx)
	require.NoError(t, err)
	defer ch.Close()
	connected.next(t)
	peer := accepted.next(t)
	defer peer.Close()

	echoOnce(t, ch, peer)
	echoOnce(t, peer, ch)

	ch.Close()
	buf := make([]byte, 1)
	_, err = peer.Read(buf)
	assert.Error(t, err)
}

func TestWebSocketSubprotocolMismatch(t *testing.T) {
	ctx := testContext(t)
	logger := tlog.Discard("test")

	accepted := make(collector, 1)
	l, err := NewWSTransport(logger, WSParams{Address: "127.0.0.1:0"}).Listen(ctx, accepted).Get(ctx)
	require.NoError(t, err)
	defer l.Close()

	client := NewWSTransport(logger, WSParams{URL: "ws://" + l.Addr().String() + "/", Subprotocol: "other-v9"})
	_, err = client.Connect(ctx, make(collector, 1)).Get(ctx)
	assert.ErrorIs(t, err, transport.ErrUnderlay)
	assert.Empty(t, accepted)
}

func TestUnixConnectAndListen(t *testing.T) {
	ctx := testContext(t)
	logger := tlog.Discard("test")
	path := filepath.Join(t.TempDir(), "nc.sock")

	accepted := make(collector, 1)
	l, err := NewUnixTransport(logger, path).Listen(ctx, accepted).Get(ctx)
	require.NoError(t, err)
	assert.FileExists(t, path+".lock")

	_, err = NewUnixTransport(logger, path).Listen(ctx, make(collector, 1)).Get(ctx)
	assert.ErrorIs(t, err, transport.ErrUnderlay, "socket is locked by the first listener")

	connected := make(collector, 1)
	ch, err := NewUnixTransport(logger, path).Connect(ctx, connected).Get(ctx)
	require.NoError(t, err)
	defer ch.Close()
	assert.Same(t, ch, connected.next(t))
	peer := accepted.next(t)
	defer peer.Close()
	echoOnce(t, ch, peer)

	require.NoError(t, l.Close())
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".lock")
}

func TestUnixListenReplacesOrphanedSocket(t *testing.T) {
	ctx := testContext(t)
	path := filepath.Join(t.TempDir(), "nc.sock")

	// A socket file with no lock holder, as left by a killed process
	orphan, err := net.Listen("unix", path)
	require.NoError(t, err)
	orphan.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, orphan.Close())
	require.FileExists(t, path)

	l, err := NewUnixTransport(tlog.Discard("test"), path).Listen(ctx, make(collector, 1)).Get(ctx)
	require.NoError(t, err)
	defer l.Close()

	_, err = NewUnixTransport(tlog.Discard("test"), path).Connect(ctx, make(collector, 1)).Get(ctx)
	assert.NoError(t, err)
}

func TestUnixListenRefusesRegularFile(t *testing.T) {
	ctx := testContext(t)
	path := filepath.Join(t.TempDir(), "nc.sock")
	require.NoError(t, os.WriteFile(path, []byte("not a socket"), 0600))

	_, err := NewUnixTransport(tlog.Discard("test"), path).Listen(ctx, make(collector, 1)).Get(ctx)
	assert.ErrorIs(t, err, transport.ErrUnderlay)
	assert.FileExists(t, path)
}
