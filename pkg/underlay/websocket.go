package underlay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/nctransport/pkg/future"
	"github.com/sammck-go/nctransport/pkg/lifecycle"
	"github.com/sammck-go/nctransport/pkg/tlog"
)

// DefaultSubprotocol is the websocket subprotocol both sides insist on
const DefaultSubprotocol = "nctransport-v1"

var _ Transport = (*WSTransport)(nil)

// WSParams configures a WebSocket underlay
type WSParams struct {
	// URL is the ws:// or wss:// URL to connect to. http(s) schemes are rewritten.
	URL string

	// Address is the local bind address for Listen
	Address string

	// Subprotocol defaults to DefaultSubprotocol
	Subprotocol string

	// HandshakeTimeout bounds the websocket upgrade. Zero means 45 seconds.
	HandshakeTimeout time.Duration

	// HostHeader optionally overrides the Host header sent by the client
	HostHeader string
}

// WSTransport carries the overlay inside a binary websocket stream
type WSTransport struct {
	Params WSParams
	Logger tlog.Logger
}

// NewWSTransport creates a WebSocket underlay
func NewWSTransport(logger tlog.Logger, params WSParams) *WSTransport {
	if params.Subprotocol == "" {
		params.Subprotocol = DefaultSubprotocol
	}
	if params.HandshakeTimeout == 0 {
		params.HandshakeTimeout = 45 * time.Second
	}
	return &WSTransport{Params: params, Logger: logger.Fork("ws")}
}

func (t *WSTransport) url() string {
	u := t.Params.URL
	switch {
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	}
	return u
}

// Connect performs the websocket upgrade against Params.URL in the background.
func (t *WSTransport) Connect(ctx context.Context, listener RawChannelListener) *future.Future[*RawChannel] {
	f, promise := future.New[*RawChannel]()
	go func() {
		d := websocket.Dialer{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: t.Params.HandshakeTimeout,
			Subprotocols:     []string{t.Params.Subprotocol},
			Proxy:            http.ProxyFromEnvironment,
		}
		hdr := http.Header{}
		if t.Params.HostHeader != "" {
			hdr.Set("Host", t.Params.HostHeader)
		}
		u := t.url()
		t.Logger.DLogf("connecting to %s", u)
		wsConn, resp, err := d.DialContext(ctx, u, hdr)
		if err != nil {
			if resp != nil {
				err = t.Logger.Errorf("upgrade refused (%s): %w", resp.Status, err)
			}
			promise.Fail(underlayError(t.Logger.DLogErrorf("connect to %s failed: %w", u, err)))
			return
		}
		if wsConn.Subprotocol() != t.Params.Subprotocol {
			wsConn.Close()
			promise.Fail(underlayError(t.Logger.DLogErrorf("server selected subprotocol %q, expected %q",
				wsConn.Subprotocol(), t.Params.Subprotocol)))
			return
		}
		ch := NewRawChannel(t.Logger, newWebSocketConn(wsConn))
		t.Logger.DLogf("connected %s", ch)
		listener.OnRawChannel(ch)
		promise.Succeed(ch)
	}()
	return f
}

// Listen serves websocket upgrades on Params.Address. Every upgraded
// connection is delivered to listener. /health answers "OK".
func (t *WSTransport) Listen(ctx context.Context, listener RawChannelListener) *future.Future[Listening] {
	f, promise := future.New[Listening]()
	go func() {
		lc := net.ListenConfig{}
		nl, err := lc.Listen(ctx, "tcp", t.Params.Address)
		if err != nil {
			promise.Fail(underlayError(t.Logger.DLogErrorf("bind %s failed: %w", t.Params.Address, err)))
			return
		}
		s := &wsServer{
			Server:   &http.Server{},
			listener: nl,
			params:   t.Params,
			upgrader: websocket.Upgrader{
				ReadBufferSize:  1024,
				WriteBufferSize: 1024,
				Subprotocols:    []string{t.Params.Subprotocol},
				CheckOrigin:     func(r *http.Request) bool { return true },
			},
			rawListener: listener,
		}
		s.InitHelper(t.Logger.Fork("listen(%s)", nl.Addr()), s)
		var h http.Handler = http.HandlerFunc(s.handleHTTP)
		if s.GetLogLevel() >= tlog.LogLevelDebug {
			h = requestlog.Wrap(h)
		}
		s.Handler = h
		s.ShutdownOnContext(ctx)
		s.ShutdownWG().Add(1)
		go func() {
			defer s.ShutdownWG().Done()
			err := s.Serve(nl)
			if errors.Is(err, http.ErrServerClosed) || s.IsStartedShutdown() {
				return
			}
			s.StartShutdown(underlayError(err))
		}()
		s.ILogf("listening")
		promise.Succeed(s)
	}()
	return f
}

// wsServer extends net/http Server with graceful shutdown
type wsServer struct {
	lifecycle.Helper
	*http.Server
	listener    net.Listener
	params      WSParams
	upgrader    websocket.Upgrader
	rawListener RawChannelListener
}

func (s *wsServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *wsServer) Done() <-chan struct{} {
	return s.ShutdownDoneChan()
}

func (s *wsServer) Close() error {
	return s.Helper.Close()
}

// HandleOnceShutdown stops the HTTP server. Upgraded connections are hijacked
// and belong to their RawChannels, so they survive.
func (s *wsServer) HandleOnceShutdown(completionErr error) error {
	err := s.Server.Close()
	if err != nil {
		s.DLogf("close of http server failed, ignoring: %s", err)
	}
	return completionErr
}

func (s *wsServer) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.ToLower(r.Header.Get("Upgrade")) == "websocket" {
		protocol := r.Header.Get("Sec-WebSocket-Protocol")
		if protocol != s.params.Subprotocol {
			s.ILogf("client connection using unsupported websocket protocol '%s', expected '%s'",
				protocol, s.params.Subprotocol)
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		wsConn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.DLogf("failed to upgrade to websocket: %s", err)
			return
		}
		ch := NewRawChannel(s.Logger, newWebSocketConn(wsConn))
		s.DLogf("accepted %s", ch)
		s.rawListener.OnRawChannel(ch)
		return
	}
	if r.URL.Path == "/health" {
		w.Write([]byte("OK\n"))
		return
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

// webSocketConn presents a websocket as a net.Conn byte stream. Every Write
// becomes one binary message; reads drain messages in order.
type webSocketConn struct {
	*websocket.Conn
	readLock  sync.Mutex
	writeLock sync.Mutex
	reader    io.Reader
}

func newWebSocketConn(ws *websocket.Conn) net.Conn {
	return &webSocketConn{Conn: ws}
}

func (c *webSocketConn) Read(p []byte) (int, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()
	for {
		if c.reader == nil {
			_, r, err := c.Conn.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *webSocketConn) Write(p []byte) (int, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *webSocketConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}
