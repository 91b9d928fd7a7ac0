package underlay

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sammck-go/nctransport/pkg/future"
	"github.com/sammck-go/nctransport/pkg/lifecycle"
	"github.com/sammck-go/nctransport/pkg/tlog"
)

// Compile-time interface checks.
var (
	_ Transport = (*TCPTransport)(nil)
	_ Listening = (*streamListening)(nil)
)

// TCPParams configures a TCP underlay
type TCPParams struct {
	// Address is "host:port" to connect to, or the local bind address ("" or ":0" for any)
	Address string

	// ConnectTimeout bounds a connect attempt in addition to the context. Zero means no extra bound.
	ConnectTimeout time.Duration

	// KeepAlive is the TCP keep-alive period. Zero selects the system default, negative disables.
	KeepAlive time.Duration
}

// TCPTransport is the TCP underlay
type TCPTransport struct {
	Params TCPParams
	Logger tlog.Logger
}

// NewTCPTransport creates a TCP underlay
func NewTCPTransport(logger tlog.Logger, params TCPParams) *TCPTransport {
	return &TCPTransport{Params: params, Logger: logger.Fork("tcp")}
}

// Connect dials Params.Address in the background.
func (t *TCPTransport) Connect(ctx context.Context, listener RawChannelListener) *future.Future[*RawChannel] {
	f, promise := future.New[*RawChannel]()
	go func() {
		d := net.Dialer{Timeout: t.Params.ConnectTimeout, KeepAlive: t.Params.KeepAlive}
		t.Logger.DLogf("connecting to %s", t.Params.Address)
		conn, err := d.DialContext(ctx, "tcp", t.Params.Address)
		if err != nil {
			promise.Fail(underlayError(t.Logger.DLogErrorf("connect to %s failed: %w", t.Params.Address, err)))
			return
		}
		ch := NewRawChannel(t.Logger, conn)
		t.Logger.DLogf("connected %s", ch)
		listener.OnRawChannel(ch)
		promise.Succeed(ch)
	}()
	return f
}

// Listen binds Params.Address in the background and then accepts until the
// returned handle is closed or ctx is done.
func (t *TCPTransport) Listen(ctx context.Context, listener RawChannelListener) *future.Future[Listening] {
	f, promise := future.New[Listening]()
	go func() {
		lc := net.ListenConfig{KeepAlive: t.Params.KeepAlive}
		nl, err := lc.Listen(ctx, "tcp", t.Params.Address)
		if err != nil {
			promise.Fail(underlayError(t.Logger.DLogErrorf("bind %s failed: %w", t.Params.Address, err)))
			return
		}
		promise.Succeed(startListening(ctx, t.Logger, nl, listener))
	}()
	return f
}

// startListening accepts from nl until the returned handle is closed or ctx is done
func startListening(ctx context.Context, logger tlog.Logger, nl net.Listener, listener RawChannelListener) *streamListening {
	l := &streamListening{listener: nl}
	l.InitHelper(logger.Fork("listen(%s)", nl.Addr()), l)
	l.ShutdownOnContext(ctx)
	l.ShutdownWG().Add(1)
	go l.acceptLoop(listener)
	l.ILogf("listening")
	return l
}

// streamListening accepts raw channels from a stream net.Listener
type streamListening struct {
	lifecycle.Helper
	listener net.Listener
}

func (l *streamListening) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *streamListening) Done() <-chan struct{} {
	return l.ShutdownDoneChan()
}

func (l *streamListening) HandleOnceShutdown(completionErr error) error {
	err := l.listener.Close()
	if completionErr == nil && err != nil && !errors.Is(err, net.ErrClosed) {
		completionErr = err
	}
	return completionErr
}

func (l *streamListening) acceptLoop(listener RawChannelListener) {
	defer l.ShutdownWG().Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if !l.IsStartedShutdown() {
				l.ILogf("accept failed, shutting down: %s", err)
				l.StartShutdown(underlayError(err))
			}
			return
		}
		ch := NewRawChannel(l.Logger, conn)
		l.DLogf("accepted %s", ch)
		listener.OnRawChannel(ch)
	}
}
