package underlay

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/sammck-go/nctransport/pkg/future"
	"github.com/sammck-go/nctransport/pkg/tlog"
)

var _ Transport = (*UnixTransport)(nil)

// UnixTransport is the unix domain socket underlay. Listeners hold a flock on
// a ".lock" file next to the socket, so that two listeners never share a path
// while an orphaned socket file left by a dead process can still be replaced.
type UnixTransport struct {
	Path   string
	Logger tlog.Logger
}

// NewUnixTransport creates a unix domain socket underlay
func NewUnixTransport(logger tlog.Logger, path string) *UnixTransport {
	return &UnixTransport{Path: path, Logger: logger.Fork("unix")}
}

// Connect dials Path in the background
func (t *UnixTransport) Connect(ctx context.Context, listener RawChannelListener) *future.Future[*RawChannel] {
	f, promise := future.New[*RawChannel]()
	go func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", t.Path)
		if err != nil {
			promise.Fail(underlayError(t.Logger.DLogErrorf("connect to %s failed: %w", t.Path, err)))
			return
		}
		ch := NewRawChannel(t.Logger, conn)
		t.Logger.DLogf("connected %s", ch)
		listener.OnRawChannel(ch)
		promise.Succeed(ch)
	}()
	return f
}

// Listen locks and binds Path in the background, then accepts until the
// returned handle is closed or ctx is done. Closing removes the socket and
// its lock file.
func (t *UnixTransport) Listen(ctx context.Context, listener RawChannelListener) *future.Future[Listening] {
	f, promise := future.New[Listening]()
	go func() {
		nl, err := newLockedUnixListener(t.Logger, t.Path)
		if err != nil {
			promise.Fail(underlayError(err))
			return
		}
		promise.Succeed(startListening(ctx, t.Logger, nl, listener))
	}()
	return f
}

// lockedUnixListener is a unix domain socket listener that holds an exclusive
// flock on path + ".lock" for as long as it is open.
type lockedUnixListener struct {
	tlog.Logger
	lock     sync.Mutex
	path     string
	lockPath string
	lockFd   *os.File
	listener net.Listener
	closed   bool
	closeErr error
	done     chan struct{}
}

func newLockedUnixListener(logger tlog.Logger, path string) (*lockedUnixListener, error) {
	l := &lockedUnixListener{
		Logger: logger.Fork("lock(%q)", path),
		done:   make(chan struct{}),
	}
	if path == "" {
		return nil, l.Errorf("empty unix domain socket path")
	}
	abspath, err := filepath.Abs(path)
	if err != nil {
		return nil, l.Errorf("invalid unix domain socket path: %w", err)
	}
	l.path = abspath
	l.lockPath = abspath + ".lock"

	info, err := os.Stat(abspath)
	if err != nil && !os.IsNotExist(err) {
		return nil, l.Errorf("could not stat %s: %w", abspath, err)
	}
	if info != nil && info.Mode()&os.ModeSocket == 0 {
		return nil, l.Errorf("%s exists and is not a unix domain socket", abspath)
	}

	lockFd, err := os.OpenFile(l.lockPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, l.Errorf("unable to open lock file: %w", err)
	}
	if err := syscall.Flock(int(lockFd.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFd.Close()
		return nil, l.Errorf("unix domain socket in use (%s is locked): %w", l.lockPath, err)
	}
	l.lockFd = lockFd

	if info != nil {
		if err := os.Remove(abspath); err != nil {
			l.Close()
			return nil, l.Errorf("unable to remove orphaned socket: %w", err)
		}
	}
	nl, err := net.Listen("unix", abspath)
	if err != nil {
		l.Close()
		return nil, l.Errorf("listen failed: %w", err)
	}
	l.listener = nl
	l.DLogf("listening")
	return l, nil
}

// Close closes the socket, then removes and unlocks the lock file
func (l *lockedUnixListener) Close() error {
	l.lock.Lock()
	closed := l.closed
	l.closed = true
	l.lock.Unlock()
	if closed {
		<-l.done
		return l.closeErr
	}

	var closeErr, unlockErr error
	if l.listener != nil {
		os.Remove(l.path)
		closeErr = l.listener.Close()
	}
	if l.lockFd != nil {
		// The lock file goes first so another listener can claim it as soon as we unlock
		os.Remove(l.lockPath)
		if err := syscall.Flock(int(l.lockFd.Fd()), syscall.LOCK_UN); err != nil {
			unlockErr = l.DLogErrorf("unlock of %s failed: %w", l.lockPath, err)
		}
		if err := l.lockFd.Close(); err != nil && unlockErr == nil {
			unlockErr = l.DLogErrorf("close of %s failed: %w", l.lockPath, err)
		}
	}
	l.closeErr = closeErr
	if l.closeErr == nil {
		l.closeErr = unlockErr
	}
	close(l.done)
	return l.closeErr
}

func (l *lockedUnixListener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

func (l *lockedUnixListener) Addr() net.Addr {
	return l.listener.Addr()
}
