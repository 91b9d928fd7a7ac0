package main

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/nctransport/pkg/sshtransport"
	"github.com/sammck-go/nctransport/pkg/tlog"
)

// writeHalfCloser is a stream that can end its output without closing its input
type writeHalfCloser interface {
	CloseWrite() error
}

func closeWrite(w io.Closer) {
	if whc, ok := w.(writeHalfCloser); ok {
		whc.CloseWrite()
	}
}

// pipe copies in both directions between a and b, returning after both
// directions have finished and both streams have been closed.
func pipe(a, b io.ReadWriteCloser) (aToB, bToA int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		bToA, _ = io.Copy(a, b)
		closeWrite(a)
	}()
	go func() {
		defer wg.Done()
		aToB, _ = io.Copy(b, a)
		closeWrite(b)
	}()
	wg.Wait()
	a.Close()
	b.Close()
	return aToB, bToA
}

// stdio is the process's standard input and output as one stream
type stdio struct {
	io.Reader
	io.WriteCloser
}

func newStdio() *stdio {
	return &stdio{Reader: os.Stdin, WriteCloser: os.Stdout}
}

// Close closes stdout. Stdin is left to the process exit; closing it would
// not unblock a pending read on a terminal.
func (s *stdio) Close() error {
	return s.WriteCloser.Close()
}

// exitGrace is how long a child may take to exit after its stdin is closed
const exitGrace = 5 * time.Second

// command is a child process's stdin and stdout as one stream
type command struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	grace  time.Duration
	once   sync.Once
	err    error
}

func startCommand(argv []string) (*command, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &command{cmd: cmd, stdin: stdin, stdout: stdout, grace: exitGrace}, nil
}

func (c *command) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

func (c *command) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

// CloseWrite closes the child's stdin
func (c *command) CloseWrite() error {
	return c.stdin.Close()
}

// Close closes stdin and reaps the child, killing it if it has not exited
// within its grace period. Reads must be finished before Close is called.
func (c *command) Close() error {
	c.once.Do(func() {
		c.stdin.Close()
		exited := make(chan error, 1)
		go func() {
			exited <- c.cmd.Wait()
		}()
		select {
		case c.err = <-exited:
		case <-time.After(c.grace):
			c.cmd.Process.Kill()
			c.err = <-exited
		}
	})
	return c.err
}

// bridge pipes rc to peer until either side ends, then logs the byte counts
// as seen from the channel. It returns what went out over the channel and
// what came in from it.
func bridge(logger tlog.Logger, rc *sshtransport.ReadyChannel, peer io.ReadWriteCloser) (sent, received int64) {
	received, sent = pipe(rc, peer)
	logger.ILogf("session#%d closed after %s sent, %s received",
		rc.SessionID(), sizestr.ToString(sent), sizestr.ToString(received))
	return sent, received
}

// serveChannel bridges a server-side channel to a fresh child process, or
// echoes it back when argv is empty.
func serveChannel(logger tlog.Logger, rc *sshtransport.ReadyChannel, argv []string) {
	if len(argv) == 0 {
		n, _ := io.Copy(rc, rc)
		rc.Close()
		logger.ILogf("session#%d echoed %s", rc.SessionID(), sizestr.ToString(n))
		return
	}
	child, err := startCommand(argv)
	if err != nil {
		logger.ELogf("session#%d: failed to start %q: %s", rc.SessionID(), argv[0], err)
		rc.Close()
		return
	}
	bridge(logger, rc, child)
}
