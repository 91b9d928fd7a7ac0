package sshtransport

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/nctransport/pkg/lifecycle"
	"github.com/sammck-go/nctransport/pkg/pipeline"
	"github.com/sammck-go/nctransport/pkg/transport"
	"github.com/sammck-go/nctransport/pkg/underlay"
	"golang.org/x/crypto/ssh"
)

// Compile-time interface checks.
var (
	_ transport.TransportChannel = (*ReadyChannel)(nil)
	_ pipeline.Channel           = (*ReadyChannel)(nil)
)

// ReadyChannel is an authenticated, subsystem-opened channel. Closing it
// closes the SSH connection and the raw channel underneath; when the peer
// closes the subsystem channel, the ReadyChannel closes itself.
type ReadyChannel struct {
	lifecycle.Helper
	id              SessionID
	role            string
	subsystem       string
	user            string
	channel         ssh.Channel
	conn            ssh.Conn
	raw             *underlay.RawChannel
	pipeline        *pipeline.Pipeline
	metrics         *Metrics
	numBytesRead    int64
	numBytesWritten int64
}

func newReadyChannel(st *stack, s *session, conn ssh.Conn, ch ssh.Channel) *ReadyChannel {
	c := &ReadyChannel{
		id:        s.id,
		role:      st.neg.role(),
		subsystem: st.cfg.Subsystem,
		user:      s.user,
		channel:   ch,
		conn:      conn,
		raw:       s.raw,
		metrics:   st.metrics,
	}
	c.pipeline = pipeline.New(c, c)
	c.InitHelper(s.Fork("ready"), c)
	return c
}

// HandleOnceShutdown closes the subsystem channel, the SSH connection and the raw channel
func (c *ReadyChannel) HandleOnceShutdown(completionErr error) error {
	c.channel.Close()
	c.conn.Close()
	err := c.raw.Close()
	c.DLogf("closed after %s in, %s out",
		sizestr.ToString(c.NumBytesRead()), sizestr.ToString(c.NumBytesWritten()))
	c.metrics.channelClosed(c.role, c.NumBytesRead(), c.NumBytesWritten())
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// watchRequests refuses channel requests until the channel closes, then closes the ReadyChannel
func (c *ReadyChannel) watchRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
	c.DLogf("subsystem channel closed by peer")
	c.StartShutdown(nil)
}

// watchConn closes the ReadyChannel when the SSH connection ends
func (c *ReadyChannel) watchConn() {
	err := c.conn.Wait()
	c.StartShutdown(err)
}

// keepAliveLoop sends keepalive requests until the channel is closed. A
// failed keepalive closes the channel.
func (c *ReadyChannel) keepAliveLoop(interval time.Duration) {
	pingDelay := time.NewTimer(interval)
	defer pingDelay.Stop()
	for {
		select {
		case <-c.ShutdownStartedChan():
			return
		case <-pingDelay.C:
			if _, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.StartShutdown(c.DLogErrorf("keepalive failed: %w", err))
				return
			}
			pingDelay.Reset(interval)
		}
	}
}

// SessionID returns the id of the session that produced this channel
func (c *ReadyChannel) SessionID() SessionID {
	return c.id
}

// Subsystem returns the name of the open subsystem
func (c *ReadyChannel) Subsystem() string {
	return c.subsystem
}

// User returns the authenticated user name
func (c *ReadyChannel) User() string {
	return c.user
}

// Pipeline returns the channel's processing pipeline
func (c *ReadyChannel) Pipeline() *pipeline.Pipeline {
	return c.pipeline
}

// Done returns a channel that is closed once the ReadyChannel has been closed
func (c *ReadyChannel) Done() <-chan struct{} {
	return c.ShutdownDoneChan()
}

// Read implements the Reader interface
func (c *ReadyChannel) Read(p []byte) (int, error) {
	n, err := c.channel.Read(p)
	atomic.AddInt64(&c.numBytesRead, int64(n))
	return n, err
}

// Write implements the Writer interface
func (c *ReadyChannel) Write(p []byte) (int, error) {
	n, err := c.channel.Write(p)
	atomic.AddInt64(&c.numBytesWritten, int64(n))
	return n, err
}

// CloseWrite sends EOF to the peer without closing the read side
func (c *ReadyChannel) CloseWrite() error {
	err := c.channel.CloseWrite()
	if err != nil {
		err = c.Errorf("%w", err)
	}
	return err
}

// NumBytesRead returns the number of payload bytes read so far
func (c *ReadyChannel) NumBytesRead() int64 {
	return atomic.LoadInt64(&c.numBytesRead)
}

// NumBytesWritten returns the number of payload bytes written so far
func (c *ReadyChannel) NumBytesWritten() int64 {
	return atomic.LoadInt64(&c.numBytesWritten)
}

// LocalAddr returns the local underlay address
func (c *ReadyChannel) LocalAddr() net.Addr {
	return c.raw.LocalAddr()
}

// RemoteAddr returns the peer's underlay address
func (c *ReadyChannel) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}
