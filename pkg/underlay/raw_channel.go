package underlay

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/nctransport/pkg/lifecycle"
	"github.com/sammck-go/nctransport/pkg/tlog"
)

var lastRawChannelID uint64

// RawChannel is an established underlay byte stream. It implements net.Conn
// so the overlay can run directly on top of it, counts bytes in both
// directions, and closes its connection exactly once.
type RawChannel struct {
	lifecycle.Helper
	id              uint64
	strname         string
	conn            net.Conn
	numBytesRead    int64
	numBytesWritten int64
}

// NewRawChannel wraps an established net.Conn. Ownership of conn moves to the RawChannel.
func NewRawChannel(logger tlog.Logger, conn net.Conn) *RawChannel {
	c := &RawChannel{
		id:   atomic.AddUint64(&lastRawChannelID, 1),
		conn: conn,
	}
	c.strname = fmt.Sprintf("raw#%d(%s)", c.id, conn.RemoteAddr())
	c.InitHelper(logger.Fork("%s", c.strname), c)
	return c
}

func (c *RawChannel) String() string {
	return c.strname
}

// ID returns the process-unique id of this raw channel
func (c *RawChannel) ID() uint64 {
	return c.id
}

// HandleOnceShutdown closes the underlying connection. Called exactly once.
func (c *RawChannel) HandleOnceShutdown(completionErr error) error {
	err := c.conn.Close()
	c.DLogf("closed after %s in, %s out",
		sizestr.ToString(c.NumBytesRead()), sizestr.ToString(c.NumBytesWritten()))
	if err != nil {
		err = c.Errorf("close failed: %w", err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Done returns a channel that is closed once the raw channel has been closed
func (c *RawChannel) Done() <-chan struct{} {
	return c.ShutdownDoneChan()
}

// Read implements the Reader interface
func (c *RawChannel) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	atomic.AddInt64(&c.numBytesRead, int64(n))
	return n, err
}

// Write implements the Writer interface
func (c *RawChannel) Write(p []byte) (int, error) {
	n, err := c.conn.Write(p)
	atomic.AddInt64(&c.numBytesWritten, int64(n))
	return n, err
}

// NumBytesRead returns the number of bytes read so far
func (c *RawChannel) NumBytesRead() int64 {
	return atomic.LoadInt64(&c.numBytesRead)
}

// NumBytesWritten returns the number of bytes written so far
func (c *RawChannel) NumBytesWritten() int64 {
	return atomic.LoadInt64(&c.numBytesWritten)
}

// LocalAddr returns the local network address
func (c *RawChannel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address
func (c *RawChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines of the underlying connection
func (c *RawChannel) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline of the underlying connection
func (c *RawChannel) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline of the underlying connection
func (c *RawChannel) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
