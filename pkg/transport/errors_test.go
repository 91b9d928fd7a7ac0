package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	cause := errors.New("unable to authenticate")
	err := NewError(KindAuthentication, 4, cause)

	assert.True(t, errors.Is(err, ErrAuthentication))
	assert.False(t, errors.Is(err, ErrChannelOpen))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.Equal(t, "authentication failed: unable to authenticate", err.Error())

	var te *Error
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &te))
	assert.Equal(t, uint64(4), te.Session)
}

func TestNewErrorKeepsExistingKind(t *testing.T) {
	inner := NewError(KindUnderlay, 0, context.DeadlineExceeded)
	outer := NewError(KindChannelOpen, 9, inner)
	assert.Equal(t, KindUnderlay, KindOf(outer))
	assert.True(t, errors.Is(outer, context.DeadlineExceeded))
	assert.Equal(t, ErrorKind(0), KindOf(errors.New("plain")))
}

func TestListenerFuncsLeavesUnclaimedChannelOpen(t *testing.T) {
	ch := &closeRecorder{}
	ListenerFuncs{}.OnTransportChannelEstablished(ch)
	assert.False(t, ch.closed)
	ListenerFuncs{}.OnTransportChannelFailed(errors.New("ignored"))

	var got TransportChannel
	ListenerFuncs{Established: func(c TransportChannel) { got = c }}.OnTransportChannelEstablished(ch)
	assert.Same(t, ch, got)
	assert.False(t, ch.closed)
}

type closeRecorder struct {
	closed bool
}

func (c *closeRecorder) Read(p []byte) (int, error)  { return 0, nil }
func (c *closeRecorder) Write(p []byte) (int, error) { return len(p), nil }
func (c *closeRecorder) Close() error                { c.closed = true; return nil }
func (c *closeRecorder) Done() <-chan struct{}       { return nil }
func (c *closeRecorder) RemoteAddr() net.Addr        { return nil }
func (c *closeRecorder) LocalAddr() net.Addr         { return nil }
