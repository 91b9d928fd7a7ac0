// Package underlay provides the byte-stream transports that a secure overlay
// is negotiated on: TCP, WebSocket, unix domain sockets, and an in-process
// loop namespace.
//
// A Transport connects (client side) or listens (server side) and reports
// every new RawChannel exactly once to the RawChannelListener it was given,
// before the corresponding completion handle resolves. Failures (address
// resolution, refused or timed-out connect, bind) fail the handle with a
// transport.Error of kind KindUnderlay and leave no socket open.
package underlay

import (
	"context"
	"net"

	"github.com/sammck-go/nctransport/pkg/future"
	"github.com/sammck-go/nctransport/pkg/lifecycle"
	"github.com/sammck-go/nctransport/pkg/transport"
)

// RawChannelListener is notified of every raw channel a Transport establishes.
// Ownership of the channel moves to the listener.
type RawChannelListener interface {
	OnRawChannel(ch *RawChannel)
}

// RawChannelListenerFunc adapts a function to RawChannelListener
type RawChannelListenerFunc func(ch *RawChannel)

// OnRawChannel calls f
func (f RawChannelListenerFunc) OnRawChannel(ch *RawChannel) {
	f(ch)
}

// Listening is the handle of an active listener. Accepted channels go to the
// RawChannelListener given to Listen until Close is called.
type Listening interface {
	// Addr returns the bound address
	Addr() net.Addr

	// Close stops accepting. Already accepted channels are not affected.
	Close() error

	// Done returns a channel that is closed once the listener has stopped
	Done() <-chan struct{}

	// AsyncShutdowner lets an owner shut the listener down along with itself
	lifecycle.AsyncShutdowner
}

// Transport is an underlay that can connect or listen. Neither call blocks:
// both return a handle that resolves later. ctx bounds the connect attempt;
// for Listen it bounds the lifetime of the listener.
type Transport interface {
	Connect(ctx context.Context, listener RawChannelListener) *future.Future[*RawChannel]
	Listen(ctx context.Context, listener RawChannelListener) *future.Future[Listening]
}

func underlayError(err error) error {
	return transport.NewError(transport.KindUnderlay, 0, err)
}
