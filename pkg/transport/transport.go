// Package transport defines the contracts shared by every layer of the
// transport stack: the channel handed to upper-layer protocol code, the
// listener that receives it, and the typed error taxonomy carried by failed
// completion handles.
//
// A TransportStack (the SSH client or server in package sshtransport) turns
// raw byte-stream channels from an underlay into authenticated,
// subsystem-opened TransportChannels and delivers each one, exactly once,
// to its TransportChannelListener.
package transport

import (
	"io"
	"net"
)

// TransportChannel is a ready, fully negotiated channel. A channel produced
// by Connect is delivered twice, to the listener and through the returned
// handle; the handle holder owns it unless the listener claims it. A channel
// accepted by Listen has no handle, so the listener owns it and must
// eventually Close it.
type TransportChannel interface {
	io.ReadWriteCloser

	// Done returns a channel that is closed once the transport channel has
	// been closed, by either side.
	Done() <-chan struct{}

	// RemoteAddr returns the underlay address of the peer
	RemoteAddr() net.Addr

	// LocalAddr returns the local underlay address
	LocalAddr() net.Addr
}

// TransportChannelListener receives the outcome of every session a
// TransportStack negotiates. Calls for different sessions may be concurrent.
type TransportChannelListener interface {
	// OnTransportChannelEstablished reports a ready channel. The listener owns
	// channels accepted by Listen; for Connect it may leave the channel to the
	// handle holder.
	OnTransportChannelEstablished(channel TransportChannel)

	// OnTransportChannelFailed reports a session that failed after its
	// underlay channel was established. err is a *Error.
	OnTransportChannelFailed(err error)
}

// ListenerFuncs adapts a pair of functions to TransportChannelListener. A nil
// function ignores the corresponding event; an ignored channel is left open
// for whoever holds the Connect handle.
type ListenerFuncs struct {
	Established func(channel TransportChannel)
	Failed      func(err error)
}

// OnTransportChannelEstablished calls Established if set
func (l ListenerFuncs) OnTransportChannelEstablished(channel TransportChannel) {
	if l.Established != nil {
		l.Established(channel)
	}
}

// OnTransportChannelFailed calls Failed if set
func (l ListenerFuncs) OnTransportChannelFailed(err error) {
	if l.Failed != nil {
		l.Failed(err)
	}
}
