package sshtransport

import (
	"context"

	"github.com/sammck-go/nctransport/pkg/future"
	"github.com/sammck-go/nctransport/pkg/pipeline"
	"github.com/sammck-go/nctransport/pkg/underlay"
)

// NegotiateSession starts an upper-layer protocol session on rc: init
// installs its stages and negotiator, the pipeline is activated and rc is
// pumped into it until rc closes or ctx is done. The handle resolves with
// whatever the negotiator resolves its promise with. A failed negotiation
// closes rc.
//
// rc's pipeline must not already hold stages with the names init installs,
// so this does not combine with a WithInitializer that installs the same variant.
func NegotiateSession[S any](ctx context.Context, rc *ReadyChannel, init pipeline.Initializer[S]) *future.Future[S] {
	f := pipeline.Negotiate(ctx, rc.Logger, rc, init)
	f.OnComplete(func(_ S, err error) {
		if err != nil {
			rc.StartShutdown(err)
		}
	})
	return f
}

// ConnectSession connects through st and negotiates an upper-layer session
// on the resulting ReadyChannel. Transport and overlay failures pass through
// untouched. ctx also bounds the pump, and with it the life of the session.
func ConnectSession[S any](ctx context.Context, st TransportStack, t underlay.Transport, init pipeline.Initializer[S]) *future.Future[S] {
	return future.Then(st.Connect(ctx, t), func(rc *ReadyChannel) *future.Future[S] {
		return NegotiateSession(ctx, rc, init)
	})
}
