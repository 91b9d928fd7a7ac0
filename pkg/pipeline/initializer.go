package pipeline

import (
	"context"
	"io"

	"github.com/sammck-go/nctransport/pkg/future"
	"github.com/sammck-go/nctransport/pkg/tlog"
)

// ChannelInitializer installs stages synchronously. It is the form the
// transport stack calls before handing a ready channel to its listener.
type ChannelInitializer interface {
	InitChannel(ch Channel) error
}

// ChannelInitializerFunc adapts a function to ChannelInitializer
type ChannelInitializerFunc func(ch Channel) error

// InitChannel calls f
func (f ChannelInitializerFunc) InitChannel(ch Channel) error {
	return f(ch)
}

// Initializer installs a protocol variant's stages and starts its session
// negotiation, which eventually resolves promise. Initialize must not block.
type Initializer[S any] interface {
	Initialize(ch Channel, promise *future.Promise[S])
}

// SessionNegotiatorInitializer is the protocol-specific hook that installs
// the negotiation-trigger stage once the codec stages are in place.
type SessionNegotiatorInitializer[S any] interface {
	InitializeSessionNegotiator(ch Channel, promise *future.Promise[S])
}

// Stage names installed by MessageInitializer, in order.
const (
	StageAggregator     = "aggregator"
	StageFrameEncoder   = "frameEncoder"
	StageMessageDecoder = "messageDecoder"
	StageMessageEncoder = "messageEncoder"
)

// MessageInitializer is the reference protocol variant: delimiter-framed
// messages. It installs exactly four stages (aggregator, frameEncoder,
// messageDecoder, messageEncoder) and then delegates to Negotiator.
type MessageInitializer[S any] struct {
	// Delimiter terminates each frame; DefaultDelimiter if empty
	Delimiter []byte

	// MaxFrameSize bounds a buffered inbound frame; DefaultMaxFrameSize if zero
	MaxFrameSize int

	// Negotiator installs the negotiation-trigger stage. May be nil, in which
	// case Initialize leaves the promise to the caller.
	Negotiator SessionNegotiatorInitializer[S]
}

// InitChannel installs the four codec stages.
func (m *MessageInitializer[S]) InitChannel(ch Channel) error {
	p := ch.Pipeline()
	if err := p.AddLast(StageAggregator, NewFrameDecoder(m.Delimiter, m.MaxFrameSize)); err != nil {
		return err
	}
	if err := p.AddLast(StageFrameEncoder, NewFrameEncoder(m.Delimiter)); err != nil {
		return err
	}
	if err := p.AddLast(StageMessageDecoder, MessageDecoder{}); err != nil {
		return err
	}
	return p.AddLast(StageMessageEncoder, MessageEncoder{})
}

// Initialize installs the codec stages and then the session negotiator. A
// construction failure fails promise immediately and stops.
func (m *MessageInitializer[S]) Initialize(ch Channel, promise *future.Promise[S]) {
	if err := m.InitChannel(ch); err != nil {
		promise.Fail(err)
		return
	}
	if m.Negotiator != nil {
		m.Negotiator.InitializeSessionNegotiator(ch, promise)
	}
}

// Negotiate runs init on ch, marks the channel active and starts pumping
// inbound bytes into the pipeline. The returned handle resolves when the
// variant's negotiator resolves its promise. If the pump ends first (the
// channel closed or failed), the handle fails with the pump's error.
func Negotiate[S any](ctx context.Context, logger tlog.Logger, ch Channel, init Initializer[S]) *future.Future[S] {
	f, promise := future.New[S]()
	init.Initialize(ch, promise)
	if promise.IsDone() {
		return f
	}
	if err := ch.Pipeline().FireActive(); err != nil {
		promise.Fail(err)
		ch.Close()
		return f
	}
	go func() {
		err := Pump(ctx, logger, ch)
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		promise.Fail(err)
	}()
	return f
}

// Pump reads from ch and feeds every chunk into the pipeline until the
// channel reaches end of stream, a stage returns an error, or ctx is done.
// End of stream returns nil.
func Pump(ctx context.Context, logger tlog.Logger, ch Channel) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			logger.DLogf("pump cancelled: %s", ctx.Err())
			ch.Close()
		case <-stop:
		}
	}()

	p := ch.Pipeline()
	buf := make([]byte, 32*1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if ferr := p.FireRead(chunk); ferr != nil {
				return logger.DLogErrorf("pipeline rejected inbound data: %w", ferr)
			}
		}
		if err == io.EOF {
			logger.TLogf("pump reached end of stream")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}
