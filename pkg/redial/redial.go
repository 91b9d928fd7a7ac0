// Package redial keeps one ReadyChannel open by reconnecting with backoff
// whenever the previous one closes or a connect attempt fails.
package redial

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/nctransport/pkg/future"
	"github.com/sammck-go/nctransport/pkg/lifecycle"
	"github.com/sammck-go/nctransport/pkg/sshtransport"
	"github.com/sammck-go/nctransport/pkg/tlog"
	"github.com/sammck-go/nctransport/pkg/transport"
	"github.com/sammck-go/nctransport/pkg/underlay"
)

// Connector is the part of a transport stack the loop needs
type Connector interface {
	Connect(ctx context.Context, t underlay.Transport) *future.Future[*sshtransport.ReadyChannel]
}

// Handler serves one established channel. The loop redials once the channel is closed.
type Handler func(rc *sshtransport.ReadyChannel)

// Config controls retries
type Config struct {
	// MaxRetryCount is the number of consecutive failed attempts after which
	// the loop gives up. Negative means retry forever.
	MaxRetryCount int

	// MaxRetryInterval caps the backoff delay. Values under a second mean 5 minutes.
	MaxRetryInterval time.Duration

	// MinRetryInterval is the first backoff delay. Zero means 100ms.
	MinRetryInterval time.Duration

	// Once stops the loop after the first channel closes instead of redialing
	Once bool
}

// Loop dials a stack over one underlay until it is shut down
type Loop struct {
	lifecycle.Helper
	connector Connector
	transport underlay.Transport
	config    Config
	handler   Handler

	lock    sync.Mutex
	current *sshtransport.ReadyChannel
}

// New creates a reconnect loop. It does nothing until Run is called.
func New(logger tlog.Logger, connector Connector, t underlay.Transport, config Config, handler Handler) *Loop {
	if config.MaxRetryInterval < time.Second {
		config.MaxRetryInterval = 5 * time.Minute
	}
	if config.MinRetryInterval <= 0 {
		config.MinRetryInterval = 100 * time.Millisecond
	}
	l := &Loop{
		connector: connector,
		transport: t,
		config:    config,
		handler:   handler,
	}
	l.InitHelper(logger.Fork("redial"), l)
	return l
}

// HandleOnceShutdown closes the current channel, if any
func (l *Loop) HandleOnceShutdown(completionErr error) error {
	l.lock.Lock()
	rc := l.current
	l.lock.Unlock()
	if rc != nil {
		rc.Close()
	}
	return completionErr
}

// isPermanent reports whether retrying err cannot help
func isPermanent(err error) bool {
	switch transport.KindOf(err) {
	case transport.KindConfiguration, transport.KindVerification, transport.KindAuthentication:
		return true
	}
	return false
}

// Run dials until the loop is shut down, ctx is done, a permanent error
// occurs or the retry count is exhausted. It returns the loop's final status.
func (l *Loop) Run(ctx context.Context) error {
	l.ShutdownOnContext(ctx)
	b := &backoff.Backoff{Min: l.config.MinRetryInterval, Max: l.config.MaxRetryInterval}
	var connerr error
	for !l.IsStartedShutdown() {
		if connerr != nil {
			attempt := int(b.Attempt())
			maxAttempt := l.config.MaxRetryCount
			d := b.Duration()
			msg := fmt.Sprintf("Connection error: %s", connerr)
			if attempt > 0 {
				msg += fmt.Sprintf(" (Attempt: %d", attempt)
				if maxAttempt > 0 {
					msg += fmt.Sprintf("/%d", maxAttempt)
				}
				msg += ")"
			}
			l.DLogf("%s", msg)
			if isPermanent(connerr) {
				l.ILogf("giving up: %s", connerr)
				l.StartShutdown(connerr)
				break
			}
			if maxAttempt >= 0 && attempt >= maxAttempt {
				l.StartShutdown(l.Errorf("giving up after %d attempts: %w", attempt+1, connerr))
				break
			}
			l.ILogf("Retrying in %s...", d)
			connerr = nil
			select {
			case <-time.After(d):
			case <-l.ShutdownStartedChan():
				continue
			}
		}
		rc, err := l.connector.Connect(ctx, l.transport).Get(ctx)
		if err != nil {
			connerr = err
			continue
		}
		b.Reset()
		if !l.serve(rc) {
			break
		}
		if l.config.Once {
			l.StartShutdown(nil)
		}
	}
	return l.WaitShutdown()
}

// serve hands rc to the handler and waits for it to close. Returns false if
// the loop began shutting down first.
func (l *Loop) serve(rc *sshtransport.ReadyChannel) bool {
	l.lock.Lock()
	if l.IsStartedShutdown() {
		l.lock.Unlock()
		rc.Close()
		return false
	}
	l.current = rc
	l.lock.Unlock()

	l.ILogf("connected to %s", rc.RemoteAddr())
	if l.handler != nil {
		go l.handler(rc)
	}
	select {
	case <-rc.Done():
		l.ILogf("disconnected")
	case <-l.ShutdownStartedChan():
		rc.Close()
	}

	l.lock.Lock()
	l.current = nil
	l.lock.Unlock()
	return !l.IsStartedShutdown()
}
