package sshtransport

import (
	"net"
	"strings"

	"github.com/sammck-go/nctransport/pkg/transport"
	"golang.org/x/crypto/ssh"
)

var _ TransportStack = (*SSHClient)(nil)

const authFailureMessage = "unable to authenticate"

// SSHClient is the client side transport stack: it verifies the server's
// host key, authenticates with its Identity and opens the configured subsystem.
type SSHClient struct {
	stack
	config ClientConfig
}

// NewClient validates cfg and creates a client stack. Invalid configuration
// fails here with a KindConfiguration error, before any network activity.
func NewClient(cfg ClientConfig, listener transport.TransportChannelListener, opts ...Option) (*SSHClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		return nil, configError("listener must not be nil")
	}
	c := &SSHClient{config: cfg}
	c.init("sshclient", &c.config.Config, clientNegotiator{c}, listener, opts)
	return c, nil
}

type clientNegotiator struct {
	c *SSHClient
}

func (n clientNegotiator) role() string {
	return "client"
}

func (n clientNegotiator) handshake(s *session) (*sshConn, error) {
	cfg := &ssh.ClientConfig{
		User:          n.c.config.Identity.Username,
		Auth:          n.c.config.Identity.authMethods(),
		ClientVersion: "SSH-2.0-" + ProtocolVersion + "-client",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return n.c.onPeerVerified(s, PeerIdentity{
				Role:       "server",
				Hostname:   hostname,
				RemoteAddr: remote,
				Key:        key,
			})
		},
	}
	s.DLogf("handshaking...")
	conn, chans, reqs, err := ssh.NewClientConn(s.raw, s.raw.RemoteAddr().String(), cfg)
	if err != nil {
		return nil, err
	}
	return &sshConn{conn: ssh.NewClient(conn, chans, reqs)}, nil
}

// isAuthFailure matches the message of ssh.NewClientConn when every auth
// method was rejected. x/crypto/ssh has no typed client-side auth error.
func (n clientNegotiator) isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), authFailureMessage)
}

func (n clientNegotiator) openSubsystem(s *session, sc *sshConn) (ssh.Channel, <-chan *ssh.Request, error) {
	if _, ok := sc.conn.(*ssh.Client); !ok {
		return nil, nil, transport.NewError(transport.KindInternal, uint64(s.id),
			s.Errorf("unexpected client connection type %T", sc.conn))
	}
	s.DLogf("opening subsystem %q", n.c.config.Subsystem)
	return openSubsystem(sc.conn, n.c.config.Subsystem)
}
