package sshtransport

import (
	"errors"

	"github.com/sammck-go/nctransport/pkg/credentials"
	"github.com/sammck-go/nctransport/pkg/transport"
	"golang.org/x/crypto/ssh"
)

var _ TransportStack = (*SSHServer)(nil)

// SSHServer is the server side transport stack: it presents its host keys,
// authenticates clients against its user index and accepts the configured
// subsystem on the client's session channel.
type SSHServer struct {
	stack
	config    ServerConfig
	sshConfig ssh.ServerConfig
}

// NewServer validates cfg and creates a server stack. Invalid configuration
// fails here with a KindConfiguration error, before any network activity.
func NewServer(cfg ServerConfig, listener transport.TransportChannelListener, opts ...Option) (*SSHServer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		return nil, configError("listener must not be nil")
	}
	s := &SSHServer{config: cfg}
	s.sshConfig.ServerVersion = "SSH-2.0-" + ProtocolVersion + "-server"
	for _, k := range cfg.HostKeys {
		s.sshConfig.AddHostKey(k)
	}
	s.init("sshserver", &s.config.Config, serverNegotiator{s}, listener, opts)
	s.ILogf("fingerprint %s", FingerprintKey(cfg.HostKeys[0].PublicKey()))
	return s, nil
}

// Fingerprint returns the MD5 fingerprint of the first host key
func (s *SSHServer) Fingerprint() string {
	return FingerprintKey(s.config.HostKeys[0].PublicKey())
}

type serverNegotiator struct {
	s *SSHServer
}

func (n serverNegotiator) role() string {
	return "server"
}

func (n serverNegotiator) handshake(s *session) (*sshConn, error) {
	cfg := n.s.sshConfig
	verify := func(c ssh.ConnMetadata) error {
		return n.s.onPeerVerified(s, PeerIdentity{
			Role:          "client",
			RemoteAddr:    c.RemoteAddr(),
			User:          c.User(),
			ClientVersion: string(c.ClientVersion()),
		})
	}
	users := n.s.config.Users
	if n.s.config.NoClientAuth {
		cfg.NoClientAuth = true
		cfg.NoClientAuthCallback = func(c ssh.ConnMetadata) (*ssh.Permissions, error) {
			if err := verify(c); err != nil {
				return nil, err
			}
			return &ssh.Permissions{Extensions: map[string]string{credentials.UserExtension: c.User()}}, nil
		}
	} else {
		cfg.PasswordCallback = func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if err := verify(c); err != nil {
				return nil, err
			}
			return users.PasswordCallback(c, password)
		}
		cfg.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if err := verify(c); err != nil {
				return nil, err
			}
			return users.PublicKeyCallback(c, key)
		}
	}
	s.DLogf("handshaking...")
	conn, chans, reqs, err := ssh.NewServerConn(s.raw, &cfg)
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return &sshConn{conn: conn, chans: chans}, nil
}

func (n serverNegotiator) isAuthFailure(err error) bool {
	var authErr *ssh.ServerAuthError
	return errors.As(err, &authErr)
}

func (n serverNegotiator) openSubsystem(s *session, sc *sshConn) (ssh.Channel, <-chan *ssh.Request, error) {
	conn, ok := sc.conn.(*ssh.ServerConn)
	if !ok {
		return nil, nil, transport.NewError(transport.KindInternal, uint64(s.id),
			s.Errorf("unexpected server connection type %T", sc.conn))
	}
	if conn.Permissions != nil {
		if u := conn.Permissions.Extensions[credentials.UserExtension]; u != "" {
			s.user = u
		}
	}
	authorize := func(name string) bool {
		if name != n.s.config.Subsystem {
			return false
		}
		if n.s.config.NoClientAuth {
			return true
		}
		return n.s.config.Users.Authorize(conn.Permissions, name)
	}
	s.DLogf("waiting for subsystem %q", n.s.config.Subsystem)
	return acceptSubsystem(sc, authorize)
}
