package sshtransport

import (
	"errors"
	"strings"
	"time"

	"github.com/sammck-go/nctransport/pkg/credentials"
	"github.com/sammck-go/nctransport/pkg/transport"
	"golang.org/x/crypto/ssh"
)

// ProtocolVersion is the software version part of the SSH version strings
const ProtocolVersion = "nctransport-1"

// DefaultHandshakeTimeout bounds a session from raw channel to Established
const DefaultHandshakeTimeout = 30 * time.Second

// Config holds the settings shared by the client and server stacks.
type Config struct {
	// Subsystem is the name of the logical channel to open (client) or accept (server). Required.
	Subsystem string

	// HandshakeTimeout bounds the negotiation of each session. Zero selects DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// KeepAlive is the interval of keepalive@openssh.com requests on an
	// established session. Zero disables keepalives.
	KeepAlive time.Duration

	// Trust decides whether the peer is acceptable. Required by the client;
	// the server defaults to AllowAll.
	Trust TrustPolicy

	// StateObserver, if set, is called for every state transition of every
	// session, in order per session. It must not block.
	StateObserver func(id SessionID, state State)
}

func (c *Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}
	return c.HandshakeTimeout
}

// Identity is the client's credential material
type Identity struct {
	Username string
	Password string
	Signers  []ssh.Signer
}

func (id Identity) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(id.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(id.Signers...))
	}
	if id.Password != "" {
		methods = append(methods, ssh.Password(id.Password))
	}
	return methods
}

// ClientConfig configures an SSHClient
type ClientConfig struct {
	Config
	Identity
}

// ServerConfig configures an SSHServer
type ServerConfig struct {
	Config

	// HostKeys are presented to clients. At least one is required.
	HostKeys []ssh.Signer

	// Users authenticates clients and authorizes their subsystem. Required unless NoClientAuth.
	Users *credentials.Index

	// NoClientAuth accepts any client without authentication
	NoClientAuth bool
}

func configError(msg string) error {
	return transport.NewError(transport.KindConfiguration, 0, errors.New(msg))
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Subsystem) == "" {
		return configError("subsystem name must not be blank")
	}
	if c.HandshakeTimeout < 0 || c.KeepAlive < 0 {
		return configError("timeouts must not be negative")
	}
	return nil
}

func (c *ClientConfig) validate() error {
	if err := c.Config.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Identity.Username) == "" {
		return configError("username must not be blank")
	}
	if c.Identity.Password == "" && len(c.Identity.Signers) == 0 {
		return configError("identity has neither password nor keys")
	}
	if c.Trust == nil {
		return configError("client requires a trust policy")
	}
	return nil
}

func (c *ServerConfig) validate() error {
	if err := c.Config.validate(); err != nil {
		return err
	}
	if len(c.HostKeys) == 0 {
		return configError("server requires at least one host key")
	}
	if c.Users == nil && !c.NoClientAuth {
		return configError("server requires a user index unless NoClientAuth is set")
	}
	return nil
}
