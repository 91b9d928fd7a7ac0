package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sammck-go/nctransport/pkg/credentials"
	"github.com/sammck-go/nctransport/pkg/redial"
	"github.com/sammck-go/nctransport/pkg/sshtransport"
	"github.com/sammck-go/nctransport/pkg/tlog"
	"github.com/sammck-go/nctransport/pkg/underlay"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// Config is the command configuration. It is read from an optional YAML
// file; flags override the file.
type Config struct {
	// Mode is "client" or "server"
	Mode string `yaml:"mode"`

	// Underlay is "tcp", "ws" or "unix"
	Underlay string `yaml:"underlay"`

	// CallHome reverses the underlay direction: a client listens and a
	// server connects.
	CallHome bool `yaml:"call_home"`

	// Address is the address to dial, or the bind address when listening. For
	// the unix underlay it is the socket path.
	Address string `yaml:"address"`

	// URL is the websocket URL to dial. Defaults to ws://Address.
	URL string `yaml:"url"`

	Subsystem        string        `yaml:"subsystem"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	KeepAlive        time.Duration `yaml:"keepalive"`
	LogLevel         string        `yaml:"log_level"`

	// MetricsAddress serves /metrics when set
	MetricsAddress string `yaml:"metrics_address"`

	Client ClientSection `yaml:"client"`
	Server ServerSection `yaml:"server"`
}

// ClientSection holds the client identity and trust settings
type ClientSection struct {
	// Auth is "user:pass"
	Auth        string   `yaml:"auth"`
	KeyFile     string   `yaml:"key_file"`
	Fingerprint []string `yaml:"fingerprint"`
	AllowHosts  []string `yaml:"allow_hosts"`

	// Insecure accepts any server host key
	Insecure bool `yaml:"insecure"`

	MaxRetryCount    int           `yaml:"max_retry_count"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`
}

// ServerSection holds the server host key and user settings
type ServerSection struct {
	// KeySeed deterministically generates the host key when KeyFile is unset.
	// An empty seed generates a random key.
	KeySeed  string `yaml:"key_seed"`
	KeyFile  string `yaml:"key_file"`
	AuthFile string `yaml:"auth_file"`

	// Users are "user:pass" entries allowed on every subsystem
	Users        []string `yaml:"users"`
	NoClientAuth bool     `yaml:"no_client_auth"`

	// Exec is the command each subsystem channel is bridged to. Channels are
	// echoed back when it is empty.
	Exec []string `yaml:"exec"`
}

func defaultConfig() *Config {
	return &Config{
		Mode:             "client",
		Underlay:         "tcp",
		Subsystem:        "netconf",
		HandshakeTimeout: sshtransport.DefaultHandshakeTimeout,
		LogLevel:         "info",
		Client: ClientSection{
			MaxRetryCount:    -1,
			MaxRetryInterval: 5 * time.Minute,
		},
	}
}

func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("nctransport", pflag.ContinueOnError)
	fs.String("config", "", "YAML configuration file")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "client or server")
	fs.StringVar(&cfg.Underlay, "underlay", cfg.Underlay, "tcp, ws or unix")
	fs.BoolVar(&cfg.CallHome, "call-home", cfg.CallHome, "client listens and server connects")
	fs.StringVarP(&cfg.Address, "address", "a", cfg.Address, "address to dial or bind")
	fs.StringVar(&cfg.URL, "url", cfg.URL, "websocket URL to dial")
	fs.StringVarP(&cfg.Subsystem, "subsystem", "s", cfg.Subsystem, "subsystem name")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "negotiation deadline")
	fs.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "keepalive interval, 0 to disable")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "error, warning, info, debug or trace")
	fs.StringVar(&cfg.MetricsAddress, "metrics", cfg.MetricsAddress, "address to serve /metrics on")

	fs.StringVar(&cfg.Client.Auth, "auth", cfg.Client.Auth, "client credentials user:pass")
	fs.StringVar(&cfg.Client.KeyFile, "key", cfg.Client.KeyFile, "client private key file")
	fs.StringSliceVar(&cfg.Client.Fingerprint, "fingerprint", cfg.Client.Fingerprint, "accepted server key fingerprints")
	fs.StringSliceVar(&cfg.Client.AllowHosts, "allow-host", cfg.Client.AllowHosts, "accepted server hosts")
	fs.BoolVar(&cfg.Client.Insecure, "insecure", cfg.Client.Insecure, "accept any server host key")
	fs.IntVar(&cfg.Client.MaxRetryCount, "max-retry-count", cfg.Client.MaxRetryCount, "connect attempts before giving up, -1 for unlimited")
	fs.DurationVar(&cfg.Client.MaxRetryInterval, "max-retry-interval", cfg.Client.MaxRetryInterval, "maximum delay between connect attempts")

	fs.StringVar(&cfg.Server.KeySeed, "key-seed", cfg.Server.KeySeed, "seed for a deterministic host key")
	fs.StringVar(&cfg.Server.KeyFile, "host-key", cfg.Server.KeyFile, "server host key file")
	fs.StringVar(&cfg.Server.AuthFile, "authfile", cfg.Server.AuthFile, "JSON users file, reloaded on change")
	fs.StringSliceVar(&cfg.Server.Users, "user", cfg.Server.Users, "server user:pass, repeatable")
	fs.BoolVar(&cfg.Server.NoClientAuth, "no-client-auth", cfg.Server.NoClientAuth, "accept clients without authentication")
	fs.StringSliceVar(&cfg.Server.Exec, "exec", cfg.Server.Exec, "command to bridge each channel to")
	return fs
}

// parseArgs builds the configuration from defaults, the --config file and
// the command line, in increasing order of precedence.
func parseArgs(args []string) (*Config, error) {
	cfg := defaultConfig()
	fs := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if path, _ := fs.GetString("config"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
		fs = newFlagSet(cfg)
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Mode {
	case "client", "server":
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.Underlay {
	case "tcp", "ws", "unix":
	default:
		return fmt.Errorf("unknown underlay %q", c.Underlay)
	}
	if c.Address == "" && !(c.Underlay == "ws" && c.URL != "" && c.dials()) {
		return fmt.Errorf("address is required")
	}
	if c.Server.AuthFile != "" && len(c.Server.Users) > 0 {
		return fmt.Errorf("users and auth file are mutually exclusive")
	}
	if _, err := tlog.ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// dials reports whether this process connects the underlay rather than listening on it
func (c *Config) dials() bool {
	return (c.Mode == "client") != c.CallHome
}

func (c *Config) transport(logger tlog.Logger) underlay.Transport {
	switch c.Underlay {
	case "unix":
		return underlay.NewUnixTransport(logger, c.Address)
	case "ws":
		u := c.URL
		if u == "" {
			u = "ws://" + c.Address
		}
		return underlay.NewWSTransport(logger, underlay.WSParams{URL: u, Address: c.Address})
	}
	return underlay.NewTCPTransport(logger, underlay.TCPParams{
		Address:        c.Address,
		ConnectTimeout: c.HandshakeTimeout,
		KeepAlive:      c.KeepAlive,
	})
}

func (c *Config) stackConfig() sshtransport.Config {
	return sshtransport.Config{
		Subsystem:        c.Subsystem,
		HandshakeTimeout: c.HandshakeTimeout,
		KeepAlive:        c.KeepAlive,
	}
}

func (c *Config) redialConfig() redial.Config {
	return redial.Config{
		MaxRetryCount:    c.Client.MaxRetryCount,
		MaxRetryInterval: c.Client.MaxRetryInterval,
	}
}

func (c *Config) clientConfig() (sshtransport.ClientConfig, error) {
	user, pass := credentials.ParseAuth(c.Client.Auth)
	cc := sshtransport.ClientConfig{
		Config:   c.stackConfig(),
		Identity: sshtransport.Identity{Username: user, Password: pass},
	}
	if c.Client.KeyFile != "" {
		s, err := sshtransport.LoadSigner(c.Client.KeyFile)
		if err != nil {
			return cc, err
		}
		cc.Signers = append(cc.Signers, s)
	}
	switch {
	case len(c.Client.Fingerprint) > 0:
		cc.Trust = sshtransport.FingerprintPolicy(c.Client.Fingerprint...)
	case len(c.Client.AllowHosts) > 0:
		cc.Trust = sshtransport.AllowHosts(c.Client.AllowHosts...)
	case c.Client.Insecure:
		cc.Trust = sshtransport.AllowAll
	}
	return cc, nil
}

// serverConfig builds the server configuration. The returned index must be
// closed by the caller.
func (c *Config) serverConfig(logger tlog.Logger) (sshtransport.ServerConfig, *credentials.Index, error) {
	sc := sshtransport.ServerConfig{
		Config:       c.stackConfig(),
		NoClientAuth: c.Server.NoClientAuth,
	}
	var hostKey ssh.Signer
	var err error
	if c.Server.KeyFile != "" {
		hostKey, err = sshtransport.LoadSigner(c.Server.KeyFile)
	} else {
		hostKey, err = sshtransport.NewSigner(c.Server.KeySeed)
	}
	if err != nil {
		return sc, nil, err
	}
	sc.HostKeys = []ssh.Signer{hostKey}

	users := credentials.NewIndex(logger)
	for _, auth := range c.Server.Users {
		if !strings.Contains(auth, ":") {
			users.Close()
			return sc, nil, fmt.Errorf("invalid user %q, expected user:pass", auth)
		}
		name, pass := credentials.ParseAuth(auth)
		u, err := credentials.NewUser(name, pass)
		if err != nil {
			users.Close()
			return sc, nil, err
		}
		users.AddUser(u)
	}
	if c.Server.AuthFile != "" {
		if err := users.LoadUsers(c.Server.AuthFile); err != nil {
			users.Close()
			return sc, nil, err
		}
	}
	sc.Users = users
	return sc, users, nil
}
