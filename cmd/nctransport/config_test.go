package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/nctransport/pkg/sshtransport"
	"github.com/sammck-go/nctransport/pkg/tlog"
	"github.com/sammck-go/nctransport/pkg/underlay"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestParseArgsDefaults(t *testing.T) {
	cfg, err := parseArgs([]string{"--address", "localhost:830"})
	require.NoError(t, err)
	assert.Equal(t, "client", cfg.Mode)
	assert.Equal(t, "tcp", cfg.Underlay)
	assert.Equal(t, "netconf", cfg.Subsystem)
	assert.Equal(t, sshtransport.DefaultHandshakeTimeout, cfg.HandshakeTimeout)
	assert.Equal(t, -1, cfg.Client.MaxRetryCount)
	assert.True(t, cfg.dials())
}

func TestParseArgsFileThenFlags(t *testing.T) {
	path := writeFile(t, "nctransport.yaml", `
mode: server
underlay: ws
address: 0.0.0.0:8830
subsystem: mgmt
handshake_timeout: 5s
keepalive: 25s
log_level: debug
server:
  key_seed: lab
  users: ["admin:secret"]
  exec: ["cat"]
`)
	cfg, err := parseArgs([]string{"--config", path, "--subsystem", "netconf", "--keepalive", "0s"})
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "ws", cfg.Underlay)
	assert.Equal(t, "0.0.0.0:8830", cfg.Address)
	assert.Equal(t, "netconf", cfg.Subsystem)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, time.Duration(0), cfg.KeepAlive)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"admin:secret"}, cfg.Server.Users)
	assert.Equal(t, []string{"cat"}, cfg.Server.Exec)
	assert.False(t, cfg.dials())
}

func TestParseArgsErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"no address":    {},
		"bad mode":      {"--mode", "proxy", "-a", "x:1"},
		"bad underlay":  {"--underlay", "udp", "-a", "x:1"},
		"bad log level": {"--log-level", "loud", "-a", "x:1"},
		"users and authfile": {"--mode", "server", "-a", "x:1",
			"--user", "a:b", "--authfile", "users.json"},
		"missing config": {"--config", "/nonexistent/nctransport.yaml"},
		"unknown flag":   {"--frobnicate"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseArgs(args)
			assert.Error(t, err)
		})
	}

	_, err := parseArgs([]string{"--config", writeFile(t, "bad.yaml", "mode: [")})
	assert.Error(t, err)

	_, err = parseArgs([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestWebSocketURLAloneIsEnough(t *testing.T) {
	cfg, err := parseArgs([]string{"--underlay", "ws", "--url", "wss://example.com/nc"})
	require.NoError(t, err)
	ws, ok := cfg.transport(tlog.Discard("test")).(*underlay.WSTransport)
	require.True(t, ok)
	assert.Equal(t, "wss://example.com/nc", ws.Params.URL)

	cfg, err = parseArgs([]string{"--underlay", "ws", "-a", "example.com:80"})
	require.NoError(t, err)
	ws = cfg.transport(tlog.Discard("test")).(*underlay.WSTransport)
	assert.Equal(t, "ws://example.com:80", ws.Params.URL)
}

func TestUnixUnderlayUsesAddressAsPath(t *testing.T) {
	cfg, err := parseArgs([]string{"--mode", "server", "--underlay", "unix", "-a", "/run/nc.sock"})
	require.NoError(t, err)
	ux, ok := cfg.transport(tlog.Discard("test")).(*underlay.UnixTransport)
	require.True(t, ok)
	assert.Equal(t, "/run/nc.sock", ux.Path)
}

func TestClientConfigTrust(t *testing.T) {
	cfg, err := parseArgs([]string{"-a", "x:1", "--auth", "admin:secret"})
	require.NoError(t, err)
	cc, err := cfg.clientConfig()
	require.NoError(t, err)
	assert.Equal(t, "admin", cc.Username)
	assert.Equal(t, "secret", cc.Password)
	assert.Nil(t, cc.Trust)

	cfg.Client.Insecure = true
	cc, err = cfg.clientConfig()
	require.NoError(t, err)
	assert.NotNil(t, cc.Trust)

	host, err := sshtransport.NewSigner("host")
	require.NoError(t, err)
	cfg.Client.Insecure = false
	cfg.Client.Fingerprint = []string{sshtransport.FingerprintKey(host.PublicKey())}
	cc, err = cfg.clientConfig()
	require.NoError(t, err)
	assert.NoError(t, cc.Trust.VerifyPeer(sshtransport.PeerIdentity{Key: host.PublicKey()}))

	pemBytes, err := sshtransport.GenerateKey("user")
	require.NoError(t, err)
	cfg.Client.KeyFile = writeFile(t, "id", string(pemBytes))
	cc, err = cfg.clientConfig()
	require.NoError(t, err)
	assert.Len(t, cc.Signers, 1)
}

func TestServerConfigUsers(t *testing.T) {
	cfg, err := parseArgs([]string{"--mode", "server", "-a", ":0", "--key-seed", "lab", "--user", "admin:secret"})
	require.NoError(t, err)
	sc, users, err := cfg.serverConfig(tlog.Discard("test"))
	require.NoError(t, err)
	defer users.Close()
	require.Len(t, sc.HostKeys, 1)
	expect, err := sshtransport.NewSigner("lab")
	require.NoError(t, err)
	assert.Equal(t, sshtransport.FingerprintKey(expect.PublicKey()), sshtransport.FingerprintKey(sc.HostKeys[0].PublicKey()))
	u, ok := users.Get("admin")
	require.True(t, ok)
	assert.True(t, u.HasAccess("netconf"))

	cfg.Server.Users = []string{"nocolon"}
	_, _, err = cfg.serverConfig(tlog.Discard("test"))
	assert.Error(t, err)

	cfg.Server.Users = nil
	cfg.Server.AuthFile = writeFile(t, "users.json", `{"ops:pw": ["^netconf$"]}`)
	_, users2, err := cfg.serverConfig(tlog.Discard("test"))
	require.NoError(t, err)
	defer users2.Close()
	_, ok = users2.Get("ops")
	assert.True(t, ok)
}

// endpoint reads from in and records what is written to it
type endpoint struct {
	in     io.Reader
	out    bytes.Buffer
	closed bool
}

func (e *endpoint) Read(p []byte) (int, error)  { return e.in.Read(p) }
func (e *endpoint) Write(p []byte) (int, error) { return e.out.Write(p) }
func (e *endpoint) Close() error {
	e.closed = true
	return nil
}

func TestPipeCopiesBothWays(t *testing.T) {
	a := &endpoint{in: bytes.NewBufferString("from a")}
	b := &endpoint{in: bytes.NewBufferString("from b!")}

	aToB, bToA := pipe(a, b)
	assert.Equal(t, int64(6), aToB)
	assert.Equal(t, int64(7), bToA)
	assert.Equal(t, "from a", b.out.String())
	assert.Equal(t, "from b!", a.out.String())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
