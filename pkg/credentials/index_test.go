package credentials

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sammck-go/nctransport/pkg/tlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type connMeta struct {
	user string
}

func (m connMeta) User() string          { return m.user }
func (m connMeta) SessionID() []byte     { return []byte("sid") }
func (m connMeta) ClientVersion() []byte { return []byte("SSH-2.0-test") }
func (m connMeta) ServerVersion() []byte { return []byte("SSH-2.0-test") }
func (m connMeta) RemoteAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000} }
func (m connMeta) LocalAddr() net.Addr   { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 830} }

func newPublicKey(t *testing.T) ssh.PublicKey {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestParseAuth(t *testing.T) {
	u, p := ParseAuth("admin:se:cret")
	assert.Equal(t, "admin", u)
	assert.Equal(t, "se:cret", p)
	u, p = ParseAuth("nocolon")
	assert.Empty(t, u)
	assert.Empty(t, p)
}

func TestParseAuthFileBothForms(t *testing.T) {
	key := newPublicKey(t)
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	data := []byte(`{
		"alice:secret": ["^mgmt$"],
		"bob:": {"subsystems": ["^net"], "authorized_keys": ["` + authorized + `"]}
	}`)
	users, err := ParseAuthFile(data)
	require.NoError(t, err)
	require.Len(t, users, 2)

	x := NewIndex(tlog.Discard("test"))
	defer x.Close()
	x.Reset(users)

	alice, ok := x.Get("alice")
	require.True(t, ok)
	assert.True(t, alice.HasAccess("mgmt"))
	assert.False(t, alice.HasAccess("mgmt2"))

	bob, ok := x.Get("bob")
	require.True(t, ok)
	assert.True(t, bob.HasKey(key))
	assert.False(t, bob.HasKey(newPublicKey(t)))
	assert.True(t, bob.HasAccess("netconf"))

	_, err = ParseAuthFile([]byte(`{"nopassword": []}`))
	assert.Error(t, err)
	_, err = ParseAuthFile([]byte(`{"a:b": ["("]}`))
	assert.Error(t, err)
}

func TestCallbacks(t *testing.T) {
	x := NewIndex(tlog.Discard("test"))
	defer x.Close()

	_, err := x.PasswordCallback(connMeta{"admin"}, []byte("pw"))
	assert.ErrorIs(t, err, ErrInvalidCredentials, "empty index rejects")

	u, err := NewUser("admin", "pw", "^mgmt$")
	require.NoError(t, err)
	key := newPublicKey(t)
	u.AuthorizedKeys = append(u.AuthorizedKeys, key)
	x.AddUser(u)

	perms, err := x.PasswordCallback(connMeta{"admin"}, []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, "admin", perms.Extensions[UserExtension])
	assert.True(t, x.Authorize(perms, "mgmt"))
	assert.False(t, x.Authorize(perms, "shell"))
	assert.False(t, x.Authorize(nil, "mgmt"))

	_, err = x.PasswordCallback(connMeta{"admin"}, []byte("wrong"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = x.PublicKeyCallback(connMeta{"admin"}, key)
	assert.NoError(t, err)
	_, err = x.PublicKeyCallback(connMeta{"admin"}, newPublicKey(t))
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	x.Del("admin")
	assert.Equal(t, 0, x.Len())
}

func TestLoadUsersReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"alice:one": []}`), 0600))

	x := NewIndex(tlog.Discard("test"))
	defer x.Close()
	require.NoError(t, x.LoadUsers(path))
	_, err := x.PasswordCallback(connMeta{"alice"}, []byte("one"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"alice:two": []}`), 0600))
	assert.Eventually(t, func() bool {
		_, err := x.PasswordCallback(connMeta{"alice"}, []byte("two"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0600))
	time.Sleep(100 * time.Millisecond)
	_, err = x.PasswordCallback(connMeta{"alice"}, []byte("two"))
	assert.NoError(t, err, "bad reload keeps previous users")

	assert.Error(t, x.LoadUsers(filepath.Join(dir, "missing.json")))
}
