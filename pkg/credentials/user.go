// Package credentials holds the server-side user index: users with a
// password and/or authorized public keys, and the subsystems each may open.
package credentials

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
)

// AllowAll is a regular expression that matches any subsystem
var AllowAll = regexp.MustCompile("")

// ParseAuth parses a ":"-delimited authorization string pair. Returns
// two empty strings if the input does not contain ":"
func ParseAuth(auth string) (string, string) {
	if strings.Contains(auth, ":") {
		pair := strings.SplitN(auth, ":", 2)
		return pair[0], pair[1]
	}
	return "", ""
}

// User describes a single user's authorization info: name, password,
// authorized keys, and the subsystem name patterns the user may open.
// An empty Pass disables password login for the user.
type User struct {
	Name           string
	Pass           string
	AuthorizedKeys []ssh.PublicKey
	Subsystems     []*regexp.Regexp
}

// NewUser creates a User from subsystem patterns. No patterns means every subsystem is allowed.
func NewUser(name, pass string, subsystems ...string) (*User, error) {
	u := &User{Name: name, Pass: pass}
	if len(subsystems) == 0 {
		u.Subsystems = []*regexp.Regexp{AllowAll}
	}
	for _, s := range subsystems {
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, err
		}
		u.Subsystems = append(u.Subsystems, re)
	}
	return u, nil
}

// HasAccess returns true if a subsystem name matches the user's allowed patterns
func (u *User) HasAccess(subsystem string) bool {
	for _, r := range u.Subsystems {
		if r.MatchString(subsystem) {
			return true
		}
	}
	return false
}

// HasKey returns true if key is one of the user's authorized keys
func (u *User) HasKey(key ssh.PublicKey) bool {
	m := key.Marshal()
	for _, k := range u.AuthorizedKeys {
		if bytes.Equal(k.Marshal(), m) {
			return true
		}
	}
	return false
}

// AddAuthorizedKeys parses authorized_keys formatted data and appends every key to the user
func (u *User) AddAuthorizedKeys(data []byte) error {
	for len(bytes.TrimSpace(data)) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return err
		}
		u.AuthorizedKeys = append(u.AuthorizedKeys, key)
		data = rest
	}
	return nil
}
