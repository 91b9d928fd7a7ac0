package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/nctransport/pkg/lifecycle"
	"github.com/sammck-go/nctransport/pkg/tlog"
	"golang.org/x/crypto/ssh"
)

// UserExtension is the ssh.Permissions extension that carries the authenticated user name
const UserExtension = "nctransport-user"

// ErrInvalidCredentials is returned by the auth callbacks on any failed login
var ErrInvalidCredentials = errors.New("invalid credentials")

// Index is a concurrency-safe set of users, optionally loaded from an auth
// file that is reloaded whenever it changes. An empty index rejects every login.
type Index struct {
	lifecycle.Helper
	mu       sync.RWMutex
	users    map[string]*User
	authFile string
	watcher  *fsnotify.Watcher
}

// NewIndex creates an empty Index
func NewIndex(logger tlog.Logger) *Index {
	x := &Index{users: map[string]*User{}}
	x.InitHelper(logger.Fork("users"), x)
	return x
}

// HandleOnceShutdown stops watching the auth file
func (x *Index) HandleOnceShutdown(completionErr error) error {
	x.mu.Lock()
	w := x.watcher
	x.watcher = nil
	x.mu.Unlock()
	if w != nil {
		if err := w.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// Len returns the number of users
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.users)
}

// Get returns the user with the given name
func (x *Index) Get(name string) (*User, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	u, ok := x.users[name]
	return u, ok
}

// AddUser adds or replaces a user
func (x *Index) AddUser(u *User) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.users[u.Name] = u
}

// Del removes a user
func (x *Index) Del(name string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.users, name)
}

// Reset replaces the whole user set
func (x *Index) Reset(users []*User) {
	m := make(map[string]*User, len(users))
	for _, u := range users {
		m[u.Name] = u
	}
	x.mu.Lock()
	x.users = m
	x.mu.Unlock()
}

// authEntry is the object form of an auth file value. The short form is a
// bare list of subsystem patterns.
type authEntry struct {
	Subsystems     []string `json:"subsystems"`
	AuthorizedKeys []string `json:"authorized_keys"`
}

// ParseAuthFile parses auth file contents: a JSON object keyed by
// "user:password" (password may be empty) whose values are either a list of
// subsystem patterns or an object with "subsystems" and "authorized_keys".
func ParseAuthFile(data []byte) ([]*User, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid auth file: %w", err)
	}
	users := make([]*User, 0, len(raw))
	for auth, v := range raw {
		name, pass := ParseAuth(auth)
		if name == "" {
			return nil, fmt.Errorf("invalid auth file: key %q is not user:password", auth)
		}
		var entry authEntry
		if err := json.Unmarshal(v, &entry.Subsystems); err != nil {
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil, fmt.Errorf("invalid auth file entry for %s: %w", name, err)
			}
		}
		u, err := NewUser(name, pass, entry.Subsystems...)
		if err != nil {
			return nil, fmt.Errorf("invalid subsystem pattern for %s: %w", name, err)
		}
		for _, k := range entry.AuthorizedKeys {
			if err := u.AddAuthorizedKeys([]byte(k)); err != nil {
				return nil, fmt.Errorf("invalid authorized key for %s: %w", name, err)
			}
		}
		users = append(users, u)
	}
	return users, nil
}

// LoadUsers loads the auth file and starts reloading it whenever it changes.
// A reload that fails to parse keeps the previous users.
func (x *Index) LoadUsers(authFile string) error {
	if err := x.loadFile(authFile); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return x.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory so that editors that replace the file are seen.
	if err := w.Add(filepath.Dir(authFile)); err != nil {
		w.Close()
		return x.Errorf("failed to watch %s: %w", authFile, err)
	}
	x.mu.Lock()
	x.authFile = authFile
	x.watcher = w
	x.mu.Unlock()
	x.ShutdownWG().Add(1)
	go x.watch(w, filepath.Clean(authFile))
	return nil
}

func (x *Index) loadFile(authFile string) error {
	data, err := os.ReadFile(authFile)
	if err != nil {
		return x.Errorf("failed to read auth file: %w", err)
	}
	users, err := ParseAuthFile(data)
	if err != nil {
		return x.Errorf("%s: %w", authFile, err)
	}
	x.Reset(users)
	x.ILogf("loaded %d users from %s", len(users), authFile)
	return nil
}

func (x *Index) watch(w *fsnotify.Watcher, authFile string) {
	defer x.ShutdownWG().Done()
	for {
		select {
		case e, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != authFile || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := x.loadFile(authFile); err != nil {
				x.WLogf("reload failed, keeping previous users: %s", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			x.WLogf("watcher error: %s", err)
		}
	}
}

func permissions(u *User) *ssh.Permissions {
	return &ssh.Permissions{Extensions: map[string]string{UserExtension: u.Name}}
}

// PasswordCallback validates an ssh user / password combination
func (x *Index) PasswordCallback(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	u, found := x.Get(c.User())
	if !found || u.Pass == "" || u.Pass != string(password) {
		x.DLogf("login failed for user: %s", c.User())
		return nil, ErrInvalidCredentials
	}
	return permissions(u), nil
}

// PublicKeyCallback validates an ssh user / public key combination
func (x *Index) PublicKeyCallback(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	u, found := x.Get(c.User())
	if !found || !u.HasKey(key) {
		x.DLogf("public key login failed for user: %s", c.User())
		return nil, ErrInvalidCredentials
	}
	return permissions(u), nil
}

// Authorize reports whether the user recorded in perms may open subsystem
func (x *Index) Authorize(perms *ssh.Permissions, subsystem string) bool {
	if perms == nil {
		return false
	}
	u, found := x.Get(perms.Extensions[UserExtension])
	return found && u.HasAccess(subsystem)
}
