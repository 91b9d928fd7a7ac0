package sshtransport

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStackClosed is the cause carried by sessions failed because their stack was closed
var ErrStackClosed = errors.New("transport stack closed")

// registry tracks the sessions of one stack from raw channel arrival until
// handoff or failure. Exactly one of completeUnderlay and delete wins for any id.
type registry struct {
	mu       sync.Mutex
	sessions map[SessionID]*session
	closed   bool
}

func newRegistry() *registry {
	return &registry{sessions: make(map[SessionID]*session)}
}

func (r *registry) put(id SessionID, s *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrStackClosed
	}
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("duplicate session id %d", id)
	}
	r.sessions[id] = s
	return nil
}

func (r *registry) get(id SessionID) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// delete removes id. Deleting an absent id is a no-op that returns false.
func (r *registry) delete(id SessionID) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// completeUnderlay removes id and, if it was present, hands the session to fn
// outside the lock. Returns false if the session was already gone.
func (r *registry) completeUnderlay(id SessionID, fn func(s *session)) bool {
	s, ok := r.delete(id)
	if ok {
		fn(s)
	}
	return ok
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// closeAll refuses further puts and removes every session, returning them
func (r *registry) closeAll() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	all := make([]*session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	return all
}
