package transport

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a transport failure so callers can tell "could not
// reach the peer" from "the peer rejected us" from "our own misconfiguration".
type ErrorKind int

const (
	// KindConfiguration is invalid configuration, rejected synchronously at construction
	KindConfiguration ErrorKind = iota + 1

	// KindUnderlay is an address, bind, connect, timeout or closed-underlay failure
	KindUnderlay

	// KindVerification is a peer rejected by the trust policy
	KindVerification

	// KindAuthentication is a credential rejected during user authentication
	KindAuthentication

	// KindChannelOpen is a refused or failed subsystem channel open
	KindChannelOpen

	// KindInternal is a broken internal invariant (e.g. a session missing from
	// the registry where it must exist). It never indicates a network condition.
	KindInternal
)

var kindNames = map[ErrorKind]string{
	KindConfiguration:  "configuration error",
	KindUnderlay:       "underlay error",
	KindVerification:   "peer verification failed",
	KindAuthentication: "authentication failed",
	KindChannelOpen:    "channel open failed",
	KindInternal:       "internal consistency error",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Sentinels for errors.Is matching against the kind of an *Error.
var (
	ErrConfiguration  = &Error{Kind: KindConfiguration}
	ErrUnderlay       = &Error{Kind: KindUnderlay}
	ErrVerification   = &Error{Kind: KindVerification}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrChannelOpen    = &Error{Kind: KindChannelOpen}
	ErrInternal       = &Error{Kind: KindInternal}
)

// Error is the typed error every failed completion handle carries.
type Error struct {
	Kind ErrorKind

	// Session is the overlay session identifier, or 0 when the failure
	// happened before a session existed
	Session uint64

	// Err is the underlying cause; its message carries the logger prefix of
	// the component that raised it
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError wraps err with a kind. An err that already is a *Error keeps its own kind.
func NewError(kind ErrorKind, session uint64, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Kind: kind, Session: session, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
