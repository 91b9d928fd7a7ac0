package sshtransport

import "fmt"

// State is the negotiation state of one session
type State int32

// Session states, in the order a successful negotiation passes through them
const (
	StateUnderlayReady State = iota
	StateKeyExchange
	StatePeerVerified
	StateAuthenticating
	StateAuthenticated
	StateChannelOpening
	StateEstablished

	// StateFailed is absorbing and reachable from any non-terminal state
	StateFailed
)

var stateNames = [...]string{
	StateUnderlayReady:  "UnderlayReady",
	StateKeyExchange:    "KeyExchange",
	StatePeerVerified:   "PeerVerified",
	StateAuthenticating: "Authenticating",
	StateAuthenticated:  "Authenticated",
	StateChannelOpening: "ChannelOpening",
	StateEstablished:    "Established",
	StateFailed:         "Failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// IsTerminal returns true for Established and Failed
func (s State) IsTerminal() bool {
	return s == StateEstablished || s == StateFailed
}

// checkTransition returns an error unless to is exactly the next state after
// from, or to is Failed and from is not terminal.
func checkTransition(from, to State) error {
	if from.IsTerminal() {
		return fmt.Errorf("no transition out of terminal state %s (to %s)", from, to)
	}
	if to == StateFailed || to == from+1 {
		return nil
	}
	return fmt.Errorf("invalid transition %s -> %s", from, to)
}
