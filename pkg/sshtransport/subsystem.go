package sshtransport

import (
	"errors"
	"fmt"

	"github.com/sammck-go/nctransport/pkg/transport"
	"golang.org/x/crypto/ssh"
)

// subsystemRequest is the payload of an SSH "subsystem" channel request
type subsystemRequest struct {
	Name string
}

// openSubsystem opens a "session" channel on an authenticated client
// connection and requests the named subsystem on it.
func openSubsystem(conn ssh.Conn, name string) (ssh.Channel, <-chan *ssh.Request, error) {
	ch, reqs, err := conn.OpenChannel("session", nil)
	if err != nil {
		return nil, nil, err
	}
	ok, err := ch.SendRequest("subsystem", true, ssh.Marshal(&subsystemRequest{Name: name}))
	if err == nil && !ok {
		err = fmt.Errorf("subsystem %q refused by peer", name)
	}
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return ch, reqs, nil
}

// acceptSubsystem waits for the client's "session" channel and its
// "subsystem" request. Other channel types are rejected; other requests on
// the session channel are refused. authorize decides whether the requested
// name may be opened.
func acceptSubsystem(sc *sshConn, authorize func(name string) bool) (ssh.Channel, <-chan *ssh.Request, error) {
	if sc.chans == nil {
		return nil, nil, transport.NewError(transport.KindInternal, 0,
			errors.New("server connection has no channel stream"))
	}
	for nc := range sc.chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, reqs, err := nc.Accept()
		if err != nil {
			return nil, nil, err
		}
		// Only one logical channel per session
		go func() {
			for nc := range sc.chans {
				nc.Reject(ssh.Prohibited, "subsystem channel already open")
			}
		}()
		for req := range reqs {
			if req.Type != "subsystem" {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			var msg subsystemRequest
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				req.Reply(false, nil)
				ch.Close()
				return nil, nil, fmt.Errorf("malformed subsystem request: %w", err)
			}
			if !authorize(msg.Name) {
				req.Reply(false, nil)
				ch.Close()
				return nil, nil, fmt.Errorf("subsystem %q refused", msg.Name)
			}
			if err := req.Reply(true, nil); err != nil {
				ch.Close()
				return nil, nil, err
			}
			return ch, reqs, nil
		}
		return nil, nil, errors.New("session channel closed before a subsystem was requested")
	}
	return nil, nil, errors.New("connection closed before a session channel was opened")
}
