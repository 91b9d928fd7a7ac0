package sshtransport

import (
	"crypto/md5"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

// PeerIdentity is what a TrustPolicy sees of the peer. A client verifying a
// server gets Key and Hostname; a server verifying a client gets User and ClientVersion.
type PeerIdentity struct {
	// Role is the peer's role: "server" or "client"
	Role          string
	Hostname      string
	RemoteAddr    net.Addr
	Key           ssh.PublicKey
	User          string
	ClientVersion string
}

// Fingerprint returns the MD5 fingerprint of the peer's key, or "" without a key
func (p PeerIdentity) Fingerprint() string {
	if p.Key == nil {
		return ""
	}
	return FingerprintKey(p.Key)
}

// TrustPolicy accepts or rejects a peer during key exchange
type TrustPolicy interface {
	VerifyPeer(peer PeerIdentity) error
}

// TrustPolicyFunc adapts a function to TrustPolicy
type TrustPolicyFunc func(peer PeerIdentity) error

// VerifyPeer calls f
func (f TrustPolicyFunc) VerifyPeer(peer PeerIdentity) error {
	return f(peer)
}

// AllowAll accepts every peer
var AllowAll TrustPolicy = TrustPolicyFunc(func(PeerIdentity) error { return nil })

// FingerprintKey returns a standard fingerprint hash string for an SSH
// public key, which clients can use to authenticate the SSH server.
func FingerprintKey(k ssh.PublicKey) string {
	bytes := md5.Sum(k.Marshal())
	strbytes := make([]string, len(bytes))
	for i, b := range bytes {
		strbytes[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(strbytes, ":")
}

// FingerprintPolicy accepts a peer whose key matches one of fingerprints.
// A "SHA256:" fingerprint must match exactly; an MD5 colon-hex fingerprint
// may be abbreviated to a prefix.
func FingerprintPolicy(fingerprints ...string) TrustPolicy {
	return TrustPolicyFunc(func(peer PeerIdentity) error {
		if peer.Key == nil {
			return fmt.Errorf("peer presented no key")
		}
		md5fp := FingerprintKey(peer.Key)
		sha := ssh.FingerprintSHA256(peer.Key)
		for _, expect := range fingerprints {
			if strings.HasPrefix(expect, "SHA256:") {
				if expect == sha {
					return nil
				}
			} else if expect != "" && strings.HasPrefix(md5fp, expect) {
				return nil
			}
		}
		return fmt.Errorf("invalid fingerprint (%s)", md5fp)
	})
}

// AllowHosts accepts a peer whose dialed hostname or remote IP is one of hosts
func AllowHosts(hosts ...string) TrustPolicy {
	return TrustPolicyFunc(func(peer PeerIdentity) error {
		var candidates []string
		if peer.Hostname != "" {
			candidates = append(candidates, peer.Hostname)
			if h, _, err := net.SplitHostPort(peer.Hostname); err == nil {
				candidates = append(candidates, h)
			}
		}
		if peer.RemoteAddr != nil {
			if h, _, err := net.SplitHostPort(peer.RemoteAddr.String()); err == nil {
				candidates = append(candidates, h)
			} else {
				candidates = append(candidates, peer.RemoteAddr.String())
			}
		}
		for _, allowed := range hosts {
			for _, c := range candidates {
				if strings.EqualFold(allowed, c) {
					return nil
				}
			}
		}
		return fmt.Errorf("host %v not in allow list", candidates)
	})
}
