package sshtransport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/ssh"
)

// GenerateKey generates a PEM encoded ed25519 keypair, using an optional
// seed that will produce the same keypair every time. If seed is "", a
// random key will be generated.
func GenerateKey(seed string) ([]byte, error) {
	var r io.Reader
	if seed == "" {
		r = rand.Reader
	} else {
		r = NewDetermRand([]byte(seed))
	}
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	b, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal ed25519 private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: b}), nil
}

// NewSigner returns a host or client key signer generated from seed (see GenerateKey)
func NewSigner(seed string) (ssh.Signer, error) {
	pemBytes, err := GenerateKey(seed)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(pemBytes)
}

// LoadSigner reads a PEM private key from a file
func LoadSigner(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ssh.ParsePrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// DetermRandIter is the number of times a seed is hashed with SHA-512 to
// produce the starting state of a pseudo-random stream
const DetermRandIter = 2048

// DetermRand is a deterministic pseudo-random byte stream. Half of each
// SHA-512 round is output, the other half seeds the next round.
type DetermRand struct {
	next, out []byte
}

// NewDetermRand creates an io.Reader that produces pseudo random bytes that
// are deterministic from a seed
func NewDetermRand(seed []byte) io.Reader {
	var out []byte
	next := seed
	for i := 0; i < DetermRandIter; i++ {
		next, out = determHash(next)
	}
	return &DetermRand{next: next, out: out}
}

func (d *DetermRand) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		next, out := determHash(d.next)
		n += copy(b[n:], out)
		d.next = next
	}
	return n, nil
}

func determHash(input []byte) (next []byte, output []byte) {
	nextout := sha512.Sum512(input)
	return nextout[:sha512.Size/2], nextout[sha512.Size/2:]
}
