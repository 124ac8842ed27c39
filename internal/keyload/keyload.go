// Package keyload is the default, swappable implementation of the
// Signer/PublicKey and host-key-verification external collaborators: the
// on-disk private key file decoders and the host-key verification callback
// stay out of the core's transport/kex/auth state machines, consumed only
// through an interface. It builds both directly on golang.org/x/crypto/ssh
// for key handling, without the core's state machines ever touching that
// library themselves.
package keyload

import (
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"sshcore/internal/auth"
)

// signer adapts an ssh.Signer to auth.Signer.
type signer struct {
	s ssh.Signer
}

func (s *signer) PublicKey() auth.PublicKey { return s.s.PublicKey() }

func (s *signer) Sign(data []byte) (string, []byte, error) {
	sig, err := s.s.Sign(rand.Reader, data)
	if err != nil {
		return "", nil, err
	}
	return sig.Format, sig.Blob, nil
}

// FromPEM parses a PEM-encoded private key, decrypting it with passphrase
// first if it is not empty, and returns an auth.Signer wrapping it.
func FromPEM(pemBytes, passphrase []byte) (auth.Signer, error) {
	var s ssh.Signer
	var err error
	if len(passphrase) > 0 {
		s, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, passphrase)
	} else {
		s, err = ssh.ParsePrivateKey(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("sshcore: keyload: parse private key: %w", err)
	}
	return &signer{s: s}, nil
}

// FromFile reads path and parses it as a private key.
func FromFile(path string, passphrase []byte) (auth.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sshcore: keyload: read %s: %w", path, err)
	}
	return FromPEM(b, passphrase)
}
