// hostkey.go adapts golang.org/x/crypto/ssh's public-key parsing and
// signature verification as the host-key boundary spec.md §1 names as an
// external collaborator ("parsing/validating key material ... is OUT OF
// SCOPE"). Everything else in this package — the DH math, the exchange
// hash, the KDF — is implemented from scratch; only the RSA/DSA signature
// format and public key blob decoding are borrowed, the same edge the
// teacher's own internal/ssh package draws its key handling from.
package kex

import "golang.org/x/crypto/ssh"

// PublicKey is a parsed SSH host (or user) public key.
type PublicKey = ssh.PublicKey

// HostKeyCallback is the predicate over server identity and host key that
// spec.md §6 names as a consumed external interface: invoked once, on the
// first key exchange of a connection, never on a rekey.
type HostKeyCallback func(serverIdentity string, key PublicKey) error

// ParseHostKey decodes a host key blob (the K_S field of SSH_MSG_KEXDH_REPLY)
// into a PublicKey.
func ParseHostKey(blob []byte) (PublicKey, error) {
	return ssh.ParsePublicKey(blob)
}

// VerifySignature checks sigBlob (the wire-format signature field of
// SSH_MSG_KEXDH_REPLY) against data under key.
func VerifySignature(key PublicKey, data, sigBlob []byte) error {
	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBlob, &sig); err != nil {
		return err
	}
	return key.Verify(data, &sig)
}
