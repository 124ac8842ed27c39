package auth

// PublicKey is the minimal public-key surface publickey authentication
// needs: the RFC 4253 §6.6 algorithm name and the marshaled key blob sent
// in SSH_MSG_USERAUTH_REQUEST / SSH_MSG_USERAUTH_PK_OK. sshcore defines its
// own interface here rather than depending on golang.org/x/crypto/ssh's
// PublicKey/Signer directly, the same external-collaborator boundary
// internal/kex draws for host keys: internal/keyload is the default,
// swappable implementation built on that package.
type PublicKey interface {
	Type() string
	Marshal() []byte
}

// Signer proves possession of the private half of a PublicKey by signing
// the RFC 4252 §7 data input built by protocol.BuildDataSignedForAuth.
type Signer interface {
	PublicKey() PublicKey
	// Sign returns the RFC 4253 §6.6 signature format name (e.g. "ssh-rsa",
	// "rsa-sha2-256") and the raw signature blob for that format.
	Sign(data []byte) (sigFormat string, sig []byte, err error)
}
