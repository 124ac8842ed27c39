package kex

import (
	"crypto/sha1"
	"crypto/sha256"
	"hash"
	"math/big"

	"sshcore/internal/protocol"
)

// hashFunc constructs a fresh hash.Hash, the same shape as the stdlib
// New functions (sha1.New, sha256.New) so hashForKexAlgo can return either.
type hashFunc func() hash.Hash

func sha1New() hash.Hash   { return sha1.New() }
func sha256New() hash.Hash { return sha256.New() }

// exchangeHashInputs holds everything RFC 4253 §8's H computation mixes
// together, named the way the RFC names them so the field list reads as a
// checklist against the spec text.
type exchangeHashInputs struct {
	vC, vS     []byte // version strings, no CR/LF
	iC, iS     []byte // full KEXINIT payloads as sent (opcode included)
	hostKeyRaw []byte // K_S, the host key blob
	e, f       *big.Int
	k          *big.Int // shared secret
}

// computeExchangeHash builds H = hash(V_C || V_S || I_C || I_S || K_S || e ||
// f || K), RFC 4253 §8. Every field before K is length-prefixed exactly once
// (V_C/V_S/I_C/I_S/K_S as byte strings, e/f/K as mpints); that is what
// protocol.WriteString/WriteMPInt give us directly.
func computeExchangeHash(newHash hashFunc, in exchangeHashInputs) []byte {
	var buf []byte
	buf = protocol.WriteString(buf, in.vC)
	buf = protocol.WriteString(buf, in.vS)
	buf = protocol.WriteString(buf, in.iC)
	buf = protocol.WriteString(buf, in.iS)
	buf = protocol.WriteString(buf, in.hostKeyRaw)
	buf = protocol.WriteMPInt(buf, in.e)
	buf = protocol.WriteMPInt(buf, in.f)
	buf = protocol.WriteMPInt(buf, in.k)

	h := newHash()
	h.Write(buf)
	return h.Sum(nil)
}

// derivedKeys is the six-key output of the RFC 4253 §7.2 KDF: two IVs, two
// encryption keys, two integrity keys, one pair per direction.
type derivedKeys struct {
	ivClientToServer  []byte
	ivServerToClient  []byte
	encClientToServer []byte
	encServerToClient []byte
	macClientToServer []byte
	macServerToClient []byte
}

// deriveKey computes HASH(K || H || X || session_id), RFC 4253 §7.2, and
// extends it with HASH(K || H || K1 || K2 || ...) chunks until size bytes are
// available, for ciphers whose key is longer than the hash's output.
func deriveKey(newHash hashFunc, k *big.Int, h []byte, letter byte, sessionID []byte, size int) []byte {
	var kh []byte
	kh = protocol.WriteMPInt(kh, k)
	kh = append(kh, h...)

	seed := append(append([]byte{}, kh...), letter)
	seed = append(seed, sessionID...)
	digest := newHash()
	digest.Write(seed)
	out := digest.Sum(nil)

	for len(out) < size {
		digest := newHash()
		digest.Write(kh)
		digest.Write(out)
		out = append(out, digest.Sum(nil)...)
	}
	return out[:size]
}

// keySizes bundles the IV/encryption/MAC key lengths one direction's
// negotiated cipher and MAC require.
type keySizes struct {
	iv  int
	enc int
	mac int
}

// deriveAllKeys runs deriveKey for all six RFC 4253 §7.2 key letters A-F.
// Client-to-server and server-to-client each get their own sizes because the
// two directions can (and often do) negotiate different ciphers.
func deriveAllKeys(newHash hashFunc, k *big.Int, h, sessionID []byte, out, in keySizes) derivedKeys {
	return derivedKeys{
		ivClientToServer:  deriveKey(newHash, k, h, 'A', sessionID, out.iv),
		ivServerToClient:  deriveKey(newHash, k, h, 'B', sessionID, in.iv),
		encClientToServer: deriveKey(newHash, k, h, 'C', sessionID, out.enc),
		encServerToClient: deriveKey(newHash, k, h, 'D', sessionID, in.enc),
		macClientToServer: deriveKey(newHash, k, h, 'E', sessionID, out.mac),
		macServerToClient: deriveKey(newHash, k, h, 'F', sessionID, in.mac),
	}
}
