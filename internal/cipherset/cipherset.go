// Package cipherset provides the default Cipher/MAC factory for sshcore's
// transport.Framer: the cryptographic primitive layer spec.md §1 designates
// an external collaborator ("the cryptographic primitive implementations
// ... are OUT OF SCOPE"). sshcore consumes transport.Cipher/transport.MAC
// through an interface; this package is the one concrete, swappable
// implementation, built on stdlib crypto plus golang.org/x/crypto/blowfish
// for the blowfish-cbc entry in spec.md §6's cipher list, which the standard
// library has no equivalent for.
package cipherset

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/sha1"
	"fmt"

	"golang.org/x/crypto/blowfish"

	"sshcore/internal/transport"
)

// DefaultCipherOrder mirrors spec.md §6's caller-configured preference list,
// most preferred first.
var DefaultCipherOrder = []string{"aes256-ctr", "aes128-ctr", "3des-cbc", "blowfish-cbc"}

// DefaultMACOrder is fixed: spec.md §6 pins MAC negotiation to hmac-sha1 only.
var DefaultMACOrder = []string{"hmac-sha1"}

// KeySize returns the key length in bytes required by a cipher algorithm
// name, used by the key-derivation step (kex §4.3) to know how many KDF
// output bytes to request before a cipher can be constructed.
func KeySize(algo string) (int, error) {
	switch algo {
	case "aes256-ctr":
		return 32, nil
	case "aes128-ctr":
		return 16, nil
	case "3des-cbc":
		return 24, nil
	case "blowfish-cbc":
		return 16, nil
	default:
		return 0, fmt.Errorf("cipherset: unknown cipher algorithm %q", algo)
	}
}

// BlockSize returns the cipher's block size in bytes, used to size the IV.
func BlockSize(algo string) (int, error) {
	switch algo {
	case "aes256-ctr", "aes128-ctr":
		return aes.BlockSize, nil
	case "3des-cbc":
		return des.BlockSize, nil
	case "blowfish-cbc":
		return blowfish.BlockSize, nil
	default:
		return 0, fmt.Errorf("cipherset: unknown cipher algorithm %q", algo)
	}
}

// streamCipher adapts a crypto/cipher.Stream (CTR mode) to transport.Cipher.
type streamCipher struct {
	block     cipher.Block
	stream    cipher.Stream
	blockSize int
}

func (c *streamCipher) BlockSize() int { return c.blockSize }
func (c *streamCipher) Transform(dst, src []byte) { c.stream.XORKeyStream(dst, src) }

// blockModeCipher adapts a crypto/cipher.BlockMode (CBC mode) to
// transport.Cipher. Encrypt and decrypt directions each get their own
// instance with independent chaining state, matching RFC 4253 §6's
// independent client-to-server / server-to-client cipher instances.
type blockModeCipher struct {
	mode      cipher.BlockMode
	blockSize int
}

func (c *blockModeCipher) BlockSize() int { return c.blockSize }
func (c *blockModeCipher) Transform(dst, src []byte) { c.mode.CryptBlocks(dst, src) }

// NewCipher constructs a direction-specific transport.Cipher for algo, key
// and iv, matching the sizes KeySize/BlockSize require. encrypt selects
// encrypt vs decrypt for CBC-mode block ciphers; CTR mode is symmetric so
// encrypt is ignored for aes*-ctr.
func NewCipher(algo string, key, iv []byte, encrypt bool) (transport.Cipher, error) {
	switch algo {
	case "aes256-ctr", "aes128-ctr":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return &streamCipher{block: block, stream: cipher.NewCTR(block, iv), blockSize: aes.BlockSize}, nil
	case "3des-cbc":
		block, err := des.NewTripleDESCipher(key)
		if err != nil {
			return nil, err
		}
		return newCBC(block, iv, des.BlockSize, encrypt), nil
	case "blowfish-cbc":
		block, err := blowfish.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return newCBC(block, iv, blowfish.BlockSize, encrypt), nil
	default:
		return nil, fmt.Errorf("cipherset: unknown cipher algorithm %q", algo)
	}
}

func newCBC(block cipher.Block, iv []byte, blockSize int, encrypt bool) transport.Cipher {
	var mode cipher.BlockMode
	if encrypt {
		mode = cipher.NewCBCEncrypter(block, iv)
	} else {
		mode = cipher.NewCBCDecrypter(block, iv)
	}
	return &blockModeCipher{mode: mode, blockSize: blockSize}
}

// hmacSHA1 adapts crypto/hmac over SHA-1 to transport.MAC.
type hmacSHA1 struct {
	key []byte
}

func (m *hmacSHA1) Size() int { return sha1.Size }

func (m *hmacSHA1) Compute(seqNum uint32, plainPacket []byte) []byte {
	h := hmac.New(sha1.New, m.key)
	seq := []byte{byte(seqNum >> 24), byte(seqNum >> 16), byte(seqNum >> 8), byte(seqNum)}
	h.Write(seq)
	h.Write(plainPacket)
	return h.Sum(nil)
}

// MACKeySize is the hmac-sha1 key length, RFC 4253 §6.4.
const MACKeySize = sha1.Size

// NewMAC constructs a transport.MAC for the negotiated algorithm. Only
// hmac-sha1 is supported, per spec.md §6.
func NewMAC(algo string, key []byte) (transport.MAC, error) {
	if algo != "hmac-sha1" {
		return nil, fmt.Errorf("cipherset: unknown MAC algorithm %q", algo)
	}
	return &hmacSHA1{key: key}, nil
}
