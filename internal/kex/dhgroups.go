package kex

import (
	"math/big"
	"sync"
)

// dhGroup is a multiplicative group suitable for Diffie-Hellman key
// agreement: p is the safe prime, g the generator (2, for every MODP group
// spec.md names).
type dhGroup struct {
	g, p *big.Int
}

// Group primes are global, lazily-initialized constants (spec.md §9: "global
// mutable state in the source (cached Diffie-Hellman primes) is a pure
// computation-cache and should be a lazy, once-initialized constant table"),
// the same pattern the teacher's dependency graph already uses for its own
// one-time RSA host key generation in internal/ssh/keys.go, applied here to
// a one-time parse instead of a one-time keygen.
var (
	group1Once  sync.Once
	group1      *dhGroup
	group14Once sync.Once
	group14     *dhGroup
)

// group1 is "diffie-hellman-group1-sha1", RFC 4253 / Oakley Group 2 (RFC 2409 §6.2).
func groupForGroup1() *dhGroup {
	group1Once.Do(func() {
		p, _ := new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF", 16)
		group1 = &dhGroup{g: big.NewInt(2), p: p}
	})
	return group1
}

// group14 is "diffie-hellman-group14-sha1"/"-sha256", RFC 4253 / Oakley Group 14 (RFC 3526 §3).
func groupForGroup14() *dhGroup {
	group14Once.Do(func() {
		p, _ := new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)
		group14 = &dhGroup{g: big.NewInt(2), p: p}
	})
	return group14
}

// groupForAlgo returns the DH group backing a kex algorithm name. Only the
// groups with a verified RFC 3526/2409 prime in this file are returned;
// diffie-hellman-group{16,18}-sha512 have neither an algorithm name nor a
// prime in this build (see DESIGN.md for why).
func groupForAlgo(algo string) (*dhGroup, bool) {
	switch algo {
	case KexGroup14SHA256, KexGroup14SHA1:
		return groupForGroup14(), true
	case KexGroup1SHA1:
		return groupForGroup1(), true
	default:
		return nil, false
	}
}

// diffieHellman computes theirPublic^myPrivate mod p, RFC 4253 §8, rejecting
// out-of-range values per RFC 4253's requirement that 1 < f < p-1.
func (g *dhGroup) diffieHellman(theirPublic, myPrivate *big.Int) (*big.Int, error) {
	one := big.NewInt(1)
	if theirPublic.Cmp(one) <= 0 || theirPublic.Cmp(new(big.Int).Sub(g.p, one)) >= 0 {
		return nil, errDHOutOfRange
	}
	return new(big.Int).Exp(theirPublic, myPrivate, g.p), nil
}
