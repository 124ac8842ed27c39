package kex

import (
	"fmt"

	"sshcore/internal/protocol"
)

// Key-exchange algorithm names, RFC 4253 §7.1/§8.1, RFC 4419, RFC 8268.
const (
	KexGroup14SHA256 = "diffie-hellman-group14-sha256"
	KexGroup14SHA1   = "diffie-hellman-group14-sha1"
	KexGroup1SHA1    = "diffie-hellman-group1-sha1"
)

// Host key algorithm names, RFC 4253 §6.6.
const (
	HostKeyRSA = "ssh-rsa"
	HostKeyDSA = "ssh-dss"
)

// DefaultKexAlgos is the client's kex preference list, most preferred first.
// diffie-hellman-group{16,18}-sha512 are deliberately absent: see DESIGN.md
// for why this build ships only groups with a verified prime table.
var DefaultKexAlgos = []string{KexGroup14SHA256, KexGroup14SHA1, KexGroup1SHA1}

// DefaultHostKeyAlgos is the client's host-key algorithm preference list.
var DefaultHostKeyAlgos = []string{HostKeyRSA, HostKeyDSA}

// hashForKexAlgo reports which hash a kex algorithm's exchange hash and KDF
// use, RFC 4253 §8 / RFC 8268 §4.
func hashForKexAlgo(algo string) (newHash hashFunc, ok bool) {
	switch algo {
	case KexGroup14SHA256:
		return sha256New, true
	case KexGroup14SHA1, KexGroup1SHA1:
		return sha1New, true
	default:
		return nil, false
	}
}

// findAgreed picks the first entry of preferred that also appears in peer,
// the "client preference order, first match wins" negotiation rule spec.md
// §4.3 specifies and the teacher's golang-crypto dependency graph implements
// the same way (client list takes priority over server list order).
func findAgreed(preferred, peer []string) (string, error) {
	for _, want := range preferred {
		for _, have := range peer {
			if want == have {
				return want, nil
			}
		}
	}
	return "", fmt.Errorf("sshcore: kex: no common algorithm between %v and %v", preferred, peer)
}

// negotiatedAlgorithms is the outcome of matching our KexInitMsg against the
// peer's, one entry per algorithm category RFC 4253 §7.1 negotiates.
type negotiatedAlgorithms struct {
	kex         string
	hostKey     string
	cipherOut   string
	cipherIn    string
	macOut      string
	macIn       string
	compressOut string
	compressIn  string
}

func negotiate(client, server protocol.KexInitMsg) (negotiatedAlgorithms, error) {
	var n negotiatedAlgorithms
	var err error
	if n.kex, err = findAgreed(client.KexAlgos, server.KexAlgos); err != nil {
		return n, err
	}
	if n.hostKey, err = findAgreed(client.ServerHostKeyAlgos, server.ServerHostKeyAlgos); err != nil {
		return n, err
	}
	if n.cipherOut, err = findAgreed(client.CiphersClientServer, server.CiphersClientServer); err != nil {
		return n, err
	}
	if n.cipherIn, err = findAgreed(client.CiphersServerClient, server.CiphersServerClient); err != nil {
		return n, err
	}
	if n.macOut, err = findAgreed(client.MACsClientServer, server.MACsClientServer); err != nil {
		return n, err
	}
	if n.macIn, err = findAgreed(client.MACsServerClient, server.MACsServerClient); err != nil {
		return n, err
	}
	if n.compressOut, err = findAgreed(client.CompressionClientServer, server.CompressionClientServer); err != nil {
		return n, err
	}
	if n.compressIn, err = findAgreed(client.CompressionServerClient, server.CompressionServerClient); err != nil {
		return n, err
	}
	return n, nil
}
