package kex

import (
	"bytes"
	"context"
	"math/big"
	"strings"
	"testing"

	"sshcore/internal/protocol"
)

func TestFindAgreedPrefersClientOrder(t *testing.T) {
	got, err := findAgreed([]string{"b", "a", "c"}, []string{"c", "a"})
	if err != nil {
		t.Fatalf("findAgreed: %v", err)
	}
	if got != "a" {
		t.Fatalf("got %q, want %q (a and c are both common; a comes first in the client's list, though the peer lists c first)", got, "a")
	}
}

func TestFindAgreedNoOverlap(t *testing.T) {
	if _, err := findAgreed([]string{"x"}, []string{"y"}); err == nil {
		t.Fatal("expected an error for disjoint lists")
	}
}

func TestNegotiateAllCategories(t *testing.T) {
	client := protocol.KexInitMsg{
		KexAlgos:                DefaultKexAlgos,
		ServerHostKeyAlgos:      DefaultHostKeyAlgos,
		CiphersClientServer:     []string{"aes256-ctr", "3des-cbc"},
		CiphersServerClient:     []string{"aes256-ctr", "3des-cbc"},
		MACsClientServer:        []string{"hmac-sha1"},
		MACsServerClient:        []string{"hmac-sha1"},
		CompressionClientServer: []string{"none"},
		CompressionServerClient: []string{"none"},
	}
	server := protocol.KexInitMsg{
		KexAlgos:                []string{KexGroup1SHA1, KexGroup14SHA256},
		ServerHostKeyAlgos:      []string{HostKeyRSA},
		CiphersClientServer:     []string{"3des-cbc", "aes256-ctr"},
		CiphersServerClient:     []string{"aes256-ctr"},
		MACsClientServer:        []string{"hmac-sha1"},
		MACsServerClient:        []string{"hmac-sha1"},
		CompressionClientServer: []string{"none"},
		CompressionServerClient: []string{"none"},
	}
	n, err := negotiate(client, server)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if n.kex != KexGroup14SHA256 {
		t.Errorf("kex = %q, want group14-sha256 (client's most preferred common algorithm)", n.kex)
	}
	if n.hostKey != HostKeyRSA {
		t.Errorf("hostKey = %q, want ssh-rsa", n.hostKey)
	}
	if n.cipherOut != "aes256-ctr" {
		t.Errorf("cipherOut = %q, want aes256-ctr", n.cipherOut)
	}
}

func TestGroupForAlgoKnownAndUnknown(t *testing.T) {
	for _, algo := range []string{KexGroup14SHA256, KexGroup14SHA1, KexGroup1SHA1} {
		if _, ok := groupForAlgo(algo); !ok {
			t.Errorf("groupForAlgo(%q) not found", algo)
		}
	}
	if _, ok := groupForAlgo("diffie-hellman-group16-sha512"); ok {
		t.Error("group16 should not resolve to a prime table in this build")
	}
}

func TestDiffieHellmanSharedSecretAgrees(t *testing.T) {
	g := groupForGroup14()
	x := big.NewInt(12345)
	y := big.NewInt(67890)

	myE := new(big.Int).Exp(g.g, x, g.p)
	myF := new(big.Int).Exp(g.g, y, g.p)

	kFromX, err := g.diffieHellman(myF, x)
	if err != nil {
		t.Fatalf("diffieHellman (x side): %v", err)
	}
	kFromY, err := g.diffieHellman(myE, y)
	if err != nil {
		t.Fatalf("diffieHellman (y side): %v", err)
	}
	if kFromX.Cmp(kFromY) != 0 {
		t.Fatal("the two sides of the exchange computed different shared secrets")
	}
}

func TestDiffieHellmanRejectsOutOfRange(t *testing.T) {
	g := groupForGroup14()
	if _, err := g.diffieHellman(big.NewInt(0), big.NewInt(5)); err == nil {
		t.Error("expected an error for a zero public value")
	}
	if _, err := g.diffieHellman(g.p, big.NewInt(5)); err == nil {
		t.Error("expected an error for a public value equal to p")
	}
}

func TestDeriveKeyIsDeterministicAndSized(t *testing.T) {
	k := big.NewInt(42)
	h := []byte("exchange-hash-stand-in")
	sessionID := []byte("session-id-stand-in")

	a1 := deriveKey(sha256New, k, h, 'A', sessionID, 32)
	a2 := deriveKey(sha256New, k, h, 'A', sessionID, 32)
	if !bytes.Equal(a1, a2) {
		t.Fatal("deriveKey is not deterministic for identical inputs")
	}
	if len(a1) != 32 {
		t.Fatalf("len(a1) = %d, want 32", len(a1))
	}

	b := deriveKey(sha256New, k, h, 'B', sessionID, 32)
	if bytes.Equal(a1, b) {
		t.Fatal("deriveKey produced the same output for two different key letters")
	}

	// sha256 output is 32 bytes; ask for more than one hash's worth to
	// exercise the HASH(K || H || K1 || ...) extension loop.
	long := deriveKey(sha256New, k, h, 'C', sessionID, 48)
	if len(long) != 48 {
		t.Fatalf("len(long) = %d, want 48", len(long))
	}
	if !bytes.Equal(long[:32], deriveKey(sha256New, k, h, 'C', sessionID, 32)) {
		t.Fatal("extending the KDF output changed its first block")
	}
}

func TestComputeExchangeHashChangesWithInputs(t *testing.T) {
	base := exchangeHashInputs{
		vC:         []byte("SSH-2.0-sshcore_1.0"),
		vS:         []byte("SSH-2.0-OpenSSH_9.0"),
		iC:         []byte{byte(protocol.MsgKexInit), 1, 2, 3},
		iS:         []byte{byte(protocol.MsgKexInit), 4, 5, 6},
		hostKeyRaw: []byte("host-key-blob"),
		e:          big.NewInt(111),
		f:          big.NewInt(222),
		k:          big.NewInt(333),
	}
	h1 := computeExchangeHash(sha256New, base)

	changed := base
	changed.f = big.NewInt(223)
	h2 := computeExchangeHash(sha256New, changed)

	if bytes.Equal(h1, h2) {
		t.Fatal("changing f did not change the exchange hash")
	}
	if len(h1) != 32 {
		t.Fatalf("len(h1) = %d, want 32 for sha256", len(h1))
	}
}

func TestExecKeyExchangeRejectsConcurrentRun(t *testing.T) {
	e := &Exchanger{state: InitiatedByClient, respCh: make(chan []byte, 1), closedCh: make(chan struct{})}
	if err := e.ExecKeyExchange(context.Background()); err != ErrAlreadyInProgress {
		t.Fatalf("err = %v, want ErrAlreadyInProgress", err)
	}
}

func TestStateStringCoversEveryValue(t *testing.T) {
	for s := Idle; s <= ConnectionClosed; s++ {
		if strings.Contains(s.String(), "Unknown") {
			t.Errorf("State(%d).String() = %q", int(s), s.String())
		}
	}
}
