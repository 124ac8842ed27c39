// Package kex implements the Key Exchanger: the interceptor that runs
// Diffie-Hellman key exchange (RFC 4253 §8) for both the initial handshake
// and any later rekey, derives the six RFC 4253 §7.2 session keys, and
// installs them into the transport.Framer at the points the protocol
// requires (spec.md §4.3).
package kex

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"math/big"
	"sync"
	"time"

	"sshcore/internal/cipherset"
	"sshcore/internal/closer"
	"sshcore/internal/intercept"
	"sshcore/internal/protocol"
	"sshcore/internal/transport"
)

// DefaultTimeout bounds how long the Exchanger waits for each expected
// packet of the exchange, spec.md §4.3.
const DefaultTimeout = 5 * time.Second

// Config lists the client's algorithm preferences and collaborators.
type Config struct {
	KexAlgos         []string
	HostKeyAlgos     []string
	CipherAlgos      []string
	MACAlgos         []string
	CompressionAlgos []string
	HostKeyCallback  HostKeyCallback
	Rand             io.Reader
	Timeout          time.Duration
}

// DefaultConfig returns the client preference lists this build ships.
func DefaultConfig(hostKeyCallback HostKeyCallback) Config {
	return Config{
		KexAlgos:         DefaultKexAlgos,
		HostKeyAlgos:     DefaultHostKeyAlgos,
		CipherAlgos:      cipherset.DefaultCipherOrder,
		MACAlgos:         cipherset.DefaultMACOrder,
		CompressionAlgos: []string{"none"},
		HostKeyCallback:  hostKeyCallback,
		Rand:             rand.Reader,
		Timeout:          DefaultTimeout,
	}
}

// Exchanger is the Key Exchanger interceptor, one per connection, reused
// across every rekey (spec.md §4.3's state machine returns to Idle after
// each completed exchange rather than being torn down).
type Exchanger struct {
	framer        *transport.Framer
	closer        closer.Closer
	cfg           Config
	clientVersion []byte
	serverVersion []byte

	// OnFirstKeyExchangeDone fires once, after the very first exchange
	// installs both cipher directions, so the connection can install the
	// Authenticator (spec.md §4.4 requires it run only after this point).
	OnFirstKeyExchangeDone func()

	mu         sync.Mutex
	state      State
	accept     map[byte]bool
	respCh     chan []byte
	closed     bool
	closedCh   chan struct{}
	sessionID  []byte
	clientInit []byte // the last KEXINIT payload we sent, kept for I_C in the hash
}

// New constructs an Exchanger bound to framer. clientVersion/serverVersion
// are the stripped identification strings from transport.ExchangeVersions.
func New(framer *transport.Framer, c closer.Closer, clientVersion, serverVersion []byte, cfg Config) *Exchanger {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Exchanger{
		framer:        framer,
		closer:        c,
		cfg:           cfg,
		clientVersion: clientVersion,
		serverVersion: serverVersion,
		closedCh:      make(chan struct{}),
		respCh:        make(chan []byte, 1),
	}
}

// SessionID returns the exchange hash of the first key exchange, fixed for
// the lifetime of the connection (RFC 4253 §7.2; spec.md §4.3).
func (e *Exchanger) SessionID() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// State reports the current state, for tests/diagnostics.
func (e *Exchanger) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ExecKeyExchange runs the client-initiated path: send our KEXINIT, then
// drive the rest of the exchange synchronously, returning once new keys are
// installed in both directions or the exchange fails.
func (e *Exchanger) ExecKeyExchange(ctx context.Context) error {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return ErrAlreadyInProgress
	}
	e.state = InitiatedByClient
	e.mu.Unlock()

	log.Printf("[kex] starting client-initiated key exchange")
	clientInit := e.buildKexInit()
	clientPayload := protocol.Marshal(protocol.MsgKexInit, clientInit)
	e.mu.Lock()
	e.clientInit = clientPayload
	e.mu.Unlock()

	// Arm the expectation before sending: the peer's KEXINIT can arrive and
	// be delivered by the reader goroutine before this goroutine reaches the
	// select below, and the capacity-1 respCh holds it until it does.
	e.expect(protocol.MsgKexInit)
	if err := e.framer.Send(clientPayload); err != nil {
		e.fail(err)
		return err
	}

	serverPayload, err := e.awaitResponse(ctx)
	if err != nil {
		e.fail(err)
		return err
	}
	if err := e.continueAfterKexInit(ctx, serverPayload, clientInit); err != nil {
		e.fail(err)
		return err
	}
	return nil
}

// InterceptPacket implements intercept.Interceptor.
func (e *Exchanger) InterceptPacket(payload []byte) intercept.Result {
	if len(payload) == 0 {
		return intercept.PassThrough
	}
	op := payload[0]
	switch op {
	case protocol.MsgKexInit, protocol.MsgKexDHInit, protocol.MsgKexDHReply, protocol.MsgNewKeys:
	default:
		return intercept.PassThrough
	}

	e.mu.Lock()
	if e.accept != nil && e.accept[op] {
		e.accept = nil
		ch := e.respCh
		e.mu.Unlock()
		ch <- payload
		return intercept.Consumed
	}
	if op == protocol.MsgKexInit && e.state == Idle {
		e.state = InitiatedByServer
		e.mu.Unlock()
		go e.runServerInitiated(payload)
		return intercept.Consumed
	}
	state := e.state
	e.mu.Unlock()
	e.fail(fmt.Errorf("sshcore: kex: unexpected message %d in state %v", op, state))
	return intercept.Consumed
}

// OnConnectionClosed implements intercept.Interceptor.
func (e *Exchanger) OnConnectionClosed() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.state = ConnectionClosed
	close(e.closedCh)
	e.mu.Unlock()
}

// runServerInitiated drives the server-initiated rekey path on its own
// goroutine, since InterceptPacket (running on the connection's single
// packet-reader goroutine) must never block waiting for the next packet —
// that next packet can only be delivered by a later call to InterceptPacket
// from that same reader.
func (e *Exchanger) runServerInitiated(serverPayload []byte) {
	log.Printf("[kex] server requested a key exchange, responding")
	clientInit := e.buildKexInit()
	clientPayload := protocol.Marshal(protocol.MsgKexInit, clientInit)
	e.mu.Lock()
	e.clientInit = clientPayload
	e.mu.Unlock()

	if err := e.framer.Send(clientPayload); err != nil {
		e.fail(err)
		return
	}
	if err := e.continueAfterKexInit(context.Background(), serverPayload, clientInit); err != nil {
		e.fail(err)
	}
}

// continueAfterKexInit runs everything after both KEXINITs are in hand:
// algorithm negotiation, KEXDH_INIT/REPLY, host key verification, key
// derivation, and the NEWKEYS handshake (spec.md §4.3 steps 2-4).
func (e *Exchanger) continueAfterKexInit(ctx context.Context, serverPayload []byte, clientInit protocol.KexInitMsg) error {
	serverInit, err := protocol.UnmarshalKexInit(serverPayload)
	if err != nil {
		return err
	}

	e.setState(KexInitReceived)

	n, err := negotiate(clientInit, serverInit)
	if err != nil {
		return err
	}
	log.Printf("[kex] negotiated kex=%s hostkey=%s cipher=%s/%s mac=%s/%s", n.kex, n.hostKey, n.cipherOut, n.cipherIn, n.macOut, n.macIn)

	if serverInit.FirstKexFollows && len(serverInit.KexAlgos) > 0 && n.kex != serverInit.KexAlgos[0] {
		// The peer optimistically sent a kex-specific packet assuming its
		// own first-choice algorithm would win; that guess didn't hold, so
		// discard the packet it already sent before continuing.
		e.expect(protocol.MsgKexDHInit, protocol.MsgKexDHReply)
		if _, err := e.awaitResponse(ctx); err != nil {
			return err
		}
	}

	newHash, ok := hashForKexAlgo(n.kex)
	if !ok {
		return fmt.Errorf("sshcore: kex: unsupported kex algorithm %q", n.kex)
	}
	group, ok := groupForAlgo(n.kex)
	if !ok {
		return fmt.Errorf("sshcore: kex: unsupported kex algorithm %q", n.kex)
	}

	x, err := randomExponent(e.cfg.Rand, group.p)
	if err != nil {
		return err
	}
	myE := new(big.Int).Exp(group.g, x, group.p)

	e.setState(WaitKexDHReply)
	e.expect(protocol.MsgKexDHReply)
	if err := e.framer.Send(protocol.Marshal(protocol.MsgKexDHInit, protocol.KexDHInitMsg{E: myE.Bytes()})); err != nil {
		return err
	}

	replyPayload, err := e.awaitResponse(ctx)
	if err != nil {
		return err
	}
	reply, err := protocol.UnmarshalKexDHReply(replyPayload)
	if err != nil {
		return err
	}

	hostKey, err := ParseHostKey(reply.HostKey)
	if err != nil {
		return fmt.Errorf("sshcore: kex: parse host key: %w", err)
	}

	theirF := new(big.Int).SetBytes(reply.F)
	k, err := group.diffieHellman(theirF, x)
	if err != nil {
		return err
	}

	e.mu.Lock()
	clientInitPayload := e.clientInit
	e.mu.Unlock()

	h := computeExchangeHash(newHash, exchangeHashInputs{
		vC:         e.clientVersion,
		vS:         e.serverVersion,
		iC:         clientInitPayload,
		iS:         serverPayload,
		hostKeyRaw: reply.HostKey,
		e:          myE,
		f:          theirF,
		k:          k,
	})

	sigInput := h
	if err := VerifySignature(hostKey, sigInput, reply.Signature); err != nil {
		return fmt.Errorf("sshcore: kex: host key signature verification failed: %w", err)
	}

	e.mu.Lock()
	firstKex := e.sessionID == nil
	if firstKex {
		e.sessionID = h
	}
	sessionID := e.sessionID
	e.mu.Unlock()

	if firstKex && e.cfg.HostKeyCallback != nil {
		if err := e.cfg.HostKeyCallback(string(e.serverVersion), hostKey); err != nil {
			return fmt.Errorf("sshcore: kex: host key rejected: %w", err)
		}
	}

	outSizes, err := sizesFor(n.cipherOut, n.macOut)
	if err != nil {
		return err
	}
	inSizes, err := sizesFor(n.cipherIn, n.macIn)
	if err != nil {
		return err
	}
	keys := deriveAllKeys(newHash, k, h, sessionID, outSizes, inSizes)

	outCipher, err := cipherset.NewCipher(n.cipherOut, keys.encClientToServer, keys.ivClientToServer, true)
	if err != nil {
		return err
	}
	outMAC, err := cipherset.NewMAC(n.macOut, keys.macClientToServer)
	if err != nil {
		return err
	}
	inCipher, err := cipherset.NewCipher(n.cipherIn, keys.encServerToClient, keys.ivServerToClient, false)
	if err != nil {
		return err
	}
	inMAC, err := cipherset.NewMAC(n.macIn, keys.macServerToClient)
	if err != nil {
		return err
	}

	e.setState(WaitNewKeys)
	e.expect(protocol.MsgNewKeys)
	if err := e.framer.Send([]byte{protocol.MsgNewKeys}); err != nil {
		return err
	}
	e.framer.SetCipher(transport.Outbound, transport.CipherMAC{Cipher: outCipher, MAC: outMAC})

	if _, err := e.awaitResponse(ctx); err != nil {
		return err
	}
	e.setState(WaitUpdateCipher)
	e.framer.SetCipher(transport.Inbound, transport.CipherMAC{Cipher: inCipher, MAC: inMAC})

	e.setState(Idle)
	log.Printf("[kex] key exchange complete, new keys installed")

	if firstKex && e.OnFirstKeyExchangeDone != nil {
		e.OnFirstKeyExchangeDone()
	}
	return nil
}

// buildKexInit assembles our KEXINIT, RFC 4253 §7.1, with a fresh 16-byte
// random cookie.
func (e *Exchanger) buildKexInit() protocol.KexInitMsg {
	var cookie [16]byte
	io.ReadFull(e.cfg.Rand, cookie[:])
	return protocol.KexInitMsg{
		Cookie:                  cookie,
		KexAlgos:                e.cfg.KexAlgos,
		ServerHostKeyAlgos:      e.cfg.HostKeyAlgos,
		CiphersClientServer:     e.cfg.CipherAlgos,
		CiphersServerClient:     e.cfg.CipherAlgos,
		MACsClientServer:        e.cfg.MACAlgos,
		MACsServerClient:        e.cfg.MACAlgos,
		CompressionClientServer: e.cfg.CompressionAlgos,
		CompressionServerClient: e.cfg.CompressionAlgos,
	}
}

// expect arms InterceptPacket to deliver the next packet matching one of ops
// onto respCh. Call this before sending the packet that triggers the peer's
// response, not after: the response can arrive, and be handed to
// InterceptPacket by the reader goroutine, before this goroutine ever blocks
// on awaitResponse. respCh's capacity of 1 is what lets that delivery
// succeed without a rendezvous.
func (e *Exchanger) expect(ops ...byte) {
	e.mu.Lock()
	accept := make(map[byte]bool, len(ops))
	for _, op := range ops {
		accept[op] = true
	}
	e.accept = accept
	e.mu.Unlock()
}

// awaitResponse blocks until InterceptPacket delivers a packet matching the
// last expect call, the connection closes, ctx is cancelled, or cfg.Timeout
// elapses.
func (e *Exchanger) awaitResponse(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	ch := e.respCh
	ops := e.accept
	e.mu.Unlock()

	select {
	case p := <-ch:
		return p, nil
	case <-e.closedCh:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.cfg.Timeout):
		return nil, fmt.Errorf("sshcore: kex: timed out waiting for message %v", ops)
	}
}

func (e *Exchanger) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// fail transitions to Failed and tears down the connection, mirroring how
// spec.md §4.6 wants a fatal protocol error in key exchange handled: there
// is no recovering mid-exchange, the connection goes with it.
func (e *Exchanger) fail(err error) {
	e.mu.Lock()
	if e.state == Failed || e.state == ConnectionClosed {
		e.mu.Unlock()
		return
	}
	e.state = Failed
	e.mu.Unlock()
	log.Printf("[kex] key exchange failed: %v", err)
	if e.closer != nil {
		e.closer.CloseWithReason(protocol.DisconnectKeyExchangeFailed, err.Error())
	}
}

// randomExponent picks a DH private exponent uniformly in [2, p-2], RFC 4253
// §8's requirement that x be drawn from a range that keeps g^x away from the
// group's trivial elements.
func randomExponent(r io.Reader, p *big.Int) (*big.Int, error) {
	upper := new(big.Int).Sub(p, big.NewInt(2))
	for {
		x, err := bigIntRandom(r, upper)
		if err != nil {
			return nil, err
		}
		if x.Sign() > 0 {
			return x.Add(x, big.NewInt(1)), nil
		}
	}
}

// bigIntRandom returns a uniform random value in [0, max) read from r via
// crypto/rand.Int, so tests can pass a deterministic io.Reader.
func bigIntRandom(r io.Reader, max *big.Int) (*big.Int, error) {
	return rand.Int(r, max)
}

// sizesFor resolves the IV/key/MAC sizes a negotiated (cipher, mac) pair
// requires, so deriveAllKeys knows how many KDF output bytes to produce.
func sizesFor(cipherAlgo, macAlgo string) (keySizes, error) {
	ivSize, err := cipherset.BlockSize(cipherAlgo)
	if err != nil {
		return keySizes{}, err
	}
	encSize, err := cipherset.KeySize(cipherAlgo)
	if err != nil {
		return keySizes{}, err
	}
	if macAlgo != "hmac-sha1" {
		return keySizes{}, fmt.Errorf("sshcore: kex: unsupported MAC algorithm %q", macAlgo)
	}
	return keySizes{iv: ivSize, enc: encSize, mac: cipherset.MACKeySize}, nil
}
