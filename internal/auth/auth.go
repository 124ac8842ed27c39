// Package auth implements the User Authenticator: SSH_MSG_SERVICE_REQUEST
// for "ssh-userauth" followed by password, public key and
// keyboard-interactive authentication, RFC 4252. It only runs after the
// Key Exchanger's first exchange installs ciphers in both directions —
// wired via kex.Exchanger.OnFirstKeyExchangeDone.
package auth

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"sshcore/internal/closer"
	"sshcore/internal/intercept"
	"sshcore/internal/protocol"
	"sshcore/internal/transport"
)

// DefaultTimeout bounds how long the Authenticator waits for each expected
// packet, separate from any time a caller-supplied
// KeyboardInteractiveCallback spends blocked on its own I/O.
const DefaultTimeout = 5 * time.Second

// BannerCallback receives SSH_MSG_USERAUTH_BANNER text, RFC 4252 §5.4,
// which the server may send at any point before authentication completes.
type BannerCallback func(message string)

// Config lists the methods to try, in order, and the collaborators the
// Authenticator needs beyond the Framer itself.
type Config struct {
	Methods        []Method
	BannerCallback BannerCallback
	Timeout        time.Duration
	// OnAsyncComplete fires once, on whatever goroutine is running it, when
	// a method that blocks on user input (keyboard-interactive) finishes
	// the attempt ExecAuthentication returned ErrAwaitingPromptResponse
	// for — success/failure, per spec.md §4.4's "completion event".
	OnAsyncComplete func(ok bool, err error)
}

// asyncMethod is implemented by methods whose auth() call may block
// indefinitely on something other than the network (a user prompt), so
// ExecAuthentication must not run them on its caller's goroutine.
type asyncMethod interface {
	blocksOnUser() bool
}

// Authenticator is the User Authenticator interceptor, one per connection,
// used for exactly one ExecAuthentication call — re-running authentication
// on an already-authenticated connection is out of scope; build a new
// Authenticator for a new attempt.
type Authenticator struct {
	framer *transport.Framer
	closer closer.Closer
	cfg    Config

	// sessionID is the fixed exchange hash from the first key exchange,
	// the "session identifier" RFC 4252 §7 signs over; it never changes
	// even across a rekey.
	sessionID []byte

	mu       sync.Mutex
	state    State
	accept   map[byte]bool
	respCh   chan []byte
	closed   bool
	closedCh chan struct{}
}

// New constructs an Authenticator bound to framer. sessionID must be the
// value kex.Exchanger.SessionID() returns once OnFirstKeyExchangeDone has
// fired.
func New(framer *transport.Framer, c closer.Closer, sessionID []byte, cfg Config) *Authenticator {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Authenticator{
		framer:    framer,
		closer:    c,
		cfg:       cfg,
		sessionID: sessionID,
		closedCh:  make(chan struct{}),
		respCh:    make(chan []byte, 1),
	}
}

// State reports the current state, for tests/diagnostics.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ExecAuthentication requests the "ssh-userauth" service, then tries each
// configured Method in order, narrowing to whatever subset the server's
// SSH_MSG_USERAUTH_FAILURE says remains acceptable, until one succeeds or
// every method has been exhausted.
//
// If the method whose turn has come is an asyncMethod (keyboard-interactive:
// its auth() may block indefinitely on a user prompt), ExecAuthentication
// hands the rest of the loop to runAsyncFrom on a new goroutine and returns
// ErrAwaitingPromptResponse immediately rather than waiting for it — the
// caller (ssh.Connect) must treat that as "authentication is continuing in
// the background", per spec.md §4.4/§9, not as a failure.
func (a *Authenticator) ExecAuthentication(ctx context.Context, user string) error {
	a.mu.Lock()
	if a.state != Idle {
		a.mu.Unlock()
		return ErrAlreadyInProgress
	}
	a.state = WaitServiceAccept
	a.mu.Unlock()

	log.Printf("[auth] requesting ssh-userauth service for user %q", user)
	a.expect(protocol.MsgServiceAccept)
	if err := a.framer.Send(protocol.Marshal(protocol.MsgServiceRequest, protocol.ServiceRequestMsg{Service: "ssh-userauth"})); err != nil {
		a.fail(protocol.DisconnectProtocolError, err)
		return err
	}
	acceptPayload, err := a.awaitResponse(ctx)
	if err != nil {
		a.fail(protocol.DisconnectProtocolError, err)
		return err
	}
	if _, err := protocol.UnmarshalServiceAccept(acceptPayload); err != nil {
		a.fail(protocol.DisconnectProtocolError, err)
		return err
	}

	a.setState(Running)

	remaining := methodNames(a.cfg.Methods)
	for i, m := range a.cfg.Methods {
		if !contains(remaining, m.name()) {
			continue
		}
		if am, ok := m.(asyncMethod); ok && am.blocksOnUser() {
			log.Printf("[auth] method %q blocks on user input, continuing in background", m.name())
			a.setState(WaitMethodResponse)
			go a.runAsyncFrom(ctx, user, i, remaining)
			return ErrAwaitingPromptResponse
		}
		log.Printf("[auth] trying method %q", m.name())
		a.setState(WaitMethodResponse)
		ok, methodsLeft, err := m.auth(ctx, a, user)
		if err != nil {
			log.Printf("[auth] method %q errored: %v", m.name(), err)
			a.fail(protocol.DisconnectProtocolError, err)
			return err
		}
		if ok {
			log.Printf("[auth] method %q succeeded for user %q", m.name(), user)
			a.setState(Succeeded)
			return nil
		}
		log.Printf("[auth] method %q failed, methods remaining: %v", m.name(), methodsLeft)
		if methodsLeft != nil {
			remaining = methodsLeft
		}
	}

	log.Printf("[auth] no more methods available for user %q", user)
	a.fail(protocol.DisconnectNoMoreAuthMethodsAvailable, ErrNoMoreMethods)
	return ErrNoMoreMethods
}

// runAsyncFrom continues ExecAuthentication's method loop starting at index
// start on its own goroutine — the same "run the blocking state machine off
// the caller's goroutine" shape internal/kex's runServerInitiated uses for
// server-initiated rekeys — and reports the eventual outcome through
// Config.OnAsyncComplete instead of a return value, since ExecAuthentication
// already returned to its own caller by the time this runs.
func (a *Authenticator) runAsyncFrom(ctx context.Context, user string, start int, remaining []string) {
	for i := start; i < len(a.cfg.Methods); i++ {
		m := a.cfg.Methods[i]
		if !contains(remaining, m.name()) {
			continue
		}
		a.setState(WaitMethodResponse)
		log.Printf("[auth] (background) trying method %q", m.name())
		ok, methodsLeft, err := m.auth(ctx, a, user)
		if err != nil {
			log.Printf("[auth] (background) method %q errored: %v", m.name(), err)
			a.fail(protocol.DisconnectProtocolError, err)
			a.reportAsyncComplete(false, err)
			return
		}
		if ok {
			log.Printf("[auth] (background) method %q succeeded for user %q", m.name(), user)
			a.setState(Succeeded)
			a.reportAsyncComplete(true, nil)
			return
		}
		log.Printf("[auth] (background) method %q failed, methods remaining: %v", m.name(), methodsLeft)
		if methodsLeft != nil {
			remaining = methodsLeft
		}
	}

	log.Printf("[auth] (background) no more methods available for user %q", user)
	a.fail(protocol.DisconnectNoMoreAuthMethodsAvailable, ErrNoMoreMethods)
	a.reportAsyncComplete(false, ErrNoMoreMethods)
}

func (a *Authenticator) reportAsyncComplete(ok bool, err error) {
	if a.cfg.OnAsyncComplete != nil {
		a.cfg.OnAsyncComplete(ok, err)
	}
}

// InterceptPacket implements intercept.Interceptor.
func (a *Authenticator) InterceptPacket(payload []byte) intercept.Result {
	if len(payload) == 0 {
		return intercept.PassThrough
	}
	op := payload[0]
	switch op {
	case protocol.MsgServiceAccept, protocol.MsgUserAuthFailure, protocol.MsgUserAuthSuccess,
		protocol.MsgUserAuthBanner, protocol.MsgUserAuthInfoRequest:
	default:
		return intercept.PassThrough
	}

	a.mu.Lock()
	if a.accept != nil && a.accept[op] {
		a.accept = nil
		ch := a.respCh
		a.mu.Unlock()
		ch <- payload
		return intercept.Consumed
	}
	a.mu.Unlock()

	if op == protocol.MsgUserAuthBanner {
		// The server may send this unsolicited, before anything is armed
		// to receive it; surface it to the caller either way.
		if b, err := protocol.UnmarshalUserAuthBanner(payload); err == nil && a.cfg.BannerCallback != nil {
			a.cfg.BannerCallback(b.Message)
		}
		return intercept.Consumed
	}
	return intercept.PassThrough
}

// OnConnectionClosed implements intercept.Interceptor.
func (a *Authenticator) OnConnectionClosed() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.state = ConnectionClosed
	close(a.closedCh)
	a.mu.Unlock()
}

// armForOutcome arms InterceptPacket to deliver the next packet matching
// ops, plus SSH_MSG_USERAUTH_BANNER (which can interleave with any step),
// and returns the full set for re-arming after a banner is consumed. Call
// this before sending the packet that triggers the peer's response, the
// same race-avoidance the kex package's expect/awaitResponse split exists
// for.
func (a *Authenticator) armForOutcome(ops ...byte) []byte {
	full := append([]byte{protocol.MsgUserAuthBanner}, ops...)
	a.expect(full...)
	return full
}

// waitOutcome blocks for the next packet matching full, transparently
// consuming and re-arming past any SSH_MSG_USERAUTH_BANNER in the way.
func (a *Authenticator) waitOutcome(ctx context.Context, full []byte) ([]byte, error) {
	for {
		p, err := a.awaitResponse(ctx)
		if err != nil {
			return nil, err
		}
		if p[0] == protocol.MsgUserAuthBanner {
			if b, err := protocol.UnmarshalUserAuthBanner(p); err == nil && a.cfg.BannerCallback != nil {
				a.cfg.BannerCallback(b.Message)
			}
			a.expect(full...)
			continue
		}
		return p, nil
	}
}

func (a *Authenticator) expect(ops ...byte) {
	a.mu.Lock()
	accept := make(map[byte]bool, len(ops))
	for _, op := range ops {
		accept[op] = true
	}
	a.accept = accept
	a.mu.Unlock()
}

func (a *Authenticator) awaitResponse(ctx context.Context) ([]byte, error) {
	a.mu.Lock()
	ch := a.respCh
	ops := a.accept
	a.mu.Unlock()

	select {
	case p := <-ch:
		return p, nil
	case <-a.closedCh:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(a.cfg.Timeout):
		return nil, fmt.Errorf("sshcore: auth: timed out waiting for message %v", ops)
	}
}

func (a *Authenticator) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Authenticator) fail(reason uint32, err error) {
	a.mu.Lock()
	if a.state == Failed || a.state == ConnectionClosed {
		a.mu.Unlock()
		return
	}
	a.state = Failed
	a.mu.Unlock()
	if a.closer != nil {
		a.closer.CloseWithReason(reason, err.Error())
	}
}

func methodNames(methods []Method) []string {
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = m.name()
	}
	return names
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
