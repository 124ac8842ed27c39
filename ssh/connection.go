package ssh

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"sync"

	"sshcore/internal/agentforward"
	"sshcore/internal/auth"
	"sshcore/internal/channel"
	"sshcore/internal/intercept"
	"sshcore/internal/kex"
	"sshcore/internal/portforward"
	"sshcore/internal/protocol"
	"sshcore/internal/transport"
)

// Channel and Request re-export internal/channel's types so callers never
// need to import an internal package to name the value OpenShell/ExecCommand
// /OpenSubsystem return.
type (
	Channel = channel.Channel
	Request = channel.Request
)

// AuthState is the connection's authentication-state variant.
type AuthState int

const (
	AuthNotAttempted AuthState = iota
	AuthAwaitingPromptResponse
	AuthSuccess
	AuthFailure
)

func (s AuthState) String() string {
	switch s {
	case AuthNotAttempted:
		return "NotAttempted"
	case AuthAwaitingPromptResponse:
		return "AwaitingPromptResponse"
	case AuthSuccess:
		return "Success"
	case AuthFailure:
		return "Failure"
	default:
		return "Unknown"
	}
}

// Connection is one SSH2 client connection: the transport.Framer, the
// interceptor chain running key exchange/authentication/forwarding, and the
// channel table, all bound to a single Socket.
type Connection struct {
	socket Socket
	framer *transport.Framer
	chain  *intercept.Chain
	table  *channel.Table
	cfg    Config

	forwarder      *portforward.Forwarder
	agentForwarder *agentforward.Forwarder

	mu        sync.Mutex
	authState AuthState
	closed    bool
	closeErr  error
	closedCh  chan struct{}
	tag       string
}

// sessionTag returns the short identifier "[session %s] ..." log lines use:
// the remote address until the first key exchange establishes a session ID,
// then the session ID's first 8 hex characters for the rest of the
// connection's life.
func (c *Connection) sessionTag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tag
}

// Connect runs the version exchange, key exchange and authentication over
// socket and, on success, returns a ready Connection whose packet-reader
// loop is already running, a single reader goroutine. Version exchange,
// key exchange, and password or public-key authentication complete before
// Connect returns. Once a keyboard-interactive method takes over, Connect
// returns early in AuthAwaitingPromptResponse and Config.OnAuthComplete
// reports the outcome.
func Connect(ctx context.Context, socket Socket, cfg Config) (*Connection, error) {
	if cfg.HostKeyCallback == nil {
		return nil, fmt.Errorf("sshcore: ssh: Config.HostKeyCallback is required")
	}
	cfg.setDefaults()

	clientVersion, serverVersion, br, err := transport.ExchangeVersions(socket, cfg.VersionEOL)
	if err != nil {
		return nil, err
	}
	framer := transport.NewFramer(br, socket, rand.Reader)

	c := &Connection{
		socket:   socket,
		framer:   framer,
		chain:    &intercept.Chain{},
		table:    channel.NewTable(framer),
		cfg:      cfg,
		closedCh: make(chan struct{}),
		tag:      "pending",
	}
	if nc, ok := socket.(interface{ RemoteAddr() net.Addr }); ok {
		c.tag = nc.RemoteAddr().String()
	}
	log.Printf("[session %s] connecting as %q", c.sessionTag(), cfg.User)

	kexExchanger := kex.New(framer, c, clientVersion, serverVersion, cfg.kexConfig())
	var authenticator *auth.Authenticator
	kexExchanger.OnFirstKeyExchangeDone = func() {
		c.mu.Lock()
		c.tag = hex.EncodeToString(kexExchanger.SessionID())[:8]
		c.mu.Unlock()
		log.Printf("[session %s] key exchange established, starting authentication", c.sessionTag())
		authCfg := cfg.authConfig()
		authCfg.OnAsyncComplete = c.handleAsyncAuthComplete
		authenticator = auth.New(framer, c, kexExchanger.SessionID(), authCfg)
		c.chain.Add(authenticator)
	}
	c.chain.Add(kexExchanger)

	c.forwarder = portforward.New(framer, c.table, c)
	c.chain.Add(c.forwarder)
	c.agentForwarder = agentforward.New(framer, c.table, c, cfg.AgentProvider)
	c.chain.Add(c.agentForwarder)

	go c.readLoop()

	if err := kexExchanger.ExecKeyExchange(ctx); err != nil {
		c.CloseWithReason(protocol.DisconnectKeyExchangeFailed, err.Error())
		return nil, err
	}
	if authenticator == nil {
		// OnFirstKeyExchangeDone always fires before ExecKeyExchange
		// returns nil on the client-initiated path; this would only trip
		// on a kex package regression.
		err := fmt.Errorf("sshcore: ssh: key exchange completed without installing the authenticator")
		c.CloseWithReason(protocol.DisconnectProtocolError, err.Error())
		return nil, err
	}

	c.setAuthState(AuthAwaitingPromptResponse)
	if err := authenticator.ExecAuthentication(ctx, cfg.User); err != nil {
		if err == auth.ErrAwaitingPromptResponse {
			// A keyboard-interactive method has taken over and is running
			// its prompt loop on its own goroutine (spec.md §4.4/§9):
			// return the connection now, already in AuthAwaitingPromptResponse,
			// rather than block here until that loop finishes.
			// c.handleAsyncAuthComplete reports the eventual outcome.
			return c, nil
		}
		c.setAuthState(AuthFailure)
		c.CloseWithReason(protocol.DisconnectNoMoreAuthMethodsAvailable, err.Error())
		return nil, err
	}
	c.setAuthState(AuthSuccess)
	log.Printf("[session %s] authenticated as %q", c.sessionTag(), cfg.User)

	return c, nil
}

// handleAsyncAuthComplete is the auth.Config.OnAsyncComplete callback
// installed on the Authenticator: it fires once, on whatever goroutine
// auth.Authenticator.runAsyncFrom is running on, with the eventual outcome
// of a keyboard-interactive attempt that made Connect return early. It
// updates AuthState, invokes the caller's Config.OnAuthComplete if set, and
// closes the connection on failure, per spec.md §4.4.
func (c *Connection) handleAsyncAuthComplete(ok bool, err error) {
	if ok {
		c.setAuthState(AuthSuccess)
		if c.cfg.OnAuthComplete != nil {
			c.cfg.OnAuthComplete(true, nil)
		}
		return
	}
	c.setAuthState(AuthFailure)
	if c.cfg.OnAuthComplete != nil {
		c.cfg.OnAuthComplete(false, err)
	}
	message := "authentication failed"
	if err != nil {
		message = err.Error()
	}
	c.CloseWithReason(protocol.DisconnectNoMoreAuthMethodsAvailable, message)
}

func (c *Connection) setAuthState(s AuthState) {
	c.mu.Lock()
	c.authState = s
	c.mu.Unlock()
}

// AuthState reports the connection's current authentication-state variant.
func (c *Connection) AuthState() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authState
}

// Done is closed once the connection has torn down, locally or remotely.
func (c *Connection) Done() <-chan struct{} { return c.closedCh }

// Err reports why the connection closed, once Done is closed. Nil before
// then.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// readLoop is the connection's single packet-reader goroutine: every
// inbound packet is offered to the interceptor chain first, falling back
// to default dispatch only once every interceptor passes.
func (c *Connection) readLoop() {
	for {
		payload, err := c.framer.Receive()
		if err != nil {
			c.CloseWithReason(protocol.DisconnectConnectionLost, err.Error())
			return
		}
		if c.chain.Dispatch(payload) {
			continue
		}
		c.defaultDispatch(payload)
	}
}

// defaultDispatch handles the packets no interceptor claimed: disconnect,
// ignore, debug, unclaimed channel opens, and the channel-table's own
// message range.
func (c *Connection) defaultDispatch(payload []byte) {
	if len(payload) == 0 {
		c.reportUnknown(payload)
		return
	}
	switch payload[0] {
	case protocol.MsgDisconnect:
		m, err := protocol.UnmarshalDisconnect(payload)
		if err != nil {
			c.reportUnknown(payload)
			return
		}
		c.reportClosed(m.Reason, m.Message)
	case protocol.MsgIgnore:
		m, err := protocol.UnmarshalIgnore(payload)
		if err != nil {
			c.reportUnknown(payload)
			return
		}
		if c.cfg.OnIgnore != nil {
			c.cfg.OnIgnore(m.Data)
		}
	case protocol.MsgDebug:
		m, err := protocol.UnmarshalDebug(payload)
		if err != nil {
			c.reportUnknown(payload)
			return
		}
		if c.cfg.OnDebug != nil {
			c.cfg.OnDebug(m.AlwaysDisplay, m.Message, m.Language)
		}
	case protocol.MsgChannelOpen:
		m, err := protocol.UnmarshalChannelOpen(payload)
		if err != nil {
			c.reportUnknown(payload)
			return
		}
		// No interceptor claimed this open type ("forwarded-tcpip" and
		// "auth-agent@openssh.com" opens are claimed earlier, in the chain);
		// RFC 4254 §5.1 expects a reply either way, so the peer doesn't
		// block waiting for one.
		c.framer.Send(protocol.Marshal(protocol.MsgChannelOpenFailure, protocol.ChannelOpenFailureMsg{
			PeersID: m.PeersID,
			Reason:  protocol.ReasonUnknownChannelType,
			Message: fmt.Sprintf("unsupported channel type %q", m.ChanType),
		}))
	case protocol.MsgChannelOpenConfirm, protocol.MsgChannelOpenFailure, protocol.MsgChannelWindowAdjust,
		protocol.MsgChannelData, protocol.MsgChannelExtendedData, protocol.MsgChannelEOF, protocol.MsgChannelClose,
		protocol.MsgChannelRequest, protocol.MsgChannelSuccess, protocol.MsgChannelFailure:
		if !c.table.Dispatch(payload) {
			c.reportUnknown(payload)
		}
	default:
		c.reportUnknown(payload)
	}
}

func (c *Connection) reportUnknown(payload []byte) {
	if c.cfg.OnUnknown != nil {
		c.cfg.OnUnknown(payload)
	}
}

// reportClosed tears the connection down in response to the peer's own
// SSH_MSG_DISCONNECT — unlike CloseWithReason, it never sends one back.
func (c *Connection) reportClosed(reason uint32, message string) {
	if !c.markClosed(fmt.Errorf("sshcore: ssh: peer disconnected: reason %d: %s", reason, message)) {
		return
	}
	log.Printf("[session %s] peer disconnected: reason %d: %s", c.sessionTag(), reason, message)
	c.teardown()
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(reason, message)
	}
}

// CloseWithReason implements closer.Closer: every interceptor, and the
// connection's own Disconnect, tear the connection down through here so a
// fatal local failure is always reported to the peer. Connection implements
// closer.Closer rather than handing interceptors a *Connection directly,
// breaking what would otherwise be a cyclic reference.
func (c *Connection) CloseWithReason(reason uint32, message string) {
	if !c.markClosed(fmt.Errorf("sshcore: ssh: %s", message)) {
		return
	}
	log.Printf("[session %s] closing: reason %d: %s", c.sessionTag(), reason, message)
	// Best effort: the socket may already be unusable, which is exactly
	// why this is a disconnect in the first place.
	c.framer.Send(protocol.Marshal(protocol.MsgDisconnect, protocol.DisconnectMsg{Reason: reason, Message: message}))
	c.teardown()
}

func (c *Connection) markClosed(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.closeErr = err
	close(c.closedCh)
	return true
}

func (c *Connection) teardown() {
	c.chain.CloseAll()
	c.table.CloseAll()
	c.socket.Close()
}

// Disconnect sends SSH_MSG_DISCONNECT with reasonCode/message and tears the
// connection down.
func (c *Connection) Disconnect(reasonCode uint32, message string) error {
	c.CloseWithReason(reasonCode, message)
	return nil
}

// SendIgnorable sends SSH_MSG_IGNORE carrying data, RFC 4253 §11.2.
func (c *Connection) SendIgnorable(data []byte) error {
	return c.framer.Send(protocol.Marshal(protocol.MsgIgnore, protocol.IgnoreMsg{Data: data}))
}

// OpenShell opens a "session" channel and requests an interactive shell,
// RFC 4254 §6.1/§6.5. It sends no "pty-req", so the shell runs without a
// pseudo-terminal.
func (c *Connection) OpenShell(ctx context.Context) (*Channel, error) {
	ch, err := c.table.OpenChannel(ctx, "session", nil)
	if err != nil {
		return nil, err
	}
	return requestOrClose(ch, "shell", nil)
}

// ExecCommand opens a "session" channel and requests execution of command,
// RFC 4254 §6.5.
func (c *Connection) ExecCommand(ctx context.Context, command string) (*Channel, error) {
	ch, err := c.table.OpenChannel(ctx, "session", nil)
	if err != nil {
		return nil, err
	}
	return requestOrClose(ch, "exec", protocol.WriteString(nil, []byte(command)))
}

// OpenSubsystem opens a "session" channel and requests the named subsystem,
// RFC 4254 §6.5.
func (c *Connection) OpenSubsystem(ctx context.Context, name string) (*Channel, error) {
	ch, err := c.table.OpenChannel(ctx, "session", nil)
	if err != nil {
		return nil, err
	}
	return requestOrClose(ch, "subsystem", protocol.WriteString(nil, []byte(name)))
}

func requestOrClose(ch *Channel, request string, payload []byte) (*Channel, error) {
	ok, err := ch.SendRequest(request, true, payload)
	if err != nil {
		ch.Close()
		return nil, err
	}
	if !ok {
		ch.Close()
		return nil, fmt.Errorf("sshcore: ssh: %s request refused", request)
	}
	return ch, nil
}

// ForwardLocalPort opens a "direct-tcpip" channel to host:port, RFC 4254
// §7.2, and pumps bytes bidirectionally against localConn until both
// directions have finished, then closes both — the local-forwarding half of the job: accepting the local
// listener's connections is the caller's job, this is everything from the
// accepted conn onward.
func (c *Connection) ForwardLocalPort(ctx context.Context, localConn net.Conn, host string, port uint32) error {
	originatorAddr, originatorPort := splitHostPort(localConn.RemoteAddr().String())
	extra := protocol.MarshalExtra(protocol.DirectTCPIPExtra{
		Host:           host,
		Port:           port,
		OriginatorAddr: originatorAddr,
		OriginatorPort: originatorPort,
	})
	ch, err := c.table.OpenChannel(ctx, "direct-tcpip", extra)
	if err != nil {
		return err
	}
	channel.Pump(ch, localConn)
	return nil
}

// ListenForwardedPort requests the server bind addr:port (port 0 asks it to
// pick one) for remote port forwarding, RFC 4254 §7.1. accept decides
// whether to accept each inbound forwarded connection for this listener;
// serve takes ownership of an accepted channel on its own goroutine. It
// returns the bound port.
func (c *Connection) ListenForwardedPort(ctx context.Context, addr string, port uint32, accept func(originatorAddr string, originatorPort uint32) (ok bool, reason uint32), serve func(ch *Channel)) (uint32, error) {
	return c.forwarder.ListenForwardedPort(ctx, addr, port, portforward.Config{Accept: accept, Serve: serve})
}

// CancelForwardedPort cancels a remote port forward previously registered
// with ListenForwardedPort, RFC 4254 §7.1. With port 0, once the server
// accepts the cancel, every locally registered forward is dropped, whatever
// its addr.
func (c *Connection) CancelForwardedPort(ctx context.Context, addr string, port uint32) error {
	return c.forwarder.CancelForwardedPort(ctx, addr, port)
}

func splitHostPort(addr string) (host string, port uint32) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var n int
	fmt.Sscanf(p, "%d", &n)
	return h, uint32(n)
}
