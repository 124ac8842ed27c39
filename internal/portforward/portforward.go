// Package portforward implements the Remote Port Forwarder: the
// interceptor that tracks outstanding "tcpip-forward"/"cancel-tcpip-forward"
// global requests and inbound "forwarded-tcpip" channel openings, RFC 4254
// §7 (spec.md §4.5).
package portforward

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sshcore/internal/channel"
	"sshcore/internal/closer"
	"sshcore/internal/intercept"
	"sshcore/internal/protocol"
	"sshcore/internal/transport"
)

// DefaultTimeout bounds how long ListenForwardedPort/CancelForwardedPort
// wait for SSH_MSG_REQUEST_SUCCESS/FAILURE, spec.md §4.5.
const DefaultTimeout = 5 * time.Second

// Config lets a registered listener decide whether to accept an inbound
// forwarded-tcpip channel and, once accepted, take ownership of it.
type Config struct {
	// Accept is offered the originator address/port of an inbound
	// forwarded-tcpip channel open for this listener's port. Returning
	// ok=false rejects the open with reason (RFC 4254 §5.1 reason codes).
	Accept func(originatorAddr string, originatorPort uint32) (ok bool, reason uint32)
	// Serve takes ownership of ch once it is open and confirmed. Invoked on
	// its own goroutine so it may block for the channel's lifetime.
	Serve func(ch *channel.Channel)
}

type registryEntry struct {
	cfg Config
}

// Forwarder is the Remote Port Forwarder interceptor, one per connection.
type Forwarder struct {
	framer *transport.Framer
	table  *channel.Table
	closer closer.Closer

	// slot is the single in-flight global-request token, spec.md §4.5:
	// "each serializes global requests through a single in-flight slot."
	// Acquire by sending to it (capacity 1), release by receiving.
	slot chan struct{}

	mu       sync.RWMutex
	registry map[uint32]registryEntry
	respCh   chan []byte
	closed   bool
	closedCh chan struct{}
}

// New constructs a Forwarder bound to framer/table.
func New(framer *transport.Framer, table *channel.Table, c closer.Closer) *Forwarder {
	return &Forwarder{
		framer:   framer,
		table:    table,
		closer:   c,
		slot:     make(chan struct{}, 1),
		registry: make(map[uint32]registryEntry),
		respCh:   make(chan []byte, 1),
		closedCh: make(chan struct{}),
	}
}

// ListenForwardedPort sends SSH_MSG_GLOBAL_REQUEST("tcpip-forward"),
// requesting the server bind addr:port (port 0 asks the server to pick),
// and on success registers cfg against the bound port. It returns the bound
// port — the server-assigned one when port was 0, the requested one
// otherwise.
func (f *Forwarder) ListenForwardedPort(ctx context.Context, addr string, port uint32, cfg Config) (uint32, error) {
	if err := f.acquireSlot(ctx); err != nil {
		return 0, err
	}
	defer f.releaseSlot()

	payload := marshalForwardPayload(addr, port)
	resp, err := f.doGlobalRequest(ctx, "tcpip-forward", payload)
	if err != nil {
		return 0, err
	}
	if resp.failed {
		return 0, fmt.Errorf("sshcore: portforward: server refused tcpip-forward for %s:%d", addr, port)
	}

	bound := port
	if port == 0 {
		success, err := protocol.UnmarshalRequestSuccess(resp.payload)
		if err != nil || len(success.Payload) < 4 {
			return 0, fmt.Errorf("sshcore: portforward: malformed tcpip-forward success reply")
		}
		bound = uint32(success.Payload[0])<<24 | uint32(success.Payload[1])<<16 | uint32(success.Payload[2])<<8 | uint32(success.Payload[3])
	}

	f.mu.Lock()
	f.registry[bound] = registryEntry{cfg: cfg}
	f.mu.Unlock()
	return bound, nil
}

// CancelForwardedPort sends SSH_MSG_GLOBAL_REQUEST("cancel-tcpip-forward").
// On success, removes the registry entry for port, or every entry if port
// is 0.
func (f *Forwarder) CancelForwardedPort(ctx context.Context, addr string, port uint32) error {
	if err := f.acquireSlot(ctx); err != nil {
		return err
	}
	defer f.releaseSlot()

	payload := marshalForwardPayload(addr, port)
	resp, err := f.doGlobalRequest(ctx, "cancel-tcpip-forward", payload)
	if err != nil {
		return err
	}
	if resp.failed {
		return fmt.Errorf("sshcore: portforward: server refused cancel-tcpip-forward for %s:%d", addr, port)
	}

	f.mu.Lock()
	if port == 0 {
		f.registry = make(map[uint32]registryEntry)
	} else {
		delete(f.registry, port)
	}
	f.mu.Unlock()
	return nil
}

// InterceptPacket implements intercept.Interceptor. It claims
// SSH_MSG_REQUEST_SUCCESS/FAILURE (the Forwarder is the only source of
// outbound SSH_MSG_GLOBAL_REQUEST in this build, so it may own the whole
// reply opcode space) and inbound "forwarded-tcpip" channel opens.
func (f *Forwarder) InterceptPacket(payload []byte) intercept.Result {
	if len(payload) == 0 {
		return intercept.PassThrough
	}
	switch payload[0] {
	case protocol.MsgRequestSuccess, protocol.MsgRequestFailure:
		f.mu.Lock()
		ch := f.respCh
		f.mu.Unlock()
		select {
		case ch <- payload:
		default:
		}
		return intercept.Consumed
	case protocol.MsgChannelOpen:
		m, err := protocol.UnmarshalChannelOpen(payload)
		if err != nil || m.ChanType != "forwarded-tcpip" {
			return intercept.PassThrough
		}
		f.handleForwardedTCPIP(m)
		return intercept.Consumed
	default:
		return intercept.PassThrough
	}
}

// OnConnectionClosed implements intercept.Interceptor.
func (f *Forwarder) OnConnectionClosed() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.closedCh)
	f.mu.Unlock()
}

func (f *Forwarder) handleForwardedTCPIP(m protocol.ChannelOpenMsg) {
	extra, err := protocol.UnmarshalForwardedTCPIPExtra(m.TypeSpecific)
	if err != nil {
		f.rejectOpen(m.PeersID, protocol.ReasonConnectFailed, "malformed forwarded-tcpip request")
		return
	}

	f.mu.RLock()
	entry, ok := f.registry[extra.ConnectedPort]
	f.mu.RUnlock()
	if !ok {
		f.rejectOpen(m.PeersID, protocol.ReasonAdministrativelyProhibited, "port not registered for forwarding")
		return
	}

	ch := f.table.NewChannel(m.PeersID, m.PeersWindow, m.MaxPacketSize)
	ok, reason := entry.cfg.Accept(extra.OriginatorAddr, extra.OriginatorPort)
	if !ok {
		f.rejectOpen(m.PeersID, reason, "rejected by application handler")
		return
	}

	f.table.Register(ch)
	confirm := protocol.Marshal(protocol.MsgChannelOpenConfirm, protocol.ChannelOpenConfirmMsg{
		PeersID:       m.PeersID,
		MyID:          ch.LocalID(),
		MyWindow:      channel.DefaultWindowSize,
		MaxPacketSize: channel.DefaultMaxPacketSize,
	})
	if err := f.framer.Send(confirm); err != nil {
		f.closer.CloseWithReason(protocol.DisconnectProtocolError, err.Error())
		return
	}
	go entry.cfg.Serve(ch)
}

func (f *Forwarder) rejectOpen(peersID, reason uint32, message string) {
	payload := protocol.Marshal(protocol.MsgChannelOpenFailure, protocol.ChannelOpenFailureMsg{
		PeersID: peersID,
		Reason:  reason,
		Message: message,
	})
	f.framer.Send(payload)
}

type globalRequestResult struct {
	failed  bool
	payload []byte
}

// doGlobalRequest sends one SSH_MSG_GLOBAL_REQUEST with want_reply=true and
// waits for the matching SUCCESS/FAILURE. Callers must hold the slot.
func (f *Forwarder) doGlobalRequest(ctx context.Context, reqType string, payload []byte) (globalRequestResult, error) {
	f.mu.Lock()
	f.respCh = make(chan []byte, 1)
	ch := f.respCh
	f.mu.Unlock()

	msg := protocol.Marshal(protocol.MsgGlobalRequest, protocol.GlobalRequestMsg{Type: reqType, WantReply: true, Payload: payload})
	if err := f.framer.Send(msg); err != nil {
		return globalRequestResult{}, err
	}

	select {
	case resp := <-ch:
		if resp[0] == protocol.MsgRequestFailure {
			return globalRequestResult{failed: true}, nil
		}
		return globalRequestResult{payload: resp}, nil
	case <-f.closedCh:
		return globalRequestResult{}, fmt.Errorf("sshcore: portforward: connection closed waiting for %s reply", reqType)
	case <-ctx.Done():
		return globalRequestResult{}, ctx.Err()
	case <-time.After(DefaultTimeout):
		return globalRequestResult{}, fmt.Errorf("sshcore: portforward: timed out waiting for %s reply", reqType)
	}
}

// acquireSlot blocks until no other ListenForwardedPort/CancelForwardedPort
// call is in flight, spec.md §4.5/§5's single-in-flight-slot rule.
func (f *Forwarder) acquireSlot(ctx context.Context) error {
	select {
	case f.slot <- struct{}{}:
		return nil
	case <-f.closedCh:
		return fmt.Errorf("sshcore: portforward: connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Forwarder) releaseSlot() {
	<-f.slot
}

func marshalForwardPayload(addr string, port uint32) []byte {
	var buf []byte
	buf = protocol.WriteString(buf, []byte(addr))
	buf = protocol.WriteUint32(buf, port)
	return buf
}
