// Package agentforward implements the Agent Forwarder: the interceptor
// that accepts inbound "auth-agent@openssh.com" channel opens and answers
// the OpenSSH agent wire protocol over the resulting channel (spec.md
// §4.6), delegating the protocol implementation itself to
// golang.org/x/crypto/ssh/agent — the "agent-key provider" external
// collaborator spec.md §6 names.
package agentforward

import (
	"sshcore/internal/channel"
	"sshcore/internal/closer"
	"sshcore/internal/intercept"
	"sshcore/internal/protocol"
	"sshcore/internal/transport"

	"golang.org/x/crypto/ssh/agent"
)

// channelOpenType is the RFC 4254-style channel type name OpenSSH servers
// use when forwarding a client's ssh-agent connection back to it.
const channelOpenType = "auth-agent@openssh.com"

// Forwarder is the Agent Forwarder interceptor, one per connection. A nil
// Provider disables agent forwarding: every inbound request is rejected.
type Forwarder struct {
	framer   *transport.Framer
	table    *channel.Table
	closer   closer.Closer
	provider agent.Agent
}

// New constructs a Forwarder bound to framer/table. provider is the
// configured agent-key provider (spec.md §6); pass nil to reject every
// auth-agent@openssh.com request.
func New(framer *transport.Framer, table *channel.Table, c closer.Closer, provider agent.Agent) *Forwarder {
	return &Forwarder{framer: framer, table: table, closer: c, provider: provider}
}

// InterceptPacket implements intercept.Interceptor, claiming only inbound
// channel opens of type "auth-agent@openssh.com"; every other packet,
// including other channel-open types, passes through.
func (f *Forwarder) InterceptPacket(payload []byte) intercept.Result {
	if len(payload) == 0 || payload[0] != protocol.MsgChannelOpen {
		return intercept.PassThrough
	}
	m, err := protocol.UnmarshalChannelOpen(payload)
	if err != nil || m.ChanType != channelOpenType {
		return intercept.PassThrough
	}
	f.handleOpen(m)
	return intercept.Consumed
}

// OnConnectionClosed implements intercept.Interceptor. The Forwarder holds
// no response slot of its own to unblock — each accepted channel's own
// Close/OnConnectionClosed path (driven by the channel table) handles that.
func (f *Forwarder) OnConnectionClosed() {}

func (f *Forwarder) handleOpen(m protocol.ChannelOpenMsg) {
	if f.provider == nil {
		f.reject(m.PeersID, protocol.ReasonAdministrativelyProhibited, "agent forwarding not configured")
		return
	}

	ch := f.table.NewChannel(m.PeersID, m.PeersWindow, m.MaxPacketSize)
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

	// agent.ServeAgent owns the channel's lifetime from here: it reads
	// requests with ch.Read, answers with ch.Write, and returns once the
	// channel is closed or a protocol error occurs.
	go func() {
		defer ch.Close()
		agent.ServeAgent(f.provider, ch)
	}()
}

func (f *Forwarder) reject(peersID, reason uint32, message string) {
	payload := protocol.Marshal(protocol.MsgChannelOpenFailure, protocol.ChannelOpenFailureMsg{
		PeersID: peersID,
		Reason:  reason,
		Message: message,
	})
	f.framer.Send(payload)
}
