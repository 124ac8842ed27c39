package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sshcore/internal/protocol"
	"sshcore/internal/transport"
)

// DefaultOpenTimeout bounds how long OpenChannel waits for
// SSH_MSG_CHANNEL_OPEN_CONFIRMATION/FAILURE.
const DefaultOpenTimeout = 5 * time.Second

// openResult is delivered to a goroutine blocked in OpenChannel once the
// peer answers its SSH_MSG_CHANNEL_OPEN.
type openResult struct {
	ch  *Channel
	err error
}

// Table is the Connection's channel table: the mapping from local channel
// number (monotonically allocated, never reused) to the {channel operator,
// event handler} tuple — here, the *Channel itself, which plays both roles.
// Concurrent readers, exclusive writers.
type Table struct {
	framer *transport.Framer

	nextID uint32 // atomic

	mu      sync.RWMutex
	entries map[uint32]*Channel
	pending map[uint32]chan openResult
}

// NewTable constructs an empty channel table bound to framer, the Framer
// every Channel it creates sends through.
func NewTable(framer *transport.Framer) *Table {
	return &Table{
		framer:  framer,
		entries: make(map[uint32]*Channel),
		pending: make(map[uint32]chan openResult),
	}
}

func (t *Table) allocID() uint32 {
	return atomic.AddUint32(&t.nextID, 1) - 1
}

// OpenChannel drives a locally initiated SSH_MSG_CHANNEL_OPEN (the
// direct-tcpip path ForwardLocalPort uses, and the generic surface OpenShell
// /ExecCommand/OpenSubsystem build their session channel on top of),
// blocking for the peer's confirmation or failure.
func (t *Table) OpenChannel(ctx context.Context, chanType string, extra []byte) (*Channel, error) {
	localID := t.allocID()
	resultCh := make(chan openResult, 1)
	t.mu.Lock()
	t.pending[localID] = resultCh
	t.mu.Unlock()

	payload := protocol.Marshal(protocol.MsgChannelOpen, protocol.ChannelOpenMsg{
		ChanType:      chanType,
		PeersID:       localID,
		PeersWindow:   DefaultWindowSize,
		MaxPacketSize: DefaultMaxPacketSize,
		TypeSpecific:  extra,
	})
	if err := t.framer.Send(payload); err != nil {
		t.mu.Lock()
		delete(t.pending, localID)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-resultCh:
		return res.ch, res.err
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, localID)
		t.mu.Unlock()
		return nil, ctx.Err()
	case <-time.After(DefaultOpenTimeout):
		t.mu.Lock()
		delete(t.pending, localID)
		t.mu.Unlock()
		return nil, fmt.Errorf("sshcore: channel: timed out waiting for open confirmation")
	}
}

// NewChannel allocates a fresh local channel number for an inbound open
// (forwarded-tcpip, auth-agent) and wires up a Channel against the peer's
// advertised window/max-packet, WITHOUT registering it in the table yet:
// the channel is constructed before being offered to the handler, and a
// rejected channel is never registered. Call Register once the handler
// accepts, before sending SSH_MSG_CHANNEL_OPEN_CONFIRMATION.
func (t *Table) NewChannel(peerID, peerWindow, peerMaxPacket uint32) *Channel {
	localID := t.allocID()
	return newChannel(t.framer, localID, peerID, peerWindow, peerMaxPacket)
}

// Register adds ch to the table under its own LocalID, making it visible to
// Dispatch.
func (t *Table) Register(ch *Channel) {
	t.mu.Lock()
	t.entries[ch.LocalID()] = ch
	t.mu.Unlock()
}

// Get looks up a channel by local ID, for callers (e.g. Connection) that
// need the entry without going through Dispatch.
func (t *Table) Get(localID uint32) (*Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.entries[localID]
	return ch, ok
}

// Len reports the number of open channel table entries, for diagnostics.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Dispatch routes one CHANNEL_* packet to its channel by the local channel
// number named in the body. Returns false if the opcode isn't in the
// CHANNEL_OPEN_CONFIRMATION..CHANNEL_FAILURE range Dispatch owns, or if no
// channel/pending-open entry matches the local ID the packet names — the
// caller (Connection) then reports it as unknown.
func (t *Table) Dispatch(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch payload[0] {
	case protocol.MsgChannelOpenConfirm:
		m, err := protocol.UnmarshalChannelOpenConfirm(payload)
		if err != nil {
			return false
		}
		return t.resolveOpen(m.PeersID, m, nil)
	case protocol.MsgChannelOpenFailure:
		m, err := protocol.UnmarshalChannelOpenFailure(payload)
		if err != nil {
			return false
		}
		return t.resolveOpen(m.PeersID, protocol.ChannelOpenConfirmMsg{}, &m)
	case protocol.MsgChannelWindowAdjust:
		m, err := protocol.UnmarshalChannelWindowAdjust(payload)
		if err != nil {
			return false
		}
		ch, ok := t.Get(m.PeersID)
		if !ok {
			return false
		}
		ch.deliverWindowAdjust(m.AdditionalBytes)
		return true
	case protocol.MsgChannelData:
		m, err := protocol.UnmarshalChannelData(payload)
		if err != nil {
			return false
		}
		ch, ok := t.Get(m.PeersID)
		if !ok {
			return false
		}
		ch.deliverData(m.Data)
		return true
	case protocol.MsgChannelExtendedData:
		m, err := protocol.UnmarshalChannelExtendedData(payload)
		if err != nil {
			return false
		}
		ch, ok := t.Get(m.PeersID)
		if !ok {
			return false
		}
		ch.deliverExtendedData(m.Data)
		return true
	case protocol.MsgChannelEOF:
		m, err := protocol.UnmarshalChannelEOF(payload)
		if err != nil {
			return false
		}
		ch, ok := t.Get(m.PeersID)
		if !ok {
			return false
		}
		ch.deliverEOF()
		return true
	case protocol.MsgChannelClose:
		m, err := protocol.UnmarshalChannelClose(payload)
		if err != nil {
			return false
		}
		ch, ok := t.Get(m.PeersID)
		if !ok {
			return false
		}
		ch.deliverClose()
		t.mu.Lock()
		delete(t.entries, m.PeersID)
		t.mu.Unlock()
		return true
	case protocol.MsgChannelRequest:
		m, err := protocol.UnmarshalChannelRequest(payload)
		if err != nil {
			return false
		}
		ch, ok := t.Get(m.PeersID)
		if !ok {
			return false
		}
		ch.deliverRequest(m)
		return true
	case protocol.MsgChannelSuccess:
		m, err := protocol.UnmarshalChannelSuccess(payload)
		if err != nil {
			return false
		}
		ch, ok := t.Get(m.PeersID)
		if !ok {
			return false
		}
		ch.deliverSuccess()
		return true
	case protocol.MsgChannelFailure:
		m, err := protocol.UnmarshalChannelFailure(payload)
		if err != nil {
			return false
		}
		ch, ok := t.Get(m.PeersID)
		if !ok {
			return false
		}
		ch.deliverFailure()
		return true
	default:
		return false
	}
}

func (t *Table) resolveOpen(localID uint32, confirm protocol.ChannelOpenConfirmMsg, failure *protocol.ChannelOpenFailureMsg) bool {
	t.mu.Lock()
	resultCh, ok := t.pending[localID]
	if ok {
		delete(t.pending, localID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if failure != nil {
		resultCh <- openResult{err: fmt.Errorf("sshcore: channel: open failed: reason %d: %s", failure.Reason, failure.Message)}
		return true
	}
	// confirm.PeersID is the recipient (our own) channel number per RFC 4254
	// §5.1's wire order; confirm.MyID is the sender's (peer's) own channel
	// number, which becomes this Channel's peerID for future sends.
	ch := newChannel(t.framer, localID, confirm.MyID, confirm.MyWindow, confirm.MaxPacketSize)
	t.mu.Lock()
	t.entries[localID] = ch
	t.mu.Unlock()
	resultCh <- openResult{ch: ch}
	return true
}

// CloseAll closes every registered channel, called when the connection
// tears down.
func (t *Table) CloseAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint32]*Channel)
	pending := t.pending
	t.pending = make(map[uint32]chan openResult)
	t.mu.Unlock()

	for _, ch := range entries {
		ch.deliverClose()
	}
	for _, resultCh := range pending {
		resultCh <- openResult{err: ErrClosed}
	}
}
