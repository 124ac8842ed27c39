// Package channel implements the Connection's channel table: the mapping
// from local channel number to {channel operator, event handler}, and the
// Channel type itself — the multiplexed logical stream over the connection
// that RFC 4254 §5 describes. Per-channel application logic (the
// shell/exec/subsystem payload loop itself) stays out of this package;
// Channel exposes the byte stream and request plumbing an application-level
// loop drives, the way golang.org/x/crypto/ssh's own Channel type draws the
// same boundary.
package channel

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"sshcore/internal/protocol"
	"sshcore/internal/transport"
)

// DefaultWindowSize is the initial per-channel receive window advertised on
// open, RFC 4254 §5.1 — large enough to keep data flowing without a
// window-adjust round trip on every small read.
const DefaultWindowSize = 2 * 1024 * 1024

// DefaultMaxPacketSize caps a single SSH_MSG_CHANNEL_DATA payload Channel
// accepts or advertises, RFC 4254 §5.1.
const DefaultMaxPacketSize = 32 * 1024

// ErrClosed is returned by Read/Write/SendRequest once the channel has been
// closed, locally or by the peer.
var ErrClosed = errors.New("sshcore: channel: use of closed channel")

// Request is one inbound SSH_MSG_CHANNEL_REQUEST, RFC 4254 §5.4, handed to
// whatever application-level loop is driving this Channel via Requests().
type Request struct {
	Type      string
	WantReply bool
	Payload   []byte

	ch *Channel
}

// Reply answers a request that set WantReply; a no-op otherwise.
func (r *Request) Reply(ok bool) error {
	if !r.WantReply {
		return nil
	}
	if ok {
		return r.ch.send(protocol.MsgChannelSuccess, protocol.ChannelSuccessMsg{PeersID: r.ch.peerID})
	}
	return r.ch.send(protocol.MsgChannelFailure, protocol.ChannelFailureMsg{PeersID: r.ch.peerID})
}

// Channel is one RFC 4254 §5 multiplexed logical stream: a ReadWriteCloser
// for the main data stream, an extended-data writer (stderr), and a
// Requests channel for SSH_MSG_CHANNEL_REQUEST delivery.
type Channel struct {
	framer *transport.Framer

	localID uint32
	peerID  uint32

	sendWindow *window
	recvWindow *window
	maxPacket  uint32 // peer's advertised max packet size, bounds our writes

	incoming chan []byte
	extended chan []byte
	requests chan *Request
	replies  chan bool // lazily allocated by repliesChan; correlates SendRequest replies

	mu         sync.Mutex
	closed     bool
	closedCh   chan struct{}
	readBuf    []byte
	extReadBuf []byte
	eof        bool
	unadjusted uint32 // bytes read since the last SSH_MSG_CHANNEL_WINDOW_ADJUST
}

// newChannel constructs a Channel for localID, already confirmed open
// against peerID/peerWindow/peerMaxPacket.
func newChannel(framer *transport.Framer, localID, peerID, peerWindow, peerMaxPacket uint32) *Channel {
	return &Channel{
		framer:     framer,
		localID:    localID,
		peerID:     peerID,
		sendWindow: newWindow(peerWindow),
		recvWindow: newWindow(DefaultWindowSize),
		maxPacket:  peerMaxPacket,
		incoming:   make(chan []byte, 16),
		extended:   make(chan []byte, 16),
		requests:   make(chan *Request, 16),
		closedCh:   make(chan struct{}),
	}
}

// LocalID is this connection's local channel number.
func (c *Channel) LocalID() uint32 { return c.localID }

// Requests returns the channel of inbound SSH_MSG_CHANNEL_REQUEST deliveries.
// It is closed when the channel closes.
func (c *Channel) Requests() <-chan *Request { return c.requests }

// Read implements io.Reader over the main data stream.
func (c *Channel) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		select {
		case b, ok := <-c.incoming:
			if !ok {
				return 0, io.EOF
			}
			c.readBuf = b
		case <-c.closedCh:
			return 0, ErrClosed
		}
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	c.recvWindow.add(uint32(n))
	c.adjustWindow(uint32(n))
	return n, nil
}

// ReadExtended reads from the extended-data stream (SSH_EXTENDED_DATA_STDERR).
func (c *Channel) ReadExtended(p []byte) (int, error) {
	for len(c.extReadBuf) == 0 {
		select {
		case b, ok := <-c.extended:
			if !ok {
				return 0, io.EOF
			}
			c.extReadBuf = b
		case <-c.closedCh:
			return 0, ErrClosed
		}
	}
	n := copy(p, c.extReadBuf)
	c.extReadBuf = c.extReadBuf[n:]
	c.recvWindow.add(uint32(n))
	c.adjustWindow(uint32(n))
	return n, nil
}

// adjustWindow records n more bytes read and tells the peer it may send
// that much more once the amount reclaimed since the last adjust reaches
// half of DefaultWindowSize, so small reads don't each cost a round trip.
func (c *Channel) adjustWindow(n uint32) {
	c.mu.Lock()
	c.unadjusted += n
	if c.unadjusted < DefaultWindowSize/2 {
		c.mu.Unlock()
		return
	}
	n, c.unadjusted = c.unadjusted, 0
	c.mu.Unlock()
	c.send(protocol.MsgChannelWindowAdjust, protocol.ChannelWindowAdjustMsg{PeersID: c.peerID, AdditionalBytes: n})
}

// Write implements io.Writer, fragmenting at the peer's advertised max
// packet size and blocking on the send window, RFC 4254 §5.2.
func (c *Channel) Write(p []byte) (int, error) {
	return c.write(protocol.MsgChannelData, p)
}

// WriteExtended writes to the stderr extended-data stream,
// SSH_EXTENDED_DATA_STDERR.
func (c *Channel) WriteExtended(p []byte) (int, error) {
	return c.write(protocol.MsgChannelExtendedData, p)
}

func (c *Channel) write(msgType byte, p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		select {
		case <-c.closedCh:
			return total, ErrClosed
		default:
		}
		chunk := p
		if uint32(len(chunk)) > c.maxPacket {
			chunk = chunk[:c.maxPacket]
		}
		n := c.sendWindow.reserve(uint32(len(chunk)))
		if n == 0 {
			return total, ErrClosed
		}
		chunk = chunk[:n]
		var payload []byte
		if msgType == protocol.MsgChannelData {
			payload = protocol.Marshal(msgType, protocol.ChannelDataMsg{PeersID: c.peerID, Data: chunk})
		} else {
			payload = protocol.Marshal(msgType, protocol.ChannelExtendedDataMsg{PeersID: c.peerID, DataTypeCode: 1, Data: chunk})
		}
		if err := c.framer.Send(payload); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// SendRequest sends a SSH_MSG_CHANNEL_REQUEST and, if wantReply, blocks for
// the SUCCESS/FAILURE reply. Replies to requests this Channel sends are
// correlated purely by arrival order per RFC 4254 §5.4 — Table.Dispatch
// hands each reply to deliverSuccess/deliverFailure, which feed the channel
// repliesChan returns in the order they arrive on the wire, which matches
// the order requests were sent.
func (c *Channel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	if err := c.send(protocol.MsgChannelRequest, protocol.ChannelRequestMsg{PeersID: c.peerID, Request: name, WantReply: wantReply, Payload: payload}); err != nil {
		return false, err
	}
	if !wantReply {
		return true, nil
	}
	select {
	case ok := <-c.repliesChan():
		return ok, nil
	case <-c.closedCh:
		return false, ErrClosed
	}
}

// repliesChan lazily allocates the reply-correlation channel; most Channels
// never call SendRequest with wantReply, so it is not part of the zero-value
// construction.
func (c *Channel) repliesChan() chan bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replies == nil {
		c.replies = make(chan bool, 1)
	}
	return c.replies
}

// Close sends SSH_MSG_CHANNEL_CLOSE and marks the channel closed for local
// readers/writers. It does nothing if the channel is already closed,
// locally or by the peer's CLOSE. The Table drops the entry when the
// peer's SSH_MSG_CHANNEL_CLOSE arrives; a local Close alone leaves it
// registered.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.closedCh)
	c.sendWindow.broken()
	return c.send(protocol.MsgChannelClose, protocol.ChannelCloseMsg{PeersID: c.peerID})
}

// CloseWrite sends SSH_MSG_CHANNEL_EOF, signalling no more data will be
// written, without tearing down the whole channel.
func (c *Channel) CloseWrite() error {
	return c.send(protocol.MsgChannelEOF, protocol.ChannelEOFMsg{PeersID: c.peerID})
}

func (c *Channel) send(msgType byte, msg any) error {
	return c.framer.Send(protocol.Marshal(msgType, msg))
}

// --- delivery from the connection's default dispatch ---

func (c *Channel) deliverData(data []byte) {
	c.mu.Lock()
	eof := c.eof
	c.mu.Unlock()
	if eof {
		return // peer sent DATA after its own EOF; nothing to deliver to
	}
	select {
	case c.incoming <- data:
	case <-c.closedCh:
	}
}

func (c *Channel) deliverExtendedData(data []byte) {
	c.mu.Lock()
	eof := c.eof
	c.mu.Unlock()
	if eof {
		return
	}
	select {
	case c.extended <- data:
	case <-c.closedCh:
	}
}

func (c *Channel) deliverWindowAdjust(n uint32) {
	c.sendWindow.add(n)
}

func (c *Channel) deliverRequest(req protocol.ChannelRequestMsg) {
	r := &Request{Type: req.Request, WantReply: req.WantReply, Payload: req.Payload, ch: c}
	select {
	case c.requests <- r:
	case <-c.closedCh:
	}
}

func (c *Channel) deliverSuccess() {
	select {
	case c.repliesChan() <- true:
	default:
	}
}

func (c *Channel) deliverFailure() {
	select {
	case c.repliesChan() <- false:
	default:
	}
}

func (c *Channel) deliverEOF() {
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
	close(c.incoming)
	close(c.extended)
}

func (c *Channel) deliverClose() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	close(c.closedCh)
	c.sendWindow.broken()
	close(c.requests)
}

func (c *Channel) String() string {
	return fmt.Sprintf("channel(local=%d peer=%d)", c.localID, c.peerID)
}
