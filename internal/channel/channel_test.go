package channel

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"sshcore/internal/protocol"
	"sshcore/internal/transport"
)

func newPipeFramers() (*transport.Framer, *transport.Framer) {
	c1, c2 := net.Pipe()
	return transport.NewFramer(c1, c1, rand.Reader), transport.NewFramer(c2, c2, rand.Reader)
}

// pumpDispatch stands in for the root Connection's packet-reader loop: read
// whatever the peer sends and route it through the table, until the pipe
// closes.
func pumpDispatch(framer *transport.Framer, table *Table) {
	for {
		p, err := framer.Receive()
		if err != nil {
			return
		}
		table.Dispatch(p)
	}
}

func TestOpenChannelConfirmation(t *testing.T) {
	client, server := newPipeFramers()
	table := NewTable(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p, err := server.Receive()
		if err != nil {
			t.Errorf("server receive open: %v", err)
			return
		}
		open, err := protocol.UnmarshalChannelOpen(p)
		if err != nil {
			t.Errorf("unmarshal open: %v", err)
			return
		}
		if open.ChanType != "session" {
			t.Errorf("chanType = %q, want session", open.ChanType)
		}
		confirm := protocol.Marshal(protocol.MsgChannelOpenConfirm, protocol.ChannelOpenConfirmMsg{
			PeersID:       open.PeersID,
			MyID:          99,
			MyWindow:      DefaultWindowSize,
			MaxPacketSize: DefaultMaxPacketSize,
		})
		if err := server.Send(confirm); err != nil {
			t.Errorf("server send confirm: %v", err)
		}
	}()

	go pumpDispatch(client, table)

	ch, err := table.OpenChannel(context.Background(), "session", nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if ch.peerID != 99 {
		t.Errorf("peerID = %d, want 99 (from confirm.MyID, not PeersID)", ch.peerID)
	}
	if _, ok := table.Get(ch.LocalID()); !ok {
		t.Error("confirmed channel not registered in table")
	}
	<-done
}

func TestOpenChannelFailure(t *testing.T) {
	client, server := newPipeFramers()
	table := NewTable(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p, err := server.Receive()
		if err != nil {
			t.Errorf("server receive open: %v", err)
			return
		}
		open, _ := protocol.UnmarshalChannelOpen(p)
		failure := protocol.Marshal(protocol.MsgChannelOpenFailure, protocol.ChannelOpenFailureMsg{
			PeersID: open.PeersID,
			Reason:  protocol.ReasonAdministrativelyProhibited,
			Message: "no",
		})
		server.Send(failure)
	}()

	go pumpDispatch(client, table)

	if _, err := table.OpenChannel(context.Background(), "session", nil); err == nil {
		t.Fatal("expected OpenChannel to report the peer's failure")
	}
	<-done
}

func TestChannelDataRoundTrip(t *testing.T) {
	client, server := newPipeFramers()
	table := NewTable(client)
	ch := newChannel(client, 0, 1, DefaultWindowSize, DefaultMaxPacketSize)
	table.Register(ch)

	go pumpDispatch(client, table)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p, err := server.Receive()
		if err != nil {
			t.Errorf("server receive data: %v", err)
			return
		}
		data, err := protocol.UnmarshalChannelData(p)
		if err != nil {
			t.Errorf("unmarshal data: %v", err)
			return
		}
		if string(data.Data) != "hello" {
			t.Errorf("data = %q, want hello", data.Data)
		}
		// Echo something back as a SSH_MSG_CHANNEL_DATA the client's table
		// must route to ch.
		reply := protocol.Marshal(protocol.MsgChannelData, protocol.ChannelDataMsg{PeersID: 0, Data: []byte("world")})
		if err := server.Send(reply); err != nil {
			t.Errorf("server send reply: %v", err)
		}
	}()

	if _, err := ch.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 16)
	n, err := ch.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Errorf("Read = %q, want world", buf[:n])
	}
	<-done
}

func TestChannelSendRequestReply(t *testing.T) {
	client, server := newPipeFramers()
	table := NewTable(client)
	ch := newChannel(client, 0, 1, DefaultWindowSize, DefaultMaxPacketSize)
	table.Register(ch)

	go pumpDispatch(client, table)

	go func() {
		p, err := server.Receive()
		if err != nil {
			t.Errorf("server receive request: %v", err)
			return
		}
		req, err := protocol.UnmarshalChannelRequest(p)
		if err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		if req.Request != "shell" {
			t.Errorf("request = %q, want shell", req.Request)
		}
		server.Send(protocol.Marshal(protocol.MsgChannelSuccess, protocol.ChannelSuccessMsg{PeersID: 0}))
	}()

	ok, err := ch.SendRequest("shell", true, nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if !ok {
		t.Error("SendRequest reported failure, want success")
	}
}

func TestChannelDeliverCloseIdempotent(t *testing.T) {
	client, _ := newPipeFramers()
	ch := newChannel(client, 0, 1, DefaultWindowSize, DefaultMaxPacketSize)

	ch.deliverClose()
	ch.deliverClose() // must not panic on a second close delivery

	select {
	case <-ch.closedCh:
	default:
		t.Error("closedCh not closed after deliverClose")
	}
}

func TestChannelDeliverDataAfterEOFIsDropped(t *testing.T) {
	client, _ := newPipeFramers()
	ch := newChannel(client, 0, 1, DefaultWindowSize, DefaultMaxPacketSize)

	ch.deliverEOF()
	// A peer that sends DATA after its own EOF violates the protocol; this
	// must not block or panic on a closed incoming channel.
	ch.deliverData([]byte("late"))

	_, err := ch.Read(make([]byte, 4))
	if err != io.EOF {
		t.Errorf("Read after EOF = %v, want io.EOF", err)
	}
}

func TestChannelWriteBlocksOnWindowAndUnblocksOnAdjust(t *testing.T) {
	client, server := newPipeFramers()
	table := NewTable(client)
	ch := newChannel(client, 0, 1, 2, DefaultMaxPacketSize) // window of only 2 bytes
	table.Register(ch)

	go pumpDispatch(client, table)

	received := make(chan []byte, 2)
	go func() {
		for i := 0; i < 2; i++ {
			p, err := server.Receive()
			if err != nil {
				return
			}
			d, err := protocol.UnmarshalChannelData(p)
			if err != nil {
				return
			}
			received <- d.Data
		}
	}()

	writeDone := make(chan error, 1)
	go func() {
		_, err := ch.Write([]byte("abcd"))
		writeDone <- err
	}()

	select {
	case got := <-received:
		if string(got) != "ab" {
			t.Errorf("first fragment = %q, want ab (bounded by the 2-byte window)", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first window-bounded fragment")
	}

	// Grant more window so the rest of the write can proceed.
	adjust := protocol.Marshal(protocol.MsgChannelWindowAdjust, protocol.ChannelWindowAdjustMsg{PeersID: 0, AdditionalBytes: 2})
	if err := server.Send(adjust); err != nil {
		t.Fatalf("server send window adjust: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "cd" {
			t.Errorf("second fragment = %q, want cd", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the window-adjust-unblocked fragment")
	}

	if err := <-writeDone; err != nil {
		t.Fatalf("Write: %v", err)
	}
}
