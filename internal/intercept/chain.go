// Package intercept implements the packet-interceptor dispatch fabric:
// an ordered chain of stateful consumers that each may claim or pass an
// inbound packet, letting sub-protocols (key exchange, authentication,
// port forwarding, agent forwarding) own a slice of the opcode space for a
// bounded span of time.
package intercept

import "sync"

// Result is the outcome an Interceptor returns for one offered packet.
type Result int

const (
	// Consumed means the packet was fully handled; the chain stops here.
	Consumed Result = iota
	// PassThrough means this interceptor has no interest in the packet;
	// the chain offers it to the next interceptor.
	PassThrough
	// Finished means the packet was handled AND this interceptor's job is
	// done; it is removed from the chain after this call.
	Finished
)

// Interceptor is a stateful consumer that can claim inbound packets for the
// duration of its sub-protocol's state machine.
type Interceptor interface {
	// InterceptPacket offers one inbound payload (opcode + body).
	InterceptPacket(payload []byte) Result
	// OnConnectionClosed notifies the interceptor that the connection is
	// gone; implementations must unblock any goroutine waiting on an
	// internal response slot (the kex, auth and portforward interceptors
	// close a channel those waiters select on), so that waiter observes a ConnectionClosed-flavored error rather
	// than hanging forever.
	OnConnectionClosed()
}

// Chain holds interceptors in insertion order and offers each inbound
// packet to them until one claims it or all pass.
type Chain struct {
	mu    sync.Mutex
	items []Interceptor
}

// Add appends an interceptor to the end of the chain.
func (c *Chain) Add(i Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, i)
}

// Remove removes an interceptor if present. Safe to call even if the chain
// already removed it itself after a Finished result.
func (c *Chain) Remove(i Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx, it := range c.items {
		if it == i {
			c.items = append(c.items[:idx], c.items[idx+1:]...)
			return
		}
	}
}

// Dispatch offers payload to each interceptor in order. It returns true if
// some interceptor consumed (or finished on) the packet, false if every
// interceptor passed through — in which case the connection's default
// dispatch is responsible for it.
//
// Only one interceptor ever observes a given packet: the loop stops at the
// first Consumed/Finished result.
func (c *Chain) Dispatch(payload []byte) bool {
	c.mu.Lock()
	snapshot := make([]Interceptor, len(c.items))
	copy(snapshot, c.items)
	c.mu.Unlock()

	for _, it := range snapshot {
		switch it.InterceptPacket(payload) {
		case Consumed:
			return true
		case Finished:
			c.Remove(it)
			return true
		case PassThrough:
			continue
		}
	}
	return false
}

// CloseAll propagates connection closure to every interceptor still in the
// chain, in insertion order.
func (c *Chain) CloseAll() {
	c.mu.Lock()
	snapshot := make([]Interceptor, len(c.items))
	copy(snapshot, c.items)
	c.items = nil
	c.mu.Unlock()

	for _, it := range snapshot {
		it.OnConnectionClosed()
	}
}
