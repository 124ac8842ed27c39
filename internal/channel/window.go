package channel

import "sync"

// window is the byte budget one side has told the other it may still send,
// RFC 4254 §5.2. Grounded on other_examples/golang-crypto__common.go's
// window type: a sync.Cond-guarded counter with add/reserve, reused here
// verbatim in idiom for both the send side (how much we may still write)
// and the receive side (how much we have told the peer it may still send
// us) of one Channel.
type window struct {
	*sync.Cond
	win    uint32 // RFC 4254 §5.2: the window can grow to 2^32-1
	closed bool
}

func newWindow(initial uint32) *window {
	return &window{Cond: sync.NewCond(&sync.Mutex{}), win: initial}
}

// add increases the available window by win, waking any goroutine blocked
// in reserve. Returns false on overflow, leaving the window unchanged.
func (w *window) add(win uint32) bool {
	if win == 0 {
		return true
	}
	w.L.Lock()
	if w.win+win < win {
		w.L.Unlock()
		return false
	}
	w.win += win
	w.Broadcast()
	w.L.Unlock()
	return true
}

// reserve blocks until at least some window is available, then consumes up
// to win of it and returns however much it actually took. It returns 0
// without consuming anything once broken has been called, so a writer
// blocked here unblocks instead of hanging once the channel is gone.
func (w *window) reserve(win uint32) uint32 {
	w.L.Lock()
	for w.win == 0 && !w.closed {
		w.Wait()
	}
	if w.closed {
		w.L.Unlock()
		return 0
	}
	if w.win < win {
		win = w.win
	}
	w.win -= win
	w.L.Unlock()
	return win
}

// broken wakes every goroutine blocked in reserve so a closed channel's
// writers unblock instead of hanging forever.
func (w *window) broken() {
	w.L.Lock()
	w.closed = true
	w.Broadcast()
	w.L.Unlock()
}
