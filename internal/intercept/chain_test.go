package intercept

import "testing"

type fakeInterceptor struct {
	result        Result
	seen          [][]byte
	closedNotified bool
}

func (f *fakeInterceptor) InterceptPacket(payload []byte) Result {
	f.seen = append(f.seen, payload)
	return f.result
}

func (f *fakeInterceptor) OnConnectionClosed() { f.closedNotified = true }

func TestDispatchStopsAtFirstConsumed(t *testing.T) {
	first := &fakeInterceptor{result: Consumed}
	second := &fakeInterceptor{result: Consumed}

	c := &Chain{}
	c.Add(first)
	c.Add(second)

	if !c.Dispatch([]byte{1}) {
		t.Fatal("expected Dispatch to report the packet as claimed")
	}
	if len(first.seen) != 1 {
		t.Fatalf("first interceptor saw %d packets, want 1", len(first.seen))
	}
	if len(second.seen) != 0 {
		t.Fatalf("second interceptor saw %d packets, want 0 (chain must stop at Consumed)", len(second.seen))
	}
}

func TestDispatchFinishedRemovesInterceptor(t *testing.T) {
	finishing := &fakeInterceptor{result: Finished}

	c := &Chain{}
	c.Add(finishing)

	if !c.Dispatch([]byte{1}) {
		t.Fatal("expected Dispatch to report the packet as claimed")
	}
	if !c.Dispatch([]byte{2}) {
		return // fine: with nothing left in the chain, Dispatch returns false
	}
	t.Fatal("interceptor should have been removed after returning Finished")
}

func TestDispatchAllPassThroughReturnsFalse(t *testing.T) {
	a := &fakeInterceptor{result: PassThrough}
	b := &fakeInterceptor{result: PassThrough}

	c := &Chain{}
	c.Add(a)
	c.Add(b)

	if c.Dispatch([]byte{1}) {
		t.Fatal("expected Dispatch to report the packet as unclaimed")
	}
	if len(a.seen) != 1 || len(b.seen) != 1 {
		t.Fatal("every interceptor should see a packet no one claims")
	}
}

func TestCloseAllNotifiesEveryInterceptorAndEmptiesChain(t *testing.T) {
	a := &fakeInterceptor{result: PassThrough}
	b := &fakeInterceptor{result: PassThrough}

	c := &Chain{}
	c.Add(a)
	c.Add(b)
	c.CloseAll()

	if !a.closedNotified || !b.closedNotified {
		t.Fatal("CloseAll must notify every interceptor")
	}
	if c.Dispatch([]byte{1}) {
		t.Fatal("chain should be empty after CloseAll")
	}
}

func TestRemoveIsSafeAfterChainAlreadyRemovedIt(t *testing.T) {
	finishing := &fakeInterceptor{result: Finished}
	c := &Chain{}
	c.Add(finishing)
	c.Dispatch([]byte{1}) // chain removes it internally on Finished

	c.Remove(finishing) // must not panic or affect anything
}
