package nimbus

import (
	"sync"
	"testing"
	"time"
)

func newPinnedSub(t *testing.T, pool *dispatcherPool, handler MsgHandler) *Subscription {
	t.Helper()
	s := &Subscription{mbox: newMailbox(-1, -1), handler: handler}
	pool.pin(s)
	return s
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	pool := newDispatcherPool(2)
	defer pool.shutdown()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	s := newPinnedSub(t, pool, func(m *Message) {
		mu.Lock()
		got = append(got, string(m.Data))
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	s.deliver(newTestMsg("1"))
	s.deliver(newTestMsg("2"))
	s.deliver(newTestMsg("3"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("expected in-order delivery, got %v", got)
	}
}

func TestDispatcherPinRecordsIndexInRange(t *testing.T) {
	pool := newDispatcherPool(4)
	defer pool.shutdown()

	s := &Subscription{mbox: newMailbox(-1, -1)}
	pool.pin(s)
	idx1 := s.dispatcherIdx
	pool.pin(s)
	idx2 := s.dispatcherIdx
	// Re-pinning isn't something the library does in practice, but this
	// at least verifies pin() deterministically records an index in range.
	if idx1 < 0 || idx1 >= pool.size() || idx2 < 0 || idx2 >= pool.size() {
		t.Fatalf("dispatcher index out of range: %d, %d", idx1, idx2)
	}
}

func TestDispatcherRoundRobinsAcrossWorkers(t *testing.T) {
	pool := newDispatcherPool(3)
	defer pool.shutdown()

	seen := map[int]bool{}
	for i := 0; i < 6; i++ {
		s := &Subscription{mbox: newMailbox(-1, -1)}
		pool.pin(s)
		seen[s.dispatcherIdx] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected subscriptions spread across all 3 workers, got indices %v", seen)
	}
}

func TestDispatcherAtMostOneDispatch(t *testing.T) {
	pool := newDispatcherPool(4)
	defer pool.shutdown()

	var inFlight int32
	var maxSeen int32
	var mu sync.Mutex
	count := 0
	done := make(chan struct{})

	s := newPinnedSub(t, pool, func(m *Message) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		inFlight--
		count++
		n := count
		mu.Unlock()
		if n == 20 {
			close(done)
		}
	})

	for i := 0; i < 20; i++ {
		s.deliver(newTestMsg("x"))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > 1 {
		t.Fatalf("expected at most one concurrent dispatch for a pinned subscription, saw %d", maxSeen)
	}
}
