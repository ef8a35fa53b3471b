package nimbus

import (
	"testing"
	"time"
)

func TestRespMuxTokenRoundTrip(t *testing.T) {
	mux := newRespMux("conn1")
	token, reply := mux.newToken()
	if reply != mux.prefix+token {
		t.Fatalf("expected reply subject to be prefix+token, got %q", reply)
	}

	ch := mux.register(token)
	msg := &Message{Subject: reply, Data: []byte("pong")}
	if !mux.deliver(msg) {
		t.Fatal("expected deliver to match the registered waiter")
	}

	select {
	case r := <-ch:
		if r.err != nil || string(r.msg.Data) != "pong" {
			t.Fatalf("unexpected result: %+v", r)
		}
	default:
		t.Fatal("expected a result to be ready on the channel")
	}
}

func TestRespMuxDeliverIgnoresForeignSubject(t *testing.T) {
	mux := newRespMux("conn1")
	token, _ := mux.newToken()
	mux.register(token)

	if mux.deliver(&Message{Subject: "some.other.subject"}) {
		t.Fatal("expected deliver to reject a subject outside the mux prefix")
	}
}

func TestRespMuxNoRespondersStatus(t *testing.T) {
	mux := newRespMux("conn1")
	token, reply := mux.newToken()
	ch := mux.register(token)

	h := NewHeader()
	h.Status = StatusNoResponders
	mux.deliver(&Message{Subject: reply, Header: h})

	r := <-ch
	if r.err == nil {
		t.Fatal("expected a no_responders error")
	}
	nErr, ok := r.err.(*Error)
	if !ok || nErr.Code != ErrNoResponders {
		t.Fatalf("expected ErrNoResponders, got %v", r.err)
	}
}

func TestRespMuxWaitForTimeout(t *testing.T) {
	mux := newRespMux("conn1")
	token, _ := mux.newToken()
	ch := mux.register(token)

	_, err := mux.waitFor(token, ch, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	nErr, ok := err.(*Error)
	if !ok || nErr.Code != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	mux.mu.Lock()
	_, stillPresent := mux.waiters[token]
	mux.mu.Unlock()
	if stillPresent {
		t.Fatal("expected waiter to be removed after timeout")
	}
}

func TestRespMuxCloseAllCompletesWaiters(t *testing.T) {
	mux := newRespMux("conn1")
	tok1, _ := mux.newToken()
	tok2, _ := mux.newToken()
	ch1 := mux.register(tok1)
	ch2 := mux.register(tok2)

	closeErr := errf(ErrConnectionClosed, "connection closed")
	mux.closeAll(closeErr)

	r1 := <-ch1
	r2 := <-ch2
	if r1.err != closeErr || r2.err != closeErr {
		t.Fatalf("expected both waiters completed with close error, got %v / %v", r1.err, r2.err)
	}
}
