package nimbus

import (
	"bytes"
	"net"
	"testing"
	"time"
)

// fakeBroker is a minimal broker simulator for Conn tests: it sends INFO,
// completes the CONNECT/PING/PONG handshake, and thereafter answers PINGs
// with PONGs while handing raw connections back to the test so it can
// push MSG/HMSG frames directly.
type fakeBroker struct {
	ln    net.Listener
	conns chan net.Conn
}

func startFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake broker: %v", err)
	}
	fb := &fakeBroker{ln: ln, conns: make(chan net.Conn, 8)}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fb.handle(conn)
		}
	}()
	return fb
}

func (fb *fakeBroker) handle(conn net.Conn) {
	conn.Write([]byte(`INFO {"server_id":"test","max_payload":1048576,"proto":1}` + "\r\n"))

	ping := []byte("PING\r\n")
	buf := make([]byte, 4096)
	var handshake []byte
	for !bytes.Contains(handshake, ping) {
		n, err := conn.Read(buf)
		if err != nil {
			conn.Close()
			return
		}
		handshake = append(handshake, buf[:n]...)
	}
	conn.Write([]byte("PONG\r\n"))

	fb.conns <- conn

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		for i := bytes.Count(buf[:n], ping); i > 0; i-- {
			conn.Write([]byte("PONG\r\n"))
		}
	}
}

func (fb *fakeBroker) addr() string {
	return fb.ln.Addr().String()
}

func (fb *fakeBroker) nextConn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-fb.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fake broker to accept a connection")
		return nil
	}
}

func (fb *fakeBroker) close() { fb.ln.Close() }

func TestConnectHandshakeTransitionsToConnected(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.close()

	c, err := Connect(Servers("nimbus://" + fb.addr()))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	if c.State() != StateConnected {
		t.Fatalf("expected connected state, got %v", c.State())
	}
	if c.ConnectedURL() == "" {
		t.Fatal("expected a connected URL to be recorded")
	}
}

func TestPublishRejectsOversizedPayload(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.close()

	c, err := Connect(Servers("nimbus://" + fb.addr()))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	big := make([]byte, 1048577)
	err = c.Publish("foo", big)
	if err == nil {
		t.Fatal("expected max_payload_exceeded error")
	}
	nErr, ok := err.(*Error)
	if !ok || nErr.Code != ErrMaxPayloadExceeded {
		t.Fatalf("expected ErrMaxPayloadExceeded, got %v", err)
	}
}

func TestSubscribeDeliversInboundMessage(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.close()

	c, err := Connect(Servers("nimbus://" + fb.addr()))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	raw := fb.nextConn(t)

	done := make(chan *Message, 1)
	if _, err := c.Subscribe("foo", func(m *Message) { done <- m }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Give the SUB frame a moment to reach the fake broker before it
	// pushes a matching delivery.
	time.Sleep(20 * time.Millisecond)
	raw.Write([]byte("MSG foo 1 6\r\nhello!\r\n"))

	select {
	case m := <-done:
		if m.Subject != "foo" || string(m.Data) != "hello!" {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestFlushReturnsOnPong(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.close()

	c, err := Connect(Servers("nimbus://" + fb.addr()))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	if err := c.Flush(2 * time.Second); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
}

func TestCloseCompletesPendingRequestsWithError(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.close()

	c, err := Connect(Servers("nimbus://" + fb.addr()))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := c.Request("nobody.listens", []byte("?"), 5*time.Second)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected an error after close")
		}
		nErr, ok := err.(*Error)
		if !ok || nErr.Code != ErrConnectionClosed {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request to complete")
	}
}
