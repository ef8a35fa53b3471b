package stream

import (
	"fmt"
	"strings"
	"testing"
	"time"

	nimbus "github.com/nimbusmq/nimbus.go"
)

func TestPublishAsyncResolvesOnAck(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.close()

	c, err := nimbus.Connect(nimbus.Servers("nimbus://" + fb.addr()))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	corr, err := NewPubAckCorrelator(c, PubAckConfig{})
	if err != nil {
		t.Fatalf("failed to create correlator: %v", err)
	}
	defer corr.Close()

	raw := fb.nextConn(t)
	time.Sleep(20 * time.Millisecond)

	future, err := corr.PublishAsync("orders.create", []byte("payload"), "msg-1")
	if err != nil {
		t.Fatalf("publish async failed: %v", err)
	}

	replySubject := fb.waitForReceived(t, "orders.create")
	reply := extractReplySubject(t, replySubject, "orders.create")

	ackBody := `{"stream":"ORDERS","seq":42,"duplicate":false}`
	raw.Write([]byte(fmt.Sprintf("MSG %s 1 %d\r\n%s\r\n", reply, len(ackBody), ackBody)))

	ack, err := future.Wait(2 * time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if ack.Stream != "ORDERS" || ack.Seq != 42 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestPublishAsyncSurfacesAckError(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.close()

	c, err := nimbus.Connect(nimbus.Servers("nimbus://" + fb.addr()))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	corr, err := NewPubAckCorrelator(c, PubAckConfig{})
	if err != nil {
		t.Fatalf("failed to create correlator: %v", err)
	}
	defer corr.Close()

	raw := fb.nextConn(t)
	time.Sleep(20 * time.Millisecond)

	future, err := corr.PublishAsync("orders.create", []byte("payload"), "msg-err")
	if err != nil {
		t.Fatalf("publish async failed: %v", err)
	}

	replySubject := fb.waitForReceived(t, "orders.create")
	reply := extractReplySubject(t, replySubject, "orders.create")

	ackBody := `{"error":{"code":503,"err_code":10052,"description":"no suitable stream"}}`
	raw.Write([]byte(fmt.Sprintf("MSG %s 1 %d\r\n%s\r\n", reply, len(ackBody), ackBody)))

	_, err = future.Wait(2 * time.Second)
	if err == nil {
		t.Fatal("expected an error from the broker's ack body")
	}
}

func TestPublishAsyncWaitTimesOutWithoutAck(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.close()

	c, err := nimbus.Connect(nimbus.Servers("nimbus://" + fb.addr()))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	corr, err := NewPubAckCorrelator(c, PubAckConfig{})
	if err != nil {
		t.Fatalf("failed to create correlator: %v", err)
	}
	defer corr.Close()

	fb.nextConn(t)

	future, err := corr.PublishAsync("orders.create", []byte("payload"), "msg-timeout")
	if err != nil {
		t.Fatalf("publish async failed: %v", err)
	}

	_, err = future.Wait(50 * time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestHandleDisconnectFailsOutstandingWaiters(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.close()

	c, err := nimbus.Connect(nimbus.Servers("nimbus://" + fb.addr()))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	corr, err := NewPubAckCorrelator(c, PubAckConfig{})
	if err != nil {
		t.Fatalf("failed to create correlator: %v", err)
	}
	defer corr.Close()

	fb.nextConn(t)

	future, err := corr.PublishAsync("orders.create", []byte("payload"), "msg-disc")
	if err != nil {
		t.Fatalf("publish async failed: %v", err)
	}

	disconnectErr := &nimbus.Error{Code: nimbus.ErrIO, Message: "socket closed"}
	corr.HandleDisconnect(disconnectErr)

	_, err = future.Wait(2 * time.Second)
	if err == nil {
		t.Fatal("expected the waiter to be failed by HandleDisconnect")
	}
}

// extractReplySubject pulls the reply subject out of a raw "PUB subject
// reply size\r\n..." frame the client wrote.
func extractReplySubject(t *testing.T, frame, subject string) string {
	t.Helper()
	idx := strings.Index(frame, "PUB "+subject+" ")
	if idx < 0 {
		t.Fatalf("frame %q does not contain a PUB for %q", frame, subject)
	}
	rest := frame[idx+len("PUB "+subject+" "):]
	end := strings.IndexAny(rest, " \r")
	if end < 0 {
		t.Fatalf("could not parse reply subject out of %q", frame)
	}
	return rest[:end]
}
