package nimbus

import (
	"bytes"
	"strconv"
	"testing"
)

func parseAll(t *testing.T, frames ...[]byte) []protoEvent {
	t.Helper()
	p := NewParser()
	var all []protoEvent
	for _, f := range frames {
		evts, err := p.Parse(f)
		if err != nil {
			t.Fatalf("parse error: %v", err)
		}
		all = append(all, evts...)
	}
	return all
}

func TestParsePingPong(t *testing.T) {
	evts := parseAll(t, []byte("PING\r\nPONG\r\n"))
	if len(evts) != 2 || evts[0].op != opPing || evts[1].op != opPong {
		t.Fatalf("unexpected events: %+v", evts)
	}
}

func TestParseOKErr(t *testing.T) {
	evts := parseAll(t, []byte("+OK\r\n-ERR 'Authorization Violation'\r\n"))
	if len(evts) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evts))
	}
	if evts[0].op != opOK {
		t.Fatalf("expected +OK, got %v", evts[0].op)
	}
	if evts[1].op != opErr || evts[1].errText != "Authorization Violation" {
		t.Fatalf("unexpected -ERR event: %+v", evts[1])
	}
}

func TestParseInfo(t *testing.T) {
	evts := parseAll(t, []byte(`INFO {"server_id":"abc"}`+"\r\n"))
	if len(evts) != 1 || evts[0].op != opInfo {
		t.Fatalf("unexpected events: %+v", evts)
	}
	if string(evts[0].info) != `{"server_id":"abc"}` {
		t.Fatalf("unexpected info payload: %s", evts[0].info)
	}
}

func TestParseMsg(t *testing.T) {
	frame := []byte("MSG foo 1 6\r\nhello!\r\n")
	evts := parseAll(t, frame)
	if len(evts) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evts))
	}
	e := evts[0]
	if e.op != opMsg || e.subject != "foo" || e.sid != 1 || e.reply != "" {
		t.Fatalf("unexpected msg event: %+v", e)
	}
	if !bytes.Equal(e.payload, []byte("hello!")) {
		t.Fatalf("unexpected payload: %q", e.payload)
	}
}

func TestParseMsgWithReply(t *testing.T) {
	frame := []byte("MSG foo 2 INBOX.1 5\r\nworld\r\n")
	evts := parseAll(t, frame)
	e := evts[0]
	if e.reply != "INBOX.1" || string(e.payload) != "world" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestParseHMsg(t *testing.T) {
	hdr := "NATS/1.0\r\nX-Test: 1\r\n\r\n"
	payload := "body"
	total := len(hdr) + len(payload)
	frame := []byte("HMSG foo 3 " + strconv.Itoa(len(hdr)) + " " + strconv.Itoa(total) + "\r\n" + hdr + payload + "\r\n")
	evts := parseAll(t, frame)
	e := evts[0]
	if e.op != opHMsg {
		t.Fatalf("expected HMSG event, got %+v", e)
	}
	if string(e.payload) != payload {
		t.Fatalf("unexpected payload: %q", e.payload)
	}
	h, err := parseHeader(e.header)
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	if h.Get("X-Test") != "1" {
		t.Fatalf("unexpected header: %+v", h)
	}
}

// TestSplitBufferRobustness verifies Testable Property 2: splitting a valid
// stream anywhere and feeding the pieces across separate Parse calls yields
// the same events as parsing it whole.
func TestSplitBufferRobustness(t *testing.T) {
	full := []byte("INFO {\"a\":1}\r\nMSG foo 1 reply.1 5\r\nhello\r\nPING\r\nPONG\r\n+OK\r\n")

	whole := parseAll(t, full)

	for split := 0; split <= len(full); split++ {
		p := NewParser()
		var got []protoEvent
		for _, chunk := range [][]byte{full[:split], full[split:]} {
			evts, err := p.Parse(chunk)
			if err != nil {
				t.Fatalf("split=%d: parse error: %v", split, err)
			}
			got = append(got, evts...)
		}
		if !sameEvents(whole, got) {
			t.Fatalf("split=%d: events differ\nwhole=%+v\ngot=%+v", split, whole, got)
		}
	}
}

func sameEvents(a, b []protoEvent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].op != b[i].op {
			return false
		}
		if a[i].op == opMsg || a[i].op == opHMsg {
			if a[i].subject != b[i].subject || a[i].sid != b[i].sid || a[i].reply != b[i].reply {
				return false
			}
			if !bytes.Equal(a[i].payload, b[i].payload) {
				return false
			}
			if !bytes.Equal(a[i].header, b[i].header) {
				return false
			}
		}
		if a[i].op == opErr && a[i].errText != b[i].errText {
			return false
		}
		if a[i].op == opInfo && !bytes.Equal(a[i].info, b[i].info) {
			return false
		}
	}
	return true
}

func TestParseRejectsBadHdrSize(t *testing.T) {
	p := NewParser()
	_, err := p.Parse([]byte("HMSG foo 1 10 5\r\n"))
	if err == nil {
		t.Fatal("expected error when hdr_size exceeds total_size")
	}
}

func TestParseRejectsBadSid(t *testing.T) {
	p := NewParser()
	_, err := p.Parse([]byte("MSG foo notanumber 5\r\nhello\r\n"))
	if err == nil {
		t.Fatal("expected error for non-numeric sid")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pub := encodePub("foo", "", nil, []byte("hello!"))
	p := NewParser()
	// Feed our own PUB as though it were a broker-framed MSG by substituting
	// the verb: the codec's MSG/HMSG framing rules are identical on the
	// size/payload side, which is what this test is verifying round-trips.
	frame := bytes.Replace(pub, []byte("PUB"), []byte("MSG"), 1)
	frame = bytes.Replace(frame, []byte("foo 6"), []byte("foo 1 6"), 1)
	evts, err := p.Parse(frame)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(evts) != 1 || string(evts[0].payload) != "hello!" {
		t.Fatalf("round trip mismatch: %+v", evts)
	}
}

func TestEncodeSubUnsub(t *testing.T) {
	sub := encodeSub("foo", "", 1)
	if string(sub) != "SUB foo 1\r\n" {
		t.Fatalf("unexpected SUB encoding: %q", sub)
	}
	subQ := encodeSub("foo", "workers", 2)
	if string(subQ) != "SUB foo workers 2\r\n" {
		t.Fatalf("unexpected queue SUB encoding: %q", subQ)
	}
	unsub := encodeUnsub(1, 0)
	if string(unsub) != "UNSUB 1\r\n" {
		t.Fatalf("unexpected UNSUB encoding: %q", unsub)
	}
	unsubMax := encodeUnsub(1, 5)
	if string(unsubMax) != "UNSUB 1 5\r\n" {
		t.Fatalf("unexpected UNSUB max encoding: %q", unsubMax)
	}
}
