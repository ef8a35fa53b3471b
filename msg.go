package nimbus

import "time"

// msgFlag tags a mailbox entry so control messages (close markers,
// heartbeats, flow-control signals) can share the FIFO with data messages
// without reordering, per spec.md §8's control-message note.
type msgFlag int

const (
	flagData msgFlag = iota
	flagClose
	flagHeartbeat
	flagFlowControl
)

// Message is a single inbound delivery. It is immutable after construction
// and owned by exactly one consumer: the mailbox until popped, then the
// handler that popped it.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
	Header  *Header
	Sub     *Subscription

	sid   uint64
	ts    time.Time
	flag  msgFlag
}

// Respond publishes Data as a reply to m.Reply, the conventional shortcut
// for request/reply handlers.
func (m *Message) Respond(data []byte) error {
	if m.Reply == "" {
		return errf(ErrInvalidArgument, "message has no reply subject to respond to")
	}
	if m.Sub == nil || m.Sub.conn == nil {
		return errf(ErrIllegalState, "message is not attached to a connection")
	}
	return m.Sub.conn.publish(m.Reply, "", nil, data)
}

// Ack is overridden for stream consumer messages (see stream package); on
// a plain core subscription it is a no-op, matching the broker's semantics
// for non-JetStream delivery.
func (m *Message) Ack() error { return nil }
