// Package stream implements the broker-assigned-subject consumer layer
// described in spec.md §4.9: push and pull delivery, ack kinds, heartbeat
// and flow-control handling, and ordered-consumer resync. It builds on top
// of the core connection's plain Subscribe/Publish surface rather than
// reaching into Conn internals.
package stream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	nimbus "github.com/nimbusmq/nimbus.go"
)

// ackSubjectPrefix is the fixed head of a delivery's reply subject that
// carries delivery metadata, per spec.md §4.9.
const ackSubjectPrefix = "$JS.ACK"

var (
	ackWordAck      = []byte("+ACK")
	ackWordNak      = []byte("-NAK")
	ackWordProgress = []byte("+WPI")
	ackWordTerm     = []byte("+TERM")
)

// Metadata is the delivery metadata a broker encodes into a push or pull
// message's reply subject: stream/consumer names, delivery counters and
// the flow-control-relevant pending count.
type Metadata struct {
	Stream       string
	Consumer     string
	NumDelivered uint64
	StreamSeq    uint64
	ConsumerSeq  uint64
	Timestamp    int64
	NumPending   uint64
}

// parseMetadata decodes reply, a dot-delimited subject of the form
// "$JS.ACK.<stream>.<consumer>.<num_delivered>.<stream_seq>.<consumer_seq>.<timestamp>.<num_pending>".
// A reply that doesn't match (a plain core message, or a control message)
// yields a nil Metadata and no error; callers treat that as "not a stream
// delivery" rather than a failure.
func parseMetadata(reply string) (*Metadata, error) {
	if reply == "" {
		return nil, nil
	}
	fields := strings.Split(reply, ".")
	if len(fields) != 9 || fields[0] != "$JS" || fields[1] != "ACK" {
		return nil, nil
	}

	parseU := func(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) }
	delivered, err := parseU(fields[4])
	if err != nil {
		return nil, fmt.Errorf("invalid num_delivered in %q: %w", reply, err)
	}
	sseq, err := parseU(fields[5])
	if err != nil {
		return nil, fmt.Errorf("invalid stream_seq in %q: %w", reply, err)
	}
	cseq, err := parseU(fields[6])
	if err != nil {
		return nil, fmt.Errorf("invalid consumer_seq in %q: %w", reply, err)
	}
	ts, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp in %q: %w", reply, err)
	}
	pending, err := parseU(fields[8])
	if err != nil {
		return nil, fmt.Errorf("invalid num_pending in %q: %w", reply, err)
	}

	return &Metadata{
		Stream:       fields[2],
		Consumer:     fields[3],
		NumDelivered: delivered,
		StreamSeq:    sseq,
		ConsumerSeq:  cseq,
		Timestamp:    ts,
		NumPending:   pending,
	}, nil
}

// Msg decorates a core nimbus.Message with stream delivery metadata and the
// ack verbs a JetStream-style consumer publishes to its reply subject. Its
// Ack/Nak/InProgress/Term methods shadow the embedded Message.Ack no-op.
type Msg struct {
	*nimbus.Message
	Meta *Metadata

	conn *nimbus.Conn
}

func wrapMsg(conn *nimbus.Conn, m *nimbus.Message) *Msg {
	meta, _ := parseMetadata(m.Reply)
	return &Msg{Message: m, Meta: meta, conn: conn}
}

func (m *Msg) respond(word []byte) error {
	if m.Reply == "" {
		return &nimbus.Error{Code: nimbus.ErrIllegalState, Message: "message has no ack subject"}
	}
	return m.conn.Publish(m.Reply, word)
}

// Ack acknowledges successful processing.
func (m *Msg) Ack() error { return m.respond(ackWordAck) }

// Nak signals processing failed; the broker redelivers the message.
func (m *Msg) Nak() error { return m.respond(ackWordNak) }

// InProgress extends the broker's ack-wait deadline without acking or
// naking; it may be sent any number of times for the same delivery.
func (m *Msg) InProgress() error { return m.respond(ackWordProgress) }

// Term tells the broker to stop redelivering this message.
func (m *Msg) Term() error { return m.respond(ackWordTerm) }

// Handler processes one stream delivery.
type Handler func(*Msg)

// PushConfig configures a push consumer subscription.
type PushConfig struct {
	// DeliverSubject is the broker-assigned subject messages arrive on.
	DeliverSubject string
	// Queue, if set, load-balances delivery across queue group members.
	Queue string
	// HeartbeatInterval is the broker's configured idle heartbeat period.
	// A gap of 2x this interval with no message or heartbeat raises
	// MissedHeartbeatHandler. Zero disables heartbeat monitoring.
	HeartbeatInterval time.Duration
	// MissedHeartbeatHandler is invoked (on its own goroutine) when a
	// heartbeat gap is detected.
	MissedHeartbeatHandler func(*PushConsumer, error)
}

// PushConsumer wires a broker-assigned delivery subject to a user Handler,
// transparently absorbing heartbeat and flow-control control messages
// before they reach the handler.
type PushConsumer struct {
	conn    *nimbus.Conn
	cfg     PushConfig
	handler Handler
	sub     *nimbus.Subscription
	hb      *heartbeatMonitor
}

// NewPushConsumer subscribes to cfg.DeliverSubject and begins dispatching
// decoded deliveries to handler.
func NewPushConsumer(conn *nimbus.Conn, cfg PushConfig, handler Handler) (*PushConsumer, error) {
	pc := &PushConsumer{conn: conn, cfg: cfg, handler: handler}

	if cfg.HeartbeatInterval > 0 {
		pc.hb = newHeartbeatMonitor(cfg.HeartbeatInterval, func() {
			if cfg.MissedHeartbeatHandler != nil {
				pc.safeHandleMissedHeartbeat()
			}
		})
	}

	var sub *nimbus.Subscription
	var err error
	if cfg.Queue != "" {
		sub, err = conn.QueueSubscribe(cfg.DeliverSubject, cfg.Queue, pc.onMsg)
	} else {
		sub, err = conn.Subscribe(cfg.DeliverSubject, pc.onMsg)
	}
	if err != nil {
		if pc.hb != nil {
			pc.hb.stop()
		}
		return nil, err
	}
	pc.sub = sub
	return pc, nil
}

func (pc *PushConsumer) safeHandleMissedHeartbeat() {
	pc.cfg.MissedHeartbeatHandler(pc, &nimbus.Error{Code: nimbus.ErrMissedHeartbeat, Message: "no message or heartbeat received within the expected window"})
}

func (pc *PushConsumer) onMsg(m *nimbus.Message) {
	if pc.hb != nil {
		pc.hb.touch()
	}
	if isControlMessage(m) {
		handleControlMessage(pc.conn, m)
		return
	}
	pc.handler(wrapMsg(pc.conn, m))
}

// Stop unsubscribes immediately and stops heartbeat monitoring.
func (pc *PushConsumer) Stop() error {
	if pc.hb != nil {
		pc.hb.stop()
	}
	return pc.sub.Unsubscribe(0)
}

// Drain stops heartbeat monitoring and drains the underlying subscription.
func (pc *PushConsumer) Drain(timeout time.Duration) error {
	if pc.hb != nil {
		pc.hb.stop()
	}
	return pc.sub.Drain(timeout)
}
