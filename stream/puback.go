package stream

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	nimbus "github.com/nimbusmq/nimbus.go"
	"github.com/nimbusmq/nimbus.go/internal/nuid"
)

const defaultPubAckInboxPrefix = "_INBOX_ACK"

// AckResult is the successful body of a publish ack, per spec.md §4.10.
type AckResult struct {
	Stream    string `json:"stream"`
	Seq       uint64 `json:"seq"`
	Duplicate bool   `json:"duplicate"`
}

type ackErrorDetail struct {
	Code        int    `json:"code"`
	ErrCode     int    `json:"err_code"`
	Description string `json:"description"`
}

type ackWireBody struct {
	AckResult
	Error *ackErrorDetail `json:"error,omitempty"`
}

type pubAckResult struct {
	ack *AckResult
	err error
}

// AckFuture is a handle to a single outstanding publish acknowledgement.
type AckFuture struct {
	MsgID string
	ch    chan pubAckResult
}

// Wait blocks for the ack or the timeout, whichever comes first.
func (f *AckFuture) Wait(timeout time.Duration) (*AckResult, error) {
	select {
	case r := <-f.ch:
		return r.ack, r.err
	case <-time.After(timeout):
		return nil, &nimbus.Error{Code: nimbus.ErrTimeout, Message: "publish ack not received within " + timeout.String()}
	}
}

// PubAckConfig configures a PubAckCorrelator.
type PubAckConfig struct {
	// MaxInFlight bounds the number of unacknowledged async publishes.
	// Once reached, PublishAsync blocks until a slot frees. Defaults to
	// 512 if unset.
	MaxInFlight int
	// StallThreshold is the in-flight fraction (of MaxInFlight) at or
	// above which StalledHandler fires, once per stall episode.
	// Defaults to 0.9.
	StallThreshold float64
	// StalledHandler is invoked when the in-flight window crosses
	// StallThreshold.
	StalledHandler func(inFlight, max int)
	// RequeueOnIOError, if true, leaves waiters registered across an
	// io_error instead of failing them immediately, on the assumption the
	// caller will retry Wait after reconnecting. If false (the default),
	// HandleDisconnect fails every outstanding waiter immediately.
	RequeueOnIOError bool
}

// PubAckCorrelator implements spec.md §4.10's publish_async: it enqueues a
// PUB carrying a unique message ID in both the Nats-Msg-Id header and the
// reply subject, and correlates the broker's ack response (arriving on a
// shared per-correlator inbox) back to the waiting caller.
type PubAckCorrelator struct {
	mu      sync.Mutex
	conn    *nimbus.Conn
	cfg     PubAckConfig
	inbox   string
	sub     *nimbus.Subscription
	waiters map[string]*AckFuture
	gen     *nuid.Generator
	slots   chan struct{}
	stalled bool
}

// NewPubAckCorrelator creates the shared ack inbox and begins handling
// responses.
func NewPubAckCorrelator(conn *nimbus.Conn, cfg PubAckConfig) (*PubAckCorrelator, error) {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 512
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 0.9
	}

	c := &PubAckCorrelator{
		conn:    conn,
		cfg:     cfg,
		waiters: make(map[string]*AckFuture),
		gen:     nuid.New(),
		slots:   make(chan struct{}, cfg.MaxInFlight),
	}
	c.inbox = defaultPubAckInboxPrefix + "." + c.gen.Next()

	sub, err := conn.Subscribe(c.inbox+".>", c.onAck)
	if err != nil {
		return nil, err
	}
	c.sub = sub
	return c, nil
}

// PublishAsync publishes data to subject, auto-generating msgID if empty,
// and returns a future that resolves when the broker's ack arrives. It
// blocks if MaxInFlight unacknowledged publishes are already outstanding.
func (c *PubAckCorrelator) PublishAsync(subject string, data []byte, msgID string) (*AckFuture, error) {
	if msgID == "" {
		msgID = c.gen.Next()
	}

	c.checkStall()
	c.slots <- struct{}{}

	reply := c.inbox + "." + msgID
	future := &AckFuture{MsgID: msgID, ch: make(chan pubAckResult, 1)}

	c.mu.Lock()
	c.waiters[msgID] = future
	c.mu.Unlock()

	header := nimbus.NewHeader()
	header.Set("Nats-Msg-Id", msgID)

	if err := c.conn.PublishMsg(&nimbus.Message{Subject: subject, Reply: reply, Data: data, Header: header}); err != nil {
		c.mu.Lock()
		delete(c.waiters, msgID)
		c.mu.Unlock()
		<-c.slots
		return nil, err
	}
	return future, nil
}

func (c *PubAckCorrelator) checkStall() {
	if c.cfg.StalledHandler == nil {
		return
	}
	fill := float64(len(c.slots)) / float64(cap(c.slots))
	c.mu.Lock()
	already := c.stalled
	if fill >= c.cfg.StallThreshold {
		c.stalled = true
	} else {
		c.stalled = false
	}
	becameStalled := !already && c.stalled
	c.mu.Unlock()
	if becameStalled {
		c.cfg.StalledHandler(len(c.slots), cap(c.slots))
	}
}

func (c *PubAckCorrelator) onAck(m *nimbus.Message) {
	prefix := c.inbox + "."
	if !strings.HasPrefix(m.Subject, prefix) {
		return
	}
	msgID := m.Subject[len(prefix):]

	c.mu.Lock()
	future, ok := c.waiters[msgID]
	if ok {
		delete(c.waiters, msgID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-c.slots:
	default:
	}

	var wire ackWireBody
	if err := json.Unmarshal(m.Data, &wire); err != nil {
		future.ch <- pubAckResult{err: &nimbus.Error{Code: nimbus.ErrProtocol, Message: "invalid publish ack body", Cause: err}}
		return
	}
	if wire.Error != nil {
		future.ch <- pubAckResult{err: &nimbus.Error{Code: nimbus.ErrIO, Message: wire.Error.Description}}
		return
	}
	ack := wire.AckResult
	future.ch <- pubAckResult{ack: &ack}
}

// HandleDisconnect resolves (or, if RequeueOnIOError, retains) every
// outstanding waiter in response to a connection-level io_error, per
// spec.md §4.10.
func (c *PubAckCorrelator) HandleDisconnect(err error) {
	if c.cfg.RequeueOnIOError {
		return
	}

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[string]*AckFuture)
	c.mu.Unlock()

	for _, f := range waiters {
		select {
		case <-c.slots:
		default:
		}
		f.ch <- pubAckResult{err: err}
	}
}

// Close unsubscribes the shared ack inbox.
func (c *PubAckCorrelator) Close() error {
	return c.sub.Unsubscribe(0)
}
