package stream

import (
	"sync"
	"time"

	nimbus "github.com/nimbusmq/nimbus.go"
)

// RecreateFunc recreates the broker-side consumer starting at startStreamSeq
// and returns the new delivery subject to subscribe on. Actual consumer
// CRUD is a broker-API concern outside this layer's scope, so the caller
// supplies this hook rather than the stream package calling a JetStream
// management API directly.
type RecreateFunc func(startStreamSeq uint64) (deliverSubject string, err error)

// OrderedConsumer wraps a PushConsumer with desync detection: when a
// delivery's consumer_seq doesn't match what was expected, the broker-side
// consumer is considered lost and is transparently recreated starting just
// after the last successfully-delivered stream sequence, per spec.md §4.9.
type OrderedConsumer struct {
	mu sync.Mutex

	conn     *nimbus.Conn
	cfg      PushConfig
	recreate RecreateFunc
	handler  Handler

	pc                  *PushConsumer
	expectedConsumerSeq uint64
	lastGoodStreamSeq   uint64
	closed              bool
}

// NewOrderedConsumer subscribes via cfg.DeliverSubject and begins tracking
// consumer_seq continuity.
func NewOrderedConsumer(conn *nimbus.Conn, cfg PushConfig, recreate RecreateFunc, handler Handler) (*OrderedConsumer, error) {
	oc := &OrderedConsumer{
		conn:                conn,
		cfg:                 cfg,
		recreate:            recreate,
		handler:             handler,
		expectedConsumerSeq: 1,
	}
	if err := oc.subscribe(); err != nil {
		return nil, err
	}
	return oc, nil
}

func (oc *OrderedConsumer) subscribe() error {
	oc.mu.Lock()
	cfg := oc.cfg
	oc.mu.Unlock()

	pc, err := NewPushConsumer(oc.conn, cfg, oc.onMsg)
	if err != nil {
		return err
	}
	oc.mu.Lock()
	oc.pc = pc
	oc.mu.Unlock()
	return nil
}

func (oc *OrderedConsumer) onMsg(m *Msg) {
	if m.Meta == nil {
		oc.handler(m)
		return
	}

	oc.mu.Lock()
	if oc.closed {
		oc.mu.Unlock()
		return
	}
	expected := oc.expectedConsumerSeq
	if m.Meta.ConsumerSeq != expected {
		resetSeq := oc.lastGoodStreamSeq + 1
		oc.mu.Unlock()
		oc.resync(resetSeq)
		return
	}
	oc.expectedConsumerSeq = expected + 1
	oc.lastGoodStreamSeq = m.Meta.StreamSeq
	oc.mu.Unlock()

	oc.handler(m)
}

// resync drops the current subscription and recreates the broker-side
// consumer at startSeq, transparently to the caller's Handler.
func (oc *OrderedConsumer) resync(startSeq uint64) {
	oc.mu.Lock()
	old := oc.pc
	closed := oc.closed
	oc.mu.Unlock()
	if closed {
		return
	}
	if old != nil {
		old.Stop()
	}

	newSubject, err := oc.recreate(startSeq)
	if err != nil {
		if oc.cfg.MissedHeartbeatHandler != nil {
			oc.cfg.MissedHeartbeatHandler(nil, err)
		}
		return
	}

	oc.mu.Lock()
	oc.cfg.DeliverSubject = newSubject
	oc.expectedConsumerSeq = 1
	oc.mu.Unlock()

	oc.subscribe()
}

// Stop unsubscribes and prevents further resync attempts.
func (oc *OrderedConsumer) Stop() error {
	oc.mu.Lock()
	oc.closed = true
	pc := oc.pc
	oc.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Stop()
}

// Drain stops heartbeat monitoring, prevents further resync, and drains
// the underlying subscription.
func (oc *OrderedConsumer) Drain(timeout time.Duration) error {
	oc.mu.Lock()
	oc.closed = true
	pc := oc.pc
	oc.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Drain(timeout)
}
