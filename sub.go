package nimbus

import (
	"sync"
	"time"
)

// SubState is the lifecycle of a Subscription, per spec.md §3.
type SubState int

const (
	SubActive SubState = iota
	SubDraining
	SubClosed
)

// MsgHandler processes one delivered message. Errors raised inside a
// handler are not caught by the library (spec.md §7's error policy).
type MsgHandler func(*Message)

// defaultMailboxMsgs and defaultMailboxBytes are the mailbox limits a
// Subscription is given unless overridden, per spec.md §4.5. A limit of -1
// disables that bound.
const (
	defaultMailboxMsgs  = 65536
	defaultMailboxBytes = 64 * 1024 * 1024
)

// mailboxEntry couples a delivered Message with the control tag that
// decides its class, so control and data entries can share one FIFO
// without being allowed to reorder relative to each other.
type mailboxEntry struct {
	msg  *Message
	flag msgFlag
}

// mailbox is the bounded per-subscription FIFO with a condition variable,
// per spec.md §4.5. It intentionally does not borrow the teacher's
// lock-free RingBuffer: the mailbox must report precise drop accounting
// and support a blocking next_msg/drain wait, neither of which a
// lock-free SPSC ring exposes.
type mailbox struct {
	mu        sync.Mutex
	notEmpty  *sync.Cond
	entries   []mailboxEntry
	bytes     int
	maxMsgs   int // -1 disables
	maxBytes  int // -1 disables
	closed    bool
	dropped   uint64
}

func newMailbox(maxMsgs, maxBytes int) *mailbox {
	mb := &mailbox{maxMsgs: maxMsgs, maxBytes: maxBytes}
	mb.notEmpty = sync.NewCond(&mb.mu)
	return mb
}

// push enqueues an entry unless the mailbox is at a limit, in which case
// it silently drops and increments dropped (the caller raises the async
// slow_consumer error). Returns false when the entry was dropped.
func (mb *mailbox) push(e mailboxEntry) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return false
	}

	n := len(e.msg.Data)
	atMsgLimit := mb.maxMsgs >= 0 && len(mb.entries) >= mb.maxMsgs
	atByteLimit := mb.maxBytes >= 0 && mb.bytes+n > mb.maxBytes
	if atMsgLimit || atByteLimit {
		mb.dropped++
		return false
	}

	mb.entries = append(mb.entries, e)
	mb.bytes += n
	mb.notEmpty.Signal()
	return true
}

// tryPop returns the next entry without blocking; ok is false if the
// mailbox is currently empty.
func (mb *mailbox) tryPop() (mailboxEntry, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.entries) == 0 {
		return mailboxEntry{}, false
	}
	e := mb.entries[0]
	mb.entries = mb.entries[1:]
	mb.bytes -= len(e.msg.Data)
	return e, true
}

// pop blocks until an entry is available or the mailbox is closed and
// drained, returning ok=false in the latter case.
func (mb *mailbox) pop() (mailboxEntry, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for len(mb.entries) == 0 && !mb.closed {
		mb.notEmpty.Wait()
	}
	if len(mb.entries) == 0 {
		return mailboxEntry{}, false
	}
	e := mb.entries[0]
	mb.entries = mb.entries[1:]
	mb.bytes -= len(e.msg.Data)
	return e, true
}

// popTimeout blocks like pop but gives up after timeout, returning
// ok=false with no entry. Used by synchronous NextMsg.
func (mb *mailbox) popTimeout(timeout time.Duration) (mailboxEntry, bool) {
	deadline := time.Now().Add(timeout)
	done := make(chan mailboxEntry, 1)
	closedCh := make(chan struct{})
	go func() {
		e, ok := mb.pop()
		if ok {
			done <- e
		} else {
			close(closedCh)
		}
	}()
	select {
	case e := <-done:
		return e, true
	case <-closedCh:
		return mailboxEntry{}, false
	case <-time.After(time.Until(deadline)):
		return mailboxEntry{}, false
	}
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	mb.notEmpty.Broadcast()
}

func (mb *mailbox) isEmpty() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.entries) == 0
}

func (mb *mailbox) counts() (pendingMsgs, pendingBytes int, dropped uint64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.entries), mb.bytes, mb.dropped
}

// Subscription is a single subject interest registered on a Connection.
// See spec.md §3 for the field inventory this mirrors.
type Subscription struct {
	mu sync.Mutex

	sid        uint64
	subject    string
	queueGroup string
	conn       *Conn

	mbox *mailbox

	maxMsgs       int // 0 = unlimited
	deliveredCnt  uint64
	autoUnsubAt   uint64 // 0 = no auto-unsub configured
	state         SubState
	handler       MsgHandler
	dispatcherIdx int // which dispatcher worker this sub is pinned to

	drainDeadline time.Time

	queued   int32 // 1 when a dispatch signal for this sub is outstanding
	notifyFn func(*Subscription)
}

// deliver pushes msg into the subscription's mailbox, applying the
// max_msgs self-close invariant and reporting whether the message was
// actually enqueued (false => dropped, slow consumer).
func (s *Subscription) deliver(msg *Message) (delivered bool, selfClosed bool) {
	s.mu.Lock()
	if s.state == SubClosed {
		s.mu.Unlock()
		return false, false
	}
	s.mu.Unlock()

	ok := s.mbox.push(mailboxEntry{msg: msg, flag: flagData})
	if !ok {
		return false, false
	}

	s.mu.Lock()
	s.deliveredCnt++
	selfClose := s.maxMsgs > 0 && s.deliveredCnt >= uint64(s.maxMsgs)
	autoClose := s.autoUnsubAt > 0 && s.deliveredCnt >= s.autoUnsubAt
	if selfClose || autoClose {
		s.state = SubClosed
	}
	notify := s.notifyFn
	s.mu.Unlock()

	if notify != nil {
		notify(s)
	}

	return true, selfClose || autoClose
}

// NextMsg synchronously pops the next message, for subscriptions created
// without a handler. It blocks up to timeout.
func (s *Subscription) NextMsg(timeout time.Duration) (*Message, error) {
	s.mu.Lock()
	if s.handler != nil {
		s.mu.Unlock()
		return nil, errf(ErrInvalidArgument, "subscription has a handler; cannot call NextMsg")
	}
	s.mu.Unlock()

	e, ok := s.mbox.popTimeout(timeout)
	if !ok {
		return nil, errf(ErrTimeout, "no message received within %s", timeout)
	}
	return e.msg, nil
}

// Pending reports the subscription's current mailbox occupancy and
// cumulative drop count.
func (s *Subscription) Pending() (msgs, bytes int, dropped uint64) {
	return s.mbox.counts()
}

// Unsubscribe removes interest, optionally after max additional
// deliveries, per spec.md §4.5.
func (s *Subscription) Unsubscribe(max int) error {
	if s.conn == nil {
		return errf(ErrIllegalState, "subscription is not attached to a connection")
	}
	return s.conn.unsubscribe(s, max)
}

// Drain transitions the subscription through the single-subscription drain
// sequence described in spec.md §4.5.
func (s *Subscription) Drain(timeout time.Duration) error {
	if s.conn == nil {
		return errf(ErrIllegalState, "subscription is not attached to a connection")
	}
	return s.conn.drainSubscription(s, timeout)
}

// subRegistry is the sid -> Subscription map owned by a Connection.
type subRegistry struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextSid uint64
}

func newSubRegistry() *subRegistry {
	return &subRegistry{subs: make(map[uint64]*Subscription)}
}

func (r *subRegistry) add(sub *Subscription) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSid++
	sub.sid = r.nextSid
	r.subs[sub.sid] = sub
	return sub.sid
}

func (r *subRegistry) get(sid uint64) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[sid]
	return s, ok
}

func (r *subRegistry) remove(sid uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, sid)
}

func (r *subRegistry) all() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

func (r *subRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
