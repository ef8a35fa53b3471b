package stream

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	nimbus "github.com/nimbusmq/nimbus.go"
	"github.com/nimbusmq/nimbus.go/internal/nuid"
)

const defaultPullInboxPrefix = "_INBOX_PULL"

var pullInboxGen = nuid.New()

// pullRequest is the JSON body published to a pull consumer's request
// subject, per spec.md §4.9.
type pullRequest struct {
	Batch   int   `json:"batch"`
	Expires int64 `json:"expires,omitempty"`
	NoWait  bool  `json:"no_wait,omitempty"`
}

// PullSubscription fetches batches of messages from a broker-side pull
// consumer on demand. Only one Fetch may be outstanding at a time; a
// concurrent call is rejected per spec.md §4.9.
type PullSubscription struct {
	conn           *nimbus.Conn
	sub            *nimbus.Subscription
	inbox          string
	requestSubject string
	pulling        int32
}

// NewPullSubscription creates the reply inbox and prepares to issue pull
// requests against requestSubject (the broker's per-consumer pull endpoint).
func NewPullSubscription(conn *nimbus.Conn, requestSubject string) (*PullSubscription, error) {
	inbox := defaultPullInboxPrefix + "." + pullInboxGen.Next()
	sub, err := conn.SubscribeSync(inbox)
	if err != nil {
		return nil, err
	}
	return &PullSubscription{conn: conn, sub: sub, inbox: inbox, requestSubject: requestSubject}, nil
}

// Fetch requests up to batch messages and waits up to maxWait for them to
// arrive, returning however many showed up before the deadline (which may
// be fewer than batch, including zero).
func (p *PullSubscription) Fetch(batch int, maxWait time.Duration) ([]*Msg, error) {
	if !atomic.CompareAndSwapInt32(&p.pulling, 0, 1) {
		return nil, &nimbus.Error{Code: nimbus.ErrPullInProgress, Message: "a pull request is already in progress on this subscription"}
	}
	defer atomic.StoreInt32(&p.pulling, 0)

	payload, err := json.Marshal(pullRequest{Batch: batch, Expires: int64(maxWait)})
	if err != nil {
		return nil, err
	}
	if err := p.conn.PublishRequest(p.requestSubject, p.inbox, payload); err != nil {
		return nil, err
	}

	var msgs []*Msg
	deadline := time.Now().Add(maxWait)
	for len(msgs) < batch {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		m, err := p.sub.NextMsg(remaining)
		if err != nil {
			break
		}
		if isControlMessage(m) {
			handleControlMessage(p.conn, m)
			continue
		}
		msgs = append(msgs, wrapMsg(p.conn, m))
	}
	return msgs, nil
}

// Unsubscribe tears down the underlying inbox subscription.
func (p *PullSubscription) Unsubscribe() error {
	return p.sub.Unsubscribe(0)
}

// AutoRefiller issues Fetch calls on a pull subscription whenever the
// number of fetched-but-unacked messages is at or below lowWater, per
// spec.md §4.9's auto-refilling pull loop.
type AutoRefiller struct {
	pull     *PullSubscription
	batch    int
	lowWater int
	maxWait  time.Duration
	limiter  *rate.Limiter
	pending  int32
	stopCh   chan struct{}
}

// NewAutoRefiller starts a background loop that fetches another batch
// whenever at most lowWater messages are in flight, pacing refill requests
// to no more than one per minInterval.
func NewAutoRefiller(pull *PullSubscription, batch, lowWater int, minInterval, maxWait time.Duration, handler Handler) *AutoRefiller {
	af := &AutoRefiller{
		pull:     pull,
		batch:    batch,
		lowWater: lowWater,
		maxWait:  maxWait,
		limiter:  rate.NewLimiter(rate.Every(minInterval), 1),
		stopCh:   make(chan struct{}),
	}
	go af.loop(handler)
	return af
}

// Ack acks m and decrements the in-flight count so the refill loop can
// issue another pull once the low-water mark is crossed.
func (af *AutoRefiller) Ack(m *Msg) error {
	err := m.Ack()
	if err == nil {
		atomic.AddInt32(&af.pending, -1)
	}
	return err
}

func (af *AutoRefiller) loop(handler Handler) {
	for {
		select {
		case <-af.stopCh:
			return
		default:
		}

		if int(atomic.LoadInt32(&af.pending)) > af.lowWater {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if err := af.limiter.Wait(context.Background()); err != nil {
			return
		}

		msgs, err := af.pull.Fetch(af.batch, af.maxWait)
		if err != nil {
			continue
		}
		for _, m := range msgs {
			atomic.AddInt32(&af.pending, 1)
			handler(m)
		}
	}
}

// Stop terminates the refill loop. It does not unsubscribe the underlying
// PullSubscription.
func (af *AutoRefiller) Stop() { close(af.stopCh) }
