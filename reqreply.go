package nimbus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nimbusmq/nimbus.go/internal/nuid"
)

// defaultInboxPrefix is prepended to every per-connection reply subject,
// per spec.md's glossary entry for Inbox.
const defaultInboxPrefix = "_INBOX"

// requestResult is what a respMux waiter receives: either a delivered
// message or an error (timeout, no_responders, connection_closed).
type requestResult struct {
	msg *Message
	err error
}

// respMux is the per-connection request/reply correlator described in
// spec.md §4.7: a single wildcard inbox subscription multiplexes replies
// to many outstanding requests via a token embedded in the reply subject.
// It is created lazily, on the connection's first Request call.
type respMux struct {
	mu      sync.Mutex
	prefix  string // "_INBOX.<conn_nuid>."
	waiters map[string]chan requestResult
	gen     *nuid.Generator
	sub     *Subscription
}

func newRespMux(connNuid string) *respMux {
	return &respMux{
		prefix:  fmt.Sprintf("%s.%s.", defaultInboxPrefix, connNuid),
		waiters: make(map[string]chan requestResult),
		gen:     nuid.New(),
	}
}

// wildcardSubject is the subject the mux's single subscription listens on.
func (m *respMux) wildcardSubject() string {
	return m.prefix + ">"
}

// newToken allocates a unique response token and the full reply subject
// the publisher should set.
func (m *respMux) newToken() (token, replySubject string) {
	token = m.gen.Next()
	return token, m.prefix + token
}

// register records a waiter for token and returns the channel its result
// will arrive on.
func (m *respMux) register(token string) chan requestResult {
	ch := make(chan requestResult, 1)
	m.mu.Lock()
	m.waiters[token] = ch
	m.mu.Unlock()
	return ch
}

// unregister removes a waiter without completing it (used once a request
// returns via timeout and no late message should be delivered).
func (m *respMux) unregister(token string) {
	m.mu.Lock()
	delete(m.waiters, token)
	m.mu.Unlock()
}

// deliver is the mux's inbox subscription handler. It extracts the token
// from the tail of msg.Subject, finds the matching waiter, and completes
// it. Returns false if no waiter matched (a stale or foreign delivery).
func (m *respMux) deliver(msg *Message) bool {
	if !strings.HasPrefix(msg.Subject, m.prefix) {
		return false
	}
	token := msg.Subject[len(m.prefix):]

	m.mu.Lock()
	ch, ok := m.waiters[token]
	if ok {
		delete(m.waiters, token)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	result := requestResult{msg: msg}
	if msg.Header != nil && msg.Header.Status == StatusNoResponders {
		result = requestResult{err: errf(ErrNoResponders, "no responders are listening on the request subject")}
	}
	ch <- result
	return true
}

// closeAll completes every outstanding waiter with err, used when the
// connection closes (spec.md §4.3's close() rule: "completes all waiting
// requests with connection_closed").
func (m *respMux) closeAll(err error) {
	m.mu.Lock()
	waiters := m.waiters
	m.waiters = make(map[string]chan requestResult)
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- requestResult{err: err}
	}
}

// waitFor blocks on ch up to timeout, translating an unfired channel into
// a timeout error and cleaning up the waiter entry either way.
func (m *respMux) waitFor(token string, ch chan requestResult, timeout time.Duration) (*Message, error) {
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.msg, nil
	case <-time.After(timeout):
		m.unregister(token)
		return nil, errf(ErrTimeout, "no response received within %s", timeout)
	}
}
