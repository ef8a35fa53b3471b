package stream

import (
	"strings"
	"sync"
	"time"

	nimbus "github.com/nimbusmq/nimbus.go"
)

// flowControlDescription is the status-line text the broker attaches to a
// flow-control control message, per spec.md §4.9.
const flowControlDescription = "Flow Control"

func isControlMessage(m *nimbus.Message) bool {
	return m.Header != nil && m.Header.Status == nimbus.StatusControlMessage
}

func isFlowControlRequest(m *nimbus.Message) bool {
	return isControlMessage(m) && m.Reply != "" && strings.Contains(m.Header.StatusDescription, flowControlDescription)
}

// handleControlMessage absorbs a heartbeat or flow-control frame. A flow
// control request must be acknowledged with an empty message to the
// control message's own reply subject before the broker resumes sending;
// a plain heartbeat carries no reply and requires no response.
func handleControlMessage(conn *nimbus.Conn, m *nimbus.Message) {
	if isFlowControlRequest(m) {
		conn.Publish(m.Reply, nil)
	}
}

// heartbeatMonitor fires onMissed if touch is not called within 2x
// interval, implementing spec.md §4.9's heartbeat-gap detection.
type heartbeatMonitor struct {
	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
	onMissed func()
	stopped  bool
}

func newHeartbeatMonitor(interval time.Duration, onMissed func()) *heartbeatMonitor {
	hm := &heartbeatMonitor{interval: interval, onMissed: onMissed}
	hm.timer = time.AfterFunc(2*interval, hm.fire)
	return hm
}

func (hm *heartbeatMonitor) touch() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.stopped {
		return
	}
	hm.timer.Reset(2 * hm.interval)
}

func (hm *heartbeatMonitor) fire() {
	hm.mu.Lock()
	stopped := hm.stopped
	hm.mu.Unlock()
	if stopped {
		return
	}
	if hm.onMissed != nil {
		hm.onMissed()
	}
}

func (hm *heartbeatMonitor) stop() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.stopped {
		return
	}
	hm.stopped = true
	hm.timer.Stop()
}
