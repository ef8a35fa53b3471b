// Package telemetry exposes an optional prometheus-backed view of a
// connection's traffic, reconnects and subscription health.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Telemetry collects the counters and gauges a client connection can
// report to prometheus. It is optional: a Conn created without telemetry
// wiring pays nothing for these calls.
type Telemetry struct {
	connectionStatus prometheus.Gauge
	reconnectsTotal  prometheus.Counter
	inMsgs           prometheus.Counter
	outMsgs          prometheus.Counter
	inBytes          prometheus.Counter
	outBytes         prometheus.Counter
	droppedMsgs      prometheus.Counter
	slowConsumers    prometheus.Counter
	errorsByKind     *prometheus.CounterVec
	pendingMailboxes *prometheus.GaugeVec
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.DefaultRegisterer to use the global registry, or a fresh
// prometheus.NewRegistry() to isolate a connection's metrics (useful when
// a process holds more than one Conn and wants separate scrapes).
func New(reg prometheus.Registerer) *Telemetry {
	factory := promauto.With(reg)
	return &Telemetry{
		connectionStatus: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nimbus_connection_status",
			Help: "Connection status (1=connected, 0=disconnected).",
		}),
		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_reconnects_total",
			Help: "Total number of successful reconnects.",
		}),
		inMsgs: factory.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_in_msgs_total",
			Help: "Total number of messages received.",
		}),
		outMsgs: factory.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_out_msgs_total",
			Help: "Total number of messages published.",
		}),
		inBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_in_bytes_total",
			Help: "Total number of payload bytes received.",
		}),
		outBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_out_bytes_total",
			Help: "Total number of payload bytes published.",
		}),
		droppedMsgs: factory.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_dropped_msgs_total",
			Help: "Total number of messages dropped by slow-consumer mailboxes.",
		}),
		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_slow_consumer_total",
			Help: "Total number of slow_consumer async errors raised.",
		}),
		errorsByKind: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nimbus_errors_total",
			Help: "Total number of asynchronous errors by error code.",
		}, []string{"code"}),
		pendingMailboxes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nimbus_mailbox_pending_msgs",
			Help: "Current pending message count per subscription id.",
		}, []string{"sid"}),
	}
}

func (t *Telemetry) SetConnected(connected bool) {
	if t == nil {
		return
	}
	if connected {
		t.connectionStatus.Set(1)
	} else {
		t.connectionStatus.Set(0)
	}
}

func (t *Telemetry) IncReconnects() {
	if t == nil {
		return
	}
	t.reconnectsTotal.Inc()
}

func (t *Telemetry) RecordInMsg(bytes int) {
	if t == nil {
		return
	}
	t.inMsgs.Inc()
	t.inBytes.Add(float64(bytes))
}

func (t *Telemetry) RecordOutMsg(bytes int) {
	if t == nil {
		return
	}
	t.outMsgs.Inc()
	t.outBytes.Add(float64(bytes))
}

func (t *Telemetry) RecordDropped(n int) {
	if t == nil {
		return
	}
	t.droppedMsgs.Add(float64(n))
}

func (t *Telemetry) RecordSlowConsumer() {
	if t == nil {
		return
	}
	t.slowConsumers.Inc()
}

func (t *Telemetry) RecordError(code string) {
	if t == nil {
		return
	}
	t.errorsByKind.WithLabelValues(code).Inc()
}

func (t *Telemetry) SetMailboxPending(sid string, pending int) {
	if t == nil {
		return
	}
	t.pendingMailboxes.WithLabelValues(sid).Set(float64(pending))
}
