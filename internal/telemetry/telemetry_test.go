package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestSetConnectedTogglesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := New(reg)

	tel.SetConnected(true)
	if v := gaugeValue(t, tel.connectionStatus); v != 1 {
		t.Fatalf("expected connected gauge 1, got %v", v)
	}
	tel.SetConnected(false)
	if v := gaugeValue(t, tel.connectionStatus); v != 0 {
		t.Fatalf("expected connected gauge 0, got %v", v)
	}
}

func TestRecordInOutMsgAccumulate(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := New(reg)

	tel.RecordInMsg(10)
	tel.RecordInMsg(5)
	if v := counterValue(t, tel.inMsgs); v != 2 {
		t.Fatalf("expected 2 in msgs, got %v", v)
	}
	if v := counterValue(t, tel.inBytes); v != 15 {
		t.Fatalf("expected 15 in bytes, got %v", v)
	}

	tel.RecordOutMsg(7)
	if v := counterValue(t, tel.outMsgs); v != 1 {
		t.Fatalf("expected 1 out msg, got %v", v)
	}
}

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry
	tel.SetConnected(true)
	tel.RecordInMsg(1)
	tel.RecordOutMsg(1)
	tel.RecordDropped(1)
	tel.RecordSlowConsumer()
	tel.RecordError("timeout")
	tel.SetMailboxPending("1", 5)
	tel.IncReconnects()
}
