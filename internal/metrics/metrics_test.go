package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.FramesSent == nil {
		t.Error("FramesSent metric is nil")
	}
	if m.BytesReceived == nil {
		t.Error("BytesReceived metric is nil")
	}
	if m.IOErrors == nil {
		t.Error("IOErrors metric is nil")
	}
}

func TestRecordSend(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSend("echo-request", 100)
	m.RecordSend("echo-request", 50)

	if got := testutil.ToFloat64(m.FramesSent.WithLabelValues("echo-request")); got != 2 {
		t.Errorf("FramesSent[echo-request] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 150 {
		t.Errorf("BytesSent = %v, want 150", got)
	}
}

func TestRecordReceive(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordReceive("echo-reply", 1472)

	if got := testutil.ToFloat64(m.FramesReceived.WithLabelValues("echo-reply")); got != 1 {
		t.Errorf("FramesReceived[echo-reply] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived); got != 1472 {
		t.Errorf("BytesReceived = %v, want 1472", got)
	}
}

func TestRecordDiscardAndDrop(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDiscard("type")
	m.RecordDiscard("type")
	m.RecordDiscard("checksum")
	m.RecordDrop("no_peer")

	if got := testutil.ToFloat64(m.FramesDiscarded.WithLabelValues("type")); got != 2 {
		t.Errorf("FramesDiscarded[type] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FramesDiscarded.WithLabelValues("checksum")); got != 1 {
		t.Errorf("FramesDiscarded[checksum] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues("no_peer")); got != 1 {
		t.Errorf("FramesDropped[no_peer] = %v, want 1", got)
	}
}

func TestRecordErrorsAndReopens(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordIOError("tun_read", "EINTR")
	m.RecordReopen("socket", false)
	m.RecordReopen("socket", true)
	m.RecordConfigure(false)

	if got := testutil.ToFloat64(m.IOErrors.WithLabelValues("tun_read", "EINTR")); got != 1 {
		t.Errorf("IOErrors[tun_read,EINTR] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Reopens.WithLabelValues("socket", "failure")); got != 1 {
		t.Errorf("Reopens[socket,failure] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Reopens.WithLabelValues("socket", "success")); got != 1 {
		t.Errorf("Reopens[socket,success] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConfigureRuns.WithLabelValues("failure")); got != 1 {
		t.Errorf("ConfigureRuns[failure] = %v, want 1", got)
	}
}

func TestSetRunning(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetRunning(true)
	if got := testutil.ToFloat64(m.Running); got != 1 {
		t.Errorf("Running = %v, want 1", got)
	}
	m.SetRunning(false)
	if got := testutil.ToFloat64(m.Running); got != 0 {
		t.Errorf("Running = %v, want 0", got)
	}
}

func TestPeerChangesExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordPeerChange()

	expected := `
# HELP icmptun_peer_changes_total Number of times the learned peer address changed
# TYPE icmptun_peer_changes_total counter
icmptun_peer_changes_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "icmptun_peer_changes_total"); err != nil {
		t.Errorf("unexpected metrics output: %v", err)
	}
}
