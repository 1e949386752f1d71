package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestNodeRecorderLabelsByNode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCoreCollector(reg)
	if err != nil {
		t.Fatalf("NewCoreCollector: %v", err)
	}

	sgsn := collector.ForNode("sgsn-1")
	sgsn.AttachOutcome("accepted")
	sgsn.AttachOutcome("accepted")
	sgsn.SessionOutcome("subscriber", "active")
	sgsn.SetSessions(3)
	collector.ForNode("sgsn-2").SetSessions(1)

	if got := testutil.ToFloat64(collector.AttachOutcomes.WithLabelValues("sgsn-1", "accepted")); got != 2 {
		t.Fatalf("gsn_attach_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.SessionOutcomes.WithLabelValues("sgsn-1", "subscriber", "active")); got != 1 {
		t.Fatalf("gsn_session_activations_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Sessions.WithLabelValues("sgsn-1")); got != 3 {
		t.Fatalf("gsn_sessions{sgsn-1} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.Sessions.WithLabelValues("sgsn-2")); got != 1 {
		t.Fatalf("gsn_sessions{sgsn-2} = %v, want 1", got)
	}
}

func TestPacketDropCountsPacketsAndBytes(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCoreCollector(reg)
	if err != nil {
		t.Fatalf("NewCoreCollector: %v", err)
	}
	ggsn := collector.ForNode("ggsn")
	ggsn.PacketDropped("overflow", 1200)
	ggsn.PacketDropped("overflow", 300)

	if got := testutil.ToFloat64(collector.PacketsDropped.WithLabelValues("ggsn", "overflow")); got != 2 {
		t.Fatalf("gsn_buffered_packets_dropped_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.BytesDropped.WithLabelValues("ggsn", "overflow")); got != 1500 {
		t.Fatalf("gsn_buffered_bytes_dropped_total = %v, want 1500", got)
	}
}

func TestRecorderIsNilSafe(t *testing.T) {
	var collector *CoreCollector
	r := collector.ForNode("x")
	r.AttachOutcome("accepted")
	r.SetCalls(1)
	r.TimerExpired("Paging")
	r.MessageDelivered("radio")

	var nilRecorder *NodeRecorder
	nilRecorder.PacketRelayed("uplink")
	nilRecorder.SetHLREntries(4)

	var sched *SchedulerCollector
	sched.ObserveStep(time.Millisecond, 3)
	sched.SetPending(1)
	sched.SetElapsed(time.Second)
	if sched.Gatherer() != nil {
		t.Fatalf("nil collector gatherer should be nil")
	}
}

func TestReRegisterReturnsExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCoreCollector(reg)
	if err != nil {
		t.Fatalf("NewCoreCollector: %v", err)
	}
	second, err := NewCoreCollector(reg)
	if err != nil {
		t.Fatalf("second NewCoreCollector: %v", err)
	}
	first.ForNode("hlr").SetHLREntries(7)
	if got := testutil.ToFloat64(second.HLREntries); got != 7 {
		t.Fatalf("gsn_hlr_entries via second collector = %v, want 7", got)
	}
}

func TestSchedulerCollectorObservesSteps(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	collector.ObserveStep(2*time.Millisecond, 5)
	collector.ObserveStep(time.Millisecond, 0)
	collector.SetPending(9)
	collector.SetElapsed(-time.Second)

	if got := testutil.ToFloat64(collector.EventsDispatched); got != 5 {
		t.Fatalf("sim_events_dispatched_total = %v, want 5", got)
	}
	if got := testutil.ToFloat64(collector.EventsPending); got != 9 {
		t.Fatalf("sim_events_pending = %v, want 9", got)
	}
	if got := testutil.ToFloat64(collector.VirtualElapsed); got != 0 {
		t.Fatalf("sim_virtual_elapsed_seconds = %v, want 0", got)
	}
	if count := histogramSampleCount(t, reg, "sim_step_duration_seconds", nil); count != 2 {
		t.Fatalf("sim_step_duration_seconds sample_count = %d, want 2", count)
	}
}

func TestMetricsHandlerExposesCoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCoreCollector(reg)
	if err != nil {
		t.Fatalf("NewCoreCollector: %v", err)
	}
	r := collector.ForNode("msc")
	r.CallOutcome("originating", "connected")
	r.SetCalls(2)
	r.TimerExpired("CallState")
	r.MessageDelivered("switch")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"gsn_calls_total",
		"gsn_calls",
		"gsn_timer_expiries_total",
		"gsn_messages_delivered_total",
		"gsn_hlr_entries",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
	if !strings.Contains(body, `node="msc"`) {
		t.Fatalf("/metrics output missing node label: %s", body)
	}
}

func TestStartSpanWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	defer span.End()
	if ctx == nil {
		t.Fatalf("StartSpan returned nil context")
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
