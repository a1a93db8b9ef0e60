package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestCollectorRecordsJobFlow(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	collector.JobEnqueued("closure")
	collector.JobEnqueued("closure")
	collector.JobEnqueued("event")
	collector.JobResolved("succeeded")
	collector.JobResolved("superseded")
	collector.CommitOutcome("applied")
	collector.CommitOutcome("stale")
	collector.OracleLatencySeconds(1.2)

	if got := testutil.ToFloat64(collector.JobsEnqueued.WithLabelValues("closure")); got != 2 {
		t.Fatalf("adaptation_jobs_enqueued_total{trigger=closure} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.JobsResolved.WithLabelValues("superseded")); got != 1 {
		t.Fatalf("adaptation_jobs_resolved_total{state=superseded} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Commits.WithLabelValues("stale")); got != 1 {
		t.Fatalf("chain_commits_total{outcome=stale} = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "oracle_round_trip_seconds", nil); count != 1 {
		t.Fatalf("oracle_round_trip_seconds sample_count = %d, want 1", count)
	}
}

func TestCollectorRegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector second: %v", err)
	}

	first.JobEnqueued("closure")
	second.JobEnqueued("closure")

	if got := testutil.ToFloat64(first.JobsEnqueued.WithLabelValues("closure")); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func TestMetricsHandlerExposesWorldGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	collector.SetWorldCounts(3, 4, 5, 6)
	collector.JobEnqueued("operator")
	collector.OracleLatencySeconds(0.5)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"adaptation_jobs_enqueued_total",
		"oracle_round_trip_seconds",
		"world_agents",
		"world_closed_edges",
		"world_active_events",
		"world_stranded_agents",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestViewerCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewViewerCollector(reg)
	if err != nil {
		t.Fatalf("NewViewerCollector: %v", err)
	}

	collector.SetSessions(2)
	collector.AddDroppedFrames(3)
	collector.ObserveFrameBytes(512)

	if got := testutil.ToFloat64(collector.Sessions); got != 2 {
		t.Fatalf("viewer_sessions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.DroppedFrames); got != 3 {
		t.Fatalf("viewer_dropped_frames_total = %v, want 3", got)
	}
	if count := histogramSampleCount(t, reg, "viewer_frame_bytes", nil); count != 1 {
		t.Fatalf("viewer_frame_bytes sample_count = %d, want 1", count)
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
