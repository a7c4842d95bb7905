package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestNewFunnelMetricsWithRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewFunnelMetricsWithRegisterer(reg)

	if m.sessionsStarted == nil || m.transitions == nil || m.charges == nil {
		t.Fatal("collectors must be initialised")
	}

	m.RecordSessionStarted()
	m.RecordSessionStarted()
	if got := testutil.ToFloat64(m.sessionsStarted); got != 2 {
		t.Errorf("expected 2 started sessions, got %v", got)
	}
}

func TestFunnelMetrics_ReRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewFunnelMetricsWithRegisterer(reg)
	second := NewFunnelMetricsWithRegisterer(reg)

	first.RecordOutboxEvent()
	second.RecordOutboxEvent()

	if got := testutil.ToFloat64(first.outboxEvents); got != 2 {
		t.Errorf("expected shared counter value 2, got %v", got)
	}
}

func TestFunnelMetrics_Labels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewFunnelMetricsWithRegisterer(reg)

	m.RecordTransition("checkout", "processing")
	m.RecordCharge("processing", "captured", 150*time.Millisecond)
	m.RecordUpsellDecision("upsell_1", "accepted")
	m.RecordReconciliation("declined")
	m.RecordWorkflowResult("crm", true)
	m.RecordWorkflowResult("crm", false)
	m.RecordTimelineEvent()

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("checkout", "processing")); got != 1 {
		t.Errorf("unexpected transitions: %v", got)
	}
	if got := testutil.ToFloat64(m.charges.WithLabelValues("processing", "captured")); got != 1 {
		t.Errorf("unexpected charges: %v", got)
	}
	if got := testutil.ToFloat64(m.upsellDecisions.WithLabelValues("upsell_1", "accepted")); got != 1 {
		t.Errorf("unexpected upsell decisions: %v", got)
	}
	if got := testutil.ToFloat64(m.reconciliations.WithLabelValues("declined")); got != 1 {
		t.Errorf("unexpected reconciliations: %v", got)
	}
	if got := testutil.ToFloat64(m.workflowResults.WithLabelValues("crm", "failed")); got != 1 {
		t.Errorf("unexpected failed workflow results: %v", got)
	}
	if got := testutil.ToFloat64(m.timelineEvents); got != 1 {
		t.Errorf("unexpected timeline events: %v", got)
	}
}

func TestFunnelMetrics_Histograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewFunnelMetricsWithRegisterer(reg)

	m.RecordSessionFinished("success", 90*time.Second)
	m.RecordSessionFinished("success", 30*time.Second)

	metric := &dto.Metric{}
	observer, err := m.sessionDuration.GetMetricWithLabelValues("success")
	if err != nil {
		t.Fatal(err)
	}
	if err := observer.(prometheus.Metric).Write(metric); err != nil {
		t.Fatal(err)
	}
	if metric.Histogram.GetSampleCount() != 2 {
		t.Errorf("expected 2 samples, got %d", metric.Histogram.GetSampleCount())
	}
	if metric.Histogram.GetSampleSum() != 120 {
		t.Errorf("expected sum 120, got %v", metric.Histogram.GetSampleSum())
	}
}

func TestHTTPMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	m.Observe("POST", "/api/sessions", 201, 10*time.Millisecond)
	m.Observe("GET", "", 404, time.Millisecond)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("POST", "/api/sessions", "201")); got != 1 {
		t.Errorf("unexpected request count: %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Errorf("unmatched route must be labelled, got %v", got)
	}
	if n := testutil.CollectAndCount(reg, "funnel_http_request_duration_seconds"); n != 2 {
		t.Errorf("expected 2 duration series, got %d", n)
	}
}

func TestFunnelMetrics_GatewayCircuitState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewFunnelMetricsWithRegisterer(reg)

	m.SetGatewayCircuitState(1)
	if got := testutil.ToFloat64(m.gatewayCircuit); got != 1 {
		t.Errorf("expected open circuit gauge 1, got %v", got)
	}
	m.SetGatewayCircuitState(0)
	if got := testutil.ToFloat64(m.gatewayCircuit); got != 0 {
		t.Errorf("expected closed circuit gauge 0, got %v", got)
	}
}
