package nsrpcmetrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	nsrpcmetrics "github.com/nsrpc/nsrpc/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := nsrpcmetrics.NewCollector(reg)

	if c.SessionsActive == nil {
		t.Error("SessionsActive is nil")
	}
	if c.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if c.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if c.CursorsActive == nil {
		t.Error("CursorsActive is nil")
	}
	if c.CursorItemsTotal == nil {
		t.Error("CursorItemsTotal is nil")
	}
	if c.DiscoveryRefreshTotal == nil {
		t.Error("DiscoveryRefreshTotal is nil")
	}
	if c.SetupFailuresTotal == nil {
		t.Error("SetupFailuresTotal is nil")
	}

	// Registration must not panic; gathering may legitimately be empty.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestRegisterUnregisterSession(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := nsrpcmetrics.NewCollector(reg)

	c.RegisterSession("origin")
	if v := gaugeValue(t, c.SessionsActive, "origin"); v != 1 {
		t.Errorf("after RegisterSession: sessions gauge = %v, want 1", v)
	}

	c.RegisterSession("upstream-peer")
	if v := gaugeValue(t, c.SessionsActive, "upstream-peer"); v != 1 {
		t.Errorf("upstream-peer gauge = %v, want 1", v)
	}

	c.UnregisterSession("origin")
	if v := gaugeValue(t, c.SessionsActive, "origin"); v != 0 {
		t.Errorf("after UnregisterSession: origin gauge = %v, want 0", v)
	}

	if v := gaugeValue(t, c.SessionsActive, "upstream-peer"); v != 1 {
		t.Errorf("upstream-peer gauge = %v, want 1 (should be unaffected)", v)
	}
}

func TestObserveRequest(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := nsrpcmetrics.NewCollector(reg)

	c.ObserveRequest("basic_math", "add", nsrpcmetrics.OutcomeOK, 5*time.Millisecond)
	c.ObserveRequest("basic_math", "add", nsrpcmetrics.OutcomeOK, 5*time.Millisecond)
	c.ObserveRequest("basic_math", "add", nsrpcmetrics.OutcomeError, 5*time.Millisecond)

	if v := counterValue(t, c.RequestsTotal, "basic_math", "add", nsrpcmetrics.OutcomeOK); v != 2 {
		t.Errorf("RequestsTotal(ok) = %v, want 2", v)
	}
	if v := counterValue(t, c.RequestsTotal, "basic_math", "add", nsrpcmetrics.OutcomeError); v != 1 {
		t.Errorf("RequestsTotal(error) = %v, want 1", v)
	}

	count, sum := histogramSample(t, c.RequestDuration, "basic_math", "add")
	if count != 3 {
		t.Errorf("RequestDuration sample count = %v, want 3", count)
	}
	if sum <= 0 {
		t.Errorf("RequestDuration sample sum = %v, want > 0", sum)
	}
}

func TestCursorLifecycleCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := nsrpcmetrics.NewCollector(reg)

	c.CursorStarted()
	c.CursorStarted()
	if v := gaugeFromCollector(t, c.CursorsActive); v != 2 {
		t.Errorf("CursorsActive = %v, want 2", v)
	}

	c.CursorItemsAdvanced(3)
	c.CursorItemsAdvanced(1)
	if v := counterFromCollector(t, c.CursorItemsTotal); v != 4 {
		t.Errorf("CursorItemsTotal = %v, want 4", v)
	}

	c.CursorEnded()
	if v := gaugeFromCollector(t, c.CursorsActive); v != 1 {
		t.Errorf("CursorsActive after one CursorEnded = %v, want 1", v)
	}
}

func TestDiscoveryRefreshed(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := nsrpcmetrics.NewCollector(reg)

	c.DiscoveryRefreshed("upstream-peer", nsrpcmetrics.OutcomeOK)
	c.DiscoveryRefreshed("upstream-peer", nsrpcmetrics.OutcomeOK)
	c.DiscoveryRefreshed("upstream-peer", nsrpcmetrics.OutcomeError)

	if v := counterValue(t, c.DiscoveryRefreshTotal, "upstream-peer", nsrpcmetrics.OutcomeOK); v != 2 {
		t.Errorf("DiscoveryRefreshTotal(ok) = %v, want 2", v)
	}
	if v := counterValue(t, c.DiscoveryRefreshTotal, "upstream-peer", nsrpcmetrics.OutcomeError); v != 1 {
		t.Errorf("DiscoveryRefreshTotal(error) = %v, want 1", v)
	}
}

func TestSetupFailed(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := nsrpcmetrics.NewCollector(reg)

	c.SetupFailed("bad_signature")
	c.SetupFailed("bad_signature")
	c.SetupFailed("unsupported_codec")

	if v := counterValue(t, c.SetupFailuresTotal, "bad_signature"); v != 2 {
		t.Errorf("SetupFailuresTotal(bad_signature) = %v, want 2", v)
	}
	if v := counterValue(t, c.SetupFailuresTotal, "unsupported_codec"); v != 1 {
		t.Errorf("SetupFailuresTotal(unsupported_codec) = %v, want 1", v)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeFromCollector(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterFromCollector(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func histogramSample(t *testing.T, vec *prometheus.HistogramVec, labels ...string) (count uint64, sum float64) {
	t.Helper()

	obs, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	histogram, ok := obs.(prometheus.Histogram)
	if !ok {
		t.Fatalf("observer for %v is not a Histogram", labels)
	}

	m := &dto.Metric{}
	if err := histogram.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}
