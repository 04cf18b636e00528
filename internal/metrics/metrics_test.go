package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_timer_seconds", Help: "test"})
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	d := timer.ObserveDuration(h)
	if d < 10*time.Millisecond {
		t.Errorf("ObserveDuration() = %v, want >= 10ms", d)
	}
	var m dto.Metric
	if err := h.Write(&m); err != nil {
		t.Fatal(err)
	}
	if n := m.GetHistogram().GetSampleCount(); n != 1 {
		t.Errorf("histogram sample count = %d, want 1", n)
	}
}

func TestHostAliveGauge(t *testing.T) {
	HostAlive.WithLabelValues("10.9.9.9").Set(1)
	if v := gaugeValue(t, HostAlive.WithLabelValues("10.9.9.9")); v != 1 {
		t.Errorf("HostAlive = %v, want 1", v)
	}
}

func TestHealthStatus(t *testing.T) {
	h := NewHealth("1.2.3")
	h.Update("scheduler", true, "")
	if got := h.Status(); got.Status != "healthy" || got.Version != "1.2.3" {
		t.Errorf("Status() = %+v", got)
	}

	h.Update("database", false, "disk full")
	got := h.Status()
	if got.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy", got.Status)
	}
	if got.Components["database"] != "unhealthy: disk full" {
		t.Errorf("database component = %q", got.Components["database"])
	}
	if got.Components["scheduler"] != "healthy" {
		t.Errorf("scheduler component = %q", got.Components["scheduler"])
	}
}
