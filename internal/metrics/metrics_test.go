package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Announcement(nil)
	m.Announcement(errors.New("boom"))
	m.FetchAttempt("invalid")
	m.Delivery("message", "duplicate")

	if got := testutil.ToFloat64(m.announcements.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok announcements = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.announcements.WithLabelValues("error")); got != 1 {
		t.Fatalf("error announcements = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("message", "duplicate")); got != 1 {
		t.Fatalf("duplicate deliveries = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Announcement(nil)
	m.FetchAttempt("ok")
	m.Fetch(nil)
	m.Served("ok")
	m.Delivery("join", "applied")
}

func TestHandler(t *testing.T) {
	m := New()
	m.Served("not_found")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `p2pshare_served_requests_total{status="not_found"} 1`) {
		t.Fatalf("metrics output missing served counter:\n%s", rec.Body.String())
	}
}
