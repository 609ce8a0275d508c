package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordProcedure(t *testing.T) {
	m := New()
	m.RecordProcedure("user.me", "OK", 15*time.Millisecond)
	m.RecordProcedure("user.me", "OK", 5*time.Millisecond)
	m.RecordProcedure("user.me", "UNAUTHORIZED", time.Millisecond)

	if v := testutil.ToFloat64(m.ProcedureCalls.WithLabelValues("user.me", "OK")); v != 2 {
		t.Fatalf("OK calls = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.ProcedureCalls.WithLabelValues("user.me", "UNAUTHORIZED")); v != 1 {
		t.Fatalf("UNAUTHORIZED calls = %v, want 1", v)
	}
	if n := testutil.CollectAndCount(m.ProcedureDuration); n != 1 {
		t.Fatalf("duration series = %d, want 1", n)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordNotificationFailure("redis")
	m.RecordNotificationFailure("redis")
	m.RecordRateLimited("sign-in")
	m.RecordPointsAwarded(40)
	m.RecordPointsAwarded(-3)
	m.SetWebsocketClients(4)

	if v := testutil.ToFloat64(m.NotificationsFailed.WithLabelValues("redis")); v != 2 {
		t.Fatalf("notification failures = %v", v)
	}
	if v := testutil.ToFloat64(m.RateLimited.WithLabelValues("sign-in")); v != 1 {
		t.Fatalf("rate limited = %v", v)
	}
	if v := testutil.ToFloat64(m.PointsAwarded); v != 40 {
		t.Fatalf("points awarded = %v, want 40", v)
	}
	if v := testutil.ToFloat64(m.WebsocketClients); v != 4 {
		t.Fatalf("websocket clients = %v", v)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordProcedure("x", "OK", time.Second)
	m.RecordNotificationFailure("nats")
	m.RecordRateLimited("sign-in")
	m.RecordPointsAwarded(1)
	m.SetWebsocketClients(1)
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RecordPointsAwarded(5)
	if v := testutil.ToFloat64(b.PointsAwarded); v != 0 {
		t.Fatalf("second registry saw %v points", v)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordProcedure("reward.list", "OK", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `ecoscan_procedure_calls_total{code="OK",procedure="reward.list"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}
