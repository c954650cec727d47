package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveTask("ledger", TaskEnqueued)
	m.ObserveGateway("invoke", "ok", 120*time.Millisecond)
	m.ObserveRead("found", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`rx_tasks_enqueued_total{lane="ledger"} 1`,
		`rx_gateway_requests_total{op="invoke",result="ok"} 1`,
		`rx_reader_outcomes_total{outcome="found"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveGateway("query", "ok", time.Millisecond)
	m.ObserveRead("unavailable", 1)
	m.ObserveTask("upload", TaskAcked)
	m.ObserveRefusal("dispense")
}

func TestNew_Twice(t *testing.T) {
	// each instance owns its registry, so building two must not panic
	New()
	New()
}
