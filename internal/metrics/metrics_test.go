package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/resonance/internal/state"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func expectLine(t *testing.T, body, line string) {
	t.Helper()
	if !strings.Contains(body, line+"\n") {
		t.Fatalf("missing %q in:\n%s", line, body)
	}
}

func TestObserveWindowCountsRecordsAndDegeneracies(t *testing.T) {
	c := New()
	records := []state.ScoreRecord{
		{DetectorID: "a", DQStatus: state.DQOK, DetEligible: true, Degeneracies: []string{"sq_precision: zero signal variance"}},
		{DetectorID: "b", DQStatus: state.DQStale, Degeneracies: []string{"sq_precision: zero signal variance", "kr_novelty: empty cohort"}},
	}
	c.ObserveWindow(records, state.Reduction{Contributors: 1}, 20*time.Millisecond)

	body := scrape(t, c)
	expectLine(t, body, `resonance_degeneracy_total{field="sq_precision"} 2`)
	expectLine(t, body, `resonance_records_total{dq_status="stale"} 1`)
	expectLine(t, body, `resonance_eligible_detectors 1`)
	expectLine(t, body, `resonance_barrier_contributors 1`)
}

func TestObserveCycle(t *testing.T) {
	c := New()
	c.ObserveCycle([]state.LifecycleEvent{
		{DetectorID: "a", NewState: state.Active, Reason: "promoted"},
		{DetectorID: "b", NewState: state.Deprecated, Reason: "dq_breach"},
	}, 3)
	body := scrape(t, c)
	expectLine(t, body, `resonance_lifecycle_transitions_total{reason="promoted",to="active"} 1`)
	expectLine(t, body, `resonance_mutation_children_total 3`)
}

func TestObserveEvents(t *testing.T) {
	c := New()
	c.ObserveEvents([]string{"breakout", "breakout"})
	expectLine(t, scrape(t, c), `resonance_severity_events_total{class="breakout"} 2`)
}
