package severity

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/danielpatrickdp/resonance/internal/state"
)

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func eligible(ids ...string) map[string]state.ScoreRecord {
	out := make(map[string]state.ScoreRecord, len(ids))
	for _, id := range ids {
		out[id] = state.ScoreRecord{DetectorID: id, DetEligible: true, DetSigma: 0.5, DetKairos: 0.8, DetEntrainR: 0.6, DetUncert: 0.1}
	}
	return out
}

func trig(symbol, class string, primary float64, at time.Time) Trigger {
	return Trigger{
		DetectorID: "d1",
		Symbol:     symbol,
		Class:      class,
		Subtype:    "up",
		Timeframe:  "1h",
		At:         at,
		Primary:    primary,
		Secondary:  0.5,
		Breadth:    0.5,
	}
}

func TestScenarioRawAndSeverity(t *testing.T) {
	cfg := DefaultConfig()
	raw := cfg.Raw(Trigger{Primary: 3.2, Secondary: 2.1, Breadth: 0.67}, 0.8)
	if math.Abs(raw-5.318) > 1e-9 {
		t.Fatalf("raw = %f, want 5.318", raw)
	}
	if got := Severity(raw, cfg.A); got != 96 {
		t.Fatalf("severity = %d, want 96", got)
	}
}

func TestSeverityMonotonicAndBounded(t *testing.T) {
	prev := -1
	for raw := -20.0; raw <= 20; raw += 0.05 {
		s := Severity(raw, 0.6)
		if s < prev {
			t.Fatalf("severity decreased at raw=%f: %d < %d", raw, s, prev)
		}
		if s < 0 || s > 100 {
			t.Fatalf("severity out of range: %d", s)
		}
		prev = s
	}
}

func TestIQRClamp(t *testing.T) {
	cfg := DefaultConfig()
	ref := []float64{1, 2, 3, 4, 5}
	clamped := cfg.Raw(Trigger{Primary: 100, ReferencePrimary: ref}, 0)
	free := cfg.Raw(Trigger{Primary: 100, ReferencePrimary: ref[:3]}, 0)
	if clamped >= free {
		t.Fatalf("expected clamp with 5 references: %f vs %f", clamped, free)
	}
	if free != 100 {
		t.Fatalf("fewer than four references must not clamp, got %f", free)
	}
}

func TestFirstSeenThenDecay(t *testing.T) {
	e := NewEmitter(DefaultConfig())
	out := e.Process([]Trigger{trig("ES", "breakout", 1, t0)}, eligible("d1"))
	if len(out) != 1 || !out[0].FirstSeen || out[0].NoveltyBoost != 0.8 {
		t.Fatalf("unexpected first emission %+v", out)
	}
	if out[0].DetSigma != 0.5 || out[0].DebounceKey != "ES|breakout|1h" {
		t.Fatalf("provenance not carried: %+v", out[0])
	}

	later := t0.Add(24 * time.Hour)
	out = e.Process([]Trigger{trig("ES", "breakout", 1, later)}, eligible("d1"))
	if len(out) != 1 || out[0].FirstSeen {
		t.Fatalf("unexpected second emission %+v", out)
	}
	if math.Abs(out[0].NoveltyBoost-0.8*math.Exp(-1)) > 1e-12 {
		t.Fatalf("novelty after one half-life constant: %f", out[0].NoveltyBoost)
	}
}

func TestDebounceSuppressesWithinCooldown(t *testing.T) {
	e := NewEmitter(DefaultConfig())
	if out := e.Process([]Trigger{trig("ES", "breakout", 0.5, t0)}, eligible("d1")); len(out) != 1 {
		t.Fatalf("expected first emission, got %+v", out)
	}
	if out := e.Process([]Trigger{trig("ES", "breakout", 0.5, t0.Add(10*time.Minute))}, eligible("d1")); len(out) != 0 {
		t.Fatalf("repeat within cooldown must be suppressed, got %+v", out)
	}
	if out := e.Process([]Trigger{trig("ES", "breakout", 0.5, t0.Add(2*time.Hour))}, eligible("d1")); len(out) != 1 {
		t.Fatalf("repeat after cooldown must emit, got %+v", out)
	}
}

func TestRestoredHistoryKeepsCooldownAndNovelty(t *testing.T) {
	first := NewEmitter(DefaultConfig())
	out := first.Process([]Trigger{trig("ES", "breakout", 0.5, t0)}, eligible("d1"))
	if len(out) != 1 || !out[0].FirstSeen {
		t.Fatalf("expected a first-seen emission, got %+v", out)
	}

	// A second emitter that only sees the saved rows behaves like the first.
	second := NewEmitter(DefaultConfig())
	second.Restore([]state.Emission{out[0].Emission()})
	if got := second.Process([]Trigger{trig("ES", "breakout", 0.5, t0.Add(5*time.Minute))}, eligible("d1")); len(got) != 0 {
		t.Fatalf("restored cooldown must suppress the repeat, got %+v", got)
	}
	got := second.Process([]Trigger{trig("ES", "breakout", 0.5, t0.Add(2*time.Hour))}, eligible("d1"))
	if len(got) != 1 || got[0].FirstSeen || !got[0].NoveltyEpoch.Equal(t0) {
		t.Fatalf("expected a decayed repeat on the original epoch, got %+v", got)
	}

	// Older rows never overwrite newer in-memory history.
	second.Restore([]state.Emission{out[0].Emission()})
	if again := second.Process([]Trigger{trig("ES", "breakout", 0.5, t0.Add(2*time.Hour+time.Minute))}, eligible("d1")); len(again) != 0 {
		t.Fatalf("stale restore reopened the cooldown, got %+v", again)
	}
}

func TestDebounceEscalationAndSubtype(t *testing.T) {
	e := NewEmitter(DefaultConfig())
	first := e.Process([]Trigger{trig("ES", "breakout", -2, t0)}, eligible("d1"))
	if len(first) != 1 {
		t.Fatalf("expected first emission, got %+v", first)
	}

	// A large escalation inside the cooldown passes.
	out := e.Process([]Trigger{trig("ES", "breakout", 3, t0.Add(time.Minute))}, eligible("d1"))
	if len(out) != 1 || float64(out[0].Severity) < 1.3*float64(first[0].Severity) {
		t.Fatalf("escalation should emit, got %+v", out)
	}

	// A subtype change passes and resets novelty.
	tr := trig("ES", "breakout", 3, t0.Add(2*time.Minute))
	tr.Subtype = "down"
	out = e.Process([]Trigger{tr}, eligible("d1"))
	if len(out) != 1 || out[0].NoveltyBoost != 0.8 || !out[0].NoveltyEpoch.Equal(tr.At) {
		t.Fatalf("subtype change should emit with full novelty, got %+v", out)
	}
}

func TestNoDuplicateKeyWithinCooldown(t *testing.T) {
	e := NewEmitter(DefaultConfig())
	type last struct {
		at  time.Time
		sev int
		sub string
	}
	seen := map[string]last{}
	for i := 0; i < 200; i++ {
		tr := trig(fmt.Sprintf("S%d", i%3), "breakout", float64(i%7)-3, t0.Add(time.Duration(i)*5*time.Minute))
		if i%11 == 0 {
			tr.Subtype = "down"
		}
		for _, ev := range e.Process([]Trigger{tr, tr}, eligible("d1")) {
			if prev, ok := seen[ev.DebounceKey]; ok && ev.At.Sub(prev.at) < time.Hour && ev.Subtype == prev.sub {
				if float64(ev.Severity) < 1.3*float64(prev.sev) {
					t.Fatalf("step %d: %s re-emitted within cooldown (%d after %d)", i, ev.DebounceKey, ev.Severity, prev.sev)
				}
			}
			seen[ev.DebounceKey] = last{at: ev.At, sev: ev.Severity, sub: ev.Subtype}
		}
	}
}

func TestBudgetsNeverDropWholeClass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalBudget = 3
	e := NewEmitter(cfg)
	var batch []Trigger
	for i := 0; i < 5; i++ {
		batch = append(batch, trig(fmt.Sprintf("A%d", i), "loud", 0.5+0.5*float64(i), t0))
	}
	batch = append(batch, trig("Q", "quiet", -1, t0))
	out := e.Process(batch, eligible("d1"))
	if len(out) != 3 {
		t.Fatalf("expected global budget of 3, got %d", len(out))
	}
	classes := map[string]int{}
	for _, ev := range out {
		classes[ev.Class]++
	}
	if classes["quiet"] != 1 || classes["loud"] != 2 {
		t.Fatalf("expected both classes represented, got %v", classes)
	}
	for i := 1; i < len(out); i++ {
		if out[i].Severity > out[i-1].Severity {
			t.Fatal("output must be ordered by severity desc")
		}
	}
	if out[0].Symbol != "A4" || out[1].Symbol != "A3" {
		t.Fatalf("lowest-severity loud candidates must drop first, got %s %s", out[0].Symbol, out[1].Symbol)
	}
}

func TestIneligibleDetectorDropped(t *testing.T) {
	e := NewEmitter(DefaultConfig())
	latest := eligible("d1")
	latest["d2"] = state.ScoreRecord{DetectorID: "d2"}
	tr := trig("ES", "breakout", 1, t0)
	tr.DetectorID = "d2"
	missing := trig("NQ", "breakout", 1, t0)
	missing.DetectorID = "d9"
	if out := e.Process([]Trigger{tr, missing}, latest); len(out) != 0 {
		t.Fatalf("ineligible or unknown detectors must not emit, got %+v", out)
	}
	// Nothing was recorded, so the key is still first-seen.
	out := e.Process([]Trigger{trig("ES", "breakout", 1, t0)}, latest)
	if len(out) != 1 || !out[0].FirstSeen {
		t.Fatalf("expected first-seen emission, got %+v", out)
	}
}
