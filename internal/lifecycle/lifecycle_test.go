package lifecycle

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/danielpatrickdp/resonance/internal/state"
)

var now = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func okRecords(id string, cycle int64, n int, sigma float64) []state.ScoreRecord {
	out := make([]state.ScoreRecord, n)
	for i := range out {
		out[i] = state.ScoreRecord{
			DetectorID: id,
			WindowID:   cycle*100 + int64(i),
			CycleID:    cycle,
			DQStatus:   state.DQOK,
			DetSigma:   sigma,
		}
	}
	return out
}

func TestLowerSigmaRetiredOnOrthoBreach(t *testing.T) {
	m := NewMachine(DefaultConfig())
	hi := okRecords("d1", 5, 3, 0.5)
	hi[2].SQCorrBreaches = []state.PeerCorr{{ID: "d2", Corr: 0.75}}
	lo := okRecords("d2", 5, 3, 0.3)
	lo[2].SQCorrBreaches = []state.PeerCorr{{ID: "d1", Corr: 0.75}}

	events := m.Evaluate(CycleInput{
		CycleID: 5,
		Now:     now,
		Detectors: []state.DetectorState{
			{ID: "d1", Lifecycle: state.Active},
			{ID: "d2", Lifecycle: state.Active},
		},
		History: map[string][]state.ScoreRecord{"d1": hi, "d2": lo},
	})
	if len(events) != 1 {
		t.Fatalf("expected one transition, got %+v", events)
	}
	ev := events[0]
	if ev.DetectorID != "d2" || ev.OldState != state.Active || ev.NewState != state.Deprecated || ev.Reason != ReasonOrthoBreach {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestOrthoTieRetiresLargerID(t *testing.T) {
	m := NewMachine(DefaultConfig())
	a := okRecords("a", 2, 1, 0.4)
	a[0].SQCorrBreaches = []state.PeerCorr{{ID: "b", Corr: -0.9}}
	events := m.Evaluate(CycleInput{
		CycleID:   2,
		Now:       now,
		Detectors: []state.DetectorState{{ID: "a", Lifecycle: state.Active}, {ID: "b", Lifecycle: state.Active}},
		History:   map[string][]state.ScoreRecord{"a": a, "b": okRecords("b", 2, 1, 0.4)},
	})
	if len(events) != 1 || events[0].DetectorID != "b" {
		t.Fatalf("expected b retired on tie, got %+v", events)
	}
}

func promotableInput() CycleInput {
	return CycleInput{
		CycleID: 3,
		Now:     now,
		Detectors: []state.DetectorState{
			{ID: "e1", Lifecycle: state.Experimental, SamplesCount: 600},
		},
		History: map[string][]state.ScoreRecord{"e1": okRecords("e1", 3, 10, 0.5)},
		Audits:  map[string]state.AuditResult{"e1": {DetectorID: "e1"}},
	}
}

func TestPromotionRequiresAllPreconditions(t *testing.T) {
	m := NewMachine(DefaultConfig())
	if ev := m.Evaluate(promotableInput()); len(ev) != 1 || ev[0].NewState != state.Active {
		t.Fatalf("expected promotion, got %+v", ev)
	}

	in := promotableInput()
	in.Detectors[0].SamplesCount = 10
	if ev := m.Evaluate(in); len(ev) != 0 {
		t.Fatalf("insufficient samples must block promotion, got %+v", ev)
	}

	in = promotableInput()
	in.Audits = nil
	if ev := m.Evaluate(in); len(ev) != 0 {
		t.Fatalf("missing audit must block promotion, got %+v", ev)
	}

	in = promotableInput()
	in.Audits["e1"] = state.AuditResult{DetectorID: "e1", Leakage: true}
	if ev := m.Evaluate(in); len(ev) != 0 {
		t.Fatalf("audit veto must block promotion, got %+v", ev)
	}

	in = promotableInput()
	in.History["e1"][4].DetSigma = 0.2
	if ev := m.Evaluate(in); len(ev) != 0 {
		t.Fatalf("unsustained sigma must block promotion, got %+v", ev)
	}

	in = promotableInput()
	in.History["e1"][9].SQTurnover = 5
	if ev := m.Evaluate(in); len(ev) != 0 {
		t.Fatalf("turnover above cap must block promotion, got %+v", ev)
	}
}

func TestPromotionBlockedByActiveBreach(t *testing.T) {
	m := NewMachine(DefaultConfig())
	in := promotableInput()
	in.Detectors = append(in.Detectors, state.DetectorState{ID: "a1", Lifecycle: state.Active})
	a1 := okRecords("a1", 3, 1, 0.6)
	a1[0].SQCorrBreaches = []state.PeerCorr{{ID: "e1", Corr: 0.8}}
	in.History["a1"] = a1
	if ev := m.Evaluate(in); len(ev) != 0 {
		t.Fatalf("breach vs an active detector must block promotion, got %+v", ev)
	}
}

func TestSustainedLowSigmaDeprecates(t *testing.T) {
	m := NewMachine(DefaultConfig())
	var hist []state.ScoreRecord
	for c := int64(1); c <= 3; c++ {
		hist = append(hist, okRecords("d1", c, 2, 0.1)...)
	}
	in := CycleInput{
		CycleID:   3,
		Now:       now,
		Detectors: []state.DetectorState{{ID: "d1", Lifecycle: state.Active}},
		History:   map[string][]state.ScoreRecord{"d1": hist},
	}
	ev := m.Evaluate(in)
	if len(ev) != 1 || ev[0].Reason != ReasonSigmaLow {
		t.Fatalf("expected low-sigma deprecation, got %+v", ev)
	}

	hist[len(hist)-1].DetSigma = 0.9
	if ev := m.Evaluate(in); len(ev) != 0 {
		t.Fatalf("broken streak must not deprecate, got %+v", ev)
	}
}

// withDQ marks the first n records stale.
func withDQ(recs []state.ScoreRecord, n int) []state.ScoreRecord {
	for i := 0; i < n && i < len(recs); i++ {
		recs[i].DQStatus = state.DQStale
	}
	return recs
}

func withCost(recs []state.ScoreRecord, cost float64) []state.ScoreRecord {
	for i := range recs {
		recs[i].SQCost = cost
	}
	return recs
}

func TestDQBreachDeprecates(t *testing.T) {
	// Lookback is cycles 1..10 at cycle 10, ten records per cycle.
	cases := []struct {
		name  string
		stale int // newest records marked stale
		old   int // stale records in cycle 0, outside the lookback
		want  string
	}{
		{name: "eleven percent", stale: 11, want: ReasonDQBreach},
		{name: "exactly ten percent", stale: 10},
		{name: "outside lookback", stale: 0, old: 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hist := withDQ(okRecords("d1", 0, 10, 0.5), tc.old)
			for c := int64(1); c <= 10; c++ {
				hist = append(hist, okRecords("d1", c, 10, 0.5)...)
			}
			for i := 1; i <= tc.stale; i++ {
				hist[len(hist)-i].DQStatus = state.DQStale
			}

			ev := NewMachine(DefaultConfig()).Evaluate(CycleInput{
				CycleID:   10,
				Now:       now,
				Detectors: []state.DetectorState{{ID: "d1", Lifecycle: state.Active}},
				History:   map[string][]state.ScoreRecord{"d1": hist},
			})
			if tc.want == "" {
				if len(ev) != 0 {
					t.Fatalf("expected no transition, got %+v", ev)
				}
				return
			}
			if len(ev) != 1 || ev[0].NewState != state.Deprecated || ev[0].Reason != tc.want {
				t.Fatalf("expected %s deprecation, got %+v", tc.want, ev)
			}
		})
	}
}

func TestSustainedCostDeprecates(t *testing.T) {
	// CostCap 0.5 so the limit is 1.0; the window is cycles 3..5 at cycle 5.
	cases := []struct {
		name string
		hist func() []state.ScoreRecord
		want string
	}{
		{
			name: "above twice the cap for every cycle",
			hist: func() []state.ScoreRecord {
				h := withCost(okRecords("d1", 2, 5, 0.5), 0.1)
				for c := int64(3); c <= 5; c++ {
					h = append(h, withCost(okRecords("d1", c, 5, 0.5), 1.2)...)
				}
				return h
			},
			want: ReasonCostSustained,
		},
		{
			name: "one cycle has no ok record",
			hist: func() []state.ScoreRecord {
				h := withCost(okRecords("d1", 3, 5, 0.5), 1.2)
				h = append(h, withDQ(withCost(okRecords("d1", 4, 1, 0.5), 1.2), 1)...)
				return append(h, withCost(okRecords("d1", 5, 5, 0.5), 1.2)...)
			},
		},
		{
			name: "one cycle missing",
			hist: func() []state.ScoreRecord {
				h := withCost(okRecords("d1", 3, 5, 0.5), 1.2)
				return append(h, withCost(okRecords("d1", 5, 5, 0.5), 1.2)...)
			},
		},
		{
			name: "exactly twice the cap",
			hist: func() []state.ScoreRecord {
				var h []state.ScoreRecord
				for c := int64(3); c <= 5; c++ {
					h = append(h, withCost(okRecords("d1", c, 5, 0.5), 1.0)...)
				}
				return h
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := NewMachine(DefaultConfig()).Evaluate(CycleInput{
				CycleID:   5,
				Now:       now,
				Detectors: []state.DetectorState{{ID: "d1", Lifecycle: state.Active}},
				History:   map[string][]state.ScoreRecord{"d1": tc.hist()},
			})
			if tc.want == "" {
				if len(ev) != 0 {
					t.Fatalf("expected no transition, got %+v", ev)
				}
				return
			}
			if len(ev) != 1 || ev[0].Reason != tc.want {
				t.Fatalf("expected %s deprecation, got %+v", tc.want, ev)
			}
		})
	}
}

func TestActiveAuditVetoAndComplexity(t *testing.T) {
	m := NewMachine(DefaultConfig())
	params := map[string]float64{}
	for i := 0; i < 13; i++ {
		params[fmt.Sprintf("p%d", i)] = 1
	}
	in := CycleInput{
		CycleID: 1,
		Now:     now,
		Detectors: []state.DetectorState{
			{ID: "a", Lifecycle: state.Active},
			{ID: "b", Lifecycle: state.Active, Hyperparams: state.Hyperparams{Params: params}},
		},
		History: map[string][]state.ScoreRecord{"a": okRecords("a", 1, 1, 0.9), "b": okRecords("b", 1, 1, 0.9)},
		Audits:  map[string]state.AuditResult{"a": {DetectorID: "a", Adversarial: true}},
	}
	ev := m.Evaluate(in)
	if len(ev) != 2 || ev[0].Reason != ReasonAuditVeto || ev[1].Reason != ReasonComplexity {
		t.Fatalf("unexpected events %+v", ev)
	}
}

func TestRecoveryAndArchival(t *testing.T) {
	m := NewMachine(DefaultConfig())
	in := CycleInput{
		CycleID: 61,
		Now:     now,
		Detectors: []state.DetectorState{
			{ID: "old", Lifecycle: state.Deprecated, EnteredCycle: 1},
			{ID: "rec", Lifecycle: state.Deprecated, EnteredCycle: 58},
			{ID: "stay", Lifecycle: state.Deprecated, EnteredCycle: 58},
		},
		History: map[string][]state.ScoreRecord{
			"old":  okRecords("old", 61, 1, 0.9),
			"rec":  okRecords("rec", 61, 1, 0.45),
			"stay": okRecords("stay", 61, 1, 0.36),
		},
		Audits: map[string]state.AuditResult{"old": {}, "rec": {}, "stay": {}},
	}
	ev := m.Evaluate(in)
	if len(ev) != 2 {
		t.Fatalf("expected two transitions, got %+v", ev)
	}
	if ev[0].DetectorID != "old" || ev[0].NewState != state.Archived {
		t.Fatalf("expected archival after cooldown, got %+v", ev[0])
	}
	if ev[1].DetectorID != "rec" || ev[1].NewState != state.Active || ev[1].Reason != ReasonRecovered {
		t.Fatalf("expected recovery, got %+v", ev[1])
	}
}

func TestNoTwoActivesBreachAfterCycle(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	m := NewMachine(DefaultConfig())
	for trial := 0; trial < 200; trial++ {
		n := 3 + rng.IntN(6)
		in := CycleInput{CycleID: 1, Now: now, History: map[string][]state.ScoreRecord{}}
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("d%02d", i)
			in.Detectors = append(in.Detectors, state.DetectorState{ID: ids[i], Lifecycle: state.Active})
			in.History[ids[i]] = okRecords(ids[i], 1, 1, 0.2+rng.Float64())
		}
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rng.IntN(3) == 0 {
					corr := 0.61 + 0.39*rng.Float64()
					ri := &in.History[ids[i]][0]
					rj := &in.History[ids[j]][0]
					ri.SQCorrBreaches = append(ri.SQCorrBreaches, state.PeerCorr{ID: ids[j], Corr: corr})
					rj.SQCorrBreaches = append(rj.SQCorrBreaches, state.PeerCorr{ID: ids[i], Corr: corr})
				}
			}
		}
		active := map[string]bool{}
		for _, id := range ids {
			active[id] = true
		}
		for _, ev := range m.Evaluate(in) {
			delete(active, ev.DetectorID)
		}
		for id := range active {
			for _, pc := range in.History[id][0].SQCorrBreaches {
				if active[pc.ID] {
					t.Fatalf("trial %d: %s and %s both active with corr %f", trial, id, pc.ID, pc.Corr)
				}
			}
		}
	}
}

func TestApplyUpdatesArena(t *testing.T) {
	arena := state.NewArena(state.DetectorState{ID: "d1", Lifecycle: state.Experimental})
	changed := Apply(arena, []state.LifecycleEvent{{DetectorID: "d1", OldState: state.Experimental, NewState: state.Active, CycleID: 4, Timestamp: now}})
	d, _ := arena.Get("d1")
	if len(changed) != 1 || d.Lifecycle != state.Active || d.EnteredCycle != 4 || !d.StateEnteredAt.Equal(now) {
		t.Fatalf("unexpected row %+v", d)
	}
}
