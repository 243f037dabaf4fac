package replay

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/danielpatrickdp/resonance/internal/config"
	"github.com/danielpatrickdp/resonance/internal/engine"
	"github.com/danielpatrickdp/resonance/internal/state"
	"github.com/danielpatrickdp/resonance/internal/synth"
)

// helper: default config with three-window cycles and a light contraction check.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Engine.WindowsPerCycle = 3
	cfg.Contraction.Samples = 200
	return cfg
}

// helper: run the engine over a recorder and return the fixture plus the
// fingerprints the live run stored.
func recordRun(t *testing.T, windows int64) (*Fixture, map[string]string) {
	t.Helper()
	cfg := testConfig()
	store, err := state.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	gen := synth.New(synth.DefaultConfig())
	rec := NewRecorder(gen, gen, nil)
	eng, err := engine.New(engine.Options{Config: &cfg, Store: store, Provider: rec, Audits: rec, Evidence: rec})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	population := gen.Population()
	if err := eng.Bootstrap(population); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := eng.RunWindows(context.Background(), 0, windows, gen.ClosedAt); err != nil {
		t.Fatalf("run: %v", err)
	}
	stored, err := store.Fingerprints()
	if err != nil {
		t.Fatalf("fingerprints: %v", err)
	}
	f := rec.Fixture(population, cfg.Engine.WindowsPerCycle, gen.ClosedAt)
	f.ConfigHash = eng.ConfigHash()
	f.Fingerprints = stored
	return f, stored
}

// 1. Equal maps compare clean.
func TestCompare_Equal(t *testing.T) {
	m := map[string]string{"a/1": "x", "b/1": "y"}
	if err := Compare(m, map[string]string{"a/1": "x", "b/1": "y"}); err != nil {
		t.Fatalf("expected no mismatch, got %v", err)
	}
}

// 2. Every kind of divergence is listed, sorted.
func TestCompare_ListsEveryDivergence(t *testing.T) {
	stored := map[string]string{"a/1": "x", "c/1": "z", "b/1": "y", "d/1": "w"}
	got := map[string]string{"a/1": "x", "b/1": "changed", "d/1": "changed", "e/1": "new"}
	err := Compare(stored, got)
	var mm *MismatchError
	if !errors.As(err, &mm) {
		t.Fatalf("expected *MismatchError, got %v", err)
	}
	if !slices.Equal(mm.Different, []string{"b/1", "d/1"}) ||
		!slices.Equal(mm.Missing, []string{"c/1"}) ||
		!slices.Equal(mm.Extra, []string{"e/1"}) {
		t.Fatalf("unexpected mismatch %+v", mm)
	}
}

// 3. Window filtering parses the record key suffix.
func TestFilterWindows(t *testing.T) {
	fps := map[string]string{"a/1": "x", "a/2": "y", "b/10": "z", "broken": "q"}
	got := FilterWindows(fps, []int64{1, 10})
	if len(got) != 2 || got["a/1"] != "x" || got["b/10"] != "z" {
		t.Fatalf("unexpected filter result %v", got)
	}
}

// 4. Tampering with one recorded input changes that detector's record and is
// reported, never absorbed.
func TestReplay_TamperedInputIsDetected(t *testing.T) {
	f, stored := recordRun(t, 3)
	target := f.Windows[1].Inputs[0]
	f.Windows[1].Inputs[0].PnL = slices.Clone(target.PnL)
	f.Windows[1].Inputs[0].PnL[0] += 1e-9

	res, err := Run(context.Background(), f, testConfig(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var mm *MismatchError
	if !errors.As(Compare(stored, res.Fingerprints), &mm) {
		t.Fatal("expected tampered input to be detected")
	}
	if !slices.Contains(mm.Different, state.RecordKey(target.DetectorID, 1)) {
		t.Fatalf("expected %s to differ, got %v", target.DetectorID, mm.Different)
	}
}

// 5. Summaries count dq statuses and gate outcomes.
func TestSummarize(t *testing.T) {
	res := &Result{
		Records: []state.ScoreRecord{
			{WindowID: 0, DQStatus: state.DQOK, DetEligible: true},
			{WindowID: 0, DQStatus: state.DQPartial, DetAbstain: true},
			{WindowID: 1, DQStatus: state.DQStale, DetAbstain: true},
		},
		Events: []state.LifecycleEvent{{DetectorID: "a"}},
	}
	s := Summarize(res)
	want := Summary{Windows: 2, Records: 3, OK: 1, Partial: 1, Stale: 1, Abstain: 2, Eligible: 1, Events: 1}
	if s != want {
		t.Fatalf("got %+v, want %+v", s, want)
	}
}
