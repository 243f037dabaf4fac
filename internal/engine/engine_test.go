package engine

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/danielpatrickdp/resonance/internal/config"
	"github.com/danielpatrickdp/resonance/internal/eval"
	"github.com/danielpatrickdp/resonance/internal/lifecycle"
	"github.com/danielpatrickdp/resonance/internal/metrics"
	"github.com/danielpatrickdp/resonance/internal/severity"
	"github.com/danielpatrickdp/resonance/internal/state"
	"github.com/danielpatrickdp/resonance/internal/synth"
)

// #region helpers

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.WindowsPerCycle = 3
	cfg.Engine.Workers = 4
	cfg.Contraction.Samples = 200
	return &cfg
}

func openStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.NewStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newEngine(t *testing.T, cfg *config.Config, store *state.Store, provider Provider, gen *synth.Provider) *Engine {
	t.Helper()
	e, err := New(Options{Config: cfg, Store: store, Provider: provider, Audits: gen})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Bootstrap(gen.Population()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return e
}

// faultyProvider fails selected detectors.
type faultyProvider struct {
	*synth.Provider
	gap   string
	stale string
}

func (f faultyProvider) Window(ctx context.Context, id string, w int64) (state.EvaluationWindow, error) {
	switch id {
	case f.gap:
		return state.EvaluationWindow{}, &state.DataGapError{DetectorID: id, WindowID: w, Missing: []string{"returns"}}
	case f.stale:
		return state.EvaluationWindow{}, context.DeadlineExceeded
	}
	return f.Provider.Window(ctx, id, w)
}

// stuckProvider blocks one detector until release is closed, ignoring ctx.
type stuckProvider struct {
	*synth.Provider
	stuck   string
	release chan struct{}
}

func (p stuckProvider) Window(ctx context.Context, id string, w int64) (state.EvaluationWindow, error) {
	if id == p.stuck {
		<-p.release
	}
	return p.Provider.Window(ctx, id, w)
}

// #endregion

func TestNewRejectsNonContractiveConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Resonance.Eta = 0
	_, err := New(Options{Config: cfg, Store: openStore(t), Provider: synth.New(synth.DefaultConfig())})
	var v *eval.ContractionViolation
	if !errors.As(err, &v) {
		t.Fatalf("expected contraction violation, got %v", err)
	}
}

func TestNewRequiresWiring(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without config and store")
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	run := func() map[string]string {
		gen := synth.New(synth.DefaultConfig())
		store := openStore(t)
		e := newEngine(t, testConfig(), store, gen, gen)
		if _, err := e.RunWindows(context.Background(), 0, 6, gen.ClosedAt); err != nil {
			t.Fatalf("run: %v", err)
		}
		fps, err := store.Fingerprints()
		if err != nil {
			t.Fatalf("fingerprints: %v", err)
		}
		return fps
	}
	a, b := run(), run()
	if len(a) != 6*16 {
		t.Fatalf("expected %d records, got %d", 6*16, len(a))
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("two runs over the same inputs must produce identical fingerprints")
	}
}

func TestStaleAndPartialAreExcluded(t *testing.T) {
	cfg := synth.DefaultConfig()
	cfg.GapRate = 0
	gen := synth.New(cfg)
	store := openStore(t)
	provider := faultyProvider{Provider: gen, gap: "det-00-01", stale: "det-00-02"}
	e := newEngine(t, testConfig(), store, provider, gen)

	before, _ := e.Arena().Get("det-00-01")
	res, err := e.EvaluateWindow(context.Background(), 0, gen.ClosedAt(0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !slices.Equal(res.Reduction.Excluded, []string{"det-00-01", "det-00-02"}) {
		t.Fatalf("unexpected exclusions %v", res.Reduction.Excluded)
	}
	// Four active detectors minus the two excluded.
	if res.Reduction.Contributors != 2 {
		t.Fatalf("expected 2 contributors, got %d", res.Reduction.Contributors)
	}

	byID := make(map[string]state.ScoreRecord)
	for _, r := range res.Records {
		byID[r.DetectorID] = r
	}
	if byID["det-00-01"].DQStatus != state.DQPartial || byID["det-00-02"].DQStatus != state.DQStale {
		t.Fatalf("unexpected dq: %s %s", byID["det-00-01"].DQStatus, byID["det-00-02"].DQStatus)
	}
	gap := byID["det-00-01"]
	if !gap.DetAbstain || gap.DetEligible || !slices.Contains(gap.DetReasons, "dq_not_ok") {
		t.Fatalf("partial record must abstain: %+v", gap)
	}
	after, _ := e.Arena().Get("det-00-01")
	if after.Recursive != before.Recursive || after.SamplesCount != before.SamplesCount {
		t.Fatal("partial detector state must not move")
	}
	moved, _ := e.Arena().Get("det-00-00")
	if moved.SamplesCount == 0 {
		t.Fatal("fresh detector must accumulate samples")
	}
}

func TestBarrierDeadlineBoundsTheWindow(t *testing.T) {
	sc := synth.DefaultConfig()
	sc.GapRate = 0
	gen := synth.New(sc)
	provider := stuckProvider{Provider: gen, stuck: "det-00-03", release: make(chan struct{})}
	t.Cleanup(func() { close(provider.release) })

	cfg := testConfig()
	cfg.Engine.BarrierDeadlineMillis = 200
	e := newEngine(t, cfg, openStore(t), provider, gen)

	start := time.Now()
	res, err := e.EvaluateWindow(context.Background(), 0, gen.ClosedAt(0))
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("window waited %v on a provider that ignores its context", elapsed)
	}
	for _, r := range res.Records {
		want := state.DQOK
		if r.DetectorID == "det-00-03" {
			want = state.DQStale
		}
		if r.DQStatus != want {
			t.Fatalf("%s: expected dq %s, got %s", r.DetectorID, want, r.DQStatus)
		}
	}
	if !slices.Contains(res.Reduction.Excluded, "det-00-03") {
		t.Fatalf("stuck detector should be excluded, got %v", res.Reduction.Excluded)
	}
}

func TestRecordsStayInBounds(t *testing.T) {
	gen := synth.New(synth.DefaultConfig())
	e := newEngine(t, testConfig(), openStore(t), gen, gen)
	sum, err := e.RunWindows(context.Background(), 0, 3, gen.ClosedAt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Cycles != 1 || sum.Windows != 3 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	for _, d := range e.Arena().All() {
		r := d.Recursive
		for _, v := range []float64{r.Phi, r.Theta, r.Rho} {
			if v < 0 || v > 1 {
				t.Fatalf("%s left [0,1]: %+v", d.ID, r)
			}
		}
	}
}

func TestWindowCannotCommitTwice(t *testing.T) {
	gen := synth.New(synth.DefaultConfig())
	store := openStore(t)
	e := newEngine(t, testConfig(), store, gen, gen)
	if _, err := e.EvaluateWindow(context.Background(), 0, gen.ClosedAt(0)); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := e.EvaluateWindow(context.Background(), 0, gen.ClosedAt(0))
	if !errors.Is(err, state.ErrDuplicateRecord) {
		t.Fatalf("expected duplicate record, got %v", err)
	}
}

func TestCycleClosePromotesThenMutates(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.TauPromote = 0
	cfg.Lifecycle.TauDeprecate = -1
	cfg.Lifecycle.MinSamplesBars = 1
	cfg.Lifecycle.PromoteWindow = 1
	cfg.Lifecycle.OrthoCap = 1
	cfg.Quality.OrthoCap = 1
	cfg.Mutation.CadenceCycles = 1

	sc := synth.DefaultConfig()
	sc.GapRate = 0
	gen := synth.New(sc)
	store := openStore(t)
	e, err := New(Options{Config: cfg, Store: store, Provider: gen, Audits: gen, Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := e.Bootstrap(gen.Population()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	sum, err := e.RunWindows(context.Background(), 0, 6, gen.ClosedAt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Cycles != 2 {
		t.Fatalf("expected two cycles, got %+v", sum)
	}

	events, err := store.Events("")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	promoted := 0
	for _, ev := range events {
		if ev.Reason == lifecycle.ReasonPromoted && ev.CycleID == 0 {
			promoted++
		}
	}
	if promoted != 12 {
		t.Fatalf("expected all 12 experimental detectors promoted in cycle 0, got %d", promoted)
	}

	// Mutation waits for cycle 1 and breeds from the top three.
	jobs, err := store.Jobs()
	if err != nil || len(jobs) == 0 {
		t.Fatalf("expected mutation jobs: %v %d", err, len(jobs))
	}
	if len(sum.Last.Children) != 9 || e.Arena().Len() != 16+9 {
		t.Fatalf("expected 9 children, got %d (arena %d)", len(sum.Last.Children), e.Arena().Len())
	}
	for _, c := range sum.Last.Children {
		d, ok := e.Arena().Get(c.ID)
		if !ok || d.Lifecycle != state.Experimental || d.Recursive != state.NeutralRecursiveState() {
			t.Fatalf("child not seeded neutral: %+v", d)
		}
	}
	rows, err := store.Detectors()
	if err != nil || len(rows) != 25 {
		t.Fatalf("children must be persisted: %v %d", err, len(rows))
	}

	snap, ok, err := store.Snapshot(1)
	if err != nil || !ok || len(snap.Top) == 0 || snap.ConfigHash != e.ConfigHash() {
		t.Fatalf("snapshot missing or wrong: %v %v %+v", err, ok, snap)
	}
}

func TestWithoutAuditsNothingPromotes(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.TauPromote = 0
	cfg.Lifecycle.MinSamplesBars = 1
	cfg.Lifecycle.PromoteWindow = 1
	gen := synth.New(synth.DefaultConfig())
	store := openStore(t)
	e, err := New(Options{Config: cfg, Store: store, Provider: gen})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := e.Bootstrap(gen.Population()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	sum, err := e.RunWindows(context.Background(), 0, 3, gen.ClosedAt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, ev := range sum.Last.Events {
		if ev.NewState == state.Active {
			t.Fatalf("promotion without a passed audit: %+v", ev)
		}
	}
}

func TestPublishDropsIneligible(t *testing.T) {
	cfg := synth.DefaultConfig()
	cfg.GapRate = 0
	gen := synth.New(cfg)
	store := openStore(t)
	e := newEngine(t, testConfig(), store, faultyProvider{Provider: gen, gap: "det-01-00"}, gen)
	if _, err := e.EvaluateWindow(context.Background(), 0, gen.ClosedAt(0)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	at := time.Date(2026, 1, 5, 1, 0, 0, 0, time.UTC)
	events, err := e.Publish(context.Background(), []severity.Trigger{
		{DetectorID: "det-01-00", Symbol: "BTC", Class: "breakout", Timeframe: "1h", At: at, Primary: 3},
		{DetectorID: "missing", Symbol: "ETH", Class: "breakout", Timeframe: "1h", At: at, Primary: 3},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("abstaining and unknown detectors must not emit: %+v", events)
	}
}

func TestPublishDebouncesAcrossEngines(t *testing.T) {
	store := openStore(t)
	if err := store.AppendRecords([]state.ScoreRecord{
		{DetectorID: "det-00-00", WindowID: 0, DQStatus: state.DQOK, DetEligible: true, DetSigma: 0.4},
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	at := time.Date(2026, 1, 5, 1, 0, 0, 0, time.UTC)
	trigger := severity.Trigger{DetectorID: "det-00-00", Symbol: "BTC", Class: "breakout", Subtype: "up", Timeframe: "1h", At: at, Primary: 1}

	// helper: one publish run with its own engine, as the controller does.
	publish := func(tr severity.Trigger) []severity.Event {
		t.Helper()
		e, err := New(Options{Config: testConfig(), Store: store})
		if err != nil {
			t.Fatalf("new engine: %v", err)
		}
		events, err := e.Publish(context.Background(), []severity.Trigger{tr})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		return events
	}

	first := publish(trigger)
	if len(first) != 1 || !first[0].FirstSeen {
		t.Fatalf("expected a first-seen event, got %+v", first)
	}

	trigger.At = at.Add(5 * time.Minute)
	if again := publish(trigger); len(again) != 0 {
		t.Fatalf("second run inside the cooldown must be suppressed, got %+v", again)
	}

	trigger.At = at.Add(2 * time.Hour)
	later := publish(trigger)
	if len(later) != 1 || later[0].FirstSeen || !later[0].NoveltyEpoch.Equal(at) {
		t.Fatalf("expected a repeat on the stored novelty epoch, got %+v", later)
	}
	history, err := store.Emissions()
	if err != nil || len(history) != 1 || !history[0].At.Equal(trigger.At) {
		t.Fatalf("expected one stored emission at %v, got %+v err=%v", trigger.At, history, err)
	}
}
