package synth

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/danielpatrickdp/resonance/internal/state"
)

func TestWindowsAreDeterministic(t *testing.T) {
	ctx := context.Background()
	a, b := New(DefaultConfig()), New(DefaultConfig())
	// Different call order must not matter.
	_, _ = b.Window(ctx, "det-00-01", 3)
	wa, errA := a.Window(ctx, "det-00-00", 5)
	wb, errB := b.Window(ctx, "det-00-00", 5)
	if !reflect.DeepEqual(wa, wb) || (errA == nil) != (errB == nil) {
		t.Fatal("same seed must give the same window")
	}
}

func TestWindowShapeAndGaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GapRate = 0
	p := New(cfg)
	w, err := p.Window(context.Background(), "det-01-02", 1)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(w.Signal) != cfg.Bars || len(w.PnL) != cfg.Bars || len(w.Embedding) != cfg.EmbedDim {
		t.Fatalf("unexpected shape: %d %d %d", len(w.Signal), len(w.PnL), len(w.Embedding))
	}
	if err := w.Validate(); err != nil {
		t.Fatalf("generated window must validate: %v", err)
	}

	cfg.GapRate = 1
	_, err = New(cfg).Window(context.Background(), "det-01-02", 1)
	if !errors.Is(err, state.ErrDataGap) {
		t.Fatalf("expected data gap, got %v", err)
	}
}

func TestPopulationFamilies(t *testing.T) {
	p := New(DefaultConfig())
	pop := p.Population()
	if len(pop) != 16 {
		t.Fatalf("expected 16 detectors, got %d", len(pop))
	}
	arena := state.NewArena(pop...)
	if sib := arena.Siblings("det-02-00"); len(sib) != 3 {
		t.Fatalf("expected 3 siblings, got %v", sib)
	}
	if len(arena.ActiveIDs()) != 4 {
		t.Fatalf("expected first family active, got %v", arena.ActiveIDs())
	}
}

func TestSpectrumAndAudits(t *testing.T) {
	p := New(DefaultConfig())
	spec, err := p.Spectrum(context.Background(), 2)
	if err != nil || len(spec.Modes) != 4 {
		t.Fatalf("spectrum: %v %+v", err, spec)
	}
	audits, _ := p.Audits(context.Background(), 1, []string{"a", "b"})
	if !audits["a"].Passed() || len(audits) != 2 {
		t.Fatalf("unexpected audits %+v", audits)
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(DefaultConfig()).Window(ctx, "x", 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
