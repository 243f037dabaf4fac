package mutation

import (
	"reflect"
	"testing"
	"time"

	"github.com/danielpatrickdp/resonance/internal/state"
)

var now = time.Date(2026, 6, 7, 0, 0, 0, 0, time.UTC)

func population() Input {
	mk := func(id string, inputs []string, params map[string]float64) state.DetectorState {
		return state.DetectorState{
			ID:          id,
			Lifecycle:   state.Active,
			Recursive:   state.RecursiveState{Phi: 0.9, Theta: 0.1, Rho: 0.8},
			Hyperparams: state.Hyperparams{Class: "mr", Inputs: inputs, Params: params},
		}
	}
	return Input{
		CycleID: 7,
		Now:     now,
		Detectors: []state.DetectorState{
			mk("p1", []string{"a", "b", "c"}, map[string]float64{"lookback": 20, "z": 2}),
			mk("p2", []string{"c", "d"}, map[string]float64{"lookback": 40, "k": 1}),
			mk("p3", []string{"e"}, map[string]float64{"lookback": 10}),
			{ID: "x", Lifecycle: state.Experimental},
		},
		CycleSigma: map[string]float64{"p1": 0.9, "p2": 0.7, "p3": 0.2},
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopK = 2
	s := NewScheduler(cfg)
	a, b := s.Plan(population()), s.Plan(population())
	if !reflect.DeepEqual(a, b) {
		t.Fatal("identical inputs must produce identical plans")
	}
	if len(a.Children) != 6 {
		t.Fatalf("expected 2 parents × 3 children, got %d", len(a.Children))
	}
}

func TestChildrenStartNeutralAndExperimental(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	for _, c := range s.Plan(population()).Children {
		if c.Lifecycle != state.Experimental {
			t.Fatalf("child %s not experimental", c.ID)
		}
		if c.Recursive != state.NeutralRecursiveState() {
			t.Fatalf("child %s inherited resonance: %+v", c.ID, c.Recursive)
		}
		if c.ParentID == "" || c.EnteredCycle != 7 || !c.CreatedAt.Equal(now) {
			t.Fatalf("unexpected child row %+v", c)
		}
	}
}

func TestRecipesByIndexWithFallback(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	plan := s.Plan(population())
	recipes := map[string][]state.Recipe{}
	for _, j := range plan.Jobs {
		recipes[j.ParentID] = append(recipes[j.ParentID], j.Recipe)
		if j.Recipe == state.RecipeRecombine && j.SecondParentID == "" {
			t.Fatalf("recombine job without second parent: %+v", j)
		}
	}
	want := []state.Recipe{state.RecipeJitter, state.RecipeSwapInputs, state.RecipeRecombine}
	if !reflect.DeepEqual(recipes["p1"], want) {
		t.Fatalf("p1 recipes: %v", recipes["p1"])
	}
	// p3 has a single input, so swap falls back to jitter and shares its job.
	if !reflect.DeepEqual(recipes["p3"], []state.Recipe{state.RecipeJitter, state.RecipeRecombine}) {
		t.Fatalf("p3 recipes: %v", recipes["p3"])
	}
	for _, j := range plan.Jobs {
		if j.ParentID == "p3" && j.Recipe == state.RecipeJitter && len(j.ChildrenIDs) != 2 {
			t.Fatalf("expected two jitter children for p3, got %v", j.ChildrenIDs)
		}
	}
}

func TestRecombineBlendsParams(t *testing.T) {
	p1 := state.Hyperparams{Inputs: []string{"a", "b", "c"}, Params: map[string]float64{"lookback": 20, "z": 2}}
	p2 := state.Hyperparams{Inputs: []string{"c", "d"}, Params: map[string]float64{"lookback": 40, "k": 1}}
	got := recombine(p1, p2, 0.5)
	want := map[string]float64{"lookback": 30, "z": 2, "k": 1}
	if !reflect.DeepEqual(got.Params, want) {
		t.Fatalf("params: %v", got.Params)
	}
	if !reflect.DeepEqual(got.Inputs, []string{"a", "b", "d"}) {
		t.Fatalf("inputs: %v", got.Inputs)
	}
	if p1.Params["lookback"] != 20 {
		t.Fatal("recombine must not modify the parent")
	}
}

func TestPopulationCapAndCadence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPopulation = 6
	s := NewScheduler(cfg)
	if got := len(s.Plan(population()).Children); got != 2 {
		t.Fatalf("expected 2 children under a cap of 6 with 4 live, got %d", got)
	}
	in := population()
	in.CycleID = 8
	if plan := s.Plan(in); len(plan.Children) != 0 {
		t.Fatal("off-cadence cycle must not breed")
	}
}

func TestChildIDStable(t *testing.T) {
	if ChildID("p1", 7, 0) != ChildID("p1", 7, 0) {
		t.Fatal("child id must be stable")
	}
	if ChildID("p1", 7, 0) == ChildID("p1", 7, 1) {
		t.Fatal("child ids must differ by index")
	}
}
