package mutation

import (
	"cmp"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/resonance/internal/state"
)

// namespace scopes the name-based child and job ids.
var namespace = uuid.MustParse("6f1c7e52-3b7a-4d0e-9a55-1f0b6c2e8d41")

var recipes = [...]state.Recipe{state.RecipeJitter, state.RecipeSwapInputs, state.RecipeRecombine}

// #region config
// Config holds the breeding cadence and operator scales.
type Config struct {
	CadenceCycles  int64   `toml:"cadence_cycles"`
	TopK           int     `toml:"top_k"`
	Children       int     `toml:"children"` // per parent
	JitterScale    float64 `toml:"jitter_scale"`
	RecombineAlpha float64 `toml:"recombine_alpha"`
	MaxPopulation  int     `toml:"max_population"` // non-archived cap
}

// DefaultConfig breeds weekly from the top three survivors.
func DefaultConfig() Config {
	return Config{
		CadenceCycles:  7,
		TopK:           3,
		Children:       3,
		JitterScale:    0.1,
		RecombineAlpha: 0.5,
		MaxPopulation:  200,
	}
}

// #endregion config

// #region types
// Input is the committed post-lifecycle view of the population.
type Input struct {
	CycleID    int64
	Now        time.Time
	Detectors  []state.DetectorState
	CycleSigma map[string]float64 // mean det_sigma this cycle
}

// Plan is the set of children and jobs for one cycle.
type Plan struct {
	Children []state.DetectorState
	Jobs     []state.MutationJob
}

// #endregion types

// #region scheduler
// Scheduler spawns child variants from the best active detectors.
type Scheduler struct {
	config Config
}

// NewScheduler creates a scheduler with the given configuration.
func NewScheduler(config Config) *Scheduler {
	return &Scheduler{config: config}
}

// Due reports whether the cycle is a breeding cycle.
func (s *Scheduler) Due(cycleID int64) bool {
	return s.config.CadenceCycles > 0 && cycleID > 0 && cycleID%s.config.CadenceCycles == 0
}

// Plan selects parents and builds children. The result depends only on the
// input: seeds and ids derive from parent id, cycle and child index.
func (s *Scheduler) Plan(in Input) Plan {
	var plan Plan
	if !s.Due(in.CycleID) {
		return plan
	}

	var parents []state.DetectorState
	live := 0
	for _, d := range in.Detectors {
		if d.Lifecycle.Live() {
			live++
		}
		if d.Lifecycle == state.Active {
			parents = append(parents, d)
		}
	}
	slices.SortFunc(parents, func(a, b state.DetectorState) int {
		sa, sb := in.CycleSigma[a.ID], in.CycleSigma[b.ID]
		if sa != sb {
			return cmp.Compare(sb, sa)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(parents) > s.config.TopK {
		parents = parents[:s.config.TopK]
	}

	type jobKey struct {
		parent string
		recipe state.Recipe
	}
	jobs := make(map[jobKey]*state.MutationJob)
	var order []jobKey

	for k, p := range parents {
		var second *state.DetectorState
		if len(parents) > 1 {
			second = &parents[(k+1)%len(parents)]
		}
		for i := 0; i < s.config.Children; i++ {
			if live >= s.config.MaxPopulation {
				break
			}
			recipe := recipes[i%len(recipes)]
			rng := rand.New(rand.NewPCG(SeedForOffspring(p.ID, in.CycleID, i)))

			var hp state.Hyperparams
			switch {
			case recipe == state.RecipeSwapInputs && len(p.Hyperparams.Inputs) >= 2:
				hp = swapInputs(p.Hyperparams, rng)
			case recipe == state.RecipeRecombine && second != nil:
				hp = recombine(p.Hyperparams, second.Hyperparams, s.config.RecombineAlpha)
			default:
				recipe = state.RecipeJitter
				hp = jitter(p.Hyperparams, s.config.JitterScale, rng)
			}

			child := state.DetectorState{
				ID:             ChildID(p.ID, in.CycleID, i),
				Lifecycle:      state.Experimental,
				ParentID:       p.ID,
				Recursive:      state.NeutralRecursiveState(),
				Hyperparams:    hp,
				CreatedAt:      in.Now,
				StateEnteredAt: in.Now,
				EnteredCycle:   in.CycleID,
			}
			plan.Children = append(plan.Children, child)
			live++

			key := jobKey{parent: p.ID, recipe: recipe}
			job, ok := jobs[key]
			if !ok {
				job = &state.MutationJob{
					ID:          uuid.NewSHA1(namespace, []byte(fmt.Sprintf("job|%s|%d|%s", p.ID, in.CycleID, recipe))).String(),
					ParentID:    p.ID,
					Recipe:      recipe,
					ChildrenIDs: []string{},
					CycleID:     in.CycleID,
					CreatedAt:   in.Now,
				}
				if recipe == state.RecipeRecombine {
					job.SecondParentID = second.ID
				}
				jobs[key] = job
				order = append(order, key)
			}
			job.ChildrenIDs = append(job.ChildrenIDs, child.ID)
		}
	}
	for _, k := range order {
		plan.Jobs = append(plan.Jobs, *jobs[k])
	}
	return plan
}

// #endregion scheduler

// #region seeds
// SeedForOffspring derives the two PCG words from SHA-256(parent|cycle|index).
func SeedForOffspring(parentID string, cycleID int64, index int) (uint64, uint64) {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", parentID, cycleID, index)))
	return binary.BigEndian.Uint64(sum[0:8]), binary.BigEndian.Uint64(sum[8:16])
}

// ChildID is the UUIDv5 of parent|cycle|index.
func ChildID(parentID string, cycleID int64, index int) string {
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%s|%d|%d", parentID, cycleID, index))).String()
}

// #endregion seeds

// #region operators
func jitter(hp state.Hyperparams, scale float64, rng *rand.Rand) state.Hyperparams {
	out := hp.Clone()
	keys := make([]string, 0, len(out.Params))
	for k := range out.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		out.Params[k] *= 1 + scale*rng.NormFloat64()
	}
	return out
}

func swapInputs(hp state.Hyperparams, rng *rand.Rand) state.Hyperparams {
	out := hp.Clone()
	n := len(out.Inputs)
	i := rng.IntN(n)
	j := rng.IntN(n - 1)
	if j >= i {
		j++
	}
	out.Inputs[i], out.Inputs[j] = out.Inputs[j], out.Inputs[i]
	return out
}

// recombine blends params as α·p1 + (1−α)·p2 over the key union and joins
// the first half of p1's inputs with the second half of p2's.
func recombine(p1, p2 state.Hyperparams, alpha float64) state.Hyperparams {
	out := p1.Clone()
	out.Params = make(map[string]float64, len(p1.Params)+len(p2.Params))
	for k, v := range p1.Params {
		if w, ok := p2.Params[k]; ok {
			out.Params[k] = alpha*v + (1-alpha)*w
		} else {
			out.Params[k] = v
		}
	}
	for k, w := range p2.Params {
		if _, ok := p1.Params[k]; !ok {
			out.Params[k] = w
		}
	}

	half1 := (len(p1.Inputs) + 1) / 2
	half2 := len(p2.Inputs) / 2
	seen := make(map[string]bool)
	out.Inputs = nil
	for _, in := range append(slices.Clone(p1.Inputs[:half1]), p2.Inputs[half2:]...) {
		if !seen[in] {
			seen[in] = true
			out.Inputs = append(out.Inputs, in)
		}
	}
	return out
}

// #endregion operators
