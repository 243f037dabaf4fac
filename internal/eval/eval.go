package eval

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/resonance/internal/resonance"
	"github.com/danielpatrickdp/resonance/internal/state"
)

var coordinates = [3]string{"phi", "theta", "rho"}

// #region eval-harness
// Harness estimates the Lipschitz constant of resonance.Update over the
// (phi, theta, rho) state. Each sample builds the 3×3 finite-difference
// Jacobian and takes its spectral norm, so cross terms such as theta feeding
// rho through delta_phi count toward L.
type Harness struct {
	config Config
}

// NewHarness creates a harness with the given configuration.
func NewHarness(config Config) *Harness {
	return &Harness{config: config}
}

// Run samples the update under cfg. adj is held fixed for every sample, so
// callers pass the largest boost their evidence policy allows.
func (h *Harness) Run(cfg resonance.Config, adj resonance.Adjustment) Result {
	rng := rand.New(rand.NewPCG(h.config.Seed, h.config.Seed^0x9e3779b97f4a7c15))
	lo, hi := h.config.Margin, 1-h.config.Margin
	step := h.config.Step

	var rows [3]float64
	var worstRow int
	var worstAt [3]float64
	worst := 0.0
	jac := mat.NewDense(3, 3, nil)
	var svd mat.SVD
	for n := 0; n < h.config.Samples; n++ {
		s := state.RecursiveState{
			Phi:   lo + (hi-lo)*rng.Float64(),
			Theta: lo + (hi-lo)*rng.Float64(),
			Rho:   lo + (hi-lo)*rng.Float64(),
		}
		m := resonance.Measurements{
			Hbar:      rng.Float64(),
			Coherence: rng.Float64(),
			PhiMeas:   rng.Float64(),
			ThetaMeas: rng.Float64(),
			RhoMeas:   rng.Float64(),
			Novelty:   rng.Float64(),
			Emergence: rng.Float64(),
			Crowding:  1,
		}
		red := state.Reduction{Sum: rng.Float64()}

		base := resonance.Update(s, m, red, adj, cfg).Next
		for j := range coordinates {
			next := resonance.Update(shift(s, j, step), m, red, adj, cfg).Next
			for i := range coordinates {
				jac.Set(i, j, (component(next, i)-component(base, i))/step)
			}
		}

		var sampleRows [3]float64
		for i := range coordinates {
			sampleRows[i] = mat.Norm(jac.RowView(i), 2)
			rows[i] = math.Max(rows[i], sampleRows[i])
		}
		if !svd.Factorize(jac, mat.SVDNone) {
			continue
		}
		if l := svd.Values(nil)[0]; l > worst {
			worst = l
			worstAt = [3]float64{s.Phi, s.Theta, s.Rho}
			worstRow = argmax(sampleRows)
		}
	}

	limit := 1 - h.config.Tolerance
	res := Result{
		Passed:     worst < limit,
		Lipschitz:  worst,
		Coordinate: "lipschitz_" + coordinates[worstRow],
		Reason:     "all checks passed",
		Worst:      worstAt,
	}
	for k, name := range coordinates {
		res.Metrics = append(res.Metrics, Metric{Name: "lipschitz_" + name, Value: rows[k], Pass: rows[k] < limit})
	}
	if !res.Passed {
		res.Reason = fmt.Sprintf("eval failed: Jacobian norm %.6f reaches %.6f, dominated by %s",
			res.Lipschitz, limit, coordinates[worstRow])
	}
	return res
}

// Check runs the harness and returns a *ContractionViolation on failure.
func (h *Harness) Check(cfg resonance.Config, adj resonance.Adjustment) error {
	res := h.Run(cfg, adj)
	if res.Passed {
		return nil
	}
	return &ContractionViolation{Lipschitz: res.Lipschitz, Coordinate: res.Coordinate, At: res.Worst}
}

// #endregion eval-harness

// #region helpers
func component(s state.RecursiveState, k int) float64 {
	switch k {
	case 0:
		return s.Phi
	case 1:
		return s.Theta
	default:
		return s.Rho
	}
}

func shift(s state.RecursiveState, k int, step float64) state.RecursiveState {
	switch k {
	case 0:
		s.Phi += step
	case 1:
		s.Theta += step
	default:
		s.Rho += step
	}
	return s
}

func argmax(v [3]float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// #endregion helpers
