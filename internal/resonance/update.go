package resonance

import (
	"math"
	"slices"
	"strings"

	"github.com/danielpatrickdp/resonance/internal/state"
	"github.com/danielpatrickdp/resonance/internal/stats"
)

// denomFloor keeps delta_phi finite when theta or rho reach 1.
const denomFloor = 1e-6

// #region current
// Current blends the stored phi and rho with this window's measurements.
// With MeasurementGain 0 it returns the stored values unchanged.
func Current(s state.RecursiveState, m Measurements, cfg Config) (phiCur, rhoCur float64) {
	k := stats.Clip01(cfg.MeasurementGain)
	phiCur = stats.Clip01((1-k)*s.Phi + k*m.PhiMeas)
	rhoCur = stats.Clip01((1-k)*s.Rho + k*m.RhoMeas)
	return phiCur, rhoCur
}

// Contribute builds the barrier input for a detector.
func Contribute(id string, active, fresh bool, s state.RecursiveState, m Measurements, cfg Config) Contribution {
	c := Contribution{DetectorID: id, Active: active, Fresh: fresh, Theta: stats.Clip01(s.Theta)}
	if fresh {
		c.PhiCur, c.RhoCur = Current(s, m, cfg)
	}
	return c
}

// #endregion current

// #region reduce
// Reduce is the cohort-wide barrier. It sums phi·rho over fresh active
// detectors and takes max phi·theta·rho over all fresh detectors, visiting
// contributions in id order so the float sum is reproducible.
func Reduce(windowID int64, contribs []Contribution) state.Reduction {
	sorted := slices.Clone(contribs)
	slices.SortFunc(sorted, func(a, b Contribution) int { return strings.Compare(a.DetectorID, b.DetectorID) })

	red := state.Reduction{WindowID: windowID, Excluded: []string{}}
	for _, c := range sorted {
		if !c.Fresh {
			red.Excluded = append(red.Excluded, c.DetectorID)
			continue
		}
		if w := c.PhiCur * c.Theta * c.RhoCur; w > red.MaxW {
			red.MaxW = w
		}
		if c.Active {
			red.Sum += c.PhiCur * c.RhoCur
			red.Contributors++
		}
	}
	return red
}

// #endregion reduce

// #region update
// Update is the phase-2 recursive step. It is pure: the same state,
// measurements, reduction, adjustment and config always give the same Outcome.
func Update(s state.RecursiveState, m Measurements, red state.Reduction, adj Adjustment, cfg Config) Outcome {
	var out Outcome
	note := func(field, reason string) {
		out.Degeneracies = append(out.Degeneracies, stats.Degeneracy{Field: "kr_" + field, Reason: reason})
	}
	guard := func(v float64, field string) float64 {
		if stats.Finite(v) {
			return v
		}
		note(field, "non-finite value")
		return 0
	}

	out.PhiCur, out.RhoCur = Current(s, m, cfg)

	phi := stats.Clip01(guard(out.PhiCur*out.RhoCur, "phi"))

	thetaBar := (1-cfg.ThetaMeasWeight)*cfg.ThetaBar + cfg.ThetaMeasWeight*m.ThetaMeas
	prev := stats.Clip01(s.Theta)
	theta := stats.Clip01(guard(prev+m.Hbar*cfg.CouplingGain*red.Sum-cfg.Eta*(prev-thetaBar), "theta"))

	out.ThetaEff = math.Max(0, theta-adj.Relief)

	num := m.Hbar * m.Coherence *
		math.Pow(phi, cfg.Alpha) *
		math.Pow(stats.Clip01(m.Novelty), cfg.Beta) *
		math.Pow(stats.Clip01(m.Emergence), cfg.Gamma)
	den := math.Pow(1-out.ThetaEff, cfg.Delta)*math.Pow(1-out.RhoCur, cfg.Epsilon) + denomFloor
	out.DeltaPhi = guard(num/den*(1+adj.Boost), "delta_phi")

	rhoNext := stats.Clip01(guard(stats.Logistic(out.RhoCur+cfg.AlphaGain*out.DeltaPhi-cfg.LambdaDecay*out.RhoCur), "rho"))

	out.Next = state.RecursiveState{Phi: phi, Theta: theta, Rho: rhoNext}
	return out
}

// #endregion update
