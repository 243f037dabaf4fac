package gate

import (
	"math"

	"github.com/danielpatrickdp/resonance/internal/state"
	"github.com/danielpatrickdp/resonance/internal/stats"
)

// #region gate
// Gate blends sq and kr into det_sigma and decides abstention and eligibility.
type Gate struct {
	config Config
}

// NewGate creates a gate with the given configuration.
func NewGate(config Config) *Gate {
	return &Gate{config: config}
}

// Evaluate checks the abstention gates first, then the timing gates.
// Eligibility is never granted to an abstaining detector.
func (g *Gate) Evaluate(in Input) Decision {
	d := Decision{
		Sigma:    Sigma(in.SQScore, in.KRDeltaPhi, g.config.U, g.config.Epsilon),
		Kairos:   Kairos(in.Spectrum, in.Hyperparams, in.W, in.MaxW),
		EntrainR: in.EntrainR,
		Siblings: len(in.SiblingSignals),
		Reasons:  []string{},
	}
	d.Uncert = Uncertainty(in.OwnSignal, in.SiblingSignals)

	// --- Abstention ---
	if d.Uncert > g.config.TauU {
		d.Reasons = append(d.Reasons, string(ReasonUncertainty))
	}
	if in.DQ != state.DQOK {
		d.Reasons = append(d.Reasons, string(ReasonDataQuality))
	}
	if d.Siblings < 2 {
		d.Reasons = append(d.Reasons, string(ReasonSiblings))
	}
	d.Abstain = len(d.Reasons) > 0

	// --- Timing and confirmation ---
	if d.Kairos < g.config.TauK {
		d.Reasons = append(d.Reasons, string(ReasonKairos))
	}
	if d.EntrainR < g.config.TauR {
		d.Reasons = append(d.Reasons, string(ReasonEntrainment))
	}
	if in.Hyperparams.RequireConfirm && !in.MxConfirm {
		d.Reasons = append(d.Reasons, string(ReasonConfirm))
	}
	d.Eligible = len(d.Reasons) == 0
	return d
}

// #endregion gate

// #region components
// Sigma is max(sq,ε)^u · max(kr,ε)^(1−u). Flooring both operands keeps the
// fractional powers defined when sq is negative.
func Sigma(sq, kr, u, eps float64) float64 {
	u = stats.Clip01(u)
	if eps <= 0 {
		eps = 1e-6
	}
	v := math.Pow(math.Max(sq, eps), u) * math.Pow(math.Max(kr, eps), 1-u)
	if !stats.Finite(v) {
		return eps
	}
	return v
}

// Kairos is the amplitude-weighted phase alignment with the market spectrum,
// mapped to [0, 1], scaled by W/maxW. Modes outside the declared band are
// ignored; an empty band uses every mode.
func Kairos(spec state.Spectrum, hp state.Hyperparams, w, maxW float64) float64 {
	if maxW <= 0 {
		return 0
	}
	allBands := hp.BandHigh <= hp.BandLow
	var num, den float64
	for _, m := range spec.Modes {
		if !allBands && (m.Frequency < hp.BandLow || m.Frequency > hp.BandHigh) {
			continue
		}
		if m.Amplitude <= 0 {
			continue
		}
		num += m.Amplitude * math.Cos(m.Phase-hp.Phase)
		den += m.Amplitude
	}
	if den == 0 {
		return 0
	}
	align01 := (1 + num/den) / 2
	return stats.Clip01(align01 * stats.Clip01(w/maxW))
}

// Entrainment is the Kuramoto order parameter over the spectrum's mode phases.
func Entrainment(spec state.Spectrum) float64 {
	phases := make([]float64, len(spec.Modes))
	for i, m := range spec.Modes {
		phases[i] = m.Phase
	}
	return stats.OrderParameter(phases)
}

// Uncertainty is the sample variance of the detector's last signal and its
// siblings'. Fewer than two siblings leaves it undefined, reported as
// state.MaxUncertainty so the detector abstains.
func Uncertainty(own float64, siblings []float64) float64 {
	if len(siblings) < 2 {
		return state.MaxUncertainty
	}
	vals := append([]float64{own}, siblings...)
	v, ok := stats.Variance(vals)
	if !ok || !stats.Finite(v) {
		return state.MaxUncertainty
	}
	return v
}

// #endregion components
