package resonance

import (
	"github.com/danielpatrickdp/resonance/internal/state"
	"github.com/danielpatrickdp/resonance/internal/stats"
)

// #region config
// Config holds measurement scales and the recursive update exponents.
type Config struct {
	PHDelta           float64 `toml:"ph_delta"`          // Page-Hinkley drift allowance
	CoherenceSegment  int     `toml:"coherence_segment"` // Welch segment length, bars
	SupportTau        float64 `toml:"support_tau"`       // |s| threshold for support
	EntropyWeight     float64 `toml:"entropy_weight"`    // w_H in theta_meas
	DepthScale        float64 `toml:"depth_scale"`
	NodeScale         float64 `toml:"node_scale"`
	EmergenceLambda   float64 `toml:"emergence_lambda"`
	HistoryLen        int     `toml:"history_len"` // det_sigma points used for the emergence slope
	CrowdingThreshold float64 `toml:"crowding_threshold"`
	CrowdingC         float64 `toml:"crowding_c"`
	CrowdingP         float64 `toml:"crowding_p"`

	MeasurementGain float64 `toml:"measurement_gain"` // κ: pull of phi/rho toward this window's measurement
	ThetaBar        float64 `toml:"theta_bar"`
	ThetaMeasWeight float64 `toml:"theta_meas_weight"`
	CouplingGain    float64 `toml:"coupling_gain"` // g on hbar·Σ phi·rho
	Eta             float64 `toml:"eta"`
	Alpha           float64 `toml:"alpha"`
	Beta            float64 `toml:"beta"`
	Gamma           float64 `toml:"gamma"`
	Delta           float64 `toml:"delta"`
	Epsilon         float64 `toml:"epsilon"`
	AlphaGain       float64 `toml:"alpha_gain"`
	LambdaDecay     float64 `toml:"lambda_decay"`
}

// DefaultConfig returns defaults that pass the contraction check. They are not
// the bare recurrences: MeasurementGain pulls phi and rho toward this window's
// measurement, ThetaMeasWeight mixes theta_meas into the theta target and
// CouplingGain damps the barrier sum. LiteralConfig zeroes those knobs.
func DefaultConfig() Config {
	return Config{
		PHDelta:           0.005,
		CoherenceSegment:  16,
		SupportTau:        0.5,
		EntropyWeight:     0.5,
		DepthScale:        4,
		NodeScale:         16,
		EmergenceLambda:   0.5,
		HistoryLen:        20,
		CrowdingThreshold: 0.2,
		CrowdingC:         4,
		CrowdingP:         2,

		MeasurementGain: 0.35,
		ThetaBar:        0.5,
		ThetaMeasWeight: 0.5,
		CouplingGain:    0.05,
		Eta:             0.3,
		Alpha:           1,
		Beta:            0.5,
		Gamma:           0.5,
		Delta:           0.5,
		Epsilon:         0.5,
		AlphaGain:       0.01,
		LambdaDecay:     0.1,
	}
}

// LiteralConfig is DefaultConfig with MeasurementGain 0, ThetaMeasWeight 0 and
// CouplingGain 1, so phi(t) = phi·rho and theta(t) = theta + hbar·sum −
// η·(theta − ThetaBar) hold exactly. phi·rho is not a contraction near (1, 1),
// so this preset fails the startup check and is meant for reference runs.
func LiteralConfig() Config {
	cfg := DefaultConfig()
	cfg.MeasurementGain = 0
	cfg.ThetaMeasWeight = 0
	cfg.CouplingGain = 1
	return cfg
}

// #endregion config

// #region measurements
// Measurements are the phase-1 instantaneous values for one detector. They
// carry no cross-detector dependency beyond the read-only cohort snapshot.
type Measurements struct {
	Hbar         float64
	Coherence    float64
	PhiMeas      float64
	ThetaMeas    float64
	RhoMeas      float64
	Novelty      float64
	Emergence    float64
	Crowding     float64 // multiplier applied to coherence and phi_meas, 1 when uncrowded
	Degeneracies []stats.Degeneracy
}

// #endregion measurements

// #region contribution
// Contribution is one detector's input to the window barrier.
type Contribution struct {
	DetectorID string
	Active     bool
	Fresh      bool // phase 1 finished with dq ok
	PhiCur     float64
	Theta      float64
	RhoCur     float64
}

// #endregion contribution

// #region adjustment
// Adjustment is a capped evidence tilt. Boost multiplies delta_phi by
// 1+Boost; Relief lowers the theta used for delta_phi. At most one is set.
type Adjustment struct {
	Boost  float64
	Relief float64
}

// #endregion adjustment

// #region outcome
// Outcome is the phase-2 result for one detector.
type Outcome struct {
	PhiCur       float64
	RhoCur       float64
	ThetaEff     float64 // theta after evidence relief
	DeltaPhi     float64
	Next         state.RecursiveState // phi(t), theta(t), rho(t+1)
	Degeneracies []stats.Degeneracy
}

// #endregion outcome
