package gate

import "github.com/danielpatrickdp/resonance/internal/state"

// #region reason
// Reason names a gate that withheld eligibility.
type Reason string

const (
	ReasonUncertainty Reason = "uncert_above_tau_u"
	ReasonDataQuality Reason = "dq_not_ok"
	ReasonSiblings    Reason = "siblings_below_2"
	ReasonKairos      Reason = "kairos_below_tau_k"
	ReasonEntrainment Reason = "entrain_below_tau_r"
	ReasonConfirm     Reason = "mx_confirm_required"
)

// #endregion reason

// #region gate-config
// Config holds the blend exponent and gate thresholds.
type Config struct {
	U       float64 `toml:"u"`       // weight of sq in the geometric blend
	Epsilon float64 `toml:"epsilon"` // floor applied to both operands
	TauU    float64 `toml:"tau_u"`
	TauK    float64 `toml:"tau_k"`
	TauR    float64 `toml:"tau_r"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		U:       0.6,
		Epsilon: 1e-6,
		TauU:    0.3,
		TauK:    0.2,
		TauR:    0.3,
	}
}

// #endregion gate-config

// #region input
// Input gathers everything the combiner needs for one detector after the
// barrier. Spectrum and EntrainR are shared by the whole window.
type Input struct {
	SQScore        float64
	KRDeltaPhi     float64
	W              float64 // phi_cur·theta·rho_cur
	MaxW           float64 // barrier max over fresh detectors
	Hyperparams    state.Hyperparams
	Spectrum       state.Spectrum
	EntrainR       float64
	OwnSignal      float64
	SiblingSignals []float64 // last signal of each fresh sibling, self excluded
	DQ             state.DQStatus
	MxConfirm      bool
}

// #endregion input

// #region decision
// Decision is the det output for one detector and window.
type Decision struct {
	Sigma    float64
	Kairos   float64
	EntrainR float64
	Uncert   float64
	Siblings int
	Abstain  bool
	Eligible bool
	Reasons  []string
}

// Apply copies the decision onto a score record.
func (d Decision) Apply(rec *state.ScoreRecord) {
	rec.DetSigma = d.Sigma
	rec.DetKairos = d.Kairos
	rec.DetEntrainR = d.EntrainR
	rec.DetUncert = d.Uncert
	rec.DetSiblings = d.Siblings
	rec.DetAbstain = d.Abstain
	rec.DetEligible = d.Eligible
	rec.DetReasons = d.Reasons
}

// #endregion decision
