package quality

import (
	"github.com/danielpatrickdp/resonance/internal/state"
	"github.com/danielpatrickdp/resonance/internal/stats"
)

// #region config
// Config holds the sq weights and numeric guards.
type Config struct {
	WeightAccuracy      float64 `toml:"w_accuracy"`
	WeightPrecision     float64 `toml:"w_precision"`
	WeightStability     float64 `toml:"w_stability"`
	WeightOrthogonality float64 `toml:"w_orthogonality"`
	WeightCost          float64 `toml:"w_cost"`
	CostKappa           float64 `toml:"cost_kappa"`      // quadratic turnover impact
	SubWindowBars       int     `toml:"sub_window_bars"` // bars per rolling IR sub-window
	StabilityEps        float64 `toml:"stability_eps"`
	TStatLimit          float64 `toml:"tstat_limit"` // |t| clamp when SE is zero
	OrthoCap            float64 `toml:"-"`           // mirrored from lifecycle.ortho_cap
}

// DefaultConfig returns the production weights.
func DefaultConfig() Config {
	return Config{
		WeightAccuracy:      0.25,
		WeightPrecision:     0.25,
		WeightStability:     0.2,
		WeightOrthogonality: 0.3,
		WeightCost:          1.0,
		CostKappa:           0.5,
		SubWindowBars:       5,
		StabilityEps:        1e-6,
		TStatLimit:          50,
		OrthoCap:            0.6,
	}
}

// #endregion config

// #region result
// Result carries every sq sub-score for one (detector, window).
type Result struct {
	Accuracy      float64
	Precision     float64
	Stability     float64
	Orthogonality float64
	MaxAbsCorr    float64
	Cost          float64
	Turnover      float64
	Score         float64
	Degeneracies  []stats.Degeneracy
}

// Apply copies the sub-scores onto a score record.
func (r Result) Apply(rec *state.ScoreRecord) {
	rec.SQAccuracy = r.Accuracy
	rec.SQPrecision = r.Precision
	rec.SQStability = r.Stability
	rec.SQOrthogonality = r.Orthogonality
	rec.SQMaxAbsCorr = r.MaxAbsCorr
	rec.SQCost = r.Cost
	rec.SQTurnover = r.Turnover
	rec.SQScore = r.Score
}

// #endregion result
