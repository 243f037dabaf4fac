package lifecycle

import (
	"time"

	"github.com/danielpatrickdp/resonance/internal/state"
)

// #region reasons
const (
	ReasonPromoted        = "promoted"
	ReasonSigmaLow        = "sigma_below_tau_deprecate"
	ReasonDQBreach        = "dq_breach"
	ReasonCostSustained   = "cost_above_2x_cap"
	ReasonOrthoBreach     = "ortho_breach"
	ReasonComplexity      = "complexity_cap"
	ReasonAuditVeto       = "audit_veto"
	ReasonRecovered       = "recovered"
	ReasonCooldownElapsed = "cooldown_elapsed"
)

// #endregion reasons

// #region config
// Config holds the lifecycle thresholds. Cycle counts are lifecycle cycles.
type Config struct {
	TauPromote        float64 `toml:"tau_promote"`
	TauDeprecate      float64 `toml:"tau_deprecate"`
	RecoverySigmaMin  float64 `toml:"recovery_sigma_min"`
	OrthoCap          float64 `toml:"ortho_cap"`
	TurnoverCap       float64 `toml:"turnover_cap"`
	CostCap           float64 `toml:"cost_cap"`
	MinSamplesBars    int64   `toml:"min_samples_bars"`
	PromoteWindow     int     `toml:"promote_window"` // records that must sustain tau_promote
	MinDQRatio        float64 `toml:"min_dq_ratio"`
	DeprecateCycles   int     `toml:"deprecate_cycles"` // K
	DQLookbackCycles  int     `toml:"dq_lookback_cycles"`
	MaxDQBreach       float64 `toml:"max_dq_breach"`
	CostSustainCycles int     `toml:"cost_sustain_cycles"`
	ComplexityCap     int     `toml:"complexity_cap"`
	CooldownCycles    int64   `toml:"cooldown_cycles"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		TauPromote:        0.35,
		TauDeprecate:      0.15,
		RecoverySigmaMin:  0.4,
		OrthoCap:          0.6,
		TurnoverCap:       2.0,
		CostCap:           0.5,
		MinSamplesBars:    500,
		PromoteWindow:     10,
		MinDQRatio:        0.95,
		DeprecateCycles:   3,
		DQLookbackCycles:  10,
		MaxDQBreach:       0.10,
		CostSustainCycles: 3,
		ComplexityCap:     12,
		CooldownCycles:    60,
	}
}

// #endregion config

// #region cycle-input
// CycleInput is everything a lifecycle decision may depend on. History holds
// each detector's records in window order; Audits missing an id count as
// not passed for promotion and recovery.
type CycleInput struct {
	CycleID   int64
	Now       time.Time
	Detectors []state.DetectorState
	History   map[string][]state.ScoreRecord
	Audits    map[string]state.AuditResult
}

// #endregion cycle-input
