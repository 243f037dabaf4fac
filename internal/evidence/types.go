package evidence

import (
	"context"
	"errors"

	"github.com/danielpatrickdp/resonance/internal/resonance"
	"github.com/danielpatrickdp/resonance/internal/stats"
)

// #region policy
// Policy selects the single adjustment applied from evidence.
type Policy string

const (
	PolicyNone   Policy = "none"
	PolicyBoost  Policy = "boost"
	PolicyRelief Policy = "relief"
)

// #endregion policy

// #region config
// Config holds the evidence policy and its capped coefficients.
type Config struct {
	Policy  Policy  `toml:"policy"`
	Beta    float64 `toml:"beta"`     // boost coefficient β_mx
	Gamma   float64 `toml:"gamma"`    // relief coefficient γ_mx
	HardCap float64 `toml:"hard_cap"` // ceiling for β and γ
}

// DefaultConfig disables evidence fusion.
func DefaultConfig() Config {
	return Config{
		Policy:  PolicyNone,
		Beta:    0.1,
		Gamma:   0.1,
		HardCap: 0.2,
	}
}

// Validate rejects unknown policies and caps above 0.2.
func (c Config) Validate() error {
	switch c.Policy {
	case PolicyNone, PolicyBoost, PolicyRelief:
	default:
		return errors.New("evidence.policy must be none, boost or relief")
	}
	if c.HardCap < 0 || c.HardCap > 0.2 {
		return errors.New("evidence.hard_cap must be within [0, 0.2]")
	}
	if c.Beta < 0 || c.Gamma < 0 {
		return errors.New("evidence.beta and evidence.gamma must be non-negative")
	}
	return nil
}

// Strongest is the largest tilt the policy can produce, reached at
// mx_evidence = 1. The contraction check runs against it.
func (c Config) Strongest() resonance.Adjustment {
	switch c.Policy {
	case PolicyBoost:
		return resonance.Adjustment{Boost: stats.Clamp(c.Beta, 0, c.HardCap)}
	case PolicyRelief:
		return resonance.Adjustment{Relief: stats.Clamp(c.Gamma, 0, c.HardCap)}
	}
	return resonance.Adjustment{}
}

// #endregion config

// #region evidence
// Evidence is the external microstructure reading for one detector and window.
type Evidence struct {
	Present bool    `json:"present"`
	Value   float64 `json:"mx_evidence"` // [0, 1]
	Confirm bool    `json:"mx_confirm"`
}

// Source supplies evidence. A missing reading is Evidence{} with a nil error.
type Source interface {
	Evidence(ctx context.Context, detectorID string, windowID int64) (Evidence, error)
}

// #endregion evidence
