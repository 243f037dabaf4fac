package eval

import "fmt"

// #region eval-config
// Config controls the sampled contraction check on the recursive update.
type Config struct {
	Samples   int     `toml:"samples"`   // random (state, measurement) points
	Margin    float64 `toml:"margin"`    // states drawn from [margin, 1-margin]
	Step      float64 `toml:"step"`      // finite-difference step
	Tolerance float64 `toml:"tolerance"` // pass iff L < 1 - tolerance
	Seed      uint64  `toml:"seed"`
}

// DefaultConfig returns the startup check settings.
func DefaultConfig() Config {
	return Config{
		Samples:   4000,
		Margin:    0.05,
		Step:      1e-6,
		Tolerance: 1e-6,
		Seed:      1,
	}
}

// #endregion eval-config

// #region eval-metric
// Metric is the largest observed gradient norm of one output coordinate, a
// row of the Jacobian.
type Metric struct {
	Name  string
	Value float64
	Pass  bool
}

// #endregion eval-metric

// #region eval-result
// Result is the outcome of a contraction check.
type Result struct {
	Passed     bool
	Lipschitz  float64 // max spectral norm of the sampled Jacobians
	Coordinate string  // output row with the largest norm at the worst sample
	Metrics    []Metric
	Reason     string
	Worst      [3]float64 // phi, theta, rho at the worst sample
}

// #endregion eval-result

// #region violation
// ContractionViolation is returned when the configured update is not a
// contraction on the sampled region. It is a fatal configuration error.
type ContractionViolation struct {
	Lipschitz  float64
	Coordinate string
	At         [3]float64
}

func (v *ContractionViolation) Error() string {
	return fmt.Sprintf("contraction violated: L=%.6f on %s at phi=%.3f theta=%.3f rho=%.3f",
		v.Lipschitz, v.Coordinate, v.At[0], v.At[1], v.At[2])
}

// #endregion violation
