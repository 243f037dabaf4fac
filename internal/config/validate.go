package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// Validate ensures the configuration is usable. It does not run the
// contraction check; callers do that with eval.Harness.
func (c *Config) Validate() error {
	if err := c.validateFinite(); err != nil {
		return err
	}
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateQuality(); err != nil {
		return err
	}
	if err := c.validateResonance(); err != nil {
		return err
	}
	if err := c.Evidence.Validate(); err != nil {
		return err
	}
	if err := c.validateGate(); err != nil {
		return err
	}
	if err := c.validateLifecycle(); err != nil {
		return err
	}
	if err := c.validateMutation(); err != nil {
		return err
	}
	if err := c.validateSeverity(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return c.validateSnapshot()
}

// validateFinite rejects NaN and infinite values in every float field.
func (c *Config) validateFinite() error {
	var walk func(v reflect.Value, path string) error
	walk = func(v reflect.Value, path string) error {
		switch v.Kind() {
		case reflect.Struct:
			t := v.Type()
			for i := 0; i < v.NumField(); i++ {
				name := strings.Split(t.Field(i).Tag.Get("toml"), ",")[0]
				if name == "" || name == "-" {
					name = strings.ToLower(t.Field(i).Name)
				}
				if err := walk(v.Field(i), path+"."+name); err != nil {
					return err
				}
			}
		case reflect.Float64:
			if f := v.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("%s must be finite", strings.TrimPrefix(path, "."))
			}
		}
		return nil
	}
	return walk(reflect.ValueOf(*c), "")
}

func (c *Config) validateEngine() error {
	if c.Engine.Workers < 1 {
		return errors.New("engine.workers must be at least 1")
	}
	if c.Engine.BarrierDeadlineMillis <= 0 {
		return errors.New("engine.barrier_deadline_ms must be positive")
	}
	if c.Engine.WindowsPerCycle < 1 {
		return errors.New("engine.windows_per_cycle must be at least 1")
	}
	if c.Engine.HistoryCycles < 1 {
		return errors.New("engine.history_cycles must be at least 1")
	}
	return nil
}

func (c *Config) validateQuality() error {
	q := c.Quality
	for name, w := range map[string]float64{
		"w_accuracy": q.WeightAccuracy, "w_precision": q.WeightPrecision, "w_stability": q.WeightStability,
		"w_orthogonality": q.WeightOrthogonality, "w_cost": q.WeightCost, "cost_kappa": q.CostKappa,
	} {
		if w < 0 {
			return fmt.Errorf("quality.%s must be non-negative", name)
		}
	}
	if q.SubWindowBars < 2 {
		return errors.New("quality.sub_window_bars must be at least 2")
	}
	if q.StabilityEps <= 0 || q.TStatLimit <= 0 {
		return errors.New("quality.stability_eps and quality.tstat_limit must be positive")
	}
	return nil
}

func (c *Config) validateResonance() error {
	r := c.Resonance
	unit := map[string]float64{
		"measurement_gain": r.MeasurementGain, "theta_bar": r.ThetaBar, "theta_meas_weight": r.ThetaMeasWeight,
		"eta": r.Eta, "entropy_weight": r.EntropyWeight, "crowding_threshold": r.CrowdingThreshold,
	}
	for name, v := range unit {
		if v < 0 || v > 1 {
			return fmt.Errorf("resonance.%s must be within [0, 1]", name)
		}
	}
	nonneg := map[string]float64{
		"coupling_gain": r.CouplingGain, "alpha": r.Alpha, "beta": r.Beta, "gamma": r.Gamma,
		"delta": r.Delta, "epsilon": r.Epsilon, "alpha_gain": r.AlphaGain, "lambda_decay": r.LambdaDecay,
		"crowding_c": r.CrowdingC, "crowding_p": r.CrowdingP, "ph_delta": r.PHDelta, "support_tau": r.SupportTau,
	}
	for name, v := range nonneg {
		if v < 0 {
			return fmt.Errorf("resonance.%s must be non-negative", name)
		}
	}
	if r.DepthScale <= 0 || r.NodeScale <= 0 {
		return errors.New("resonance.depth_scale and resonance.node_scale must be positive")
	}
	if r.CoherenceSegment < 4 {
		return errors.New("resonance.coherence_segment must be at least 4")
	}
	if r.HistoryLen < 2 {
		return errors.New("resonance.history_len must be at least 2")
	}
	return nil
}

func (c *Config) validateGate() error {
	g := c.Gate
	if g.U < 0 || g.U > 1 {
		return errors.New("gate.u must be within [0, 1]")
	}
	if g.Epsilon <= 0 {
		return errors.New("gate.epsilon must be positive")
	}
	if g.TauU < 0 || g.TauK < 0 || g.TauK > 1 || g.TauR < 0 || g.TauR > 1 {
		return errors.New("gate thresholds must be non-negative and tau_k, tau_r at most 1")
	}
	return nil
}

func (c *Config) validateLifecycle() error {
	l := c.Lifecycle
	if l.TauDeprecate >= l.TauPromote {
		return errors.New("lifecycle.tau_deprecate must be below lifecycle.tau_promote")
	}
	if l.OrthoCap <= 0 || l.OrthoCap > 1 {
		return errors.New("lifecycle.ortho_cap must be within (0, 1]")
	}
	if l.MinDQRatio < 0 || l.MinDQRatio > 1 || l.MaxDQBreach < 0 || l.MaxDQBreach > 1 {
		return errors.New("lifecycle dq ratios must be within [0, 1]")
	}
	if l.PromoteWindow < 1 || l.DeprecateCycles < 1 || l.DQLookbackCycles < 1 || l.CostSustainCycles < 1 {
		return errors.New("lifecycle windows and cycle counts must be at least 1")
	}
	if l.CooldownCycles < 1 || l.ComplexityCap < 1 {
		return errors.New("lifecycle.cooldown_cycles and lifecycle.complexity_cap must be at least 1")
	}
	return nil
}

func (c *Config) validateMutation() error {
	m := c.Mutation
	if m.CadenceCycles < 1 || m.TopK < 0 || m.Children < 0 || m.MaxPopulation < 1 {
		return errors.New("mutation cadence and population must be positive, top_k and children non-negative")
	}
	if m.RecombineAlpha < 0 || m.RecombineAlpha > 1 {
		return errors.New("mutation.recombine_alpha must be within [0, 1]")
	}
	if m.JitterScale < 0 {
		return errors.New("mutation.jitter_scale must be non-negative")
	}
	return nil
}

func (c *Config) validateSeverity() error {
	s := c.Severity
	if s.A <= 0 {
		return errors.New("severity.a must be positive")
	}
	if s.HalfLifeSeconds <= 0 {
		return errors.New("severity.half_life_seconds must be positive")
	}
	if s.EscalationRatio < 1 {
		return errors.New("severity.escalation_ratio must be at least 1")
	}
	if s.GlobalBudget < 1 || s.DefaultClassBudget < 1 {
		return errors.New("severity budgets must be at least 1")
	}
	if s.DefaultCooldownSeconds < 0 || s.IQRK < 0 {
		return errors.New("severity cooldown and iqr_k must be non-negative")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("store.driver: unsupported value %q", c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return errors.New("store.dsn must be set")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Format) {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateSnapshot() error {
	switch c.Snapshot.Sink {
	case "none":
	case "file":
		if strings.TrimSpace(c.Snapshot.Dir) == "" {
			return errors.New("snapshot.dir must be set when snapshot.sink is file")
		}
	case "s3":
		if strings.TrimSpace(c.Snapshot.Bucket) == "" {
			return errors.New("snapshot.bucket must be set when snapshot.sink is s3")
		}
	default:
		return fmt.Errorf("snapshot.sink: unsupported value %q", c.Snapshot.Sink)
	}
	if c.Snapshot.TopK < 1 {
		return errors.New("snapshot.top_k must be at least 1")
	}
	return nil
}
