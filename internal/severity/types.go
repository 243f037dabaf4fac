package severity

import (
	"time"

	"github.com/danielpatrickdp/resonance/internal/state"
)

// #region config
// Config holds severity weights, novelty decay, debounce and budgets.
type Config struct {
	W1              float64 `toml:"w1"`
	W2              float64 `toml:"w2"`
	W3              float64 `toml:"w3"`
	WDQ             float64 `toml:"w_dq"`
	WLiquidity      float64 `toml:"w_liq"`
	A               float64 `toml:"a"`
	Beta0           float64 `toml:"beta0"`
	HalfLifeSeconds float64 `toml:"half_life_seconds"`
	IQRK            float64 `toml:"iqr_k"` // 0 disables the clamp

	EscalationRatio        float64          `toml:"escalation_ratio"`
	DefaultCooldownSeconds int64            `toml:"default_cooldown_seconds"`
	ClassCooldownSeconds   map[string]int64 `toml:"class_cooldown_seconds" json:",omitempty"`

	GlobalBudget       int            `toml:"global_budget"`
	DefaultClassBudget int            `toml:"default_class_budget"`
	ClassBudgets       map[string]int `toml:"class_budgets" json:",omitempty"`
}

// DefaultConfig returns the production weights and a one-hour cooldown.
func DefaultConfig() Config {
	return Config{
		W1:                     1.0,
		W2:                     0.5,
		W3:                     0.4,
		WDQ:                    1.0,
		WLiquidity:             1.0,
		A:                      0.6,
		Beta0:                  0.8,
		HalfLifeSeconds:        86400,
		IQRK:                   1.5,
		EscalationRatio:        1.3,
		DefaultCooldownSeconds: 3600,
		GlobalBudget:           20,
		DefaultClassBudget:     5,
	}
}

func (c Config) cooldown(class string) time.Duration {
	if s, ok := c.ClassCooldownSeconds[class]; ok {
		return time.Duration(s) * time.Second
	}
	return time.Duration(c.DefaultCooldownSeconds) * time.Second
}

func (c Config) classBudget(class string) int {
	if b, ok := c.ClassBudgets[class]; ok {
		return b
	}
	return c.DefaultClassBudget
}

// #endregion config

// #region trigger
// Trigger is a fired condition tied to a detector.
type Trigger struct {
	DetectorID         string    `json:"detector_id"`
	Symbol             string    `json:"symbol"`
	Class              string    `json:"class"`
	Subtype            string    `json:"subtype"`
	Timeframe          string    `json:"timeframe"`
	At                 time.Time `json:"at"`
	Primary            float64   `json:"primary"`
	Secondary          float64   `json:"secondary"`
	Breadth            float64   `json:"breadth"` // [0, 1]
	DQPenalty          float64   `json:"dq_penalty"`
	IlliquidityPenalty float64   `json:"illiquidity_penalty"`
	ReferencePrimary   []float64 `json:"reference_primary,omitempty"` // IQR clamp samples, optional
	ReferenceSecondary []float64 `json:"reference_secondary,omitempty"`
}

// DebounceKey is symbol|class|timeframe.
func (t Trigger) DebounceKey() string {
	return t.Symbol + "|" + t.Class + "|" + t.Timeframe
}

// #endregion trigger

// #region event
// Event is a publication-eligible emission. Transport and wire schema are
// owned downstream.
type Event struct {
	DetectorID   string    `json:"detector_id"`
	Symbol       string    `json:"symbol"`
	Class        string    `json:"class"`
	Subtype      string    `json:"subtype"`
	Timeframe    string    `json:"timeframe"`
	DebounceKey  string    `json:"debounce_key"`
	Severity     int       `json:"severity"`
	Raw          float64   `json:"raw"`
	NoveltyBoost float64   `json:"novelty_boost"`
	FirstSeen    bool      `json:"first_seen"`
	NoveltyEpoch time.Time `json:"novelty_epoch"`
	At           time.Time `json:"at"`
	DetSigma     float64   `json:"det_sigma"`
	DetKairos    float64   `json:"det_kairos"`
	DetEntrainR  float64   `json:"det_entrain_r"`
	DetUncert    float64   `json:"det_uncert"`
}

// Emission is the history row the event leaves for its debounce key.
func (ev Event) Emission() state.Emission {
	return state.Emission{
		DebounceKey:  ev.DebounceKey,
		Subtype:      ev.Subtype,
		Severity:     ev.Severity,
		At:           ev.At,
		NoveltyEpoch: ev.NoveltyEpoch,
	}
}

// #endregion event
