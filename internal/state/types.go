package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"
)

// #region lifecycle-state
// LifecycleState is a detector's position in the evolutionary lifecycle.
type LifecycleState string

const (
	Experimental LifecycleState = "experimental"
	Active       LifecycleState = "active"
	Deprecated   LifecycleState = "deprecated"
	Archived     LifecycleState = "archived"
)

// Live reports whether the detector is still evaluated each window.
func (s LifecycleState) Live() bool {
	return s != Archived
}

// #endregion lifecycle-state

// #region recursive-state
// RecursiveState is the persistent kernel state carried across windows.
// Every component stays in [0, 1].
type RecursiveState struct {
	Phi   float64 `json:"phi"`
	Theta float64 `json:"theta"`
	Rho   float64 `json:"rho"`
}

// NeutralRecursiveState is the starting point for new detectors and mutation
// children. Resonance is never inherited.
func NeutralRecursiveState() RecursiveState {
	return RecursiveState{Phi: 0.5, Theta: 0.5, Rho: 0.5}
}

// #endregion recursive-state

// #region hyperparams
// Hyperparams describes a detector recipe.
type Hyperparams struct {
	Class          string             `json:"class"`
	Inputs         []string           `json:"inputs"`
	Params         map[string]float64 `json:"params"`
	Phase          float64            `json:"phase"`     // declared phase, radians
	BandLow        float64            `json:"band_low"`  // cycles per bar
	BandHigh       float64            `json:"band_high"` // cycles per bar
	RequireConfirm bool               `json:"require_confirm"`
}

// Count is the complexity measure checked against the lifecycle cap.
func (h Hyperparams) Count() int {
	return len(h.Params) + len(h.Inputs)
}

// Clone returns a deep copy.
func (h Hyperparams) Clone() Hyperparams {
	out := h
	out.Inputs = append([]string(nil), h.Inputs...)
	if h.Params != nil {
		out.Params = make(map[string]float64, len(h.Params))
		for k, v := range h.Params {
			out.Params[k] = v
		}
	}
	return out
}

// #endregion hyperparams

// #region detector-state
// DetectorState is one row of the detector arena. ParentID is a weak
// reference by id only.
type DetectorState struct {
	ID             string         `json:"id"`
	Lifecycle      LifecycleState `json:"lifecycle_state"`
	ParentID       string         `json:"parent_id"`
	Recursive      RecursiveState `json:"recursive_state"`
	Hyperparams    Hyperparams    `json:"hyperparams"`
	SamplesCount   int64          `json:"samples_count"`
	CreatedAt      time.Time      `json:"created_at"`
	StateEnteredAt time.Time      `json:"state_entered_at"`
	EnteredCycle   int64          `json:"entered_cycle"`
}

// #endregion detector-state

// #region evaluation-window
// EvaluationWindow is the immutable input for one (detector, window) pair.
type EvaluationWindow struct {
	DetectorID     string    `json:"detector_id"`
	WindowID       int64     `json:"window_id"`
	Signal         []float64 `json:"signal"`
	Returns        []float64 `json:"returns"`
	PnL            []float64 `json:"pnl"`
	Opportunity    []float64 `json:"opportunity"`
	LogRV          []float64 `json:"log_rv"`
	Turnover       float64   `json:"turnover"`
	Fees           float64   `json:"fees"`
	SlippageBps    float64   `json:"slippage_bps"`
	RegimeEntropy  float64   `json:"regime_entropy"`
	RecipeDepth    int       `json:"recipe_depth"`
	RecipeNodes    int       `json:"recipe_nodes"`
	Embedding      []float64 `json:"embedding"`
	Transfer       []float64 `json:"transfer"`
	SelectionShare float64   `json:"selection_share"`
}

// LastSignal returns the most recent signal value, 0 when empty.
func (w EvaluationWindow) LastSignal() float64 {
	if len(w.Signal) == 0 {
		return 0
	}
	return w.Signal[len(w.Signal)-1]
}

// #endregion evaluation-window

// #region spectrum
// Mode is one component of the market spectrum.
type Mode struct {
	Frequency float64 `json:"frequency"`
	Amplitude float64 `json:"amplitude"`
	Phase     float64 `json:"phase"`
}

// Spectrum is the market-spectrum snapshot shared by every detector in a window.
type Spectrum struct {
	Modes []Mode `json:"modes"`
}

// #endregion spectrum

// #region cohort
// Cohort is an immutable registry snapshot of the active detectors for a window.
type Cohort struct {
	IDs        []string             `json:"ids"` // sorted
	PnL        map[string][]float64 `json:"pnl"`
	Embeddings map[string][]float64 `json:"embeddings"`
}

// Others returns the cohort ids excluding self, in sorted order.
func (c Cohort) Others(self string) []string {
	out := make([]string, 0, len(c.IDs))
	for _, id := range c.IDs {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

// #endregion cohort

// #region dq-status
// DQStatus is the data-quality status of a score record.
type DQStatus string

const (
	DQOK      DQStatus = "ok"
	DQPartial DQStatus = "partial"
	DQStale   DQStatus = "stale"
)

// #endregion dq-status

// #region score-record
// MaxUncertainty marks an undefined sibling variance.
const MaxUncertainty = math.MaxFloat64

// PeerCorr is a correlation with another detector above the ortho cap.
type PeerCorr struct {
	ID   string  `json:"id"`
	Corr float64 `json:"corr"`
}

// ScoreRecord is the append-only output for one (detector, window). It is
// never updated in place.
type ScoreRecord struct {
	DetectorID string    `json:"detector_id"`
	WindowID   int64     `json:"window_id"`
	CycleID    int64     `json:"cycle_id"`
	ClosedAt   time.Time `json:"closed_at"`
	DQStatus   DQStatus  `json:"dq_status"`
	ConfigHash string    `json:"config_hash"`

	SQAccuracy      float64    `json:"sq_accuracy"`
	SQPrecision     float64    `json:"sq_precision"`
	SQStability     float64    `json:"sq_stability"`
	SQOrthogonality float64    `json:"sq_orthogonality"`
	SQMaxAbsCorr    float64    `json:"sq_max_abs_corr"`
	SQCorrBreaches  []PeerCorr `json:"sq_corr_breaches"`
	SQCost          float64    `json:"sq_cost"`
	SQTurnover      float64    `json:"sq_turnover"`
	SQScore         float64    `json:"sq_score"`

	KRHbar       float64 `json:"kr_hbar"`
	KRCoherence  float64 `json:"kr_coherence"`
	KRPhiMeas    float64 `json:"kr_phi_meas"`
	KRThetaMeas  float64 `json:"kr_theta_meas"`
	KRRhoMeas    float64 `json:"kr_rho_meas"`
	KRNovelty    float64 `json:"kr_novelty"`
	KREmergence  float64 `json:"kr_emergence"`
	KRCrowding   float64 `json:"kr_crowding"`
	KRPhi        float64 `json:"kr_phi"`
	KRTheta      float64 `json:"kr_theta"`
	KRRho        float64 `json:"kr_rho"`
	KRRhoNext    float64 `json:"kr_rho_next"`
	KRReduction  float64 `json:"kr_reduction"`
	KRDeltaPhi   float64 `json:"kr_delta_phi"`
	KRMxEvidence float64 `json:"kr_mx_evidence"`
	KRMxConfirm  bool    `json:"kr_mx_confirm"`
	KRMxPolicy   string  `json:"kr_mx_policy"`

	DetSigma    float64  `json:"det_sigma"`
	DetKairos   float64  `json:"det_kairos"`
	DetEntrainR float64  `json:"det_entrain_r"`
	DetUncert   float64  `json:"det_uncert"`
	DetSiblings int      `json:"det_siblings"`
	DetAbstain  bool     `json:"det_abstain"`
	DetEligible bool     `json:"det_eligible"`
	DetReasons  []string `json:"det_reasons"`

	Degeneracies []string `json:"degeneracies"`
}

// Fingerprint is the SHA-256 of the canonical JSON encoding. Equal
// fingerprints mean bit-identical float fields.
func (r ScoreRecord) Fingerprint() string {
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// #endregion score-record

// #region reduction
// Reduction is the immutable barrier result for one window.
type Reduction struct {
	WindowID     int64    `json:"window_id"`
	Sum          float64  `json:"sum"`   // Σ phi·rho over fresh active detectors
	MaxW         float64  `json:"max_w"` // max phi·theta·rho over fresh detectors
	Contributors int      `json:"contributors"`
	Excluded     []string `json:"excluded"`
}

// #endregion reduction

// #region audit
// AuditResult carries hard-veto flags from the audit subsystem.
type AuditResult struct {
	DetectorID  string `json:"detector_id"`
	Leakage     bool   `json:"leakage"`
	Adversarial bool   `json:"adversarial"`
}

// Passed reports whether no veto flag is set.
func (a AuditResult) Passed() bool {
	return !a.Leakage && !a.Adversarial
}

// #endregion audit

// #region lifecycle-event
// LifecycleEvent records one state transition.
type LifecycleEvent struct {
	DetectorID string         `json:"detector_id"`
	OldState   LifecycleState `json:"old_state"`
	NewState   LifecycleState `json:"new_state"`
	Reason     string         `json:"reason"`
	CycleID    int64          `json:"cycle_id"`
	Timestamp  time.Time      `json:"timestamp"`
}

// #endregion lifecycle-event

// #region mutation-job
// Recipe names a mutation operator.
type Recipe string

const (
	RecipeJitter     Recipe = "jitter"
	RecipeSwapInputs Recipe = "swap_inputs"
	RecipeRecombine  Recipe = "recombine"
)

// MutationJob maps a parent to the children spawned with one recipe.
type MutationJob struct {
	ID             string    `json:"id"`
	ParentID       string    `json:"parent_id"`
	SecondParentID string    `json:"second_parent_id"`
	Recipe         Recipe    `json:"recipe"`
	ChildrenIDs    []string  `json:"children_ids"`
	CycleID        int64     `json:"cycle_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// #endregion mutation-job

// #region cohort-snapshot
// RankEntry is one leaderboard row.
type RankEntry struct {
	DetectorID string  `json:"detector_id"`
	DetSigma   float64 `json:"det_sigma"`
}

// CohortSnapshot is the derived per-cycle leaderboard.
type CohortSnapshot struct {
	CycleID     int64            `json:"cycle_id"`
	TakenAt     time.Time        `json:"taken_at"`
	ConfigHash  string           `json:"config_hash"`
	Top         []RankEntry      `json:"top"`
	Bottom      []RankEntry      `json:"bottom"`
	Promotions  []LifecycleEvent `json:"promotions"`
	Retirements []LifecycleEvent `json:"retirements"`
}

// #endregion cohort-snapshot

// #region emission
// Emission is the last published event for a debounce key. Debounce and
// novelty decay read it, so it outlives a single publish run.
type Emission struct {
	DebounceKey  string    `json:"debounce_key"`
	Subtype      string    `json:"subtype"`
	Severity     int       `json:"severity"`
	At           time.Time `json:"at"`
	NoveltyEpoch time.Time `json:"novelty_epoch"`
}

// #endregion emission
