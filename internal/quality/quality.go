package quality

import (
	"math"
	"slices"

	"github.com/danielpatrickdp/resonance/internal/state"
	"github.com/danielpatrickdp/resonance/internal/stats"
)

// #region scorer
// Scorer computes the stateless per-window signal quality layer.
type Scorer struct {
	config Config
}

// NewScorer creates a scorer with the given configuration.
func NewScorer(config Config) *Scorer {
	return &Scorer{config: config}
}

// Score evaluates one window against the active cohort. It never returns NaN:
// every undefined statistic falls back to its neutral default and is noted.
func (s *Scorer) Score(win state.EvaluationWindow, cohort state.Cohort) Result {
	var res Result
	note := func(field, reason string) {
		res.Degeneracies = append(res.Degeneracies, stats.Degeneracy{Field: "sq_" + field, Reason: reason})
	}

	var ok bool
	if res.Accuracy, ok = Accuracy(win.Signal, win.Returns); !ok {
		note("accuracy", "zero signal mass")
	}
	if res.Precision, ok = Precision(win.Signal, win.Returns, s.config.TStatLimit); !ok {
		note("precision", "zero signal variance")
	}
	if res.Stability, ok = Stability(win.PnL, s.config.SubWindowBars, s.config.StabilityEps); !ok {
		note("stability", "fewer than two usable sub-windows")
	}

	peers := make(map[string][]float64, len(cohort.IDs))
	for _, id := range cohort.Others(win.DetectorID) {
		peers[id] = cohort.PnL[id]
	}
	if len(peers) == 0 {
		res.Orthogonality = 1
		note("orthogonality", "empty cohort")
	} else {
		res.MaxAbsCorr = MaxAbsCorr(win.PnL, peers)
		res.Orthogonality = 1 - res.MaxAbsCorr
	}

	res.Turnover = win.Turnover
	res.Cost = Cost(win.Fees, win.SlippageBps, win.Turnover, s.config.CostKappa)

	c := s.config
	res.Score = c.WeightAccuracy*res.Accuracy +
		c.WeightPrecision*res.Precision +
		c.WeightStability*res.Stability +
		c.WeightOrthogonality*res.Orthogonality -
		c.WeightCost*res.Cost
	if !stats.Finite(res.Score) {
		res.Score = 0
		note("score", "non-finite composite")
	}
	return res
}

// Breaches lists every peer whose PnL correlation with pnl exceeds the ortho
// cap in absolute value, sorted by id.
func (s *Scorer) Breaches(selfID string, pnl []float64, peers map[string][]float64) []state.PeerCorr {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		if id != selfID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	out := []state.PeerCorr{}
	for _, id := range ids {
		r, ok := stats.Correlation(pnl, peers[id])
		if ok && math.Abs(r) > s.config.OrthoCap {
			out = append(out, state.PeerCorr{ID: id, Corr: r})
		}
	}
	return out
}

// #endregion scorer

// #region components
// Accuracy is the confidence-weighted hit rate Σ 1{sign s = sign r}·|s| / Σ|s|.
func Accuracy(signal, returns []float64) (float64, bool) {
	n := min(len(signal), len(returns))
	var hit, mass float64
	for t := 0; t < n; t++ {
		w := math.Abs(signal[t])
		mass += w
		if sign(signal[t]) == sign(returns[t]) {
			hit += w
		}
	}
	if mass == 0 {
		return 0, false
	}
	return stats.Clip01(hit / mass), true
}

// Precision is clip01(logistic(t)) for the origin regression r = β·s + ε.
func Precision(signal, returns []float64, limit float64) (float64, bool) {
	t, ok := stats.OriginTStat(signal, returns, limit)
	if !ok {
		return 0, false
	}
	return stats.Clip01(stats.Logistic(t)), true
}

// Stability is 1 − std(IR)/(|mean(IR)|+eps) over consecutive sub-windows of
// bars points. It is not clipped: an IR series that flips sign goes well below
// zero and drags sq_score down with it. Sub-windows with zero dispersion are
// skipped.
func Stability(pnl []float64, bars int, eps float64) (float64, bool) {
	if bars < 2 {
		bars = 2
	}
	var irs []float64
	for start := 0; start+bars <= len(pnl); start += bars {
		sub := pnl[start : start+bars]
		sd := stats.StdDev(sub)
		if sd == 0 {
			continue
		}
		irs = append(irs, stats.Mean(sub)/sd)
	}
	if len(irs) < 2 {
		return 0, false
	}
	return 1 - stats.StdDev(irs)/(math.Abs(stats.Mean(irs))+eps), true
}

// MaxAbsCorr returns max |corr(pnl, peer)| over peers. Undefined
// correlations count as zero.
func MaxAbsCorr(pnl []float64, peers map[string][]float64) float64 {
	var best float64
	for _, p := range peers {
		if r, ok := stats.Correlation(pnl, p); ok {
			best = math.Max(best, math.Abs(r))
		}
	}
	return best
}

// Cost is fees + slippage·turnover + κ·turnover².
func Cost(fees, slippageBps, turnover, kappa float64) float64 {
	return fees + slippageBps*turnover + kappa*turnover*turnover
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// #endregion components
