package resonance

import (
	"math"

	"github.com/danielpatrickdp/resonance/internal/state"
	"github.com/danielpatrickdp/resonance/internal/stats"
)

// #region measure
// Measure computes the phase-1 measurements. history is the detector's
// recent det_sigma values, oldest first.
func Measure(win state.EvaluationWindow, cohort state.Cohort, history []float64, hp state.Hyperparams, cfg Config) Measurements {
	var m Measurements
	note := func(field, reason string) {
		m.Degeneracies = append(m.Degeneracies, stats.Degeneracy{Field: "kr_" + field, Reason: reason})
	}

	path := stats.PageHinkley(win.LogRV, cfg.PHDelta)
	z, ok := stats.ZScoreLast(path)
	if !ok {
		note("hbar", "page-hinkley path has zero dispersion")
	}
	m.Hbar = stats.Logistic(z)

	if m.Coherence, ok = stats.BandCoherence(win.Signal, win.Returns, cfg.CoherenceSegment, hp.BandLow, hp.BandHigh); !ok {
		note("coherence", "fewer than two segments or empty band")
	}

	others := cohort.Others(win.DetectorID)
	var reason string
	m.PhiMeas, reason = fieldAlignment(win.PnL, win.Opportunity, others, cohort.PnL)
	if reason != "" {
		note("phi_meas", reason)
	}

	m.ThetaMeas = stats.Clip01(cfg.EntropyWeight*stats.Clip01(win.RegimeEntropy) +
		(1-cfg.EntropyWeight)*(1-support(win.Signal, cfg.SupportTau)))

	m.RhoMeas = stats.Clip01(math.Exp(-(float64(win.RecipeDepth)/cfg.DepthScale + float64(win.RecipeNodes)/cfg.NodeScale)))

	var dists []float64
	for _, id := range others {
		if d, ok := stats.CosineDistance(win.Embedding, cohort.Embeddings[id]); ok {
			dists = append(dists, d)
		}
	}
	if med, ok := stats.Median(dists); ok {
		m.Novelty = stats.Clip01(med)
	} else {
		m.Novelty = 1
		note("novelty", "no comparable cohort embedding")
	}

	if len(history) > cfg.HistoryLen && cfg.HistoryLen > 0 {
		history = history[len(history)-cfg.HistoryLen:]
	}
	slope, _ := stats.Slope(history)
	transfer, _ := stats.Median(win.Transfer)
	m.Emergence = stats.Logistic(slope + cfg.EmergenceLambda*transfer)

	m.Crowding = 1
	if win.SelectionShare > cfg.CrowdingThreshold {
		m.Crowding = 1 / (1 + cfg.CrowdingC*math.Pow(win.SelectionShare, cfg.CrowdingP))
		m.Coherence *= m.Crowding
		m.PhiMeas *= m.Crowding
	}

	m.Hbar = finite(m.Hbar, "hbar", note)
	m.Coherence = finite(m.Coherence, "coherence", note)
	m.PhiMeas = finite(m.PhiMeas, "phi_meas", note)
	m.Emergence = finite(m.Emergence, "emergence", note)
	return m
}

// fieldAlignment is |partial_corr(pnl, opportunity | active PnLs)|. When the
// controls do not fit the sample the cohort mean is the single control.
func fieldAlignment(pnl, opportunity []float64, others []string, cohortPnL map[string][]float64) (float64, string) {
	n := min(len(pnl), len(opportunity))
	var controls [][]float64
	for _, id := range others {
		if p := cohortPnL[id]; len(p) > 0 {
			controls = append(controls, p)
			n = min(n, len(p))
		}
	}
	if len(controls)+3 > n && len(controls) > 0 {
		controls = [][]float64{meanSeries(controls, n)}
	}
	if r, ok := stats.PartialCorrelation(pnl, opportunity, controls); ok {
		return stats.Clip01(math.Abs(r)), ""
	}
	if r, ok := stats.Correlation(pnl, opportunity); ok {
		return stats.Clip01(math.Abs(r)), "partial correlation singular, used plain correlation"
	}
	return 0, "correlation undefined"
}

func meanSeries(series [][]float64, n int) []float64 {
	out := make([]float64, n)
	for _, s := range series {
		for t := 0; t < n; t++ {
			out[t] += s[t]
		}
	}
	for t := range out {
		out[t] /= float64(len(series))
	}
	return out
}

// support is the fraction of bars with |s| ≥ tau.
func support(signal []float64, tau float64) float64 {
	if len(signal) == 0 {
		return 0
	}
	var hits int
	for _, v := range signal {
		if math.Abs(v) >= tau {
			hits++
		}
	}
	return float64(hits) / float64(len(signal))
}

func finite(v float64, field string, note func(string, string)) float64 {
	if stats.Finite(v) {
		return v
	}
	note(field, "non-finite value")
	return 0
}

// #endregion measure
