package synth

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/danielpatrickdp/resonance/internal/state"
)

// #region config
// Config shapes the generated market and detector windows.
type Config struct {
	Seed      uint64
	Bars      int     // bars per window
	Modes     int     // spectrum modes per window
	EmbedDim  int     // embedding dimension
	GapRate   float64 // probability a (detector, window) input is missing
	Families  int     // sibling families in the seed population
	PerFamily int     // detectors per family
	Epoch     time.Time
	Interval  time.Duration // window spacing for ClosedAt
}

// DefaultConfig generates 64-bar windows for four families of four.
func DefaultConfig() Config {
	return Config{
		Seed:      7,
		Bars:      64,
		Modes:     4,
		EmbedDim:  8,
		GapRate:   0.02,
		Families:  4,
		PerFamily: 4,
		Epoch:     time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		Interval:  time.Hour,
	}
}

// #endregion config

// #region provider
// Provider is a deterministic window source. Every value is a pure function
// of (seed, detector id, window id), so two providers with the same seed
// serve identical windows in any call order.
type Provider struct {
	config Config
}

// New creates a provider.
func New(config Config) *Provider {
	return &Provider{config: config}
}

// ClosedAt is the close time of a window.
func (p *Provider) ClosedAt(windowID int64) time.Time {
	return p.config.Epoch.Add(time.Duration(windowID) * p.config.Interval)
}

// Window generates one detector's inputs. The detector's signal loads on the
// shared market return with a per-detector skill and lag.
func (p *Provider) Window(ctx context.Context, detectorID string, windowID int64) (state.EvaluationWindow, error) {
	if err := ctx.Err(); err != nil {
		return state.EvaluationWindow{}, err
	}
	rng := p.rng("window", detectorID, windowID)
	if rng.Float64() < p.config.GapRate {
		return state.EvaluationWindow{}, &state.DataGapError{DetectorID: detectorID, WindowID: windowID, Missing: []string{"pnl"}}
	}

	n := p.config.Bars
	market := p.market(windowID)
	trait := p.rng("trait", detectorID, 0)
	skill := 0.2 + 0.6*trait.Float64()
	noise := 0.5 + trait.Float64()

	win := state.EvaluationWindow{
		DetectorID:  detectorID,
		WindowID:    windowID,
		Signal:      make([]float64, n),
		Returns:     make([]float64, n),
		PnL:         make([]float64, n),
		Opportunity: make([]float64, n),
		LogRV:       make([]float64, n),
	}
	for t := 0; t < n; t++ {
		r := market[t]
		s := skill*r/0.01 + noise*rng.NormFloat64()
		win.Signal[t] = math.Tanh(s)
		win.Returns[t] = r
		win.PnL[t] = win.Signal[t] * r
		win.Opportunity[t] = math.Abs(r)
		win.LogRV[t] = math.Log(r*r + 1e-8)
	}

	win.Turnover = 0.2 + rng.Float64()
	win.Fees = 0.001 * rng.Float64()
	win.SlippageBps = 0.0005 + 0.001*rng.Float64()
	win.RegimeEntropy = rng.Float64()
	win.RecipeDepth = 1 + trait.IntN(4)
	win.RecipeNodes = 2 + trait.IntN(10)
	win.Embedding = p.embedding(detectorID)
	win.Transfer = []float64{rng.NormFloat64() * 0.1, rng.NormFloat64() * 0.1, rng.NormFloat64() * 0.1}
	win.SelectionShare = 0.3 * rng.Float64()
	return win, nil
}

// Spectrum returns the shared market spectrum for a window.
func (p *Provider) Spectrum(ctx context.Context, windowID int64) (state.Spectrum, error) {
	if err := ctx.Err(); err != nil {
		return state.Spectrum{}, err
	}
	rng := p.rng("spectrum", "", windowID)
	base := rng.Float64() * 2 * math.Pi
	spec := state.Spectrum{Modes: make([]state.Mode, p.config.Modes)}
	for i := range spec.Modes {
		spec.Modes[i] = state.Mode{
			Frequency: 0.05 + 0.4*float64(i)/float64(max(1, p.config.Modes)),
			Amplitude: 0.2 + rng.Float64(),
			Phase:     math.Mod(base+0.6*rng.NormFloat64()+2*math.Pi, 2*math.Pi),
		}
	}
	return spec, nil
}

// Audits passes every detector. A deterministic generator has no leakage to
// audit for.
func (p *Provider) Audits(_ context.Context, _ int64, ids []string) (map[string]state.AuditResult, error) {
	out := make(map[string]state.AuditResult, len(ids))
	for _, id := range ids {
		out[id] = state.AuditResult{DetectorID: id}
	}
	return out, nil
}

// #endregion provider

// #region population
// Population returns the seed detectors: Families groups of PerFamily
// siblings sharing a parent id. The first family starts active.
func (p *Provider) Population() []state.DetectorState {
	classes := []string{"momentum", "mean_reversion", "breakout", "carry"}
	var out []state.DetectorState
	for f := 0; f < p.config.Families; f++ {
		parent := fmt.Sprintf("family-%02d", f)
		for k := 0; k < p.config.PerFamily; k++ {
			id := fmt.Sprintf("det-%02d-%02d", f, k)
			rng := p.rng("hyper", id, 0)
			lc := state.Experimental
			if f == 0 {
				lc = state.Active
			}
			low := 0.02 + 0.2*rng.Float64()
			out = append(out, state.DetectorState{
				ID:        id,
				Lifecycle: lc,
				ParentID:  parent,
				Recursive: state.NeutralRecursiveState(),
				Hyperparams: state.Hyperparams{
					Class:  classes[f%len(classes)],
					Inputs: []string{"close", "volume", fmt.Sprintf("feature_%d", k)},
					Params: map[string]float64{
						"lookback":  float64(10 + rng.IntN(50)),
						"threshold": 0.5 + rng.Float64(),
					},
					Phase:    rng.Float64() * 2 * math.Pi,
					BandLow:  low,
					BandHigh: low + 0.2,
				},
				CreatedAt:      p.config.Epoch,
				StateEnteredAt: p.config.Epoch,
			})
		}
	}
	return out
}

// #endregion population

// #region helpers
func (p *Provider) market(windowID int64) []float64 {
	rng := p.rng("market", "", windowID)
	out := make([]float64, p.config.Bars)
	vol := 0.01 * (0.5 + rng.Float64())
	for t := range out {
		out[t] = vol * rng.NormFloat64()
	}
	return out
}

func (p *Provider) embedding(detectorID string) []float64 {
	rng := p.rng("embedding", detectorID, 0)
	out := make([]float64, p.config.EmbedDim)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}

func (p *Provider) rng(stream, id string, windowID int64) *rand.Rand {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%d", p.config.Seed, stream, id, windowID)))
	return rand.New(rand.NewPCG(binary.BigEndian.Uint64(sum[0:8]), binary.BigEndian.Uint64(sum[8:16])))
}

// #endregion helpers
