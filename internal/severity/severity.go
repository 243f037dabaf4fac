package severity

import (
	"cmp"
	"math"
	"slices"
	"sync"

	"github.com/danielpatrickdp/resonance/internal/state"
	"github.com/danielpatrickdp/resonance/internal/stats"
)

// #region scoring
// Severity maps raw to round(100·sigmoid(a·raw)). It is non-decreasing in
// raw for a > 0.
func Severity(raw, a float64) int {
	return int(math.Round(100 * stats.Logistic(a*raw)))
}

// Raw is core + novelty_boost − penalties with IQR-clamped inputs.
func (c Config) Raw(t Trigger, noveltyBoost float64) float64 {
	primary := c.iqrClamp(t.Primary, t.ReferencePrimary)
	secondary := c.iqrClamp(t.Secondary, t.ReferenceSecondary)
	core := c.W1*primary + c.W2*math.Max(0, secondary) + c.W3*stats.Clip01(t.Breadth)
	return core + noveltyBoost - (c.WDQ*t.DQPenalty + c.WLiquidity*t.IlliquidityPenalty)
}

func (c Config) iqrClamp(v float64, ref []float64) float64 {
	if c.IQRK <= 0 || len(ref) < 4 {
		return v
	}
	q1, _ := stats.Quantile(ref, 0.25)
	q3, _ := stats.Quantile(ref, 0.75)
	iqr := q3 - q1
	return stats.Clamp(v, q1-c.IQRK*iqr, q3+c.IQRK*iqr)
}

// #endregion scoring

// #region emitter
type candidate struct {
	trigger Trigger
	record  state.ScoreRecord
	event   Event
}

// Emitter scores triggers and applies novelty, debounce and budgets. It keeps
// the last emission per debounce key across batches; Restore seeds it from
// the store so one-shot publishers share that history.
type Emitter struct {
	config Config
	mu     sync.Mutex
	last   map[string]state.Emission
}

// NewEmitter creates an emitter with empty history.
func NewEmitter(config Config) *Emitter {
	return &Emitter{
		config: config,
		last:   make(map[string]state.Emission),
	}
}

// Restore loads persisted emissions. A stored row replaces in-memory history
// for its key only when it is newer.
func (e *Emitter) Restore(history []state.Emission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range history {
		if cur, ok := e.last[h.DebounceKey]; ok && !h.At.After(cur.At) {
			continue
		}
		e.last[h.DebounceKey] = h
	}
}

// Process turns a batch of triggers into events. latest maps detector id to
// its most recent committed record; triggers whose detector is missing or
// not eligible are dropped.
func (e *Emitter) Process(batch []Trigger, latest map[string]state.ScoreRecord) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	// One candidate per debounce key: the most severe in the batch.
	best := make(map[string]candidate)
	for _, t := range batch {
		rec, ok := latest[t.DetectorID]
		if !ok || !rec.DetEligible {
			continue
		}
		c := e.score(t, rec)
		if e.suppressed(c.event) {
			continue
		}
		if cur, ok := best[c.event.DebounceKey]; !ok || c.event.Severity > cur.event.Severity {
			best[c.event.DebounceKey] = c
		}
	}

	cands := make([]candidate, 0, len(best))
	for _, c := range best {
		cands = append(cands, c)
	}
	out := e.budget(cands)

	for _, ev := range out {
		e.last[ev.DebounceKey] = ev.Emission()
	}
	return out
}

func (e *Emitter) score(t Trigger, rec state.ScoreRecord) candidate {
	key := t.DebounceKey()
	ev := Event{
		DetectorID:   t.DetectorID,
		Symbol:       t.Symbol,
		Class:        t.Class,
		Subtype:      t.Subtype,
		Timeframe:    t.Timeframe,
		DebounceKey:  key,
		At:           t.At,
		NoveltyEpoch: t.At,
		DetSigma:     rec.DetSigma,
		DetKairos:    rec.DetKairos,
		DetEntrainR:  rec.DetEntrainR,
		DetUncert:    rec.DetUncert,
	}
	last, seen := e.last[key]
	switch {
	case !seen:
		ev.FirstSeen = true
		ev.NoveltyBoost = e.config.Beta0
	case last.Subtype != t.Subtype:
		ev.NoveltyBoost = e.config.Beta0
	default:
		ev.NoveltyEpoch = last.NoveltyEpoch
		dt := t.At.Sub(last.NoveltyEpoch).Seconds()
		ev.NoveltyBoost = e.config.Beta0 * math.Exp(-math.Max(0, dt)/e.config.HalfLifeSeconds)
	}
	ev.Raw = e.config.Raw(t, ev.NoveltyBoost)
	ev.Severity = Severity(ev.Raw, e.config.A)
	return candidate{trigger: t, record: rec, event: ev}
}

// suppressed applies the debounce rule against the last emission for the key.
func (e *Emitter) suppressed(ev Event) bool {
	last, ok := e.last[ev.DebounceKey]
	if !ok || ev.Subtype != last.Subtype {
		return false
	}
	if ev.At.Sub(last.At) >= e.config.cooldown(ev.Class) {
		return false
	}
	return float64(ev.Severity) < e.config.EscalationRatio*float64(last.Severity)
}

// budget keeps each class's best candidate first, then fills the global
// budget by severity. The lowest severities are dropped first.
func (e *Emitter) budget(cands []candidate) []Event {
	slices.SortFunc(cands, func(a, b candidate) int {
		if a.event.Severity != b.event.Severity {
			return cmp.Compare(b.event.Severity, a.event.Severity)
		}
		return cmp.Compare(a.event.DebounceKey, b.event.DebounceKey)
	})

	global := e.config.GlobalBudget
	perClass := make(map[string]int)
	taken := make([]bool, len(cands))
	var out []Event

	take := func(i int) {
		taken[i] = true
		perClass[cands[i].event.Class]++
		out = append(out, cands[i].event)
	}

	for i, c := range cands {
		if len(out) >= global {
			break
		}
		if perClass[c.event.Class] == 0 && e.config.classBudget(c.event.Class) > 0 {
			take(i)
		}
	}
	for i, c := range cands {
		if len(out) >= global {
			break
		}
		if !taken[i] && perClass[c.event.Class] < e.config.classBudget(c.event.Class) {
			take(i)
		}
	}

	slices.SortFunc(out, func(a, b Event) int {
		if a.Severity != b.Severity {
			return cmp.Compare(b.Severity, a.Severity)
		}
		return cmp.Compare(a.DebounceKey, b.DebounceKey)
	})
	return out
}

// #endregion emitter
