package lifecycle

import (
	"cmp"
	"math"
	"slices"

	"github.com/danielpatrickdp/resonance/internal/state"
)

// #region machine
// Machine evaluates lifecycle transitions once per cycle. It holds no runtime
// state: the same CycleInput always yields the same events.
type Machine struct {
	config Config
}

// NewMachine creates a machine with the given configuration.
func NewMachine(config Config) *Machine {
	return &Machine{config: config}
}

// Evaluate returns the cycle's transitions in decision order: deprecations,
// then recovery and archival, then promotions.
func (m *Machine) Evaluate(in CycleInput) []state.LifecycleEvent {
	c := m.config
	byID := make(map[string]state.DetectorState, len(in.Detectors))
	for _, d := range in.Detectors {
		byID[d.ID] = d
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	sigma := make(map[string]map[int64]float64, len(ids))
	for _, id := range ids {
		sigma[id] = CycleSigmas(in.History[id])
	}
	current := func(id string) (float64, bool) {
		v, ok := sigma[id][in.CycleID]
		return v, ok
	}

	var events []state.LifecycleEvent
	emit := func(id string, to state.LifecycleState, reason string) {
		events = append(events, state.LifecycleEvent{
			DetectorID: id,
			OldState:   byID[id].Lifecycle,
			NewState:   to,
			Reason:     reason,
			CycleID:    in.CycleID,
			Timestamp:  in.Now,
		})
	}

	active := make(map[string]bool)
	for _, id := range ids {
		if byID[id].Lifecycle == state.Active {
			active[id] = true
		}
	}

	// --- Deprecation: individual conditions ---
	for _, id := range ids {
		if !active[id] {
			continue
		}
		if reason := m.deprecationReason(byID[id], in, sigma[id]); reason != "" {
			emit(id, state.Deprecated, reason)
			delete(active, id)
		}
	}

	// --- Deprecation: pairwise orthogonality ---
	for _, p := range breachPairs(active, in.History, c.OrthoCap) {
		if !active[p.a] || !active[p.b] {
			continue
		}
		loser := p.b
		sa, _ := current(p.a)
		sb, _ := current(p.b)
		if sa < sb || (sa == sb && p.a > p.b) {
			loser = p.a
		}
		emit(loser, state.Deprecated, ReasonOrthoBreach)
		delete(active, loser)
	}

	// --- Recovery and archival ---
	for _, id := range ids {
		d := byID[id]
		if d.Lifecycle != state.Deprecated {
			continue
		}
		elapsed := in.CycleID - d.EnteredCycle
		s, ok := current(id)
		if elapsed < c.CooldownCycles {
			if ok && s >= math.Max(c.TauPromote, c.RecoverySigmaMin) &&
				auditPassed(in.Audits, id) && !breachesActive(id, active, in.History) {
				emit(id, state.Active, ReasonRecovered)
				active[id] = true
			}
			continue
		}
		emit(id, state.Archived, ReasonCooldownElapsed)
	}

	// --- Promotion, best cycle sigma first ---
	var candidates []string
	for _, id := range ids {
		if byID[id].Lifecycle == state.Experimental {
			candidates = append(candidates, id)
		}
	}
	slices.SortStableFunc(candidates, func(a, b string) int {
		sa, _ := current(a)
		sb, _ := current(b)
		if sa != sb {
			return cmp.Compare(sb, sa)
		}
		return cmp.Compare(a, b)
	})
	for _, id := range candidates {
		if m.promotable(byID[id], in) && !breachesActive(id, active, in.History) {
			emit(id, state.Active, ReasonPromoted)
			active[id] = true
		}
	}
	return events
}

// #endregion machine

// #region conditions
func (m *Machine) deprecationReason(d state.DetectorState, in CycleInput, sigma map[int64]float64) string {
	c := m.config
	recs := in.History[d.ID]

	if a, ok := in.Audits[d.ID]; ok && !a.Passed() {
		return ReasonAuditVeto
	}
	if c.ComplexityCap > 0 && d.Hyperparams.Count() > c.ComplexityCap {
		return ReasonComplexity
	}
	if c.DeprecateCycles > 0 {
		low := true
		for k := 0; k < c.DeprecateCycles; k++ {
			s, ok := sigma[in.CycleID-int64(k)]
			if !ok || s > c.TauDeprecate {
				low = false
				break
			}
		}
		if low {
			return ReasonSigmaLow
		}
	}
	if c.DQLookbackCycles > 0 {
		var total, bad int
		for _, r := range recs {
			if r.CycleID > in.CycleID-int64(c.DQLookbackCycles) && r.CycleID <= in.CycleID {
				total++
				if r.DQStatus != state.DQOK {
					bad++
				}
			}
		}
		if total > 0 && float64(bad)/float64(total) > c.MaxDQBreach {
			return ReasonDQBreach
		}
	}
	if c.CostSustainCycles > 0 && costSustained(recs, in.CycleID, c.CostSustainCycles, 2*c.CostCap) {
		return ReasonCostSustained
	}
	return ""
}

func (m *Machine) promotable(d state.DetectorState, in CycleInput) bool {
	c := m.config
	if d.SamplesCount < c.MinSamplesBars || !auditPassed(in.Audits, d.ID) {
		return false
	}
	if c.ComplexityCap > 0 && d.Hyperparams.Count() > c.ComplexityCap {
		return false
	}
	recs := in.History[d.ID]
	if c.PromoteWindow <= 0 || len(recs) < c.PromoteWindow {
		return false
	}
	window := recs[len(recs)-c.PromoteWindow:]
	var ok int
	for _, r := range window {
		if r.DQStatus != state.DQOK {
			continue
		}
		if r.DetSigma < c.TauPromote {
			return false
		}
		ok++
	}
	if ok == 0 || float64(ok)/float64(len(window)) < c.MinDQRatio {
		return false
	}
	latest, found := latestOK(recs)
	if !found {
		return false
	}
	return latest.SQMaxAbsCorr <= c.OrthoCap && latest.SQTurnover <= c.TurnoverCap
}

func costSustained(recs []state.ScoreRecord, cycleID int64, cycles int, limit float64) bool {
	seen := make(map[int64]bool)
	for _, r := range recs {
		if r.CycleID <= cycleID-int64(cycles) || r.CycleID > cycleID || r.DQStatus != state.DQOK {
			continue
		}
		if r.SQCost <= limit {
			return false
		}
		seen[r.CycleID] = true
	}
	return len(seen) == cycles
}

func auditPassed(audits map[string]state.AuditResult, id string) bool {
	a, ok := audits[id]
	return ok && a.Passed()
}

// #endregion conditions

// #region ortho
type pair struct {
	a, b string // a < b
	corr float64
}

// breachPairs lists active pairs whose latest ok records report |corr| above
// the cap, strongest first.
func breachPairs(active map[string]bool, history map[string][]state.ScoreRecord, orthoCap float64) []pair {
	seen := make(map[[2]string]float64)
	for id := range active {
		latest, ok := latestOK(history[id])
		if !ok {
			continue
		}
		for _, pc := range latest.SQCorrBreaches {
			if !active[pc.ID] || pc.ID == id || math.Abs(pc.Corr) <= orthoCap {
				continue
			}
			key := [2]string{min(id, pc.ID), max(id, pc.ID)}
			seen[key] = math.Max(seen[key], math.Abs(pc.Corr))
		}
	}
	out := make([]pair, 0, len(seen))
	for k, v := range seen {
		out = append(out, pair{a: k[0], b: k[1], corr: v})
	}
	slices.SortFunc(out, func(x, y pair) int {
		if x.corr != y.corr {
			return cmp.Compare(y.corr, x.corr)
		}
		if x.a != y.a {
			return cmp.Compare(x.a, y.a)
		}
		return cmp.Compare(x.b, y.b)
	})
	return out
}

// breachesActive reports whether id and any active detector list each other
// as above the ortho cap in their latest ok records.
func breachesActive(id string, active map[string]bool, history map[string][]state.ScoreRecord) bool {
	if latest, ok := latestOK(history[id]); ok {
		for _, pc := range latest.SQCorrBreaches {
			if active[pc.ID] && pc.ID != id {
				return true
			}
		}
	}
	for other := range active {
		if other == id {
			continue
		}
		latest, ok := latestOK(history[other])
		if !ok {
			continue
		}
		for _, pc := range latest.SQCorrBreaches {
			if pc.ID == id {
				return true
			}
		}
	}
	return false
}

// #endregion ortho

// #region helpers
// CycleSigmas maps cycle id to the mean det_sigma of the ok records in it.
func CycleSigmas(recs []state.ScoreRecord) map[int64]float64 {
	sum := make(map[int64]float64)
	n := make(map[int64]int)
	for _, r := range recs {
		if r.DQStatus != state.DQOK {
			continue
		}
		sum[r.CycleID] += r.DetSigma
		n[r.CycleID]++
	}
	out := make(map[int64]float64, len(sum))
	for k, v := range sum {
		out[k] = v / float64(n[k])
	}
	return out
}

func latestOK(recs []state.ScoreRecord) (state.ScoreRecord, bool) {
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].DQStatus == state.DQOK {
			return recs[i], true
		}
	}
	return state.ScoreRecord{}, false
}

// Apply writes the events onto the arena rows.
func Apply(arena *state.Arena, events []state.LifecycleEvent) []state.DetectorState {
	changed := make([]state.DetectorState, 0, len(events))
	for _, ev := range events {
		d, ok := arena.Get(ev.DetectorID)
		if !ok {
			continue
		}
		d.Lifecycle = ev.NewState
		d.StateEnteredAt = ev.Timestamp
		d.EnteredCycle = ev.CycleID
		arena.Put(d)
		changed = append(changed, d)
	}
	return changed
}

// #endregion helpers
