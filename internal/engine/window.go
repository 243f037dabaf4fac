package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/resonance/internal/evidence"
	"github.com/danielpatrickdp/resonance/internal/gate"
	"github.com/danielpatrickdp/resonance/internal/logging"
	"github.com/danielpatrickdp/resonance/internal/quality"
	"github.com/danielpatrickdp/resonance/internal/resonance"
	"github.com/danielpatrickdp/resonance/internal/state"
	"github.com/danielpatrickdp/resonance/internal/stats"
)

// ErrNoProvider is returned when a window is evaluated without a provider.
var ErrNoProvider = errors.New("engine: no window provider configured")

// #region slot

// slot is one detector's working area for a window. Each phase-1 goroutine
// writes only its own slot.
type slot struct {
	detector state.DetectorState
	win      state.EvaluationWindow
	dq       state.DQStatus

	sq       quality.Result
	breaches []state.PeerCorr
	meas     resonance.Measurements
	ev       evidence.Evidence
	contrib  resonance.Contribution
}

func (s *slot) fresh() bool { return s.dq == state.DQOK }

// #endregion

// #region window-result

// WindowResult is what one committed window produced.
type WindowResult struct {
	WindowID  int64
	CycleID   int64
	Reduction state.Reduction
	Records   []state.ScoreRecord // detector id order
}

// #endregion

// #region evaluate-window

// EvaluateWindow scores every live detector for one window. Phase 1 runs in
// parallel up to the barrier deadline, the reduction is computed once, then
// phase 2 updates each fresh detector against it. Records and moved
// detector rows are committed in one transaction.
func (e *Engine) EvaluateWindow(ctx context.Context, windowID int64, closedAt time.Time) (WindowResult, error) {
	if e.provider == nil {
		return WindowResult{}, ErrNoProvider
	}
	start := time.Now()
	cycleID := windowID / e.config.Engine.WindowsPerCycle
	log := e.logger.With(logging.Window(windowID), logging.Cycle(cycleID))

	slots := e.fetch(ctx, windowID, log)

	spec, err := e.provider.Spectrum(ctx, windowID)
	if err != nil {
		log.Warn("spectrum unavailable", slog.Any("error", err))
		spec = state.Spectrum{}
	}

	cohort, err := e.cohort(ctx, windowID, slots)
	if err != nil {
		return WindowResult{}, err
	}

	if err := e.measure(ctx, windowID, slots, cohort, log); err != nil {
		return WindowResult{}, err
	}

	contribs := make([]resonance.Contribution, len(slots))
	for i, s := range slots {
		contribs[i] = s.contrib
	}
	red := resonance.Reduce(windowID, contribs)

	records, moved := e.update(slots, red, spec, cycleID, closedAt)

	if err := e.store.CommitWindow(records, red, moved); err != nil {
		return WindowResult{}, fmt.Errorf("commit window %d: %w", windowID, err)
	}
	for _, d := range moved {
		e.arena.Put(d)
	}

	for _, r := range records {
		if len(r.Degeneracies) > 0 {
			logging.Degeneracies(ctx, log, r.DetectorID, windowID, r.Degeneracies)
		}
	}
	if e.metrics != nil {
		e.metrics.ObserveWindow(records, red, time.Since(start))
	}
	if e.records != nil {
		if err := e.records.Publish(ctx, records); err != nil {
			log.Warn("record sink failed", slog.Any("error", err))
		}
	}
	log.Debug("window committed",
		slog.Int("records", len(records)),
		slog.Int("contributors", red.Contributors),
		slog.Int("excluded", len(red.Excluded)),
		slog.Float64("reduction", red.Sum),
	)

	return WindowResult{WindowID: windowID, CycleID: cycleID, Reduction: red, Records: records}, nil
}

// #endregion

// #region fetch

// fetched is one provider call's outcome. The worker that made the call owns
// it until it is sent, so a call abandoned at the deadline touches no slot.
type fetched struct {
	index int
	win   state.EvaluationWindow
	err   error
	late  bool
}

// fetch loads every live detector's window under the barrier deadline.
// A data gap makes the detector partial; an error, a late return or no return
// at all makes it stale. Neither aborts the window, and fetch returns once
// the deadline passes even if a provider ignores its context.
func (e *Engine) fetch(ctx context.Context, windowID int64, log *slog.Logger) []*slot {
	live := e.arena.Live()
	slots := make([]*slot, len(live))
	for i, d := range live {
		slots[i] = &slot{detector: d, dq: state.DQStale}
	}
	if len(live) == 0 {
		return slots
	}

	deadline := time.Now().Add(time.Duration(e.config.Engine.BarrierDeadlineMillis) * time.Millisecond)
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	results := make(chan fetched, len(live))
	go func() {
		var g errgroup.Group
		g.SetLimit(e.config.Engine.Workers)
		for i, d := range live {
			if dctx.Err() != nil {
				break
			}
			g.Go(func() error {
				win, err := e.provider.Window(dctx, d.ID, windowID)
				if err == nil {
					err = win.Validate()
				}
				results <- fetched{index: i, win: win, err: err, late: time.Now().After(deadline)}
				return nil
			})
		}
		_ = g.Wait()
	}()

	done := make([]bool, len(live))
	for pending := len(live); pending > 0; pending-- {
		select {
		case r := <-results:
			done[r.index] = true
			s := slots[r.index]
			switch {
			case r.err == nil && r.late:
				log.Warn("window input late", logging.Detector(s.detector.ID))
			case errors.Is(r.err, state.ErrDataGap):
				s.dq = state.DQPartial
				log.Warn("window input missing", logging.Detector(s.detector.ID), slog.Any("error", r.err))
			case r.err != nil:
				log.Warn("window input unavailable", logging.Detector(s.detector.ID), slog.Any("error", r.err))
			default:
				s.dq = state.DQOK
				s.win = r.win
			}
		case <-dctx.Done():
			for i, s := range slots {
				if !done[i] {
					log.Warn("window input abandoned at barrier deadline", logging.Detector(s.detector.ID))
				}
			}
			return slots
		}
	}
	return slots
}

// #endregion

// #region cohort

func (e *Engine) cohort(ctx context.Context, windowID int64, slots []*slot) (state.Cohort, error) {
	if e.registry != nil {
		c, err := e.registry.Cohort(ctx, windowID, e.arena.ActiveIDs())
		if err != nil {
			return state.Cohort{}, fmt.Errorf("load cohort %d: %w", windowID, err)
		}
		return c, nil
	}
	c := state.Cohort{
		IDs:        []string{},
		PnL:        make(map[string][]float64),
		Embeddings: make(map[string][]float64),
	}
	// slots follow arena order, so IDs stay sorted.
	for _, s := range slots {
		if s.fresh() && s.detector.Lifecycle == state.Active {
			c.IDs = append(c.IDs, s.detector.ID)
			c.PnL[s.detector.ID] = s.win.PnL
			c.Embeddings[s.detector.ID] = s.win.Embedding
		}
	}
	return c, nil
}

// #endregion

// #region phase-one

// measure runs the per-detector phase-1 scorers. It only reads the cohort
// and the committed history, so slots are independent.
func (e *Engine) measure(ctx context.Context, windowID int64, slots []*slot, cohort state.Cohort, log *slog.Logger) error {
	peers := make(map[string][]float64)
	for _, s := range slots {
		if s.fresh() {
			peers[s.detector.ID] = s.win.PnL
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Engine.Workers)
	for _, s := range slots {
		active := s.detector.Lifecycle == state.Active
		if !s.fresh() {
			s.contrib = resonance.Contribute(s.detector.ID, active, false, s.detector.Recursive, resonance.Measurements{}, e.config.Resonance)
			continue
		}
		g.Go(func() error {
			history, err := e.store.RecentSigmas(s.detector.ID, e.config.Resonance.HistoryLen)
			if err != nil {
				return fmt.Errorf("load history %s: %w", s.detector.ID, err)
			}
			s.sq = e.scorer.Score(s.win, cohort)
			s.breaches = e.scorer.Breaches(s.detector.ID, s.win.PnL, peers)
			s.meas = resonance.Measure(s.win, cohort, history, s.detector.Hyperparams, e.config.Resonance)
			if e.evidence != nil {
				ev, err := e.evidence.Evidence(gctx, s.detector.ID, windowID)
				if err != nil {
					log.Warn("evidence unavailable", logging.Detector(s.detector.ID), slog.Any("error", err))
					ev = evidence.Evidence{}
				}
				s.ev = ev
			}
			s.contrib = resonance.Contribute(s.detector.ID, active, true, s.detector.Recursive, s.meas, e.config.Resonance)
			return nil
		})
	}
	return g.Wait()
}

// #endregion

// #region phase-two

// update applies the recursive step and the selection gates against the
// window's reduction. Only fresh detectors move; partial and stale ones get
// an abstaining record and keep their state.
func (e *Engine) update(slots []*slot, red state.Reduction, spec state.Spectrum, cycleID int64, closedAt time.Time) ([]state.ScoreRecord, []state.DetectorState) {
	entrain := gate.Entrainment(spec)
	signals := make(map[string]float64)
	for _, s := range slots {
		if s.fresh() {
			signals[s.detector.ID] = s.win.LastSignal()
		}
	}

	records := make([]state.ScoreRecord, len(slots))
	next := make([]*state.DetectorState, len(slots))

	var g errgroup.Group
	g.SetLimit(e.config.Engine.Workers)
	for i, s := range slots {
		g.Go(func() error {
			var siblings []float64
			for _, id := range e.arena.Siblings(s.detector.ID) {
				if v, ok := signals[id]; ok {
					siblings = append(siblings, v)
				}
			}
			rec := e.baseRecord(s, red, cycleID, closedAt)
			in := gate.Input{
				Hyperparams:    s.detector.Hyperparams,
				Spectrum:       spec,
				EntrainR:       entrain,
				SiblingSignals: siblings,
				MaxW:           red.MaxW,
				DQ:             s.dq,
			}
			if s.fresh() {
				out := resonance.Update(s.detector.Recursive, s.meas, red, e.fuser.Adjust(s.ev), e.config.Resonance)
				rec.KRPhi = out.Next.Phi
				rec.KRTheta = out.Next.Theta
				rec.KRRho = out.RhoCur
				rec.KRRhoNext = out.Next.Rho
				rec.KRDeltaPhi = out.DeltaPhi
				rec.Degeneracies = append(rec.Degeneracies, notes(out.Degeneracies)...)

				in.SQScore = s.sq.Score
				in.KRDeltaPhi = out.DeltaPhi
				in.W = s.contrib.PhiCur * s.contrib.Theta * s.contrib.RhoCur
				in.OwnSignal = s.win.LastSignal()
				in.MxConfirm = s.ev.Present && s.ev.Confirm

				d := s.detector
				d.Recursive = out.Next
				d.SamplesCount += int64(len(s.win.Signal))
				next[i] = &d
			}
			e.gate.Evaluate(in).Apply(&rec)
			records[i] = rec
			return nil
		})
	}
	_ = g.Wait()

	var moved []state.DetectorState
	for _, d := range next {
		if d != nil {
			moved = append(moved, *d)
		}
	}
	return records, moved
}

// baseRecord fills the identity, sq and measurement columns. Non-fresh
// records carry the unchanged recursive state.
func (e *Engine) baseRecord(s *slot, red state.Reduction, cycleID int64, closedAt time.Time) state.ScoreRecord {
	rec := state.ScoreRecord{
		DetectorID:     s.detector.ID,
		WindowID:       red.WindowID,
		CycleID:        cycleID,
		ClosedAt:       closedAt.UTC(),
		DQStatus:       s.dq,
		ConfigHash:     e.configHash,
		SQCorrBreaches: []state.PeerCorr{},
		KRPhi:          s.detector.Recursive.Phi,
		KRTheta:        s.detector.Recursive.Theta,
		KRRho:          s.detector.Recursive.Rho,
		KRRhoNext:      s.detector.Recursive.Rho,
		KRReduction:    red.Sum,
		KRMxPolicy:     string(e.fuser.Policy()),
		Degeneracies:   []string{},
	}
	if !s.fresh() {
		return rec
	}
	s.sq.Apply(&rec)
	rec.SQCorrBreaches = s.breaches
	rec.KRHbar = s.meas.Hbar
	rec.KRCoherence = s.meas.Coherence
	rec.KRPhiMeas = s.meas.PhiMeas
	rec.KRThetaMeas = s.meas.ThetaMeas
	rec.KRRhoMeas = s.meas.RhoMeas
	rec.KRNovelty = s.meas.Novelty
	rec.KREmergence = s.meas.Emergence
	rec.KRCrowding = s.meas.Crowding
	if s.ev.Present {
		rec.KRMxEvidence = stats.Clip01(s.ev.Value)
		rec.KRMxConfirm = s.ev.Confirm
	}
	rec.Degeneracies = append(rec.Degeneracies, notes(s.sq.Degeneracies)...)
	rec.Degeneracies = append(rec.Degeneracies, notes(s.meas.Degeneracies)...)
	return rec
}

func notes(ds []stats.Degeneracy) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

// #endregion
