package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/resonance/internal/lifecycle"
	"github.com/danielpatrickdp/resonance/internal/logging"
	"github.com/danielpatrickdp/resonance/internal/mutation"
	"github.com/danielpatrickdp/resonance/internal/severity"
	"github.com/danielpatrickdp/resonance/internal/snapshot"
	"github.com/danielpatrickdp/resonance/internal/state"
)

// #region cycle-result

// CycleResult is what one lifecycle cycle produced.
type CycleResult struct {
	CycleID  int64
	Events   []state.LifecycleEvent
	Jobs     []state.MutationJob
	Children []state.DetectorState
	Snapshot state.CohortSnapshot
}

// #endregion

// #region close-cycle

// CloseCycle runs lifecycle transitions, then mutation against the
// post-transition population, then builds the cohort snapshot. Everything is
// committed in one transaction before the in-memory arena changes, so a
// failed commit leaves the population untouched.
func (e *Engine) CloseCycle(ctx context.Context, cycleID int64, now time.Time) (CycleResult, error) {
	log := e.logger.With(logging.Cycle(cycleID))
	now = now.UTC()

	from := max(cycleID-e.config.Engine.HistoryCycles+1, 0)
	recs, err := e.store.RecordsSinceCycle(from)
	if err != nil {
		return CycleResult{}, fmt.Errorf("load history: %w", err)
	}
	history := make(map[string][]state.ScoreRecord)
	for _, r := range recs {
		if r.CycleID <= cycleID {
			history[r.DetectorID] = append(history[r.DetectorID], r)
		}
	}

	detectors := e.arena.All()
	audits := e.loadAudits(ctx, cycleID, log)

	events := e.machine.Evaluate(lifecycle.CycleInput{
		CycleID:   cycleID,
		Now:       now,
		Detectors: detectors,
		History:   history,
		Audits:    audits,
	})

	scratch := state.NewArena(detectors...)
	changed := lifecycle.Apply(scratch, events)

	sigmas := make(map[string]float64)
	for id, rs := range history {
		if s, ok := lifecycle.CycleSigmas(rs)[cycleID]; ok {
			sigmas[id] = s
		}
	}

	plan := e.scheduler.Plan(mutation.Input{
		CycleID:    cycleID,
		Now:        now,
		Detectors:  scratch.All(),
		CycleSigma: sigmas,
	})

	snap := snapshot.Build(cycleID, now, e.configHash, sigmas, events, e.config.Snapshot.TopK)

	rows := append(changed, plan.Children...)
	if err := e.store.CommitCycle(cycleID, events, plan.Jobs, rows, &snap); err != nil {
		return CycleResult{}, fmt.Errorf("commit cycle %d: %w", cycleID, err)
	}
	for _, d := range rows {
		e.arena.Put(d)
	}

	for _, ev := range events {
		log.Info("lifecycle transition",
			logging.Detector(ev.DetectorID),
			slog.String("from", string(ev.OldState)),
			slog.String("to", string(ev.NewState)),
			slog.String("reason", ev.Reason),
		)
	}
	for _, job := range plan.Jobs {
		log.Info("mutation job",
			slog.String("job_id", job.ID),
			slog.String("parent_id", job.ParentID),
			slog.String("recipe", string(job.Recipe)),
			slog.Int("children", len(job.ChildrenIDs)),
		)
	}
	if e.snapshots != nil {
		if err := e.snapshots.Put(ctx, snap); err != nil {
			log.Warn("snapshot export failed", slog.Any("error", err))
		}
	}
	if e.metrics != nil {
		e.metrics.ObserveCycle(events, len(plan.Children))
	}

	return CycleResult{
		CycleID:  cycleID,
		Events:   events,
		Jobs:     plan.Jobs,
		Children: plan.Children,
		Snapshot: snap,
	}, nil
}

// loadAudits returns nil when no audit source is wired or it fails, which
// blocks promotion and recovery for the cycle.
func (e *Engine) loadAudits(ctx context.Context, cycleID int64, log *slog.Logger) map[string]state.AuditResult {
	if e.audits == nil {
		return nil
	}
	var ids []string
	for _, d := range e.arena.Live() {
		ids = append(ids, d.ID)
	}
	audits, err := e.audits.Audits(ctx, cycleID, ids)
	if err != nil {
		log.Warn("audits unavailable", slog.Any("error", err))
		return nil
	}
	return audits
}

// #endregion

// #region publish

// Publish scores a batch of fired triggers against each detector's latest
// record and returns the events that survive debounce and budgets. Each
// event's emission is saved before returning, so the next engine on the same
// store debounces against it.
func (e *Engine) Publish(ctx context.Context, batch []severity.Trigger) ([]severity.Event, error) {
	latest := make(map[string]state.ScoreRecord)
	for _, t := range batch {
		if _, seen := latest[t.DetectorID]; seen {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, ok, err := e.store.LatestRecord(t.DetectorID)
		if err != nil {
			return nil, fmt.Errorf("load latest record %s: %w", t.DetectorID, err)
		}
		if ok {
			latest[t.DetectorID] = rec
		}
	}

	events := e.emitter.Process(batch, latest)
	emitted := make([]state.Emission, len(events))
	for i, ev := range events {
		emitted[i] = ev.Emission()
	}
	if err := e.store.SaveEmissions(emitted); err != nil {
		return nil, fmt.Errorf("save emissions: %w", err)
	}
	if e.metrics != nil {
		classes := make([]string, len(events))
		for i, ev := range events {
			classes[i] = ev.Class
		}
		e.metrics.ObserveEvents(classes)
	}
	for _, ev := range events {
		e.logger.Debug("event emitted",
			logging.Detector(ev.DetectorID),
			slog.String("debounce_key", ev.DebounceKey),
			slog.Int("severity", ev.Severity),
		)
	}
	return events, nil
}

// #endregion

// #region run

// Summary totals a RunWindows call.
type Summary struct {
	Windows  int
	Records  int
	Stale    int
	Partial  int
	Cycles   int
	Events   int
	Children int
	Last     *CycleResult
}

// AddWindow tallies one evaluated window.
func (s *Summary) AddWindow(res WindowResult) {
	s.Windows++
	s.Records += len(res.Records)
	for _, r := range res.Records {
		switch r.DQStatus {
		case state.DQStale:
			s.Stale++
		case state.DQPartial:
			s.Partial++
		}
	}
}

// AddCycle tallies one closed cycle.
func (s *Summary) AddCycle(cyc CycleResult) {
	s.Cycles++
	s.Events += len(cyc.Events)
	s.Children += len(cyc.Children)
	s.Last = &cyc
}

// RunWindows evaluates windows [from, to) in order and closes each cycle
// after its last window.
func (e *Engine) RunWindows(ctx context.Context, from, to int64, closedAt func(int64) time.Time) (Summary, error) {
	var sum Summary
	per := e.config.Engine.WindowsPerCycle
	for w := from; w < to; w++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := e.EvaluateWindow(ctx, w, closedAt(w))
		if err != nil {
			return sum, err
		}
		sum.AddWindow(res)
		if (w+1)%per != 0 {
			continue
		}
		cyc, err := e.CloseCycle(ctx, res.CycleID, closedAt(w))
		if err != nil {
			return sum, err
		}
		sum.AddCycle(cyc)
	}
	return sum, nil
}

// #endregion
