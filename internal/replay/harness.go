package replay

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/danielpatrickdp/resonance/internal/config"
	"github.com/danielpatrickdp/resonance/internal/engine"
	"github.com/danielpatrickdp/resonance/internal/state"
)

// #region types

// Result is everything a replay produced.
type Result struct {
	Records      []state.ScoreRecord // window then detector order
	Fingerprints map[string]string
	Events       []state.LifecycleEvent
	Jobs         []state.MutationJob
	ConfigHash   string
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	Windows  int
	Records  int
	OK       int
	Partial  int
	Stale    int
	Abstain  int
	Eligible int
	Events   int
	Jobs     int
}

// MismatchError reports records whose recomputed fingerprint differs from
// the stored one. It is a data-integrity incident, never a tolerance issue.
type MismatchError struct {
	Missing   []string // stored but not recomputed
	Extra     []string // recomputed but not stored
	Different []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("replay mismatch: %d different, %d missing, %d extra (first: %s)",
		len(e.Different), len(e.Missing), len(e.Extra), e.first())
}

func (e *MismatchError) first() string {
	for _, l := range [][]string{e.Different, e.Missing, e.Extra} {
		if len(l) > 0 {
			return l[0]
		}
	}
	return "none"
}

// #endregion types

// #region replay

// Run replays a fixture through a fresh engine on an in-memory store. The
// fixture's windows are evaluated in order and each cycle is closed after
// its last window, exactly as in the recorded run.
func Run(ctx context.Context, f *Fixture, cfg config.Config, logger *slog.Logger) (*Result, error) {
	cfg.Engine.WindowsPerCycle = f.WindowsPerCycle
	cfg.Store = config.Store{Driver: "sqlite", DSN: ":memory:"}

	store, err := state.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	provider := NewProvider(f)
	eng, err := engine.New(engine.Options{
		Config:   &cfg,
		Store:    store,
		Provider: provider,
		Audits:   provider,
		Evidence: provider,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if f.ConfigHash != "" && f.ConfigHash != eng.ConfigHash() && logger != nil {
		logger.Warn("fixture recorded under a different config",
			slog.String("fixture_hash", f.ConfigHash),
			slog.String("config_hash", eng.ConfigHash()))
	}
	if err := eng.Bootstrap(f.Detectors); err != nil {
		return nil, err
	}

	if _, err := Drive(ctx, eng, f); err != nil {
		return nil, err
	}

	out := &Result{ConfigHash: eng.ConfigHash()}
	if out.Records, err = store.AllRecords(); err != nil {
		return nil, err
	}
	if out.Fingerprints, err = store.Fingerprints(); err != nil {
		return nil, err
	}
	if out.Events, err = store.Events(""); err != nil {
		return nil, err
	}
	if out.Jobs, err = store.Jobs(); err != nil {
		return nil, err
	}
	return out, nil
}

// Drive evaluates the fixture's windows on eng in order, closing each cycle
// after its last window.
func Drive(ctx context.Context, eng *engine.Engine, f *Fixture) (engine.Summary, error) {
	var sum engine.Summary
	for _, w := range f.Windows {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := eng.EvaluateWindow(ctx, w.WindowID, w.ClosedAt)
		if err != nil {
			return sum, err
		}
		sum.AddWindow(res)
		if (w.WindowID+1)%f.WindowsPerCycle != 0 {
			continue
		}
		cyc, err := eng.CloseCycle(ctx, res.CycleID, w.ClosedAt)
		if err != nil {
			return sum, err
		}
		sum.AddCycle(cyc)
	}
	return sum, nil
}

// #endregion replay

// #region compare

// Compare checks recomputed fingerprints against stored ones. It returns a
// *MismatchError listing every differing key, or nil.
func Compare(stored, recomputed map[string]string) error {
	var mm MismatchError
	for k, fp := range stored {
		got, ok := recomputed[k]
		switch {
		case !ok:
			mm.Missing = append(mm.Missing, k)
		case got != fp:
			mm.Different = append(mm.Different, k)
		}
	}
	for k := range recomputed {
		if _, ok := stored[k]; !ok {
			mm.Extra = append(mm.Extra, k)
		}
	}
	if len(mm.Missing)+len(mm.Extra)+len(mm.Different) == 0 {
		return nil
	}
	slices.Sort(mm.Missing)
	slices.Sort(mm.Extra)
	slices.Sort(mm.Different)
	return &mm
}

// FilterWindows keeps the fingerprints whose window is in ids.
func FilterWindows(fps map[string]string, ids []int64) map[string]string {
	keep := make(map[int64]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	out := make(map[string]string)
	for k, fp := range fps {
		i := strings.LastIndex(k, "/")
		if i < 0 {
			continue
		}
		w, err := strconv.ParseInt(k[i+1:], 10, 64)
		if err == nil && keep[w] {
			out[k] = fp
		}
	}
	return out
}

// #endregion compare

// #region summarize

// Summarize computes aggregate stats from a replay result.
func Summarize(res *Result) Summary {
	s := Summary{Records: len(res.Records), Events: len(res.Events), Jobs: len(res.Jobs)}
	windows := make(map[int64]bool)
	for _, r := range res.Records {
		windows[r.WindowID] = true
		switch r.DQStatus {
		case state.DQOK:
			s.OK++
		case state.DQPartial:
			s.Partial++
		case state.DQStale:
			s.Stale++
		}
		if r.DetAbstain {
			s.Abstain++
		}
		if r.DetEligible {
			s.Eligible++
		}
	}
	s.Windows = len(windows)
	return s
}

// #endregion summarize
