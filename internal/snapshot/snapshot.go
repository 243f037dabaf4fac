package snapshot

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/danielpatrickdp/resonance/internal/state"
)

// #region build
// Build ranks detectors by cycle sigma and collects the cycle's promotions
// and retirements. Top is sigma desc, Bottom is sigma asc; ties break by id.
func Build(cycleID int64, takenAt time.Time, configHash string, sigmas map[string]float64, events []state.LifecycleEvent, k int) state.CohortSnapshot {
	ranked := make([]state.RankEntry, 0, len(sigmas))
	for id, s := range sigmas {
		ranked = append(ranked, state.RankEntry{DetectorID: id, DetSigma: s})
	}
	slices.SortFunc(ranked, func(a, b state.RankEntry) int {
		if a.DetSigma != b.DetSigma {
			return cmp.Compare(b.DetSigma, a.DetSigma)
		}
		return cmp.Compare(a.DetectorID, b.DetectorID)
	})

	snap := state.CohortSnapshot{
		CycleID:     cycleID,
		TakenAt:     takenAt,
		ConfigHash:  configHash,
		Top:         []state.RankEntry{},
		Bottom:      []state.RankEntry{},
		Promotions:  []state.LifecycleEvent{},
		Retirements: []state.LifecycleEvent{},
	}
	n := min(k, len(ranked))
	snap.Top = append(snap.Top, ranked[:n]...)
	for i := len(ranked) - 1; i >= len(ranked)-n; i-- {
		snap.Bottom = append(snap.Bottom, ranked[i])
	}

	for _, ev := range events {
		switch ev.NewState {
		case state.Active:
			snap.Promotions = append(snap.Promotions, ev)
		case state.Deprecated, state.Archived:
			snap.Retirements = append(snap.Retirements, ev)
		}
	}
	return snap
}

// #endregion build

// #region sink
// Sink exports a committed snapshot.
type Sink interface {
	Put(ctx context.Context, snap state.CohortSnapshot) error
}

// Key is the object name for a cycle, zero-padded so names sort by cycle.
func Key(prefix string, cycleID int64) string {
	return fmt.Sprintf("%scycle-%010d.json", prefix, cycleID)
}

// FileSink writes one JSON file per cycle into Dir.
type FileSink struct {
	Dir string
}

// Put writes to a temp file and renames it into place.
func (f FileSink) Put(_ context.Context, snap state.CohortSnapshot) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	final := filepath.Join(f.Dir, Key("", snap.CycleID))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// #endregion sink
