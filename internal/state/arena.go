package state

import (
	"slices"
	"sync"
)

// #region arena
// Arena holds the detector population keyed by stable id. Parents are
// referenced by id only, so archival never depends on ancestry.
type Arena struct {
	mu        sync.RWMutex
	detectors map[string]DetectorState
}

// NewArena builds an arena from the given rows.
func NewArena(rows ...DetectorState) *Arena {
	a := &Arena{detectors: make(map[string]DetectorState, len(rows))}
	for _, d := range rows {
		a.detectors[d.ID] = d
	}
	return a
}

// Get returns a copy of the detector row.
func (a *Arena) Get(id string) (DetectorState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.detectors[id]
	if ok {
		d.Hyperparams = d.Hyperparams.Clone()
	}
	return d, ok
}

// Put inserts or replaces a detector row.
func (a *Arena) Put(d DetectorState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detectors[d.ID] = d
}

// Len returns the number of rows, archived included.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.detectors)
}

// All returns every row sorted by id.
func (a *Arena) All() []DetectorState {
	return a.filter(func(DetectorState) bool { return true })
}

// Live returns non-archived rows sorted by id.
func (a *Arena) Live() []DetectorState {
	return a.filter(func(d DetectorState) bool { return d.Lifecycle.Live() })
}

// InState returns rows in the given lifecycle state sorted by id.
func (a *Arena) InState(s LifecycleState) []DetectorState {
	return a.filter(func(d DetectorState) bool { return d.Lifecycle == s })
}

// ActiveIDs returns the sorted ids of active detectors.
func (a *Arena) ActiveIDs() []string {
	rows := a.InState(Active)
	ids := make([]string, len(rows))
	for i, d := range rows {
		ids[i] = d.ID
	}
	return ids
}

// Siblings returns live detectors sharing id's parent, excluding id itself.
// Root detectors have no siblings.
func (a *Arena) Siblings(id string) []string {
	self, ok := a.Get(id)
	if !ok || self.ParentID == "" {
		return nil
	}
	var out []string
	for _, d := range a.Live() {
		if d.ID != id && d.ParentID == self.ParentID {
			out = append(out, d.ID)
		}
	}
	return out
}

func (a *Arena) filter(keep func(DetectorState) bool) []DetectorState {
	a.mu.RLock()
	out := make([]DetectorState, 0, len(a.detectors))
	for _, d := range a.detectors {
		if keep(d) {
			d.Hyperparams = d.Hyperparams.Clone()
			out = append(out, d)
		}
	}
	a.mu.RUnlock()
	slices.SortFunc(out, func(x, y DetectorState) int {
		switch {
		case x.ID < y.ID:
			return -1
		case x.ID > y.ID:
			return 1
		}
		return 0
	})
	return out
}

// #endregion arena
