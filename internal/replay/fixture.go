package replay

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/danielpatrickdp/resonance/internal/engine"
	"github.com/danielpatrickdp/resonance/internal/evidence"
	"github.com/danielpatrickdp/resonance/internal/state"
)

// #region fixture-types

// Fixture is a recorded run: the starting population and every input the
// engine consumed, window by window.
type Fixture struct {
	Description     string                `json:"description"`
	ConfigHash      string                `json:"config_hash,omitempty"`
	WindowsPerCycle int64                 `json:"windows_per_cycle"`
	Detectors       []state.DetectorState `json:"detectors"`
	Windows         []FixtureWindow       `json:"windows"`
	Audits          []FixtureAudit        `json:"audits,omitempty"`
	Fingerprints    map[string]string     `json:"fingerprints,omitempty"` // RecordKey -> fingerprint
}

// FixtureWindow holds one window's inputs. A live detector with no input is
// replayed as a data gap; one listed in Stale as a late arrival.
type FixtureWindow struct {
	WindowID int64                    `json:"window_id"`
	ClosedAt time.Time                `json:"closed_at"`
	Spectrum state.Spectrum           `json:"spectrum"`
	Inputs   []state.EvaluationWindow `json:"inputs"`
	Stale    []string                 `json:"stale,omitempty"`
	Evidence []FixtureEvidence        `json:"evidence,omitempty"`
}

// FixtureEvidence is one detector's microstructure reading.
type FixtureEvidence struct {
	DetectorID string            `json:"detector_id"`
	Evidence   evidence.Evidence `json:"evidence"`
}

// FixtureAudit holds the audit results served at a cycle close.
type FixtureAudit struct {
	CycleID int64               `json:"cycle_id"`
	Results []state.AuditResult `json:"results"`
}

// #endregion fixture-types

// #region fixture-io

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.WindowsPerCycle <= 0 {
		return nil, fmt.Errorf("parse fixture %s: windows_per_cycle must be positive", path)
	}
	return &f, nil
}

// Save writes the fixture as indented JSON.
func (f *Fixture) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// WindowIDs lists the fixture's windows in replay order.
func (f *Fixture) WindowIDs() []int64 {
	ids := make([]int64, len(f.Windows))
	for i, w := range f.Windows {
		ids[i] = w.WindowID
	}
	return ids
}

// #endregion fixture-io

// #region fixture-provider

// Provider serves a fixture's inputs to the engine. It implements
// engine.Provider, engine.AuditSource and evidence.Source.
type Provider struct {
	inputs   map[string]state.EvaluationWindow
	stale    map[string]bool
	spectrum map[int64]state.Spectrum
	audits   map[int64]map[string]state.AuditResult
	evidence evidence.StaticSource
}

// NewProvider indexes a fixture.
func NewProvider(f *Fixture) *Provider {
	p := &Provider{
		inputs:   make(map[string]state.EvaluationWindow),
		stale:    make(map[string]bool),
		spectrum: make(map[int64]state.Spectrum),
		audits:   make(map[int64]map[string]state.AuditResult),
		evidence: make(evidence.StaticSource),
	}
	for _, w := range f.Windows {
		p.spectrum[w.WindowID] = w.Spectrum
		for _, in := range w.Inputs {
			p.inputs[state.RecordKey(in.DetectorID, w.WindowID)] = in
		}
		for _, id := range w.Stale {
			p.stale[state.RecordKey(id, w.WindowID)] = true
		}
		for _, ev := range w.Evidence {
			p.evidence[state.RecordKey(ev.DetectorID, w.WindowID)] = ev.Evidence
		}
	}
	for _, a := range f.Audits {
		m := make(map[string]state.AuditResult, len(a.Results))
		for _, r := range a.Results {
			m[r.DetectorID] = r
		}
		p.audits[a.CycleID] = m
	}
	return p
}

// Window implements engine.Provider.
func (p *Provider) Window(ctx context.Context, detectorID string, windowID int64) (state.EvaluationWindow, error) {
	if err := ctx.Err(); err != nil {
		return state.EvaluationWindow{}, err
	}
	key := state.RecordKey(detectorID, windowID)
	if p.stale[key] {
		return state.EvaluationWindow{}, context.DeadlineExceeded
	}
	win, ok := p.inputs[key]
	if !ok {
		return state.EvaluationWindow{}, &state.DataGapError{DetectorID: detectorID, WindowID: windowID, Missing: []string{"window"}}
	}
	return win, nil
}

// Spectrum implements engine.Provider.
func (p *Provider) Spectrum(_ context.Context, windowID int64) (state.Spectrum, error) {
	spec, ok := p.spectrum[windowID]
	if !ok {
		return state.Spectrum{}, fmt.Errorf("spectrum for window %d not recorded", windowID)
	}
	return spec, nil
}

// Audits implements engine.AuditSource. Ids without a recorded result are
// left out, which blocks their promotion.
func (p *Provider) Audits(_ context.Context, cycleID int64, ids []string) (map[string]state.AuditResult, error) {
	out := make(map[string]state.AuditResult)
	for _, id := range ids {
		if r, ok := p.audits[cycleID][id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

// Evidence implements evidence.Source.
func (p *Provider) Evidence(ctx context.Context, detectorID string, windowID int64) (evidence.Evidence, error) {
	return p.evidence.Evidence(ctx, detectorID, windowID)
}

// #endregion fixture-provider

// #region recorder

// Recorder wraps a live provider and captures every input it serves, so a
// run can be written out as a fixture and replayed bit for bit.
type Recorder struct {
	provider engine.Provider
	audits   engine.AuditSource
	evidence evidence.Source

	mu       sync.Mutex
	windows  map[int64]*FixtureWindow
	verdicts map[int64]FixtureAudit
}

// NewRecorder wraps the sources. audits and ev may be nil.
func NewRecorder(provider engine.Provider, audits engine.AuditSource, ev evidence.Source) *Recorder {
	return &Recorder{
		provider: provider,
		audits:   audits,
		evidence: ev,
		windows:  make(map[int64]*FixtureWindow),
		verdicts: make(map[int64]FixtureAudit),
	}
}

func (r *Recorder) window(id int64) *FixtureWindow {
	fw, ok := r.windows[id]
	if !ok {
		fw = &FixtureWindow{WindowID: id, Inputs: []state.EvaluationWindow{}}
		r.windows[id] = fw
	}
	return fw
}

// Window implements engine.Provider. Gaps are recorded by omission. Other
// failures, and inputs served after the caller's deadline, are recorded as
// stale, matching how the engine scored them.
func (r *Recorder) Window(ctx context.Context, detectorID string, windowID int64) (state.EvaluationWindow, error) {
	win, err := r.provider.Window(ctx, detectorID, windowID)
	r.mu.Lock()
	defer r.mu.Unlock()
	fw := r.window(windowID)
	switch {
	case err == nil && ctx.Err() == nil:
		fw.Inputs = append(fw.Inputs, win)
	case !errors.Is(err, state.ErrDataGap):
		fw.Stale = append(fw.Stale, detectorID)
	}
	return win, err
}

// Spectrum implements engine.Provider.
func (r *Recorder) Spectrum(ctx context.Context, windowID int64) (state.Spectrum, error) {
	spec, err := r.provider.Spectrum(ctx, windowID)
	if err == nil {
		r.mu.Lock()
		r.window(windowID).Spectrum = spec
		r.mu.Unlock()
	}
	return spec, err
}

// Audits implements engine.AuditSource.
func (r *Recorder) Audits(ctx context.Context, cycleID int64, ids []string) (map[string]state.AuditResult, error) {
	if r.audits == nil {
		return nil, nil
	}
	res, err := r.audits.Audits(ctx, cycleID, ids)
	if err != nil {
		return nil, err
	}
	fa := FixtureAudit{CycleID: cycleID, Results: []state.AuditResult{}}
	for _, id := range ids {
		if v, ok := res[id]; ok {
			fa.Results = append(fa.Results, v)
		}
	}
	r.mu.Lock()
	r.verdicts[cycleID] = fa
	r.mu.Unlock()
	return res, nil
}

// Evidence implements evidence.Source.
func (r *Recorder) Evidence(ctx context.Context, detectorID string, windowID int64) (evidence.Evidence, error) {
	if r.evidence == nil {
		return evidence.Evidence{}, nil
	}
	ev, err := r.evidence.Evidence(ctx, detectorID, windowID)
	if err == nil && ev.Present {
		r.mu.Lock()
		fw := r.window(windowID)
		fw.Evidence = append(fw.Evidence, FixtureEvidence{DetectorID: detectorID, Evidence: ev})
		r.mu.Unlock()
	}
	return ev, err
}

// Fixture assembles what was recorded. detectors is the population the run
// started from.
func (r *Recorder) Fixture(detectors []state.DetectorState, perCycle int64, closedAt func(int64) time.Time) *Fixture {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := &Fixture{
		WindowsPerCycle: perCycle,
		Detectors:       slices.Clone(detectors),
		Windows:         []FixtureWindow{},
	}
	for _, fw := range r.windows {
		w := *fw
		w.ClosedAt = closedAt(w.WindowID).UTC()
		w.Inputs = slices.Clone(w.Inputs)
		slices.SortFunc(w.Inputs, func(a, b state.EvaluationWindow) int { return strings.Compare(a.DetectorID, b.DetectorID) })
		w.Stale = slices.Sorted(slices.Values(w.Stale))
		w.Evidence = slices.Clone(w.Evidence)
		slices.SortFunc(w.Evidence, func(a, b FixtureEvidence) int { return strings.Compare(a.DetectorID, b.DetectorID) })
		f.Windows = append(f.Windows, w)
	}
	slices.SortFunc(f.Windows, func(a, b FixtureWindow) int { return cmp.Compare(a.WindowID, b.WindowID) })
	for _, fa := range r.verdicts {
		f.Audits = append(f.Audits, fa)
	}
	slices.SortFunc(f.Audits, func(a, b FixtureAudit) int { return cmp.Compare(a.CycleID, b.CycleID) })
	return f
}

// #endregion recorder
