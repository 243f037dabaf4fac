package evidence

import (
	"context"

	"github.com/danielpatrickdp/resonance/internal/resonance"
	"github.com/danielpatrickdp/resonance/internal/state"
	"github.com/danielpatrickdp/resonance/internal/stats"
)

// #region fuser
// Fuser turns evidence into a bounded resonance adjustment. It can only
// tilt delta_phi or theta; it never writes base sq or kr components.
type Fuser struct {
	config Config
}

// NewFuser creates a fuser with the given configuration.
func NewFuser(config Config) *Fuser {
	return &Fuser{config: config}
}

// Policy reports the configured policy.
func (f *Fuser) Policy() Policy {
	return f.config.Policy
}

// Adjust returns the capped adjustment for a reading. Missing evidence and
// the none policy both give the zero adjustment.
func (f *Fuser) Adjust(ev Evidence) resonance.Adjustment {
	if !ev.Present {
		return resonance.Adjustment{}
	}
	mx := stats.Clip01(ev.Value)
	switch f.config.Policy {
	case PolicyBoost:
		return resonance.Adjustment{Boost: stats.Clamp(f.config.Beta, 0, f.config.HardCap) * mx}
	case PolicyRelief:
		return resonance.Adjustment{Relief: stats.Clamp(f.config.Gamma, 0, f.config.HardCap) * mx}
	}
	return resonance.Adjustment{}
}

// #endregion fuser

// #region static-source
// StaticSource serves evidence from a map keyed by state.RecordKey. Fixtures
// and replay use it.
type StaticSource map[string]Evidence

// Evidence implements Source.
func (s StaticSource) Evidence(_ context.Context, detectorID string, windowID int64) (Evidence, error) {
	ev, ok := s[state.RecordKey(detectorID, windowID)]
	if !ok {
		return Evidence{}, nil
	}
	ev.Present = true
	return ev, nil
}

// #endregion static-source
