package engine

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielpatrickdp/resonance/internal/config"
	"github.com/danielpatrickdp/resonance/internal/eval"
	"github.com/danielpatrickdp/resonance/internal/evidence"
	"github.com/danielpatrickdp/resonance/internal/gate"
	"github.com/danielpatrickdp/resonance/internal/lifecycle"
	"github.com/danielpatrickdp/resonance/internal/logging"
	"github.com/danielpatrickdp/resonance/internal/metrics"
	"github.com/danielpatrickdp/resonance/internal/mutation"
	"github.com/danielpatrickdp/resonance/internal/quality"
	"github.com/danielpatrickdp/resonance/internal/severity"
	"github.com/danielpatrickdp/resonance/internal/snapshot"
	"github.com/danielpatrickdp/resonance/internal/state"
)

// #endregion

// #region interfaces

// Provider supplies the immutable per-window inputs. A missing input is
// reported as a state.DataGapError.
type Provider interface {
	Window(ctx context.Context, detectorID string, windowID int64) (state.EvaluationWindow, error)
	Spectrum(ctx context.Context, windowID int64) (state.Spectrum, error)
}

// Registry returns the active cohort snapshot for a window. When no registry
// is configured the cohort is built from the fresh active windows.
type Registry interface {
	Cohort(ctx context.Context, windowID int64, activeIDs []string) (state.Cohort, error)
}

// AuditSource supplies the leakage and adversarial flags for a cycle.
type AuditSource interface {
	Audits(ctx context.Context, cycleID int64, ids []string) (map[string]state.AuditResult, error)
}

// RecordSink receives every committed window's records, in id order.
type RecordSink interface {
	Publish(ctx context.Context, records []state.ScoreRecord) error
}

// #endregion

// #region options

// Options wires the engine. Config and Store are required; Provider is needed
// only to evaluate windows.
type Options struct {
	Config    *config.Config
	Store     *state.Store
	Arena     *state.Arena // loaded from Store when nil
	Provider  Provider
	Registry  Registry
	Audits    AuditSource
	Evidence  evidence.Source
	Snapshots snapshot.Sink
	Records   RecordSink
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// #endregion

// #region engine-struct

// Engine runs the window-synchronous evaluation loop and the per-cycle
// lifecycle, mutation and snapshot steps.
type Engine struct {
	config     *config.Config
	configHash string

	store     *state.Store
	arena     *state.Arena
	provider  Provider
	registry  Registry
	audits    AuditSource
	evidence  evidence.Source
	snapshots snapshot.Sink
	records   RecordSink
	metrics   *metrics.Collector
	logger    *slog.Logger

	scorer    *quality.Scorer
	fuser     *evidence.Fuser
	gate      *gate.Gate
	machine   *lifecycle.Machine
	scheduler *mutation.Scheduler
	emitter   *severity.Emitter
}

// #endregion

// #region constructor

// New validates the wiring, hashes the scoring config and refuses to start
// when the recursive update is not a contraction under the strongest
// evidence adjustment the policy allows.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Store == nil {
		return nil, errors.New("engine: config and store are required")
	}
	cfg := opts.Config

	hash, err := cfg.Hash()
	if err != nil {
		return nil, err
	}
	if err := eval.NewHarness(cfg.Contraction).Check(cfg.Resonance, cfg.Evidence.Strongest()); err != nil {
		return nil, fmt.Errorf("contraction check: %w", err)
	}

	arena := opts.Arena
	if arena == nil {
		rows, err := opts.Store.Detectors()
		if err != nil {
			return nil, fmt.Errorf("load detectors: %w", err)
		}
		arena = state.NewArena(rows...)
	}

	history, err := opts.Store.Emissions()
	if err != nil {
		return nil, fmt.Errorf("load emissions: %w", err)
	}
	emitter := severity.NewEmitter(cfg.Severity)
	emitter.Restore(history)

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Engine{
		config:     cfg,
		configHash: hash,
		store:      opts.Store,
		arena:      arena,
		provider:   opts.Provider,
		registry:   opts.Registry,
		audits:     opts.Audits,
		evidence:   opts.Evidence,
		snapshots:  opts.Snapshots,
		records:    opts.Records,
		metrics:    opts.Metrics,
		logger:     logger.With(logging.Component("engine")),
		scorer:     quality.NewScorer(cfg.Quality),
		fuser:      evidence.NewFuser(cfg.Evidence),
		gate:       gate.NewGate(cfg.Gate),
		machine:    lifecycle.NewMachine(cfg.Lifecycle),
		scheduler:  mutation.NewScheduler(cfg.Mutation),
		emitter:    emitter,
	}, nil
}

// #endregion

// #region accessors

// ConfigHash is the content hash stamped on every record.
func (e *Engine) ConfigHash() string {
	return e.configHash
}

// Arena exposes the in-memory population.
func (e *Engine) Arena() *state.Arena {
	return e.arena
}

// Bootstrap seeds an empty population. It is a no-op when detectors exist.
func (e *Engine) Bootstrap(rows []state.DetectorState) error {
	if e.arena.Len() > 0 {
		return nil
	}
	if err := e.store.UpsertDetectors(rows); err != nil {
		return fmt.Errorf("seed detectors: %w", err)
	}
	for _, d := range rows {
		e.arena.Put(d)
	}
	e.logger.Info("population seeded", slog.Int("detectors", len(rows)))
	return nil
}

// #endregion
