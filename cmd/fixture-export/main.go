package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/resonance/internal/cli"
	"github.com/danielpatrickdp/resonance/internal/config"
	"github.com/danielpatrickdp/resonance/internal/engine"
	"github.com/danielpatrickdp/resonance/internal/evidence"
	"github.com/danielpatrickdp/resonance/internal/logging"
	"github.com/danielpatrickdp/resonance/internal/replay"
	"github.com/danielpatrickdp/resonance/internal/state"
	"github.com/danielpatrickdp/resonance/internal/synth"
)

// #region main

func main() {
	var configPath, description, outPath string
	sc := synth.DefaultConfig()
	var windows int64

	cmd := &cobra.Command{
		Use:           "fixture-export --out path/to/fixture.json",
		Short:         "Record a seeded synthetic run as a replayable fixture",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if description == "" {
				description = fmt.Sprintf("synthetic run, seed %d, gap rate %.3f", sc.Seed, sc.GapRate)
			}

			f, err := run(cmd.Context(), cfg, sc, windows)
			if err != nil {
				return err
			}
			f.Description = description
			if err := f.Save(outPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d windows, %d detectors, %d records to %s\n",
				len(f.Windows), len(f.Detectors), len(f.Fingerprints), outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config TOML to score under (defaults when empty)")
	cmd.Flags().Uint64Var(&sc.Seed, "seed", sc.Seed, "synthetic provider seed")
	cmd.Flags().Int64Var(&windows, "windows", 0, "windows to record (default two cycles)")
	cmd.Flags().Float64Var(&sc.GapRate, "gap-rate", sc.GapRate, "probability a synthetic input is missing")
	cmd.Flags().StringVar(&description, "description", "", "free-text fixture description")
	cmd.Flags().StringVar(&outPath, "out", "", "output fixture JSON path")
	_ = cmd.MarkFlagRequired("out")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region record

// run drives a live engine over a recording provider on a scratch store and
// returns every input it consumed together with the fingerprints it stored.
// Evidence is recorded from the configured service when one is set.
func run(ctx context.Context, cfg *config.Config, sc synth.Config, windows int64) (*replay.Fixture, error) {
	store, err := state.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	defer store.Close()

	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Writer: os.Stderr})
	if err != nil {
		return nil, err
	}

	gen := synth.New(sc)
	var ev evidence.Source
	source, err := cli.EvidenceSource(cfg.EvidenceSource)
	if err != nil {
		return nil, err
	}
	if source != nil {
		defer source.Close()
		ev = source
	}
	rec := replay.NewRecorder(gen, gen, ev)
	eng, err := engine.New(engine.Options{
		Config:   cfg,
		Store:    store,
		Provider: rec,
		Audits:   rec,
		Evidence: rec,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	population := gen.Population()
	if err := eng.Bootstrap(population); err != nil {
		return nil, err
	}
	if windows <= 0 {
		windows = 2 * cfg.Engine.WindowsPerCycle
	}
	if _, err := eng.RunWindows(ctx, 0, windows, gen.ClosedAt); err != nil {
		return nil, err
	}

	fps, err := store.Fingerprints()
	if err != nil {
		return nil, err
	}
	f := rec.Fixture(population, cfg.Engine.WindowsPerCycle, gen.ClosedAt)
	f.ConfigHash = eng.ConfigHash()
	f.Fingerprints = fps
	return f, nil
}

// #endregion record
