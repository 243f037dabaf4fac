package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/resonance/internal/cli"
	"github.com/danielpatrickdp/resonance/internal/engine"
	"github.com/danielpatrickdp/resonance/internal/metrics"
	"github.com/danielpatrickdp/resonance/internal/replay"
	"github.com/danielpatrickdp/resonance/internal/synth"
)

type runOptions struct {
	fixture string
	seed    uint64
	from    int64
	windows int64
	gapRate float64
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	opts := runOptions{seed: synth.DefaultConfig().Seed, gapRate: synth.DefaultConfig().GapRate}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate windows and close cycles against the configured store",
		Long: "Evaluate windows and close cycles against the configured store.\n\n" +
			"Inputs come from a recorded fixture (--fixture) or, by default, from the\n" +
			"seeded synthetic provider.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), ctx, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.fixture, "fixture", "", "Replay inputs from a recorded fixture file")
	cmd.Flags().Uint64Var(&opts.seed, "seed", opts.seed, "Synthetic provider seed")
	cmd.Flags().Int64Var(&opts.from, "from", 0, "First window id (synthetic mode)")
	cmd.Flags().Int64Var(&opts.windows, "windows", 0, "Number of windows to run (synthetic mode, default two cycles)")
	cmd.Flags().Float64Var(&opts.gapRate, "gap-rate", opts.gapRate, "Probability a synthetic input is missing")
	return cmd
}

func runEngine(parent context.Context, c *commandContext, opts runOptions, out io.Writer) error {
	runCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.logger()
	if err != nil {
		return err
	}

	store, err := cli.OpenStore(cfg.Store, true)
	if err != nil {
		return err
	}
	defer store.Close()

	collector := metrics.New()
	if cfg.Metrics.Enabled {
		if _, err := cli.ServeMetrics(runCtx, cfg.Metrics.Addr, collector, logger); err != nil {
			return err
		}
	}

	sink, err := cli.SnapshotSink(runCtx, cfg.Snapshot)
	if err != nil {
		return err
	}

	engineOpts := engine.Options{
		Config:    cfg,
		Store:     store.Store,
		Snapshots: sink,
		Metrics:   collector,
		Logger:    logger,
	}
	source, err := cli.EvidenceSource(cfg.EvidenceSource)
	if err != nil {
		return err
	}
	if source != nil {
		defer source.Close()
		engineOpts.Evidence = source
	}

	var sum engine.Summary
	if opts.fixture != "" {
		sum, err = runFixture(runCtx, engineOpts, opts.fixture, logger)
	} else {
		sum, err = runSynthetic(runCtx, engineOpts, opts)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out, renderSummary(sum))
	if sum.Last != nil && len(sum.Last.Snapshot.Top) > 0 {
		fmt.Fprintf(out, "\nCycle %d leaderboard\n", sum.Last.CycleID)
		rows := make([][]string, 0, len(sum.Last.Snapshot.Top))
		for i, e := range sum.Last.Snapshot.Top {
			rows = append(rows, []string{strconv.Itoa(i + 1), e.DetectorID, formatFloat(e.DetSigma)})
		}
		fmt.Fprintln(out, cli.RenderTable([]string{"#", "Detector", "Sigma"}, rows, []cli.Align{cli.AlignRight, cli.AlignLeft, cli.AlignRight}))
	}
	return nil
}

func runSynthetic(ctx context.Context, opts engine.Options, run runOptions) (engine.Summary, error) {
	sc := synth.DefaultConfig()
	sc.Seed = run.seed
	sc.GapRate = run.gapRate
	gen := synth.New(sc)

	opts.Provider = gen
	opts.Audits = gen
	eng, err := engine.New(opts)
	if err != nil {
		return engine.Summary{}, err
	}
	if err := eng.Bootstrap(gen.Population()); err != nil {
		return engine.Summary{}, err
	}

	windows := run.windows
	if windows <= 0 {
		windows = 2 * opts.Config.Engine.WindowsPerCycle
	}
	return eng.RunWindows(ctx, run.from, run.from+windows, gen.ClosedAt)
}

func runFixture(ctx context.Context, opts engine.Options, path string, logger *slog.Logger) (engine.Summary, error) {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return engine.Summary{}, err
	}
	if f.WindowsPerCycle != opts.Config.Engine.WindowsPerCycle {
		return engine.Summary{}, fmt.Errorf("fixture uses %d windows per cycle, config has %d",
			f.WindowsPerCycle, opts.Config.Engine.WindowsPerCycle)
	}

	provider := replay.NewProvider(f)
	opts.Provider = provider
	opts.Audits = provider
	if opts.Evidence == nil {
		opts.Evidence = provider
	}
	eng, err := engine.New(opts)
	if err != nil {
		return engine.Summary{}, err
	}
	if f.ConfigHash != "" && f.ConfigHash != eng.ConfigHash() {
		logger.Warn("fixture recorded under a different config",
			slog.String("fixture_hash", f.ConfigHash),
			slog.String("config_hash", eng.ConfigHash()))
	}
	if err := eng.Bootstrap(f.Detectors); err != nil {
		return engine.Summary{}, err
	}
	return replay.Drive(ctx, eng, f)
}

func renderSummary(sum engine.Summary) string {
	rows := [][]string{
		{"Windows", strconv.Itoa(sum.Windows)},
		{"Records", strconv.Itoa(sum.Records)},
		{"Partial", strconv.Itoa(sum.Partial)},
		{"Stale", strconv.Itoa(sum.Stale)},
		{"Cycles", strconv.Itoa(sum.Cycles)},
		{"Lifecycle events", strconv.Itoa(sum.Events)},
		{"Children spawned", strconv.Itoa(sum.Children)},
	}
	return cli.RenderTable([]string{"Run", "Count"}, rows, []cli.Align{cli.AlignLeft, cli.AlignRight})
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
