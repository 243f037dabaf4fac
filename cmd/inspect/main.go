package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/resonance/internal/cli"
	"github.com/danielpatrickdp/resonance/internal/config"
	"github.com/danielpatrickdp/resonance/internal/lineage"
	"github.com/danielpatrickdp/resonance/internal/state"
)

// #region main

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// #endregion main

// #region root

type inspectContext struct {
	configPath string
	dbPath     string
	jsonOut    bool
}

// open returns a reader on the store. --db selects a sqlite file directly.
func (c *inspectContext) open() (*cli.Store, error) {
	if c.dbPath != "" {
		return cli.OpenStore(config.Store{Driver: "sqlite", DSN: c.dbPath}, false)
	}
	cfg, err := config.Load(strings.TrimSpace(c.configPath))
	if err != nil {
		return nil, err
	}
	return cli.OpenStore(cfg.Store, false)
}

func (c *inspectContext) withStore(out io.Writer, fn func(*state.Store) (any, func() string, error)) error {
	store, err := c.open()
	if err != nil {
		return err
	}
	defer store.Close()

	data, render, err := fn(store.Store)
	if err != nil {
		return err
	}
	if c.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	fmt.Fprintln(out, render())
	return nil
}

func newRootCommand() *cobra.Command {
	ctx := &inspectContext{}
	root := &cobra.Command{
		Use:           "inspect",
		Short:         "Read detectors, records and cycle output from the record store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "Configuration file path (TOML)")
	root.PersistentFlags().StringVar(&ctx.dbPath, "db", "", "sqlite store path (overrides the configured store)")
	root.PersistentFlags().BoolVar(&ctx.jsonOut, "json", false, "output as JSON instead of table")

	root.AddCommand(newDetectorsCommand(ctx))
	root.AddCommand(newRecordsCommand(ctx))
	root.AddCommand(newEventsCommand(ctx))
	root.AddCommand(newJobsCommand(ctx))
	root.AddCommand(newSnapshotCommand(ctx))
	root.AddCommand(newLineageCommand(ctx))
	return root
}

// #endregion root

// #region detectors

func newDetectorsCommand(ctx *inspectContext) *cobra.Command {
	var lifecycle string
	cmd := &cobra.Command{
		Use:   "detectors",
		Short: "List the population with its recursive state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.OutOrStdout(), func(s *state.Store) (any, func() string, error) {
				all, err := s.Detectors()
				if err != nil {
					return nil, nil, err
				}
				rows := all[:0:0]
				for _, d := range all {
					if lifecycle == "" || string(d.Lifecycle) == lifecycle {
						rows = append(rows, d)
					}
				}
				return rows, func() string { return detectorTable(rows) }, nil
			})
		},
	}
	cmd.Flags().StringVar(&lifecycle, "state", "", "filter by lifecycle state")
	return cmd
}

func detectorTable(rows []state.DetectorState) string {
	out := make([][]string, 0, len(rows))
	for _, d := range rows {
		out = append(out, []string{
			d.ID,
			string(d.Lifecycle),
			d.ParentID,
			d.Hyperparams.Class,
			f4(d.Recursive.Phi),
			f4(d.Recursive.Theta),
			f4(d.Recursive.Rho),
			strconv.FormatInt(d.SamplesCount, 10),
			strconv.FormatInt(d.EnteredCycle, 10),
		})
	}
	return cli.RenderTable(
		[]string{"Detector", "State", "Parent", "Class", "Phi", "Theta", "Rho", "Samples", "Since cycle"},
		out,
		[]cli.Align{cli.AlignLeft, cli.AlignLeft, cli.AlignLeft, cli.AlignLeft, cli.AlignRight, cli.AlignRight, cli.AlignRight, cli.AlignRight, cli.AlignRight},
	)
}

// #endregion detectors

// #region records

func newRecordsCommand(ctx *inspectContext) *cobra.Command {
	var detectorID string
	var cycleID int64
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List score records for a detector or a cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if detectorID == "" && cycleID < 0 {
				return errors.New("pass --detector or --cycle")
			}
			return ctx.withStore(cmd.OutOrStdout(), func(s *state.Store) (any, func() string, error) {
				var recs []state.ScoreRecord
				var err error
				if detectorID != "" {
					recs, err = s.Records(detectorID)
				} else {
					recs, err = s.RecordsForCycle(cycleID)
				}
				if err != nil {
					return nil, nil, err
				}
				if detectorID != "" && cycleID >= 0 {
					kept := recs[:0]
					for _, r := range recs {
						if r.CycleID == cycleID {
							kept = append(kept, r)
						}
					}
					recs = kept
				}
				return recs, func() string { return recordTable(recs) }, nil
			})
		},
	}
	cmd.Flags().StringVar(&detectorID, "detector", "", "detector id")
	cmd.Flags().Int64Var(&cycleID, "cycle", -1, "cycle id")
	return cmd
}

func recordTable(recs []state.ScoreRecord) string {
	out := make([][]string, 0, len(recs))
	for _, r := range recs {
		gate := "eligible"
		switch {
		case r.DetAbstain:
			gate = "abstain"
		case !r.DetEligible:
			gate = "blocked"
		}
		if len(r.DetReasons) > 0 {
			gate += " (" + strings.Join(r.DetReasons, ",") + ")"
		}
		out = append(out, []string{
			r.DetectorID,
			strconv.FormatInt(r.WindowID, 10),
			strconv.FormatInt(r.CycleID, 10),
			string(r.DQStatus),
			f4(r.SQScore),
			f4(r.KRRhoNext),
			f4(r.DetSigma),
			f4(r.DetKairos),
			gate,
		})
	}
	return cli.RenderTable(
		[]string{"Detector", "Window", "Cycle", "DQ", "SQ", "Rho next", "Sigma", "Kairos", "Gate"},
		out,
		[]cli.Align{cli.AlignLeft, cli.AlignRight, cli.AlignRight, cli.AlignLeft, cli.AlignRight, cli.AlignRight, cli.AlignRight, cli.AlignRight, cli.AlignLeft},
	)
}

// #endregion records

// #region events-jobs

func newEventsCommand(ctx *inspectContext) *cobra.Command {
	var detectorID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List lifecycle transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.OutOrStdout(), func(s *state.Store) (any, func() string, error) {
				events, err := s.Events(detectorID)
				if err != nil {
					return nil, nil, err
				}
				return events, func() string { return eventTable(events) }, nil
			})
		},
	}
	cmd.Flags().StringVar(&detectorID, "detector", "", "filter by detector id")
	return cmd
}

func eventTable(events []state.LifecycleEvent) string {
	out := make([][]string, 0, len(events))
	for _, ev := range events {
		out = append(out, []string{
			strconv.FormatInt(ev.CycleID, 10),
			ev.DetectorID,
			string(ev.OldState) + " -> " + string(ev.NewState),
			ev.Reason,
		})
	}
	return cli.RenderTable([]string{"Cycle", "Detector", "Transition", "Reason"}, out,
		[]cli.Align{cli.AlignRight, cli.AlignLeft, cli.AlignLeft, cli.AlignLeft})
}

func newJobsCommand(ctx *inspectContext) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List mutation jobs and their children",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.OutOrStdout(), func(s *state.Store) (any, func() string, error) {
				jobs, err := s.Jobs()
				if err != nil {
					return nil, nil, err
				}
				return jobs, func() string { return jobTable(jobs) }, nil
			})
		},
	}
}

func jobTable(jobs []state.MutationJob) string {
	out := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		parents := j.ParentID
		if j.SecondParentID != "" {
			parents += " + " + j.SecondParentID
		}
		out = append(out, []string{
			strconv.FormatInt(j.CycleID, 10),
			j.ID,
			string(j.Recipe),
			parents,
			strings.Join(j.ChildrenIDs, ", "),
		})
	}
	return cli.RenderTable([]string{"Cycle", "Job", "Recipe", "Parents", "Children"}, out,
		[]cli.Align{cli.AlignRight, cli.AlignLeft, cli.AlignLeft, cli.AlignLeft, cli.AlignLeft})
}

// #endregion events-jobs

// #region snapshot

func newSnapshotCommand(ctx *inspectContext) *cobra.Command {
	var cycleID int64
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show a cycle's cohort leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.OutOrStdout(), func(s *state.Store) (any, func() string, error) {
				snap, ok, err := s.Snapshot(cycleID)
				if err != nil {
					return nil, nil, err
				}
				if !ok {
					return nil, nil, errors.New("no snapshot stored for that cycle")
				}
				return snap, func() string { return snapshotText(snap) }, nil
			})
		},
	}
	cmd.Flags().Int64Var(&cycleID, "cycle", -1, "cycle id (latest when negative)")
	return cmd
}

func snapshotText(snap state.CohortSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cycle %d  taken %s  config %s\n", snap.CycleID, snap.TakenAt.Format("2006-01-02T15:04:05Z"), shortHash(snap.ConfigHash))

	rank := func(title string, entries []state.RankEntry) {
		rows := make([][]string, 0, len(entries))
		for i, e := range entries {
			rows = append(rows, []string{strconv.Itoa(i + 1), e.DetectorID, f4(e.DetSigma)})
		}
		b.WriteString("\n" + title + "\n")
		b.WriteString(cli.RenderTable([]string{"#", "Detector", "Sigma"}, rows, []cli.Align{cli.AlignRight, cli.AlignLeft, cli.AlignRight}))
		b.WriteString("\n")
	}
	rank("Top", snap.Top)
	rank("Bottom", snap.Bottom)

	fmt.Fprintf(&b, "\nPromotions: %d  Retirements: %d", len(snap.Promotions), len(snap.Retirements))
	return b.String()
}

// #endregion snapshot

// #region lineage

type lineageOutput struct {
	DetectorID  string   `json:"detector_id"`
	Ancestors   []string `json:"ancestors"`
	Descendants []string `json:"descendants"`
	Depths      []int    `json:"depths"`
}

func newLineageCommand(ctx *inspectContext) *cobra.Command {
	var depth, limit int
	cmd := &cobra.Command{
		Use:   "lineage <detector-id>",
		Short: "Show a detector's ancestors and mutation descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return ctx.withStore(cmd.OutOrStdout(), func(s *state.Store) (any, func() string, error) {
				detectors, err := s.Detectors()
				if err != nil {
					return nil, nil, err
				}
				jobs, err := s.Jobs()
				if err != nil {
					return nil, nil, err
				}
				g := lineage.Build(detectors, jobs)
				walk := g.Walk(id, depth, limit)
				out := lineageOutput{
					DetectorID:  id,
					Ancestors:   g.Ancestors(id),
					Descendants: walk.IDs[1:],
					Depths:      walk.Depths[1:],
				}
				return out, func() string { return lineageText(g, out) }, nil
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 5, "max generations below the detector")
	cmd.Flags().IntVar(&limit, "limit", 64, "max detectors listed")
	return cmd
}

func lineageText(g *lineage.Graph, out lineageOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ancestry: %s\n", strings.Join(append([]string{out.DetectorID}, out.Ancestors...), " <- "))
	rows := make([][]string, 0, len(out.Descendants))
	for i, id := range out.Descendants {
		var recipe, parents []string
		for _, e := range g.Parents(id) {
			parents = append(parents, e.ParentID)
			recipe = append(recipe, string(e.Recipe))
		}
		rows = append(rows, []string{strconv.Itoa(out.Depths[i]), id, strings.Join(parents, " + "), strings.Join(slices.Compact(recipe), ",")})
	}
	b.WriteString(cli.RenderTable([]string{"Gen", "Detector", "Parents", "Recipe"}, rows,
		[]cli.Align{cli.AlignRight, cli.AlignLeft, cli.AlignLeft, cli.AlignLeft}))
	return b.String()
}

// #endregion lineage

// #region helpers

func f4(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// #endregion helpers
