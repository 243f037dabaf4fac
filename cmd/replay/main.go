package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/resonance/internal/cli"
	"github.com/danielpatrickdp/resonance/internal/config"
	"github.com/danielpatrickdp/resonance/internal/logging"
	"github.com/danielpatrickdp/resonance/internal/replay"
	"github.com/danielpatrickdp/resonance/internal/state"
)

// #region main

// Exit codes: 0 every record reproduces, 1 divergence or replay failure,
// 2 bad input.
func main() {
	code := 0
	var fixturePath, configPath, dbPath string
	var maxRows int
	cmd := &cobra.Command{
		Use:           "replay --fixture path/to/fixture.json",
		Short:         "Recompute a recorded run and compare record fingerprints",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code = run(fixturePath, configPath, dbPath, maxRows)
			return nil
		},
	}
	cmd.Flags().StringVar(&fixturePath, "fixture", "", "path to fixture JSON")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config TOML the records were scored under (defaults when empty)")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite record store to compare against (defaults to the fixture's fingerprints)")
	cmd.Flags().IntVar(&maxRows, "max", 20, "mismatched records to list")
	_ = cmd.MarkFlagRequired("fixture")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(code)
}

// #endregion main

// #region run

func run(fixturePath, configPath, dbPath string, maxRows int) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}
	f, err := replay.LoadFixture(fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Writer: os.Stderr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 2
	}

	stored, source, err := storedFingerprints(f, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stored fingerprints: %v\n", err)
		return 2
	}

	res, err := replay.Run(context.Background(), f, *cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 1
	}

	printSummary(replay.Summarize(res), res.ConfigHash, source)

	var mm *replay.MismatchError
	cmpErr := replay.Compare(stored, res.Fingerprints)
	if errors.As(cmpErr, &mm) {
		printMismatch(mm, maxRows)
		return 1
	}
	if cmpErr != nil {
		fmt.Fprintf(os.Stderr, "compare: %v\n", cmpErr)
		return 1
	}
	fmt.Printf("\nAll %d records reproduce bit-exactly.\n", len(stored))
	return 0
}

// storedFingerprints reads the reference fingerprints, from a store when one
// is given and from the fixture otherwise.
func storedFingerprints(f *replay.Fixture, dbPath string) (map[string]string, string, error) {
	if dbPath == "" {
		if len(f.Fingerprints) == 0 {
			return nil, "", errors.New("fixture carries no fingerprints; pass --db")
		}
		return f.Fingerprints, "fixture", nil
	}
	store, err := state.Open("sqlite", dbPath)
	if err != nil {
		return nil, "", err
	}
	defer store.Close()
	all, err := store.Fingerprints()
	if err != nil {
		return nil, "", err
	}
	return replay.FilterWindows(all, f.WindowIDs()), dbPath, nil
}

// #endregion run

// #region output

func printSummary(s replay.Summary, hash, source string) {
	rows := [][]string{
		{"Windows", strconv.Itoa(s.Windows)},
		{"Records", strconv.Itoa(s.Records)},
		{"ok", strconv.Itoa(s.OK)},
		{"partial", strconv.Itoa(s.Partial)},
		{"stale", strconv.Itoa(s.Stale)},
		{"Abstained", strconv.Itoa(s.Abstain)},
		{"Eligible", strconv.Itoa(s.Eligible)},
		{"Lifecycle events", strconv.Itoa(s.Events)},
		{"Mutation jobs", strconv.Itoa(s.Jobs)},
	}
	fmt.Printf("Config hash: %s\nReference: %s\n", hash, source)
	fmt.Println(cli.RenderTable([]string{"Replay", "Count"}, rows, []cli.Align{cli.AlignLeft, cli.AlignRight}))
}

func printMismatch(mm *replay.MismatchError, maxRows int) {
	var rows [][]string
	add := func(kind string, keys []string) {
		for _, k := range keys {
			if len(rows) >= maxRows {
				return
			}
			rows = append(rows, []string{k, kind})
		}
	}
	add("DIFF", mm.Different)
	add("MISSING", mm.Missing)
	add("EXTRA", mm.Extra)

	fmt.Println()
	fmt.Println(cli.RenderTable([]string{"Record", "Status"}, rows, []cli.Align{cli.AlignLeft, cli.AlignLeft}))
	fmt.Printf("\nSummary: %d differ, %d missing, %d extra\n", len(mm.Different), len(mm.Missing), len(mm.Extra))
}

// #endregion output
