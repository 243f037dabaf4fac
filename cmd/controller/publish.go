package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/resonance/internal/cli"
	"github.com/danielpatrickdp/resonance/internal/engine"
	"github.com/danielpatrickdp/resonance/internal/severity"
)

func newPublishCommand(ctx *commandContext) *cobra.Command {
	var triggersPath string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Score a batch of triggers against the latest detector records",
		Long: "Score a batch of triggers against the latest detector records.\n\n" +
			"The last emission per debounce key is kept in the store, so cooldowns and\n" +
			"novelty decay carry over between runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(triggersPath)
			if err != nil {
				return fmt.Errorf("read triggers: %w", err)
			}
			var batch []severity.Trigger
			if err := json.Unmarshal(raw, &batch); err != nil {
				return fmt.Errorf("decode triggers: %w", err)
			}

			// Emissions are saved for the next run's debounce, so take the writer lock.
			store, err := cli.OpenStore(cfg.Store, true)
			if err != nil {
				return err
			}
			defer store.Close()

			eng, err := engine.New(engine.Options{Config: cfg, Store: store.Store, Logger: logger})
			if err != nil {
				return err
			}
			events, err := eng.Publish(cmd.Context(), batch)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "No events passed the gate, suppression and budget.")
				return nil
			}
			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				rows = append(rows, []string{
					ev.DetectorID,
					ev.DebounceKey,
					ev.Subtype,
					strconv.Itoa(ev.Severity),
					formatFloat(ev.Raw),
					strconv.FormatBool(ev.FirstSeen),
					formatFloat(ev.DetSigma),
				})
			}
			fmt.Fprintln(out, cli.RenderTable(
				[]string{"Detector", "Key", "Subtype", "Severity", "Raw", "First seen", "Sigma"},
				rows,
				[]cli.Align{cli.AlignLeft, cli.AlignLeft, cli.AlignLeft, cli.AlignRight, cli.AlignRight, cli.AlignLeft, cli.AlignRight},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&triggersPath, "triggers", "", "JSON file holding an array of triggers")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as JSON")
	_ = cmd.MarkFlagRequired("triggers")
	return cmd
}
