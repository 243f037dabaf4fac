package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/resonance/internal/cli"
	"github.com/danielpatrickdp/resonance/internal/eval"
)

func newValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config and run the contraction check",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			hash, err := cfg.Hash()
			if err != nil {
				return err
			}

			adj := cfg.Evidence.Strongest()
			res := eval.NewHarness(cfg.Contraction).Run(cfg.Resonance, adj)

			rows := make([][]string, 0, len(res.Metrics)+1)
			for _, m := range res.Metrics {
				rows = append(rows, []string{m.Name, formatFloat(m.Value), passLabel(m.Pass)})
			}
			rows = append(rows, []string{"lipschitz", formatFloat(res.Lipschitz), passLabel(res.Passed)})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config hash: %s\n", hash)
			fmt.Fprintf(out, "Evidence policy: %s (boost %.4f, relief %.4f)\n", cfg.Evidence.Policy, adj.Boost, adj.Relief)
			fmt.Fprintln(out, cli.RenderTable([]string{"Metric", "Value", "Status"}, rows,
				[]cli.Align{cli.AlignLeft, cli.AlignRight, cli.AlignLeft}))

			if !res.Passed {
				return eval.NewHarness(cfg.Contraction).Check(cfg.Resonance, adj)
			}
			return nil
		},
	}
}

func passLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}
