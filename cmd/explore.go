package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/o2lab/gopor/analyzer"
)

var full bool

var exploreCmd = &cobra.Command{
	Use:   "explore PACKAGES|FILES",
	Short: "Explore every terminal state of a program under partial-order reduction",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a := analyzer.NewAnalyzerConfig(args, cfg)
		a.Explore, a.Full = true, full
		reports, err := a.Run(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, r := range reports {
			res := r.Result
			fmt.Fprintf(out, "%s: strategy %s, %d states, %d kept, %d pruned\n",
				r.Package, res.Strategy, res.States, res.Kept, res.Pruned)
			for _, o := range res.Outcomes {
				fmt.Fprintf(out, "  %s\n", o)
			}
			if res.Failed > 0 {
				fmt.Fprintf(out, "  %d terminal state(s) failed an assertion\n", res.Failed)
			}
			if res.Violations > 0 {
				fmt.Fprintf(out, "  %d reduction invariant violation(s)\n", res.Violations)
			}
		}
		return nil
	},
}

func init() {
	exploreCmd.Flags().BoolVar(&full, "full", false, "Explore every interleaving without reduction")
}
