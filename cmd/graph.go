package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/o2lab/gopor/analyzer"
)

var graphCmd = &cobra.Command{
	Use:   "graph PACKAGES|FILES",
	Short: "Build the dependence graph and print its dependent pairs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		reports, err := analyzer.NewAnalyzerConfig(args, cfg).Run(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, r := range reports {
			fmt.Fprintf(out, "%s: %s\n", r.Package, r.Graph)
			for _, p := range r.Graph.Pairs() {
				fmt.Fprintf(out, "  %s %s\n    ~ %s %s\n    %s\n",
					r.CFA.Position(p.A.Edge), p.A.Edge, r.CFA.Position(p.B.Edge), p.B.Edge, p.Constraint)
			}
			for _, e := range r.Graph.Unmatched() {
				fmt.Fprintf(out, "  unmatched block at %s\n", r.CFA.Position(e))
			}
		}
		return nil
	},
}
