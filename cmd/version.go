package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at link time with -ldflags "-X github.com/o2lab/gopor/cmd.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "gopor", version)
	},
}
