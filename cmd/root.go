// Package cmd implements the gopor command line.
package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/o2lab/gopor/config"
)

var (
	configPath  string
	debug       bool
	conditional bool
	sound       bool
	strategy    string
	workers     int
)

var rootCmd = &cobra.Command{
	Use:   "gopor",
	Short: "Dependence graphs and partial-order reduced model checking for Go programs",
	Long: `gopor builds the conditional dependence graph of a Go program and explores
its goroutine interleavings with partial-order reduction.

Examples:
  gopor graph ./prog
  gopor explore prog.go --strategy sleep
  gopor explore ./prog --full`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05",
		})
		if debug {
			log.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.BoolVar(&debug, "debug", false, "Prints debug messages.")
	flags.BoolVar(&conditional, "conditional", true, "Compute guarded dependence instead of unconditional conflicts")
	flags.BoolVar(&sound, "sound", false, "Refuse to reduce with an incomplete dependence graph")
	flags.StringVar(&strategy, "strategy", "", "Reduction strategy: static, scoped, swap, sleep or symbolic")
	flags.IntVar(&workers, "workers", 0, "Goroutines computing dependence rows")

	rootCmd.AddCommand(graphCmd, exploreCmd, versionCmd)
}

// loadConfig reads the configuration and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("conditional") {
		cfg.Conditional = conditional
	}
	if flags.Changed("sound") {
		cfg.Sound = sound
	}
	if flags.Changed("strategy") {
		cfg.Strategy = strategy
	}
	if flags.Changed("workers") {
		cfg.Workers = workers
	}
	return cfg, cfg.Validate()
}

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}
