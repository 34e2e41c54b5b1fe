// Package main is the stocktake CLI: a resumable analysis pipeline over an
// inventory catalog.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	configFlag string
	debugFlag  bool
)

var rootCmd = &cobra.Command{
	Use:     "stocktake",
	Short:   "Inventory catalog analysis pipeline",
	Version: Version,
	Long: `stocktake ingests a raw inventory catalog and runs it through a
checkpointed analysis pipeline: cleaning, description enrichment, category
classification, pairwise similarity scoring and cluster grouping. A halted
run resumes from its last completed stage.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if debugFlag {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "stocktake.yaml", "Pipeline configuration file")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(runCmd, stagesCmd, checkpointsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
