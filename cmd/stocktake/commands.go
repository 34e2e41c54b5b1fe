package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/stocktake/internal/config"
	"github.com/thebtf/stocktake/internal/pipeline"
	"github.com/thebtf/stocktake/internal/status"
)

var forceFlag bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the pipeline, resuming from the last fresh checkpoint",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().BoolVar(&forceFlag, "force", false, "Re-execute every stage, ignoring checkpoint freshness")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	if forceFlag {
		cfg.Force = true
	}

	runner, err := pipeline.NewRunner(cfg, nil, nil, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Interrupt received, stopping after in-flight work")
		cancel()
	}()

	if cfg.StatusAddr != "" {
		status.New(cfg.StatusAddr, runner.Stats).Start(ctx)
	}

	stats, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Int("items", stats.Items).
		Int("categories", stats.Categories).
		Int("edges", stats.Edges).
		Int("clusters", stats.Clusters).
		Msg("Run complete")
	fmt.Printf("Run %s complete: %d items, %d categories, %d clusters (%d noise), %d edges\n",
		stats.RunID, stats.Items, stats.Categories, stats.Clusters, stats.Noise, stats.Edges)
	fmt.Printf("Artifacts written to %s\n", cfg.OutputDir)
	return nil
}

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the configured stage chain in execution order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFlag)
		if err != nil {
			return err
		}
		runner, err := pipeline.NewRunner(cfg, nil, nil, nil)
		if err != nil {
			return err
		}
		for i, name := range runner.Stages() {
			fmt.Printf("%d. %s\n", i+1, name)
		}
		return nil
	},
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage the checkpoint store",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stages with a persisted checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		stages, err := store.List()
		if err != nil {
			return err
		}
		if len(stages) == 0 {
			fmt.Println("No checkpoints")
			return nil
		}
		for _, stage := range stages {
			cp, err := store.Load(stage)
			if err != nil {
				fmt.Printf("%-12s (unreadable: %v)\n", stage, err)
				continue
			}
			fmt.Printf("%-12s completed %s  run %s\n", stage, cp.CompletedAt.Format("2006-01-02 15:04:05"), cp.RunID)
		}
		return nil
	},
}

var checkpointsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all checkpoints, forcing the next run to start from scratch",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Clear(); err != nil {
			return err
		}
		fmt.Println("Checkpoints cleared")
		return nil
	},
}

func init() {
	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsClearCmd)
}

// openStore opens the checkpoint store from the configured directory. The
// store's writer lock doubles as protection against clearing or listing
// mid-run.
func openStore() (*pipeline.Store, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	return pipeline.OpenStore(cfg.CheckpointDir, uuid.NewString())
}
