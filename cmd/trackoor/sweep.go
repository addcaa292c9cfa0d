package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark runs on dead hosts as not running",
	Long: `Check the infrastructure host of every launched and running run
once and mark runs whose host is terminated. This catches crashes that
happen before the tracker ever initializes.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, st, err := openStore(ctx)
	if err != nil {
		return err
	}

	defer stopStore(st)

	if !cfg.Infra.Enabled {
		return fmt.Errorf("infra section must be enabled in config")
	}

	engine := buildEngine(cfg, st)

	summary, err := engine.SweepHosts(ctx)
	if err != nil {
		return fmt.Errorf("sweeping hosts: %w", err)
	}

	fmt.Printf("Scanned:  %d\n", summary.Scanned)
	fmt.Printf("Marked:   %d\n", summary.Marked)
	fmt.Printf("Hostless: %d\n", summary.Hostless)
	fmt.Printf("Errored:  %d\n", summary.Errored)

	for _, f := range summary.Failures {
		fmt.Printf("  - %s: %s\n", f.RunID, f.Reason)
	}

	return nil
}
