package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mangoml/trackoor/pkg/config"
	"github.com/mangoml/trackoor/pkg/infra"
	"github.com/mangoml/trackoor/pkg/match"
	"github.com/mangoml/trackoor/pkg/reconciler"
	"github.com/mangoml/trackoor/pkg/runstore"
	"github.com/mangoml/trackoor/pkg/tracker"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass against the tracker",
	Long: `Reconcile every launched and running run against the external
tracker once and print what changed.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, st, err := openStore(ctx)
	if err != nil {
		return err
	}

	defer stopStore(st)

	if !cfg.HasTracker() {
		return fmt.Errorf("tracker section is required in config")
	}

	engine := buildEngine(cfg, st)

	summary, err := engine.RunPass(ctx)
	if err != nil {
		return fmt.Errorf("running reconciliation pass: %w", err)
	}

	fmt.Printf("Scanned:      %d\n", summary.Scanned)
	fmt.Printf("Updated:      %d\n", summary.Updated)
	fmt.Printf("Not found:    %d\n", summary.NotFound)
	fmt.Printf("Marked stale: %d\n", summary.MarkedStale)
	fmt.Printf("Errored:      %d\n", summary.Errored)

	for _, f := range summary.Failures {
		fmt.Printf("  - %s: %s\n", f.RunID, f.Reason)
	}

	return nil
}

// buildEngine assembles the reconciliation engine from config. The
// tracker client is nil when no tracker is configured and the liveness
// probe is nil when infra is disabled; callers must only invoke the
// operations their configuration supports.
func buildEngine(cfg *config.Config, st runstore.Store) reconciler.Engine {
	var trackerClient tracker.Client
	if cfg.HasTracker() {
		trackerClient = tracker.NewHTTPClient(log, &cfg.Tracker)
	}

	window := cfg.Reconciler.MatchWindow
	if window <= 0 {
		window = config.DefaultMatchWindow
	}

	var liveness infra.Liveness
	if cfg.Infra.Enabled {
		liveness = infra.NewEC2Liveness(log, &cfg.Infra)
	}

	return reconciler.NewEngine(
		log, st, trackerClient,
		match.NewPrefixTimeMatcher(window), liveness, &cfg.Reconciler,
	)
}
