package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mangoml/trackoor/pkg/runstore"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Reconcile runs continuously",
	Long: `Run the reconciler as a long-lived process: an immediate pass,
then one pass per configured interval, with a host-liveness sweep after
each pass when infra is enabled.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.HasTracker() {
		return fmt.Errorf("tracker section is required in config")
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := runstore.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting run store: %w", err)
	}

	engine := buildEngine(cfg, st)

	if err := engine.Start(ctx); err != nil {
		stopStore(st)

		return fmt.Errorf("starting reconciler: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down watcher")
	cancel()

	if err := engine.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop reconciler")
	}

	if err := st.Stop(); err != nil {
		return fmt.Errorf("stopping run store: %w", err)
	}

	return nil
}
