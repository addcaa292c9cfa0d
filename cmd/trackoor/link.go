package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	linkRunID       string
	linkExternalID  string
	linkTrackerURL  string
	linkDisplayName string
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Bind a run to a specific tracker record",
	Long: `Replace a run's external tracker identity. This is the manual
correction path for mismatched runs; reconciliation never replaces an
established external id on its own.`,
	RunE: runLink,
}

func init() {
	rootCmd.AddCommand(linkCmd)
	linkCmd.Flags().StringVar(&linkRunID, "run-id", "",
		"Identifier of the run to relink")
	linkCmd.Flags().StringVar(&linkExternalID, "external-run-id", "",
		"Tracker run id to bind")
	linkCmd.Flags().StringVar(&linkTrackerURL, "tracker-url", "",
		"Tracker page URL of the run")
	linkCmd.Flags().StringVar(&linkDisplayName, "display-name", "",
		"Display name to adopt")

	_ = linkCmd.MarkFlagRequired("run-id")
	_ = linkCmd.MarkFlagRequired("external-run-id")
}

func runLink(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}

	defer stopStore(st)

	if err := st.OverrideExternalRunID(
		ctx, linkRunID, linkExternalID,
		optStr(linkTrackerURL), optStr(linkDisplayName),
	); err != nil {
		return fmt.Errorf("linking run: %w", err)
	}

	log.WithFields(logrus.Fields{
		"run_id":          linkRunID,
		"external_run_id": linkExternalID,
	}).Info("Run linked to tracker record")

	return nil
}
