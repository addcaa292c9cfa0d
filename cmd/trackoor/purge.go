package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	purgePattern string
	forcePurge   bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete runs whose display name matches a pattern",
	Long: `Delete runs, and their objective rows, whose display name matches
the given SQL LIKE pattern, e.g. "smoke-test-%". Deletion is permanent.`,
	RunE: runPurge,
}

func init() {
	rootCmd.AddCommand(purgeCmd)
	purgeCmd.Flags().StringVar(&purgePattern, "pattern", "",
		"SQL LIKE pattern matched against display names")
	purgeCmd.Flags().BoolVarP(&forcePurge, "force", "f", false,
		"Skip confirmation prompt")

	_ = purgeCmd.MarkFlagRequired("pattern")
}

func runPurge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}

	defer stopStore(st)

	// Prompt for confirmation if not forced.
	if !forcePurge {
		fmt.Printf(
			"Delete all runs whose display name matches %q? [y/N] ",
			purgePattern,
		)

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Purge cancelled")

			return nil
		}
	}

	deleted, err := st.DeleteRunsMatching(ctx, purgePattern)
	if err != nil {
		return fmt.Errorf("deleting runs: %w", err)
	}

	log.WithField("deleted", deleted).Info("Purge completed")

	return nil
}
