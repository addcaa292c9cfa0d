package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mangoml/trackoor/pkg/artifacts"
	"github.com/mangoml/trackoor/pkg/runstore"
)

var (
	crashRunID        string
	crashErrorLog     string
	crashReportFile   string
	crashAnalysis     string
	crashConversation string
)

var crashCmd = &cobra.Command{
	Use:   "crash",
	Short: "Record a crashed run",
	Long: `Upload a run's crash artifacts (error log, crash report, analysis,
agent conversation) to object storage, attach the resulting keys to the
run, and mark it as not running.`,
	RunE: runCrash,
}

func init() {
	rootCmd.AddCommand(crashCmd)
	crashCmd.Flags().StringVar(&crashRunID, "run-id", "",
		"Identifier of the crashed run")
	crashCmd.Flags().StringVar(&crashErrorLog, "error-log", "",
		"Path to the error log")
	crashCmd.Flags().StringVar(&crashReportFile, "report", "",
		"Path to the crash report markdown")
	crashCmd.Flags().StringVar(&crashAnalysis, "analysis", "",
		"Path to the crash analysis markdown")
	crashCmd.Flags().StringVar(&crashConversation, "conversation", "",
		"Path to the agent conversation transcript")

	_ = crashCmd.MarkFlagRequired("run-id")
}

func runCrash(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, st, err := openStore(ctx)
	if err != nil {
		return err
	}

	defer stopStore(st)

	if !cfg.Artifacts.Enabled {
		return fmt.Errorf("artifacts section must be enabled in config")
	}

	if crashErrorLog == "" && crashReportFile == "" &&
		crashAnalysis == "" && crashConversation == "" {
		return fmt.Errorf("at least one artifact file is required")
	}

	// Load the run first so a typo in the id fails before any upload.
	run, err := st.GetRun(ctx, crashRunID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	errorLog, err := readOptional(crashErrorLog)
	if err != nil {
		return err
	}

	report, err := readOptional(crashReportFile)
	if err != nil {
		return err
	}

	analysis, err := readOptional(crashAnalysis)
	if err != nil {
		return err
	}

	conversation, err := readOptional(crashConversation)
	if err != nil {
		return err
	}

	store := artifacts.NewS3Store(log, &cfg.Artifacts)

	if err := store.Preflight(ctx); err != nil {
		return fmt.Errorf("checking artifact storage: %w", err)
	}

	if errorLog != nil || report != nil || analysis != nil {
		keys, err := store.PutCrashReport(
			ctx, crashRunID, errorLog, report, analysis,
		)
		if err != nil {
			return fmt.Errorf("uploading crash artifacts: %w", err)
		}

		if err := st.AttachCrashReport(
			ctx, crashRunID, keys.ErrorLog, keys.Report, keys.Analysis,
		); err != nil {
			return fmt.Errorf("attaching crash artifacts: %w", err)
		}
	}

	if conversation != nil {
		key, err := store.PutConversation(ctx, crashRunID, conversation)
		if err != nil {
			return fmt.Errorf("uploading conversation: %w", err)
		}

		if err := st.AttachConversation(ctx, crashRunID, key); err != nil {
			return fmt.Errorf("attaching conversation: %w", err)
		}
	}

	// A crash is a terminal observation. The end time is only set when
	// nothing recorded one earlier.
	update := &runstore.RunUpdate{}
	if run.EndedAt == nil {
		endedAt := time.Now().UTC()
		update.EndedAt = &endedAt
	}

	if err := st.UpdateStatus(
		ctx, crashRunID, runstore.StatusNotRunning, update,
	); err != nil {
		return fmt.Errorf("marking run as not running: %w", err)
	}

	log.WithField("run_id", crashRunID).Info("Crash recorded")

	return nil
}

// readOptional reads path when set; an empty path yields nil bytes.
func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return data, nil
}
