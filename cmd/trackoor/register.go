package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mangoml/trackoor/pkg/runconfig"
	"github.com/mangoml/trackoor/pkg/runstore"
)

var (
	registerRunID       string
	registerConfigPath  string
	registerDisplayName string
	registerHost        string
	registerInfraHostID string
	registerLaunchToken string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a freshly launched training run",
	Long: `Register a training run the moment it is launched, before the
external tracker knows anything about it. The launch config is snapshotted
into the run row and one objective row is created per declared objective.`,
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.Flags().StringVar(&registerRunID, "run-id", "",
		"Unique identifier of the run")
	registerCmd.Flags().StringVar(&registerConfigPath, "run-config", "",
		"Path to the launch config YAML")
	registerCmd.Flags().StringVar(&registerDisplayName, "display-name", "",
		"Display name the run was launched under")
	registerCmd.Flags().StringVar(&registerHost, "host", "",
		"Hostname the run executes on")
	registerCmd.Flags().StringVar(&registerInfraHostID, "infra-host-id", "",
		"Cloud instance id hosting the run")
	registerCmd.Flags().StringVar(&registerLaunchToken, "launch-token", "",
		"Correlation token minted at launch")

	_ = registerCmd.MarkFlagRequired("run-id")
	_ = registerCmd.MarkFlagRequired("run-config")
}

func runRegister(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	doc, err := runconfig.Load(registerConfigPath)
	if err != nil {
		return err
	}

	snapshot, err := doc.Snapshot()
	if err != nil {
		return err
	}

	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}

	defer stopStore(st)

	run := &runstore.Run{
		RunID:          registerRunID,
		DisplayName:    optStr(registerDisplayName),
		Host:           optStr(registerHost),
		InfraHostID:    optStr(registerInfraHostID),
		LaunchToken:    optStr(registerLaunchToken),
		ConfigPath:     optStr(registerConfigPath),
		ConfigJSON:     snapshot,
		GradientMethod: optStr(doc.Reward.GradientMethod),
		BatchSize:      doc.Training.BatchSize,
		LearningRate:   doc.Training.LearningRate,
		Beta:           doc.Reward.Beta,
		NumProcesses:   doc.Training.NumProcesses,
		MaxSteps:       doc.Training.MaxSteps,
	}

	if n := doc.NumObjectives(); n > 0 {
		run.NumObjectives = &n
	}

	if err := st.InsertRun(ctx, run); err != nil {
		return fmt.Errorf("registering run: %w", err)
	}

	for _, spec := range doc.Objectives {
		obj := &runstore.Objective{
			RunID:          registerRunID,
			ObjectiveName:  spec.Name,
			ObjectiveAlias: spec.Alias,
			UniProt:        optStr(spec.UniProt),
			Weight:         spec.Weight,
			Direction:      spec.Direction,
		}

		if err := st.InsertObjective(ctx, obj); err != nil {
			return fmt.Errorf("registering objective %s: %w", spec.Name, err)
		}
	}

	log.WithFields(logrus.Fields{
		"run_id":     registerRunID,
		"objectives": doc.NumObjectives(),
	}).Info("Run registered")

	return nil
}

// optStr returns nil for an empty string so unset flags stay NULL.
func optStr(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
