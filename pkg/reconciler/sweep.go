package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mangoml/trackoor/pkg/runstore"
)

// SweepHosts checks the infrastructure host of every launched or
// running run and marks runs on dead hosts as not running. This catches
// crashes that happen before the tracker ever initializes, so it is
// independent of the tracker lookup path. Runs without a host
// identifier are exempt.
func (e *engine) SweepHosts(ctx context.Context) (*SweepSummary, error) {
	if e.liveness == nil {
		return nil, ErrLivenessDisabled
	}

	runs, err := e.store.ListActiveRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active runs: %w", err)
	}

	summary := &SweepSummary{Scanned: len(runs)}

	e.log.WithField("runs", len(runs)).Info("Host sweep started")

	for _, run := range runs {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		case <-e.done:
			return summary, nil
		default:
		}

		if run.InfraHostID == nil || *run.InfraHostID == "" {
			summary.Hostless++

			continue
		}

		log := e.log.WithFields(logrus.Fields{
			"run_id": run.RunID,
			"host":   *run.InfraHostID,
		})

		state, err := e.liveness.DescribeHost(ctx, *run.InfraHostID)
		if err != nil {
			log.WithError(err).Warn("Failed to check host liveness")

			summary.Errored++
			summary.Failures = append(summary.Failures, Failure{
				RunID:  run.RunID,
				Reason: err.Error(),
			})

			continue
		}

		if !state.Dead() {
			log.WithField("state", string(state)).
				Debug("Host is alive")

			continue
		}

		hostState := string(state)
		endedAt := time.Now().UTC()
		update := &runstore.RunUpdate{
			EndedAt:           &endedAt,
			LastExternalState: &hostState,
		}

		e.dbMu.Lock()
		err = e.store.UpdateStatus(
			ctx, run.RunID, runstore.StatusNotRunning, update,
		)
		e.dbMu.Unlock()

		if err != nil {
			log.WithError(err).Warn("Failed to mark run as not running")

			summary.Errored++
			summary.Failures = append(summary.Failures, Failure{
				RunID:  run.RunID,
				Reason: err.Error(),
			})

			continue
		}

		log.WithField("state", hostState).
			Info("Marked run on dead host as not running")

		summary.Marked++
	}

	return summary, nil
}
