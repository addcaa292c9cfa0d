// Package reconciler converges stored run state with what the external
// tracker and the infrastructure layer currently report.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mangoml/trackoor/pkg/config"
	"github.com/mangoml/trackoor/pkg/infra"
	"github.com/mangoml/trackoor/pkg/match"
	"github.com/mangoml/trackoor/pkg/runstore"
	"github.com/mangoml/trackoor/pkg/tracker"
)

// ErrLivenessDisabled is returned by SweepHosts when the engine was
// built without an infrastructure liveness client.
var ErrLivenessDisabled = errors.New("host liveness is not configured")

// Failure records one run that could not be reconciled and why.
type Failure struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

// Summary reports the outcome counts of one reconciliation pass.
type Summary struct {
	Scanned     int       `json:"scanned"`
	Updated     int       `json:"updated"`
	NotFound    int       `json:"not_found"`
	MarkedStale int       `json:"marked_stale"`
	Errored     int       `json:"errored"`
	Failures    []Failure `json:"failures,omitempty"`
}

// SweepSummary reports the outcome counts of one host-liveness sweep.
type SweepSummary struct {
	Scanned  int       `json:"scanned"`
	Marked   int       `json:"marked"`
	Hostless int       `json:"hostless"`
	Errored  int       `json:"errored"`
	Failures []Failure `json:"failures,omitempty"`
}

// Engine is the background service that keeps the run store consistent
// with the tracker and, when configured, with host liveness.
type Engine interface {
	Start(ctx context.Context) error
	Stop() error

	// RunPass executes one reconciliation pass over every run that
	// needs sync. Only a failure of the store's selection query aborts
	// the pass; per-run failures are counted and reported.
	RunPass(ctx context.Context) (*Summary, error)

	// SweepHosts marks active runs whose infrastructure host is gone
	// as not running. Runs without a host identifier are exempt.
	SweepHosts(ctx context.Context) (*SweepSummary, error)
}

// Compile-time interface check.
var _ Engine = (*engine)(nil)

type engine struct {
	log         logrus.FieldLogger
	store       runstore.Store
	tracker     tracker.Client
	matcher     match.Matcher
	liveness    infra.Liveness
	interval    time.Duration
	staleAfter  time.Duration
	concurrency int
	limit       int
	done        chan struct{}
	wg          sync.WaitGroup
	dbMu        sync.Mutex // serializes DB writes to avoid SQLite contention
}

// NewEngine creates a reconciliation engine. The liveness client may be
// nil, which disables host sweeps.
func NewEngine(
	log logrus.FieldLogger,
	store runstore.Store,
	trackerClient tracker.Client,
	matcher match.Matcher,
	liveness infra.Liveness,
	cfg *config.ReconcilerConfig,
) Engine {
	interval := cfg.Interval
	if interval <= 0 {
		interval = config.DefaultReconcileInterval
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = config.DefaultStaleAfter
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = config.DefaultReconcileConcurrency
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = config.DefaultReconcileLimit
	}

	return &engine{
		log:         log.WithField("component", "reconciler"),
		store:       store,
		tracker:     trackerClient,
		matcher:     matcher,
		liveness:    liveness,
		interval:    interval,
		staleAfter:  staleAfter,
		concurrency: concurrency,
		limit:       limit,
		done:        make(chan struct{}),
	}
}

// Start launches a background goroutine that runs an immediate pass and
// then ticks at the configured interval. Each tick reconciles against
// the tracker and, when liveness is configured, sweeps hosts.
func (e *engine) Start(ctx context.Context) error {
	e.log.WithFields(logrus.Fields{
		"interval":    e.interval.String(),
		"stale_after": e.staleAfter.String(),
		"concurrency": e.concurrency,
		"limit":       e.limit,
		"sweep":       e.liveness != nil,
	}).Info("Starting reconciler")

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		// Run one pass immediately.
		e.tick(ctx)

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.tick(ctx)
			case <-e.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the reconciler goroutine to stop and waits for it.
func (e *engine) Stop() error {
	close(e.done)
	e.wg.Wait()

	e.log.Info("Reconciler stopped")

	return nil
}

// tick runs one scheduled cycle: a tracker pass followed by a host
// sweep when liveness is configured.
func (e *engine) tick(ctx context.Context) {
	if summary, err := e.RunPass(ctx); err != nil {
		e.log.WithError(err).Warn("Reconciliation pass failed")
	} else {
		e.log.WithFields(logrus.Fields{
			"scanned":      summary.Scanned,
			"updated":      summary.Updated,
			"not_found":    summary.NotFound,
			"marked_stale": summary.MarkedStale,
			"errored":      summary.Errored,
		}).Info("Reconciliation pass completed")
	}

	if e.liveness == nil {
		return
	}

	if summary, err := e.SweepHosts(ctx); err != nil {
		e.log.WithError(err).Warn("Host sweep failed")
	} else {
		e.log.WithFields(logrus.Fields{
			"scanned":  summary.Scanned,
			"marked":   summary.Marked,
			"hostless": summary.Hostless,
			"errored":  summary.Errored,
		}).Info("Host sweep completed")
	}
}

// RunPass reconciles every run the store reports as needing sync. Runs
// are processed by a bounded worker pool; each run has its own failure
// boundary so one bad lookup never stalls the rest.
func (e *engine) RunPass(ctx context.Context) (*Summary, error) {
	start := time.Now()

	runs, err := e.store.ListRunsNeedingSync(ctx, e.limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs needing sync: %w", err)
	}

	summary := &Summary{Scanned: len(runs)}

	e.log.WithField("runs", len(runs)).Info("Reconciliation pass started")

	if len(runs) == 0 {
		return summary, nil
	}

	// The candidate pool is fetched from the tracker at most once per
	// pass, and only if some run actually needs identity matching.
	pool := &candidatePool{client: e.tracker}

	var sumMu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, run := range runs {
		g.Go(func() error {
			// Check for cancellation before starting work.
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-e.done:
				return nil
			default:
			}

			out, err := e.syncRun(gCtx, &run, pool)

			sumMu.Lock()
			defer sumMu.Unlock()

			if err != nil {
				e.log.WithError(err).
					WithField("run_id", run.RunID).
					Warn("Failed to reconcile run")

				summary.Errored++
				summary.Failures = append(summary.Failures, Failure{
					RunID:  run.RunID,
					Reason: err.Error(),
				})

				return nil //nolint:nilerr // log and continue
			}

			switch out {
			case outcomeUpdated:
				summary.Updated++
			case outcomeNotFound:
				summary.NotFound++
			case outcomeMarkedStale:
				summary.MarkedStale++
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, fmt.Errorf("reconciling runs: %w", err)
	}

	e.log.WithField("duration", time.Since(start).Round(time.Millisecond)).
		Info("Reconciliation pass finished")

	return summary, nil
}

// outcome classifies how a single run's reconciliation ended.
type outcome int

const (
	outcomeUpdated outcome = iota
	outcomeNotFound
	outcomeMarkedStale
)

// syncRun reconciles a single run against the tracker.
func (e *engine) syncRun(
	ctx context.Context, run *runstore.Run, pool *candidatePool,
) (outcome, error) {
	log := e.log.WithField("run_id", run.RunID)

	record, err := e.lookup(ctx, run, pool)
	if err != nil {
		return outcomeNotFound, err
	}

	if record == nil {
		// The tracker has no record. Old launched runs presumably died
		// before the tracker initialized.
		if run.Status == runstore.StatusLaunched &&
			time.Since(run.CreatedAt) > e.staleAfter {
			e.dbMu.Lock()
			defer e.dbMu.Unlock()

			if err := e.store.UpdateStatus(
				ctx, run.RunID, runstore.StatusNotRunning, nil,
			); err != nil {
				return outcomeNotFound, fmt.Errorf("marking stale: %w", err)
			}

			log.WithField("age", time.Since(run.CreatedAt).Round(time.Minute)).
				Info("Marked stale launched run as not running")

			return outcomeMarkedStale, nil
		}

		log.Debug("No tracker record found")

		return outcomeNotFound, nil
	}

	steps := e.fetchHistory(ctx, run.RunID, record.ID)
	status, update := buildUpdate(run, record, steps)

	e.dbMu.Lock()
	defer e.dbMu.Unlock()

	if err := e.store.UpdateStatus(ctx, run.RunID, status, update); err != nil {
		return outcomeNotFound, fmt.Errorf("updating run: %w", err)
	}

	metrics := e.syncObjectiveMetrics(ctx, run.RunID, steps)

	log.WithFields(logrus.Fields{
		"status":            status,
		"external_state":    record.State,
		"objective_metrics": metrics,
	}).Info("Reconciled run")

	return outcomeUpdated, nil
}

// lookup resolves the tracker record for a run: by stored external id
// first, then by display name, then via identity matching over the
// candidate pool. A nil record with nil error means no record exists.
func (e *engine) lookup(
	ctx context.Context, run *runstore.Run, pool *candidatePool,
) (*tracker.Record, error) {
	if run.ExternalRunID != nil && *run.ExternalRunID != "" {
		record, err := e.tracker.GetRun(ctx, *run.ExternalRunID)
		if errors.Is(err, tracker.ErrNotFound) {
			// The stored link is dangling. Never re-match a run that
			// already has an external id.
			e.log.WithField("run_id", run.RunID).
				WithField("external_run_id", *run.ExternalRunID).
				Warn("Tracker record for stored external id is gone")

			return nil, nil
		}

		if err != nil {
			return nil, fmt.Errorf("fetching tracker run: %w", err)
		}

		return record, nil
	}

	if run.DisplayName != nil && *run.DisplayName != "" {
		records, err := e.tracker.SearchRunsByName(ctx, *run.DisplayName)
		if err != nil {
			return nil, fmt.Errorf("searching tracker by name: %w", err)
		}

		if len(records) > 0 {
			// Newest first, so the most recent run wins on name reuse.
			return &records[0], nil
		}
	}

	candidates, err := pool.get(ctx)
	if err != nil {
		return nil, err
	}

	best, err := e.matcher.Match(run.RunID, run.CreatedAt, candidates)
	if errors.Is(err, match.ErrNoMatch) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("matching run: %w", err)
	}

	// Fetch the full record so summary and state are authoritative.
	record, err := e.tracker.GetRun(ctx, best.ID)
	if errors.Is(err, tracker.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("fetching matched tracker run: %w", err)
	}

	return record, nil
}

// fetchHistory pulls the run's full metric history from the tracker.
// History is valuable for running and dead runs alike, since runs are
// often killed by hand once the curves flatten. Failures are logged and
// yield nil; reconciliation proceeds without history.
func (e *engine) fetchHistory(
	ctx context.Context, runID, externalID string,
) []tracker.Step {
	steps, err := e.tracker.GetHistory(ctx, externalID)
	if err != nil {
		e.log.WithError(err).
			WithField("run_id", runID).
			Warn("Failed to fetch tracker history, continuing without it")

		return nil
	}

	return steps
}

// buildUpdate maps a tracker record onto the run's next status and a
// sparse field update. Only fields the record actually supplies are
// set.
func buildUpdate(
	run *runstore.Run, record *tracker.Record, steps []tracker.Step,
) (string, *runstore.RunUpdate) {
	status := runstore.StatusNotRunning
	if record.State == tracker.StateRunning {
		status = runstore.StatusRunning
	}

	// Terminal runs only ever receive field enrichment.
	if run.Status == runstore.StatusNotRunning {
		status = runstore.StatusNotRunning
	}

	update := &runstore.RunUpdate{
		ExternalRunID:     &record.ID,
		LastExternalState: &record.State,
	}

	if record.URL != "" {
		update.TrackerURL = &record.URL
	}

	// The display name is adopted once, for runs linked via matching.
	if run.DisplayName == nil && record.Name != "" {
		update.DisplayName = &record.Name
	}

	if !record.CreatedAt.IsZero() {
		startedAt := record.CreatedAt
		update.StartedAt = &startedAt
	}

	if runtime, ok := asFloat(record.Summary[tracker.ReservedRuntimeKey]); ok && runtime > 0 {
		duration := int64(runtime)
		update.DurationSeconds = &duration
	}

	// The job's actual end is unknowable, so the first terminal
	// observation is the end time.
	if status == runstore.StatusNotRunning && run.EndedAt == nil {
		endedAt := time.Now().UTC()
		update.EndedAt = &endedAt
	}

	if record.State == tracker.StateFinished {
		if metrics := finalMetrics(record.Summary); metrics != "" {
			update.FinalMetricsJSON = &metrics
		}
	}

	if len(steps) > 0 {
		if history, err := pivotHistory(steps); err == nil {
			update.HistoryJSON = &history
		}
	}

	return status, update
}

// finalMetrics renders the tracker summary as JSON with reserved keys
// removed. Returns "" when nothing remains or serialization fails.
func finalMetrics(summary map[string]any) string {
	if len(summary) == 0 {
		return ""
	}

	metrics := make(map[string]any, len(summary))

	for k, v := range summary {
		if strings.HasPrefix(k, "_") {
			continue
		}

		metrics[k] = v
	}

	if len(metrics) == 0 {
		return ""
	}

	b, err := json.Marshal(metrics)
	if err != nil {
		return ""
	}

	return string(b)
}

// pivotHistory converts step-oriented history rows into one value
// sequence per metric name, all sequences aligned by step index. Steps
// missing a metric contribute a null at that index.
func pivotHistory(steps []tracker.Step) (string, error) {
	keys := make(map[string]struct{})

	for _, step := range steps {
		for k := range step {
			keys[k] = struct{}{}
		}
	}

	series := make(map[string][]any, len(keys))

	for key := range keys {
		values := make([]any, len(steps))

		for i, step := range steps {
			if v, ok := step[key]; ok {
				values[i] = v
			}
		}

		series[key] = values
	}

	b, err := json.Marshal(series)
	if err != nil {
		return "", fmt.Errorf("serializing history: %w", err)
	}

	return string(b), nil
}

// metricKinds are the per-objective metric columns a tracker history
// key may address.
var metricKinds = []runstore.MetricKind{
	runstore.MetricRawMean,
	runstore.MetricNormalizedMean,
	runstore.MetricRawStd,
	runstore.MetricNormalizedStd,
}

// objectiveKeyPrefix marks tracker history keys that carry objective
// scores, in the form objectives/{name}_{direction}/{kind}.
const objectiveKeyPrefix = "objectives/"

// syncObjectiveMetrics extracts per-objective scores from the last
// history step and writes them to the objective store. The caller must
// hold dbMu. Returns how many metrics were written.
func (e *engine) syncObjectiveMetrics(
	ctx context.Context, runID string, steps []tracker.Step,
) int {
	if len(steps) == 0 {
		return 0
	}

	final := steps[len(steps)-1]
	count := 0

	for key, value := range final {
		name, kind, ok := parseObjectiveKey(key)
		if !ok {
			continue
		}

		score, ok := asFloat(value)
		if !ok || math.IsNaN(score) {
			continue
		}

		err := e.store.UpdateObjectiveMetric(ctx, runID, name, kind, score)
		if errors.Is(err, runstore.ErrObjectiveNotFound) {
			// The run was registered without this objective.
			e.log.WithFields(logrus.Fields{
				"run_id":    runID,
				"objective": name,
			}).Debug("Tracker reports a metric for an unregistered objective")

			continue
		}

		if err != nil {
			e.log.WithError(err).
				WithField("run_id", runID).
				WithField("objective", name).
				Warn("Failed to update objective metric")

			continue
		}

		count++
	}

	return count
}

// parseObjectiveKey splits a history key of the form
// objectives/{name}_{direction}/{kind} into the canonical objective
// name and metric kind.
func parseObjectiveKey(key string) (string, runstore.MetricKind, bool) {
	if !strings.HasPrefix(key, objectiveKeyPrefix) {
		return "", "", false
	}

	rest := strings.TrimPrefix(key, objectiveKeyPrefix)

	idx := strings.LastIndex(rest, "/")
	if idx <= 0 {
		return "", "", false
	}

	name := rest[:idx]
	name = strings.TrimSuffix(name, "_maximize")
	name = strings.TrimSuffix(name, "_minimize")

	suffix := runstore.MetricKind(rest[idx+1:])

	for _, kind := range metricKinds {
		if suffix == kind {
			return name, kind, true
		}
	}

	return "", "", false
}

// asFloat coerces a decoded history or summary value to float64.
func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()

		return f, err == nil
	default:
		return 0, false
	}
}

// candidatePool lazily fetches the tracker's run list for identity
// matching, at most once per reconciliation pass.
type candidatePool struct {
	client     tracker.Client
	once       sync.Once
	candidates []match.Candidate
	err        error
}

func (p *candidatePool) get(ctx context.Context) ([]match.Candidate, error) {
	p.once.Do(func() {
		records, err := p.client.ListRuns(ctx)
		if err != nil {
			p.err = fmt.Errorf("listing tracker runs: %w", err)

			return
		}

		p.candidates = make([]match.Candidate, 0, len(records))

		for _, r := range records {
			p.candidates = append(p.candidates, match.Candidate{
				ID:        r.ID,
				Name:      r.Name,
				CreatedAt: r.CreatedAt,
			})
		}
	})

	return p.candidates, p.err
}
