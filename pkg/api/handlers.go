package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mangoml/trackoor/pkg/catalog"
	"github.com/mangoml/trackoor/pkg/runstore"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}

	s := formatTime(*t)

	return &s
}

// validOrder reports whether o names a supported sort order.
func validOrder(o string) bool {
	switch o {
	case "", runstore.OrderCreatedDesc, runstore.OrderCreatedAsc,
		runstore.OrderDurationDesc, runstore.OrderEndedDesc:
		return true
	}

	return false
}

// validMetric reports whether m names a supported metric kind.
func validMetric(m string) bool {
	switch runstore.MetricKind(m) {
	case "", runstore.MetricRawMean, runstore.MetricNormalizedMean,
		runstore.MetricRawStd, runstore.MetricNormalizedStd:
		return true
	}

	return false
}

// --- Response shapes ---

type runResponse struct {
	RunID              string   `json:"run_id"`
	ExternalRunID      *string  `json:"external_run_id,omitempty"`
	DisplayName        *string  `json:"display_name,omitempty"`
	TrackerURL         *string  `json:"tracker_url,omitempty"`
	Status             string   `json:"status"`
	CreatedAt          string   `json:"created_at"`
	StartedAt          *string  `json:"started_at,omitempty"`
	EndedAt            *string  `json:"ended_at,omitempty"`
	DurationSeconds    *int64   `json:"duration_seconds,omitempty"`
	Host               *string  `json:"host,omitempty"`
	InfraHostID        *string  `json:"infra_host_id,omitempty"`
	LaunchToken        *string  `json:"launch_token,omitempty"`
	ConfigPath         *string  `json:"config_path,omitempty"`
	GradientMethod     *string  `json:"gradient_method,omitempty"`
	BatchSize          *int     `json:"batch_size,omitempty"`
	LearningRate       *float64 `json:"learning_rate,omitempty"`
	Beta               *float64 `json:"beta,omitempty"`
	NumProcesses       *int     `json:"num_processes,omitempty"`
	NumObjectives      *int     `json:"num_objectives,omitempty"`
	MaxSteps           *int     `json:"max_steps,omitempty"`
	LastExternalState  *string  `json:"last_external_state,omitempty"`
	ReportURL          *string  `json:"report_url,omitempty"`
	ConversationS3Key  *string  `json:"conversation_s3_key,omitempty"`
	ErrorLogS3Key      *string  `json:"error_log_s3_key,omitempty"`
	CrashReportS3Key   *string  `json:"crash_report_s3_key,omitempty"`
	CrashAnalysisS3Key *string  `json:"crash_analysis_s3_key,omitempty"`
}

// runDetailResponse adds the JSON document columns the list view omits.
type runDetailResponse struct {
	runResponse
	Config       json.RawMessage `json:"config,omitempty"`
	FinalMetrics json.RawMessage `json:"final_metrics,omitempty"`
	History      json.RawMessage `json:"history,omitempty"`
}

func toRunResponse(r *runstore.Run) runResponse {
	return runResponse{
		RunID:              r.RunID,
		ExternalRunID:      r.ExternalRunID,
		DisplayName:        r.DisplayName,
		TrackerURL:         r.TrackerURL,
		Status:             r.Status,
		CreatedAt:          formatTime(r.CreatedAt),
		StartedAt:          formatTimePtr(r.StartedAt),
		EndedAt:            formatTimePtr(r.EndedAt),
		DurationSeconds:    r.DurationSeconds,
		Host:               r.Host,
		InfraHostID:        r.InfraHostID,
		LaunchToken:        r.LaunchToken,
		ConfigPath:         r.ConfigPath,
		GradientMethod:     r.GradientMethod,
		BatchSize:          r.BatchSize,
		LearningRate:       r.LearningRate,
		Beta:               r.Beta,
		NumProcesses:       r.NumProcesses,
		NumObjectives:      r.NumObjectives,
		MaxSteps:           r.MaxSteps,
		LastExternalState:  r.LastExternalState,
		ReportURL:          r.ReportURL,
		ConversationS3Key:  r.ConversationS3Key,
		ErrorLogS3Key:      r.ErrorLogS3Key,
		CrashReportS3Key:   r.CrashReportS3Key,
		CrashAnalysisS3Key: r.CrashAnalysisS3Key,
	}
}

func toRunDetailResponse(r *runstore.Run) runDetailResponse {
	resp := runDetailResponse{
		runResponse: toRunResponse(r),
		Config:      json.RawMessage(r.ConfigJSON),
	}

	if r.FinalMetricsJSON != nil {
		resp.FinalMetrics = json.RawMessage(*r.FinalMetricsJSON)
	}

	if r.HistoryJSON != nil {
		resp.History = json.RawMessage(*r.HistoryJSON)
	}

	return resp
}

type objectiveResponse struct {
	ObjectiveName  string   `json:"objective_name"`
	ObjectiveAlias string   `json:"objective_alias,omitempty"`
	UniProt        *string  `json:"uniprot,omitempty"`
	Weight         *float64 `json:"weight,omitempty"`
	Direction      string   `json:"direction"`
	RawMean        *float64 `json:"raw_mean,omitempty"`
	NormalizedMean *float64 `json:"normalized_mean,omitempty"`
	RawStd         *float64 `json:"raw_std,omitempty"`
	NormalizedStd  *float64 `json:"normalized_std,omitempty"`
}

func toObjectiveResponse(o *runstore.Objective) objectiveResponse {
	return objectiveResponse{
		ObjectiveName:  o.ObjectiveName,
		ObjectiveAlias: o.ObjectiveAlias,
		UniProt:        o.UniProt,
		Weight:         o.Weight,
		Direction:      o.Direction,
		RawMean:        o.RawMean,
		NormalizedMean: o.NormalizedMean,
		RawStd:         o.RawStd,
		NormalizedStd:  o.NormalizedStd,
	}
}

type statsResponse struct {
	Total           int64            `json:"total"`
	ByStatus        map[string]int64 `json:"by_status"`
	WithExternalID  int64            `json:"with_external_id"`
	WithReport      int64            `json:"with_report"`
	WithCrashReport int64            `json:"with_crash_report"`
	WithHistory     int64            `json:"with_history"`
}

type objectiveStatsResponse struct {
	ObjectiveName string   `json:"objective_name"`
	Count         int64    `json:"count"`
	Mean          *float64 `json:"mean,omitempty"`
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	MeanStd       *float64 `json:"mean_std,omitempty"`
}

type methodComparisonResponse struct {
	GradientMethod string   `json:"gradient_method"`
	Runs           int64    `json:"runs"`
	AvgScore       *float64 `json:"avg_score,omitempty"`
	Best           *float64 `json:"best,omitempty"`
	Worst          *float64 `json:"worst,omitempty"`
	AvgHours       *float64 `json:"avg_hours,omitempty"`
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRuns lists runs, filtered by query parameters.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := &runstore.RunFilter{
		Status:         q.Get("status"),
		Host:           q.Get("host"),
		GradientMethod: q.Get("gradient_method"),
	}

	if v := q.Get("min_duration_seconds"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid min_duration_seconds"})

			return
		}

		filter.MinDurationSeconds = n
	}

	if v := q.Get("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid created_after, use RFC3339"})

			return
		}

		utc := t.UTC()
		filter.CreatedAfter = &utc
	}

	if v := q.Get("has_report"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid has_report"})

			return
		}

		filter.HasReport = &b
	}

	if v := q.Get("has_crash_analysis"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid has_crash_analysis"})

			return
		}

		filter.HasCrashAnalysis = &b
	}

	if o := q.Get("order"); o != "" {
		if !validOrder(o) {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"unsupported order"})

			return
		}

		filter.Order = o
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid limit"})

			return
		}

		filter.Limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	resp := make([]runResponse, 0, len(runs))
	for i := range runs {
		resp = append(resp, toRunResponse(&runs[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGetRun returns one run with its config and reconciled documents.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to load run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, toRunDetailResponse(run))
}

// handleListObjectives returns a run's objectives with their scores.
func (s *server) handleListObjectives(
	w http.ResponseWriter, r *http.Request,
) {
	runID := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to load run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	objectives, err := s.store.ListObjectives(r.Context(), runID)
	if err != nil {
		s.log.WithError(err).Error("Failed to list objectives")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	resp := make([]objectiveResponse, 0, len(objectives))
	for i := range objectives {
		resp = append(resp, toObjectiveResponse(&objectives[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleStats returns aggregate counters over the runs table.
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to compute stats")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Total:           stats.Total,
		ByStatus:        stats.ByStatus,
		WithExternalID:  stats.WithExternalID,
		WithReport:      stats.WithReport,
		WithCrashReport: stats.WithCrashReport,
		WithHistory:     stats.WithHistory,
	})
}

type queryConstraint struct {
	Name   string   `json:"name"`
	Metric string   `json:"metric,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

type queryRunsRequest struct {
	Constraints    []queryConstraint `json:"constraints"`
	GradientMethod string            `json:"gradient_method,omitempty"`
	Status         string            `json:"status,omitempty"`
	Host           string            `json:"host,omitempty"`
	Order          string            `json:"order,omitempty"`
	Limit          int               `json:"limit,omitempty"`
}

// handleQueryRuns selects runs by per-objective score bounds.
func (s *server) handleQueryRuns(w http.ResponseWriter, r *http.Request) {
	var req queryRunsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if len(req.Constraints) == 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"at least one objective constraint is required"})

		return
	}

	if !validOrder(req.Order) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"unsupported order"})

		return
	}

	constraints := make([]runstore.ObjectiveConstraint, 0, len(req.Constraints))

	for _, c := range req.Constraints {
		if c.Name == "" {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"constraint name is required"})

			return
		}

		if !validMetric(c.Metric) {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"unsupported metric kind"})

			return
		}

		constraints = append(constraints, runstore.ObjectiveConstraint{
			Name:   c.Name,
			Metric: runstore.MetricKind(c.Metric),
			Min:    c.Min,
			Max:    c.Max,
		})
	}

	runs, err := s.store.QueryRunsByObjectives(r.Context(),
		&runstore.ObjectiveQuery{
			Constraints:    constraints,
			GradientMethod: req.GradientMethod,
			Status:         req.Status,
			Host:           req.Host,
			Order:          req.Order,
			Limit:          req.Limit,
		})
	if err != nil {
		s.log.WithError(err).Error("Failed to query runs by objectives")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	resp := make([]runResponse, 0, len(runs))
	for i := range runs {
		resp = append(resp, toRunResponse(&runs[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleObjectiveStats aggregates one objective's scores across runs.
func (s *server) handleObjectiveStats(
	w http.ResponseWriter, r *http.Request,
) {
	name := chi.URLParam(r, "name")

	stats, err := s.store.ObjectiveStatistics(r.Context(), name,
		r.URL.Query().Get("gradient_method"),
		r.URL.Query().Get("status"))
	if err != nil {
		s.log.WithError(err).Error("Failed to compute objective stats")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, objectiveStatsResponse{
		ObjectiveName: stats.ObjectiveName,
		Count:         stats.Count,
		Mean:          stats.Mean,
		Min:           stats.Min,
		Max:           stats.Max,
		MeanStd:       stats.MeanStd,
	})
}

// handleCompareMethods compares gradient methods on one objective.
func (s *server) handleCompareMethods(
	w http.ResponseWriter, r *http.Request,
) {
	name := chi.URLParam(r, "name")

	comparisons, err := s.store.CompareGradientMethods(r.Context(), name,
		r.URL.Query().Get("status"))
	if err != nil {
		s.log.WithError(err).Error("Failed to compare gradient methods")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	resp := make([]methodComparisonResponse, 0, len(comparisons))
	for _, c := range comparisons {
		resp = append(resp, methodComparisonResponse{
			GradientMethod: c.GradientMethod,
			Runs:           c.Runs,
			AvgScore:       c.AvgScore,
			Best:           c.Best,
			Worst:          c.Worst,
			AvgHours:       c.AvgHours,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// artifactKinds maps the {kind} URL segment to the run column holding
// the object key and the content type the object was stored with.
var artifactKinds = map[string]struct {
	key         func(*runstore.Run) *string
	contentType string
}{
	"error-log": {
		func(r *runstore.Run) *string { return r.ErrorLogS3Key },
		"text/plain",
	},
	"crash-report": {
		func(r *runstore.Run) *string { return r.CrashReportS3Key },
		"text/markdown",
	},
	"crash-analysis": {
		func(r *runstore.Run) *string { return r.CrashAnalysisS3Key },
		"text/markdown",
	},
	"conversation": {
		func(r *runstore.Run) *string { return r.ConversationS3Key },
		"application/jsonl",
	},
}

// handleGetArtifact streams a stored artifact for a run.
func (s *server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	kind, ok := artifactKinds[chi.URLParam(r, "kind")]
	if !ok {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"unknown artifact kind"})

		return
	}

	if s.artifacts == nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"artifact storage not configured"})

		return
	}

	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to load run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	key := kind.key(run)
	if key == nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"artifact not recorded for this run"})

		return
	}

	data, err := s.artifacts.GetObject(r.Context(), *key)
	if err != nil {
		s.log.WithError(err).
			WithField("key", *key).
			Error("Failed to fetch artifact")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	if data == nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"artifact object missing from storage"})

		return
	}

	w.Header().Set("Content-Type", kind.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// --- Catalog handlers ---

// handleListBenchmarks lists benchmark definitions.
func (s *server) handleListBenchmarks(
	w http.ResponseWriter, r *http.Request,
) {
	benchmarks, err := s.catalog.ListBenchmarks(r.Context(),
		r.URL.Query().Get("category"))
	if err != nil {
		s.log.WithError(err).Error("Failed to list benchmarks")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, benchmarks)
}

// handleGetBenchmark returns one benchmark with its scoring functions.
func (s *server) handleGetBenchmark(
	w http.ResponseWriter, r *http.Request,
) {
	detail, err := s.catalog.GetBenchmark(r.Context(),
		chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, catalog.ErrBenchmarkNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"benchmark not found"})

			return
		}

		s.log.WithError(err).Error("Failed to load benchmark")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, detail)
}
