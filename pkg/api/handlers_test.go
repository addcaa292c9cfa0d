package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mangoml/trackoor/pkg/artifacts"
	"github.com/mangoml/trackoor/pkg/catalog"
	"github.com/mangoml/trackoor/pkg/config"
	"github.com/mangoml/trackoor/pkg/runstore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T) *server {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
		},
		Server: config.ServerConfig{Listen: ":0"},
	}

	st := runstore.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	return &server{
		log:   log,
		cfg:   cfg,
		store: st,
		done:  make(chan struct{}),
	}
}

func doRequest(
	t *testing.T, h http.Handler, method, path string, body any,
) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader

	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)

		rd = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func seedRun(
	t *testing.T, st runstore.Store, runID string, created time.Time,
) {
	t.Helper()
	require.NoError(t, st.InsertRun(context.Background(), &runstore.Run{
		RunID:      runID,
		CreatedAt:  created,
		ConfigJSON: `{"experiment":{"name":"` + runID + `"}}`,
	}))
}

func strPtr(s string) *string { return &s }

func f64Ptr(f float64) *float64 { return &f }

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	router := srv.buildRouter()

	rec := doRequest(t, router, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, "ok", resp["status"])
}

func TestListRuns(t *testing.T) {
	srv := newTestServer(t)
	router := srv.buildRouter()
	ctx := context.Background()

	now := time.Now().UTC()
	seedRun(t, srv.store, "mango_hER_run_a", now.Add(-2*time.Hour))
	seedRun(t, srv.store, "mango_hER_run_b", now.Add(-1*time.Hour))

	require.NoError(t, srv.store.UpdateStatus(
		ctx, "mango_hER_run_b", runstore.StatusRunning,
		&runstore.RunUpdate{
			ExternalRunID: strPtr("w_b"),
			TrackerURL:    strPtr("https://tracker.example/runs/w_b"),
		}))

	rec := doRequest(t, router, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []runResponse
	decodeBody(t, rec, &runs)
	require.Len(t, runs, 2)

	// Newest first.
	assert.Equal(t, "mango_hER_run_b", runs[0].RunID)
	assert.Equal(t, "running", runs[0].Status)
	require.NotNil(t, runs[0].ExternalRunID)
	assert.Equal(t, "w_b", *runs[0].ExternalRunID)
	assert.Equal(t, "mango_hER_run_a", runs[1].RunID)
	assert.Equal(t, "launched", runs[1].Status)

	// Status filter.
	rec = doRequest(t, router, http.MethodGet,
		"/api/v1/runs?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	runs = nil
	decodeBody(t, rec, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "mango_hER_run_b", runs[0].RunID)

	// Bad query parameters.
	for _, path := range []string{
		"/api/v1/runs?order=by_vibes",
		"/api/v1/runs?limit=many",
		"/api/v1/runs?created_after=yesterday",
		"/api/v1/runs?has_report=maybe",
	} {
		rec = doRequest(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestGetRun(t *testing.T) {
	srv := newTestServer(t)
	router := srv.buildRouter()
	ctx := context.Background()

	seedRun(t, srv.store, "mango_hER_run_a", time.Now().UTC())
	require.NoError(t, srv.store.UpdateStatus(
		ctx, "mango_hER_run_a", runstore.StatusNotRunning,
		&runstore.RunUpdate{
			FinalMetricsJSON: strPtr(`{"loss":0.12}`),
			HistoryJSON:      strPtr(`{"loss":[0.9,0.5,0.12]}`),
		}))

	rec := doRequest(t, router, http.MethodGet,
		"/api/v1/runs/mango_hER_run_a", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail map[string]any
	decodeBody(t, rec, &detail)
	assert.Equal(t, "mango_hER_run_a", detail["run_id"])
	assert.Equal(t, "not_running", detail["status"])

	// JSON documents come back as objects, not re-encoded strings.
	cfg, ok := detail["config"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, cfg, "experiment")

	metrics, ok := detail["final_metrics"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.12, metrics["loss"], 1e-9)

	history, ok := detail["history"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, history["loss"], 3)

	rec = doRequest(t, router, http.MethodGet,
		"/api/v1/runs/never_registered", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListObjectives(t *testing.T) {
	srv := newTestServer(t)
	router := srv.buildRouter()
	ctx := context.Background()

	seedRun(t, srv.store, "mango_hER_run_a", time.Now().UTC())
	require.NoError(t, srv.store.InsertObjective(ctx, &runstore.Objective{
		RunID:          "mango_hER_run_a",
		ObjectiveName:  "qed",
		ObjectiveAlias: "qed",
		Direction:      runstore.DirectionMaximize,
		Weight:         f64Ptr(1.0),
	}))
	require.NoError(t, srv.store.UpdateObjectiveMetric(
		ctx, "mango_hER_run_a", "qed",
		runstore.MetricNormalizedMean, 0.83))

	rec := doRequest(t, router, http.MethodGet,
		"/api/v1/runs/mango_hER_run_a/objectives", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var objectives []objectiveResponse
	decodeBody(t, rec, &objectives)
	require.Len(t, objectives, 1)
	assert.Equal(t, "qed", objectives[0].ObjectiveName)
	require.NotNil(t, objectives[0].NormalizedMean)
	assert.InDelta(t, 0.83, *objectives[0].NormalizedMean, 1e-9)

	rec = doRequest(t, router, http.MethodGet,
		"/api/v1/runs/never_registered/objectives", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	srv := newTestServer(t)
	router := srv.buildRouter()
	ctx := context.Background()

	seedRun(t, srv.store, "mango_hER_run_a", time.Now().UTC())
	seedRun(t, srv.store, "mango_hER_run_b", time.Now().UTC())
	require.NoError(t, srv.store.UpdateStatus(
		ctx, "mango_hER_run_b", runstore.StatusRunning, nil))

	rec := doRequest(t, router, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats statsResponse
	decodeBody(t, rec, &stats)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByStatus["launched"])
	assert.Equal(t, int64(1), stats.ByStatus["running"])
}

func TestQueryRuns(t *testing.T) {
	srv := newTestServer(t)
	router := srv.buildRouter()
	ctx := context.Background()

	for i, score := range []float64{0.9, 0.4} {
		runID := fmt.Sprintf("mango_hER_run_%d", i)
		seedRun(t, srv.store, runID, time.Now().UTC())
		require.NoError(t, srv.store.InsertObjective(ctx, &runstore.Objective{
			RunID:         runID,
			ObjectiveName: "qed",
			Direction:     runstore.DirectionMaximize,
		}))
		require.NoError(t, srv.store.UpdateObjectiveMetric(
			ctx, runID, "qed", runstore.MetricNormalizedMean, score))
	}

	rec := doRequest(t, router, http.MethodPost, "/api/v1/runs/query",
		queryRunsRequest{
			Constraints: []queryConstraint{
				{Name: "qed", Min: f64Ptr(0.5)},
			},
		})
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []runResponse
	decodeBody(t, rec, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "mango_hER_run_0", runs[0].RunID)

	// Constraint validation.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/runs/query",
		queryRunsRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/runs/query",
		queryRunsRequest{
			Constraints: []queryConstraint{
				{Name: "qed", Metric: "vibes", Min: f64Ptr(0.5)},
			},
		})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/runs/query",
		queryRunsRequest{
			Constraints: []queryConstraint{{Min: f64Ptr(0.5)}},
		})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestObjectiveStatsAndCompare(t *testing.T) {
	srv := newTestServer(t)
	router := srv.buildRouter()
	ctx := context.Background()

	methods := []string{"reinforce", "reinvent"}
	for i, score := range []float64{0.8, 0.6} {
		runID := fmt.Sprintf("mango_hER_run_%d", i)
		require.NoError(t, srv.store.InsertRun(ctx, &runstore.Run{
			RunID:          runID,
			CreatedAt:      time.Now().UTC(),
			ConfigJSON:     "{}",
			GradientMethod: strPtr(methods[i]),
		}))
		require.NoError(t, srv.store.InsertObjective(ctx, &runstore.Objective{
			RunID:         runID,
			ObjectiveName: "qed",
			Direction:     runstore.DirectionMaximize,
		}))
		require.NoError(t, srv.store.UpdateObjectiveMetric(
			ctx, runID, "qed", runstore.MetricNormalizedMean, score))
	}

	rec := doRequest(t, router, http.MethodGet,
		"/api/v1/objectives/qed/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats objectiveStatsResponse
	decodeBody(t, rec, &stats)
	assert.Equal(t, "qed", stats.ObjectiveName)
	assert.Equal(t, int64(2), stats.Count)
	require.NotNil(t, stats.Mean)
	assert.InDelta(t, 0.7, *stats.Mean, 1e-9)

	rec = doRequest(t, router, http.MethodGet,
		"/api/v1/objectives/qed/compare", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var comparisons []methodComparisonResponse
	decodeBody(t, rec, &comparisons)
	require.Len(t, comparisons, 2)

	// Best average first.
	assert.Equal(t, "reinforce", comparisons[0].GradientMethod)
	assert.Equal(t, "reinvent", comparisons[1].GradientMethod)
}

type fakeArtifacts struct {
	objects map[string][]byte
}

func (f *fakeArtifacts) Preflight(context.Context) error { return nil }

func (f *fakeArtifacts) PutCrashReport(
	context.Context, string, []byte, []byte, []byte,
) (*artifacts.CrashKeys, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeArtifacts) PutConversation(
	context.Context, string, []byte,
) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func (f *fakeArtifacts) GetObject(
	_ context.Context, key string,
) ([]byte, error) {
	return f.objects[key], nil
}

func TestGetArtifact(t *testing.T) {
	srv := newTestServer(t)
	srv.artifacts = &fakeArtifacts{objects: map[string][]byte{
		"trackoor/crash-reports/mango_hER_run_a/report.md": []byte("# Crash"),
	}}
	router := srv.buildRouter()
	ctx := context.Background()

	seedRun(t, srv.store, "mango_hER_run_a", time.Now().UTC())
	require.NoError(t, srv.store.AttachCrashReport(
		ctx, "mango_hER_run_a", nil,
		strPtr("trackoor/crash-reports/mango_hER_run_a/report.md"), nil))

	rec := doRequest(t, router, http.MethodGet,
		"/api/v1/runs/mango_hER_run_a/artifacts/crash-report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/markdown", rec.Header().Get("Content-Type"))
	assert.Equal(t, "# Crash", rec.Body.String())

	// Key recorded on the run but the object is gone.
	require.NoError(t, srv.store.AttachConversation(
		ctx, "mango_hER_run_a", "trackoor/conversations/gone.jsonl"))

	rec = doRequest(t, router, http.MethodGet,
		"/api/v1/runs/mango_hER_run_a/artifacts/conversation", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// No key recorded for this kind.
	rec = doRequest(t, router, http.MethodGet,
		"/api/v1/runs/mango_hER_run_a/artifacts/error-log", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Unknown kind.
	rec = doRequest(t, router, http.MethodGet,
		"/api/v1/runs/mango_hER_run_a/artifacts/core-dump", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetArtifactStorageNotConfigured(t *testing.T) {
	srv := newTestServer(t)
	router := srv.buildRouter()

	seedRun(t, srv.store, "mango_hER_run_a", time.Now().UTC())

	rec := doRequest(t, router, http.MethodGet,
		"/api/v1/runs/mango_hER_run_a/artifacts/crash-report", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp errorResponse
	decodeBody(t, rec, &resp)
	assert.Contains(t, resp.Error, "not configured")
}

func TestCatalogEndpoints(t *testing.T) {
	srv := newTestServer(t)

	catalogStore := catalog.NewStore(srv.log, &config.CatalogConfig{
		Path: ":memory:",
	})
	require.NoError(t, catalogStore.Start(context.Background()))
	t.Cleanup(func() { _ = catalogStore.Stop() })

	require.NoError(t, catalogStore.ImportBenchmark(context.Background(),
		&catalog.Benchmark{
			Name:              "osimertinib_mpo",
			Category:          "mpo",
			AggregationMethod: "geometric",
		},
		[]catalog.ScoringFunction{
			{FunctionName: "tpsa", FunctionType: "property"},
		}))

	srv.catalog = catalogStore
	router := srv.buildRouter()

	rec := doRequest(t, router, http.MethodGet, "/api/v1/benchmarks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var benchmarks []catalog.BenchmarkSummary
	decodeBody(t, rec, &benchmarks)
	require.Len(t, benchmarks, 1)
	assert.Equal(t, "osimertinib_mpo", benchmarks[0].Name)
	assert.Equal(t, int64(1), benchmarks[0].NumObjectives)

	rec = doRequest(t, router, http.MethodGet,
		"/api/v1/benchmarks/osimertinib_mpo", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail catalog.BenchmarkDetail
	decodeBody(t, rec, &detail)
	assert.Equal(t, "osimertinib_mpo", detail.Name)
	require.Len(t, detail.Objectives, 1)
	assert.Equal(t, "tpsa", detail.Objectives[0].FunctionName)

	rec = doRequest(t, router, http.MethodGet,
		"/api/v1/benchmarks/unheard_of", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCatalogRoutesAbsentWithoutCatalog(t *testing.T) {
	srv := newTestServer(t)
	router := srv.buildRouter()

	rec := doRequest(t, router, http.MethodGet, "/api/v1/benchmarks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	srv := newTestServer(t)

	hash, err := bcrypt.GenerateFromPassword(
		[]byte("letmein"), bcrypt.MinCost)
	require.NoError(t, err)

	srv.cfg.Server.AdminTokenHash = string(hash)
	router := srv.buildRouter()

	seedRun(t, srv.store, "mango_hER_run_a", time.Now().UTC())

	req := httptest.NewRequest(http.MethodDelete,
		"/api/v1/admin/runs/mango_hER_run_a", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodDelete,
		"/api/v1/admin/runs/mango_hER_run_a", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodDelete,
		"/api/v1/admin/runs/mango_hER_run_a", nil)
	req.Header.Set("Authorization", "Bearer letmein")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err = srv.store.GetRun(context.Background(), "mango_hER_run_a")
	assert.ErrorIs(t, err, runstore.ErrRunNotFound)
}

func TestAdminRoutesAbsentWithoutTokenHash(t *testing.T) {
	srv := newTestServer(t)
	router := srv.buildRouter()

	seedRun(t, srv.store, "mango_hER_run_a", time.Now().UTC())

	req := httptest.NewRequest(http.MethodDelete,
		"/api/v1/admin/runs/mango_hER_run_a", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLinkRun(t *testing.T) {
	srv := newTestServer(t)

	hash, err := bcrypt.GenerateFromPassword(
		[]byte("letmein"), bcrypt.MinCost)
	require.NoError(t, err)

	srv.cfg.Server.AdminTokenHash = string(hash)
	router := srv.buildRouter()
	ctx := context.Background()

	seedRun(t, srv.store, "mango_hER_run_a", time.Now().UTC())
	require.NoError(t, srv.store.UpdateStatus(
		ctx, "mango_hER_run_a", runstore.StatusRunning,
		&runstore.RunUpdate{ExternalRunID: strPtr("w_wrong")}))

	body, err := json.Marshal(linkRunRequest{
		ExternalRunID: "w_right",
		DisplayName:   strPtr("mango-hER-run-a"),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/admin/runs/mango_hER_run_a/link", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer letmein")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runResponse
	decodeBody(t, rec, &resp)
	require.NotNil(t, resp.ExternalRunID)
	assert.Equal(t, "w_right", *resp.ExternalRunID)

	// The override is the only path that replaces an established id.
	run, err := srv.store.GetRun(ctx, "mango_hER_run_a")
	require.NoError(t, err)
	require.NotNil(t, run.ExternalRunID)
	assert.Equal(t, "w_right", *run.ExternalRunID)
	require.NotNil(t, run.DisplayName)
	assert.Equal(t, "mango-hER-run-a", *run.DisplayName)

	// Missing run and missing id are client errors.
	req = httptest.NewRequest(http.MethodPost,
		"/api/v1/admin/runs/never_registered/link", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer letmein")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodPost,
		"/api/v1/admin/runs/mango_hER_run_a/link",
		bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer letmein")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconcileEndpointsWithoutEngine(t *testing.T) {
	srv := newTestServer(t)

	hash, err := bcrypt.GenerateFromPassword(
		[]byte("letmein"), bcrypt.MinCost)
	require.NoError(t, err)

	srv.cfg.Server.AdminTokenHash = string(hash)
	router := srv.buildRouter()

	for _, path := range []string{
		"/api/v1/admin/reconcile",
		"/api/v1/admin/sweep",
	} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("Authorization", "Bearer letmein")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t)
	srv.cfg.Server.RateLimit = config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 2,
	}
	router := srv.buildRouter()

	// Burst equals the per-minute limit; the third request in quick
	// succession from the same client trips the limiter.
	for i := 0; i < 2; i++ {
		rec := doRequest(t, router, http.MethodGet, "/api/v1/runs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/v1/runs", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Health stays outside the limited group.
	rec = doRequest(t, router, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
