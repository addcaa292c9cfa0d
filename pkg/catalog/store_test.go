package catalog_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangoml/trackoor/pkg/catalog"
	"github.com/mangoml/trackoor/pkg/config"
	"github.com/mangoml/trackoor/pkg/runconfig"
)

func setupTestCatalog(t *testing.T) catalog.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := catalog.NewStore(log, &config.CatalogConfig{Path: ":memory:"})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func f64Ptr(f float64) *float64 { return &f }

func seedCatalog(t *testing.T, s catalog.Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.ImportBenchmark(ctx, &catalog.Benchmark{
		Name:              "osimertinib_mpo",
		Category:          "mpo",
		ScoringType:       "geometric_mean",
		AggregationMethod: "geometric",
		Description:       "Osimertinib multi-property optimization",
	}, []catalog.ScoringFunction{
		{
			FunctionName: "similarity(osimertinib)",
			FunctionType: "similarity",
			PropertyName: "osimertinib_sim",
			ModifierType: "gaussian",
			ModifierMu:   f64Ptr(0.8),
		},
		{
			FunctionName: "TPSA",
			FunctionType: "property",
			PropertyName: "tpsa",
			ModifierType: "max_gaussian",
			ModifierMu:   f64Ptr(100),
		},
		{
			FunctionName: "logP",
			FunctionType: "property",
			PropertyName: "logp",
			ModifierType: "min_gaussian",
			ModifierMu:   f64Ptr(1),
		},
	}))

	require.NoError(t, s.ImportBenchmark(ctx, &catalog.Benchmark{
		Name:              "celecoxib_rediscovery",
		Category:          "rediscovery",
		ScoringType:       "single",
		AggregationMethod: "arithmetic",
	}, []catalog.ScoringFunction{
		{
			FunctionName: "similarity(celecoxib)",
			FunctionType: "similarity",
			ModifierType: "none",
		},
	}))
}

func TestListBenchmarks(t *testing.T) {
	s := setupTestCatalog(t)
	seedCatalog(t, s)
	ctx := context.Background()

	all, err := s.ListBenchmarks(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	// Ordered by category then name: mpo sorts after rediscovery? No,
	// "mpo" < "rediscovery" lexically.
	assert.Equal(t, "osimertinib_mpo", all[0].Name)
	assert.Equal(t, int64(3), all[0].NumObjectives)
	assert.Equal(t, "celecoxib_rediscovery", all[1].Name)
	assert.Equal(t, int64(1), all[1].NumObjectives)

	mpo, err := s.ListBenchmarks(ctx, "mpo")
	require.NoError(t, err)
	require.Len(t, mpo, 1)
	assert.Equal(t, "osimertinib_mpo", mpo[0].Name)
}

func TestGetBenchmark(t *testing.T) {
	s := setupTestCatalog(t)
	seedCatalog(t, s)
	ctx := context.Background()

	detail, err := s.GetBenchmark(ctx, "osimertinib_mpo")
	require.NoError(t, err)
	assert.Equal(t, "mpo", detail.Category)
	require.Len(t, detail.Objectives, 3)

	// Objectives come back in scoring order.
	assert.Equal(t, 1, detail.Objectives[0].ObjectiveOrder)
	assert.Equal(t, "similarity(osimertinib)", detail.Objectives[0].FunctionName)
	assert.Equal(t, 3, detail.Objectives[2].ObjectiveOrder)
	require.NotNil(t, detail.Objectives[0].ModifierMu)
	assert.Equal(t, 0.8, *detail.Objectives[0].ModifierMu)
}

func TestGetBenchmark_NotFound(t *testing.T) {
	s := setupTestCatalog(t)

	_, err := s.GetBenchmark(context.Background(), "no_such_benchmark")
	assert.ErrorIs(t, err, catalog.ErrBenchmarkNotFound)
}

func TestImportBenchmark_Duplicate(t *testing.T) {
	s := setupTestCatalog(t)
	seedCatalog(t, s)

	err := s.ImportBenchmark(context.Background(), &catalog.Benchmark{
		Name: "osimertinib_mpo",
	}, nil)
	assert.ErrorIs(t, err, catalog.ErrDuplicateBenchmark)
}

func TestSearchByObjectiveType(t *testing.T) {
	s := setupTestCatalog(t)
	seedCatalog(t, s)

	// Both benchmarks use a similarity objective, but each must appear
	// once.
	found, err := s.SearchByObjectiveType(context.Background(), "similarity")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "celecoxib_rediscovery", found[0].Name)
	assert.Equal(t, "osimertinib_mpo", found[1].Name)

	found, err = s.SearchByObjectiveType(context.Background(), "property")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "osimertinib_mpo", found[0].Name)
}

func TestModifierUsage(t *testing.T) {
	s := setupTestCatalog(t)
	seedCatalog(t, s)

	counts, err := s.ModifierUsage(context.Background())
	require.NoError(t, err)
	require.Len(t, counts, 4)

	total := int64(0)
	for _, c := range counts {
		total += c.Count
	}

	assert.Equal(t, int64(4), total)
}

func TestValidateDocument(t *testing.T) {
	s := setupTestCatalog(t)
	seedCatalog(t, s)

	detail, err := s.GetBenchmark(context.Background(), "osimertinib_mpo")
	require.NoError(t, err)

	doc, err := runconfig.Parse([]byte(`
objectives:
  - name: osimertinib_sim
  - name: tpsa
  - name: logp
reward:
  gradient_method: geometric
`))
	require.NoError(t, err)

	v := catalog.ValidateDocument(detail, doc)
	assert.True(t, v.Valid)
	assert.Empty(t, v.Mismatches)
	assert.Equal(t, 3, v.ObjectivesExpected)
	assert.Equal(t, 3, v.ObjectivesActual)
}

func TestValidateDocument_Mismatches(t *testing.T) {
	s := setupTestCatalog(t)
	seedCatalog(t, s)

	detail, err := s.GetBenchmark(context.Background(), "osimertinib_mpo")
	require.NoError(t, err)

	doc, err := runconfig.Parse([]byte(`
objectives:
  - name: osimertinib_sim
reward:
  gradient_method: reinforce
`))
	require.NoError(t, err)

	v := catalog.ValidateDocument(detail, doc)
	assert.False(t, v.Valid)

	// One count mismatch, two missing objectives, one aggregation
	// mismatch.
	assert.Len(t, v.Mismatches, 4)
}
