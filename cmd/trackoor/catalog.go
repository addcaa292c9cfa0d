package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mangoml/trackoor/pkg/catalog"
	"github.com/mangoml/trackoor/pkg/runconfig"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the benchmark catalog",
}

var catalogListCategory string

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List benchmark definitions",
	RunE:  runCatalogList,
}

var catalogShowCmd = &cobra.Command{
	Use:   "show <benchmark>",
	Short: "Show one benchmark with its scoring functions",
	Args:  cobra.ExactArgs(1),
	RunE:  runCatalogShow,
}

var catalogSearchCmd = &cobra.Command{
	Use:   "search <function-type>",
	Short: "Find benchmarks using a scoring function type",
	RunE:  runCatalogSearch,
	Args:  cobra.ExactArgs(1),
}

var catalogModifiersCmd = &cobra.Command{
	Use:   "modifiers",
	Short: "Count score modifier usage across benchmarks",
	RunE:  runCatalogModifiers,
}

var (
	catalogValidateBenchmark string
	catalogValidateConfig    string
)

var catalogValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a launch config against a benchmark definition",
	RunE:  runCatalogValidate,
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a benchmark definition from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runCatalogImport,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogListCmd)
	catalogCmd.AddCommand(catalogShowCmd)
	catalogCmd.AddCommand(catalogSearchCmd)
	catalogCmd.AddCommand(catalogModifiersCmd)
	catalogCmd.AddCommand(catalogValidateCmd)
	catalogCmd.AddCommand(catalogImportCmd)

	catalogListCmd.Flags().StringVar(&catalogListCategory, "category", "",
		"Filter by category")

	catalogValidateCmd.Flags().StringVar(&catalogValidateBenchmark,
		"benchmark", "", "Benchmark to validate against")
	catalogValidateCmd.Flags().StringVar(&catalogValidateConfig,
		"run-config", "", "Path to the launch config YAML")

	_ = catalogValidateCmd.MarkFlagRequired("benchmark")
	_ = catalogValidateCmd.MarkFlagRequired("run-config")
}

// openCatalog loads the config and opens the benchmark catalog. The
// caller must Stop() the returned store.
func openCatalog(ctx context.Context) (catalog.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if cfg.Catalog.Path == "" {
		return nil, fmt.Errorf("catalog.path is required in config")
	}

	cs := catalog.NewStore(log, &cfg.Catalog)
	if err := cs.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting catalog: %w", err)
	}

	return cs, nil
}

func stopCatalog(cs catalog.Store) {
	if err := cs.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop catalog")
	}
}

func runCatalogList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cs, err := openCatalog(ctx)
	if err != nil {
		return err
	}

	defer stopCatalog(cs)

	benchmarks, err := cs.ListBenchmarks(ctx, catalogListCategory)
	if err != nil {
		return fmt.Errorf("listing benchmarks: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCATEGORY\tSCORING\tAGGREGATION\tOBJECTIVES")

	for _, b := range benchmarks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			b.Name, b.Category, b.ScoringType,
			b.AggregationMethod, b.NumObjectives,
		)
	}

	return w.Flush()
}

func runCatalogShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cs, err := openCatalog(ctx)
	if err != nil {
		return err
	}

	defer stopCatalog(cs)

	detail, err := cs.GetBenchmark(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading benchmark: %w", err)
	}

	fmt.Printf("Name:        %s\n", detail.Name)
	fmt.Printf("Category:    %s\n", detail.Category)
	fmt.Printf("Scoring:     %s\n", detail.ScoringType)
	fmt.Printf("Aggregation: %s\n", detail.AggregationMethod)

	if detail.Description != "" {
		fmt.Printf("Description: %s\n", detail.Description)
	}

	if len(detail.Objectives) == 0 {
		return nil
	}

	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "#\tFUNCTION\tTYPE\tPROPERTY\tMODIFIER")

	for _, obj := range detail.Objectives {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			obj.ObjectiveOrder,
			obj.FunctionName,
			obj.FunctionType,
			orDash(obj.PropertyName),
			orDash(obj.ModifierType),
		)
	}

	return w.Flush()
}

func runCatalogSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cs, err := openCatalog(ctx)
	if err != nil {
		return err
	}

	defer stopCatalog(cs)

	benchmarks, err := cs.SearchByObjectiveType(ctx, args[0])
	if err != nil {
		return fmt.Errorf("searching benchmarks: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCATEGORY\tSCORING")

	for _, b := range benchmarks {
		fmt.Fprintf(w, "%s\t%s\t%s\n", b.Name, b.Category, b.ScoringType)
	}

	return w.Flush()
}

func runCatalogModifiers(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cs, err := openCatalog(ctx)
	if err != nil {
		return err
	}

	defer stopCatalog(cs)

	counts, err := cs.ModifierUsage(ctx)
	if err != nil {
		return fmt.Errorf("counting modifiers: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "MODIFIER\tUSES")

	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%d\n", orDash(c.ModifierType), c.Count)
	}

	return w.Flush()
}

func runCatalogValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	doc, err := runconfig.Load(catalogValidateConfig)
	if err != nil {
		return err
	}

	cs, err := openCatalog(ctx)
	if err != nil {
		return err
	}

	defer stopCatalog(cs)

	detail, err := cs.GetBenchmark(ctx, catalogValidateBenchmark)
	if err != nil {
		return fmt.Errorf("loading benchmark: %w", err)
	}

	v := catalog.ValidateDocument(detail, doc)
	if v.Valid {
		log.WithField("benchmark", v.BenchmarkName).
			Info("Launch config matches benchmark")

		return nil
	}

	for _, m := range v.Mismatches {
		fmt.Printf("  - %s\n", m)
	}

	return fmt.Errorf("launch config diverges from benchmark %s",
		v.BenchmarkName)
}

// benchmarkDoc is the on-disk YAML form of one benchmark definition.
type benchmarkDoc struct {
	Name              string `yaml:"benchmark_name"`
	Category          string `yaml:"category"`
	ScoringType       string `yaml:"scoring_type"`
	AggregationMethod string `yaml:"aggregation_method"`
	Description       string `yaml:"description"`
	Objectives        []struct {
		FunctionName      string   `yaml:"function_name"`
		FunctionType      string   `yaml:"function_type"`
		PropertyName      string   `yaml:"property_name"`
		ModifierType      string   `yaml:"modifier_type"`
		ModifierMu        *float64 `yaml:"modifier_mu"`
		ModifierSigma     *float64 `yaml:"modifier_sigma"`
		ModifierThreshold *float64 `yaml:"modifier_threshold"`
	} `yaml:"objectives"`
}

func runCatalogImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	var doc benchmarkDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}

	if doc.Name == "" {
		return fmt.Errorf("benchmark_name is required")
	}

	benchmark := &catalog.Benchmark{
		Name:              doc.Name,
		Category:          doc.Category,
		ScoringType:       doc.ScoringType,
		AggregationMethod: doc.AggregationMethod,
		Description:       doc.Description,
	}

	objectives := make([]catalog.ScoringFunction, 0, len(doc.Objectives))
	for _, obj := range doc.Objectives {
		objectives = append(objectives, catalog.ScoringFunction{
			FunctionName:      obj.FunctionName,
			FunctionType:      obj.FunctionType,
			PropertyName:      obj.PropertyName,
			ModifierType:      obj.ModifierType,
			ModifierMu:        obj.ModifierMu,
			ModifierSigma:     obj.ModifierSigma,
			ModifierThreshold: obj.ModifierThreshold,
		})
	}

	cs, err := openCatalog(ctx)
	if err != nil {
		return err
	}

	defer stopCatalog(cs)

	if err := cs.ImportBenchmark(ctx, benchmark, objectives); err != nil {
		return fmt.Errorf("importing benchmark: %w", err)
	}

	log.WithField("benchmark", doc.Name).Info("Benchmark imported")

	return nil
}

// orDash substitutes a dash for empty table cells.
func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}
