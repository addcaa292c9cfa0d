package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mangoml/trackoor/pkg/runstore"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect stored runs and objective scores",
}

var reportStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the run table",
	RunE:  runReportStats,
}

var (
	reportListStatus      string
	reportListHost        string
	reportListMethod      string
	reportListMinDuration int64
	reportListSince       string
	reportListHasReport   bool
	reportListHasCrash    bool
	reportListOrder       string
	reportListLimit       int
)

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE:  runReportList,
}

var (
	reportObjMins   []string
	reportObjMaxes  []string
	reportObjMethod string
	reportObjStatus string
	reportObjHost   string
	reportObjOrder  string
	reportObjLimit  int
)

var reportObjectivesCmd = &cobra.Command{
	Use:   "objectives",
	Short: "List runs meeting objective score bounds",
	Long: `List runs whose normalized mean scores satisfy every given bound,
e.g. --min qed=0.5 --max sa=3.0. Bounds on different objectives combine
with AND.`,
	RunE: runReportObjectives,
}

var reportCompareStatus string

var reportCompareCmd = &cobra.Command{
	Use:   "compare <objective>",
	Short: "Compare gradient methods on one objective",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportCompare,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportStatsCmd)
	reportCmd.AddCommand(reportListCmd)
	reportCmd.AddCommand(reportObjectivesCmd)
	reportCmd.AddCommand(reportCompareCmd)

	reportListCmd.Flags().StringVar(&reportListStatus, "status", "",
		"Filter by run status")
	reportListCmd.Flags().StringVar(&reportListHost, "host", "",
		"Filter by host")
	reportListCmd.Flags().StringVar(&reportListMethod, "gradient-method", "",
		"Filter by gradient method")
	reportListCmd.Flags().Int64Var(&reportListMinDuration, "min-duration-seconds", 0,
		"Only runs that ran at least this long")
	reportListCmd.Flags().StringVar(&reportListSince, "created-after", "",
		"Only runs created after this RFC3339 timestamp")
	reportListCmd.Flags().BoolVar(&reportListHasReport, "has-report", false,
		"Filter by report presence")
	reportListCmd.Flags().BoolVar(&reportListHasCrash, "has-crash-analysis", false,
		"Filter by crash analysis presence")
	reportListCmd.Flags().StringVar(&reportListOrder, "order", "",
		"Sort order (created_desc, created_asc, duration_desc, ended_desc)")
	reportListCmd.Flags().IntVar(&reportListLimit, "limit", 0,
		"Maximum rows to return")

	reportObjectivesCmd.Flags().StringArrayVar(&reportObjMins, "min", nil,
		"Lower bound as name=value (repeatable)")
	reportObjectivesCmd.Flags().StringArrayVar(&reportObjMaxes, "max", nil,
		"Upper bound as name=value (repeatable)")
	reportObjectivesCmd.Flags().StringVar(&reportObjMethod, "gradient-method", "",
		"Filter by gradient method")
	reportObjectivesCmd.Flags().StringVar(&reportObjStatus, "status", "",
		"Filter by run status")
	reportObjectivesCmd.Flags().StringVar(&reportObjHost, "host", "",
		"Filter by host")
	reportObjectivesCmd.Flags().StringVar(&reportObjOrder, "order", "",
		"Sort order (created_desc, created_asc, duration_desc, ended_desc)")
	reportObjectivesCmd.Flags().IntVar(&reportObjLimit, "limit", 0,
		"Maximum rows to return")

	reportCompareCmd.Flags().StringVar(&reportCompareStatus, "status", "",
		"Only count runs with this status")
}

func runReportStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}

	defer stopStore(st)

	stats, err := st.Stats(ctx)
	if err != nil {
		return fmt.Errorf("collecting stats: %w", err)
	}

	fmt.Printf("Total runs:        %d\n", stats.Total)
	fmt.Printf("With external id:  %d\n", stats.WithExternalID)
	fmt.Printf("With report:       %d\n", stats.WithReport)
	fmt.Printf("With crash report: %d\n", stats.WithCrashReport)
	fmt.Printf("With history:      %d\n", stats.WithHistory)

	if len(stats.ByStatus) == 0 {
		return nil
	}

	statuses := make([]string, 0, len(stats.ByStatus))
	for status := range stats.ByStatus {
		statuses = append(statuses, status)
	}

	sort.Strings(statuses)

	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tRUNS")

	for _, status := range statuses {
		fmt.Fprintf(w, "%s\t%d\n", status, stats.ByStatus[status])
	}

	return w.Flush()
}

func runReportList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	filter := &runstore.RunFilter{
		Status:             reportListStatus,
		Host:               reportListHost,
		GradientMethod:     reportListMethod,
		MinDurationSeconds: reportListMinDuration,
		Order:              reportListOrder,
		Limit:              reportListLimit,
	}

	if reportListSince != "" {
		since, err := time.Parse(time.RFC3339, reportListSince)
		if err != nil {
			return fmt.Errorf("invalid --created-after, use RFC3339: %w", err)
		}

		filter.CreatedAfter = &since
	}

	// Unset boolean flags mean no filter, not false.
	if cmd.Flags().Changed("has-report") {
		filter.HasReport = &reportListHasReport
	}

	if cmd.Flags().Changed("has-crash-analysis") {
		filter.HasCrashAnalysis = &reportListHasCrash
	}

	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}

	defer stopStore(st)

	runs, err := st.ListRuns(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	return printRunTable(runs)
}

func runReportObjectives(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	bounds, err := collectBounds(reportObjMins, reportObjMaxes)
	if err != nil {
		return err
	}

	if len(bounds) == 0 {
		return fmt.Errorf("at least one --min or --max bound is required")
	}

	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}

	defer stopStore(st)

	runs, err := st.QueryRunsByObjectives(ctx, &runstore.ObjectiveQuery{
		Constraints:    runstore.ConstraintsFromMap(bounds),
		GradientMethod: reportObjMethod,
		Status:         reportObjStatus,
		Host:           reportObjHost,
		Order:          reportObjOrder,
		Limit:          reportObjLimit,
	})
	if err != nil {
		return fmt.Errorf("querying runs: %w", err)
	}

	return printRunTable(runs)
}

func runReportCompare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}

	defer stopStore(st)

	comparisons, err := st.CompareGradientMethods(
		ctx, args[0], reportCompareStatus,
	)
	if err != nil {
		return fmt.Errorf("comparing gradient methods: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "METHOD\tRUNS\tAVG SCORE\tBEST\tWORST\tAVG HOURS")

	for _, c := range comparisons {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			c.GradientMethod,
			c.Runs,
			fmtScore(c.AvgScore),
			fmtScore(c.Best),
			fmtScore(c.Worst),
			fmtHours(c.AvgHours),
		)
	}

	return w.Flush()
}

// printRunTable renders runs as an aligned table on stdout.
func printRunTable(runs []runstore.Run) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tMETHOD\tCREATED\tDURATION\tTRACKER ID")

	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.RunID,
			run.Status,
			strOr(run.GradientMethod, "-"),
			run.CreatedAt.UTC().Format("2006-01-02 15:04"),
			fmtDuration(run.DurationSeconds),
			strOr(run.ExternalRunID, "-"),
		)
	}

	return w.Flush()
}

// parseBound splits a name=value bound specification.
func parseBound(spec string) (string, float64, error) {
	name, raw, ok := strings.Cut(spec, "=")
	if !ok || name == "" {
		return "", 0, fmt.Errorf("invalid bound %q, expected name=value", spec)
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid bound %q: %w", spec, err)
	}

	return name, value, nil
}

// collectBounds folds repeated --min and --max flags into a per-objective
// bounds map.
func collectBounds(
	mins, maxes []string,
) (map[string]runstore.Bounds, error) {
	bounds := make(map[string]runstore.Bounds, len(mins)+len(maxes))

	for _, spec := range mins {
		name, value, err := parseBound(spec)
		if err != nil {
			return nil, err
		}

		b := bounds[name]
		b.Min = &value
		bounds[name] = b
	}

	for _, spec := range maxes {
		name, value, err := parseBound(spec)
		if err != nil {
			return nil, err
		}

		b := bounds[name]
		b.Max = &value
		bounds[name] = b
	}

	return bounds, nil
}

// strOr dereferences a nullable string, with a fallback for NULL and
// empty values.
func strOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}

	return *s
}

// fmtDuration renders a second count as a compact duration.
func fmtDuration(secs *int64) string {
	if secs == nil {
		return "-"
	}

	return (time.Duration(*secs) * time.Second).String()
}

// fmtScore renders a nullable normalized score.
func fmtScore(v *float64) string {
	if v == nil {
		return "-"
	}

	return strconv.FormatFloat(*v, 'f', 4, 64)
}

// fmtHours renders a nullable hour count.
func fmtHours(v *float64) string {
	if v == nil {
		return "-"
	}

	return strconv.FormatFloat(*v, 'f', 1, 64)
}
