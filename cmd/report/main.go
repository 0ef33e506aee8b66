package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/wcharczuk/go-chart/v2"

	"github.com/pedro-hbl/recon-engine/pkg/classify"
	"github.com/pedro-hbl/recon-engine/pkg/history/timestream"
	"github.com/pedro-hbl/recon-engine/pkg/run"
)

// Command line flags
var (
	inputDir  = flag.String("input", "", "Directory containing run JSON files (required)")
	outputDir = flag.String("output", "", "Directory to write charts to (default: no charts)")

	trendMeasure = flag.String("trend", "", "Timestream measure to plot as a trend (e.g. unexplained_usd)")
	trendRegion  = flag.String("trend-region", "us-east-1", "AWS region for the history sink")
	trendDays    = flag.Int("trend-days", 180, "How far back to query the trend")
)

// varianceOrder fixes the column layout of the report table
var varianceOrder = []classify.Kind{
	classify.KindFee,
	classify.KindFXDifference,
	classify.KindTiming,
	classify.KindDuplicateCandidate,
	classify.KindFraudCandidate,
	classify.KindUnexplained,
}

func main() {
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ldate | log.Ltime)

	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	runs, err := loadRuns(*inputDir)
	if err != nil {
		log.Fatalf("Error loading runs: %v", err)
	}
	if len(runs) == 0 {
		log.Fatalf("No run files found in %s", *inputDir)
	}

	printRunTable(runs)
	printVarianceTable(runs)

	if *outputDir != "" {
		if err := os.MkdirAll(*outputDir, 0755); err != nil {
			log.Fatalf("Error creating output directory: %v", err)
		}
		generateVarianceChart(runs, *outputDir)
	}

	if *trendMeasure != "" {
		plotTrend(*trendMeasure)
	}
}

// loadRuns reads every *.json file in dir as a serialized run, skipping
// files that do not parse.
func loadRuns(dir string) ([]run.Run, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var runs []run.Run
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var r run.Run
		if err := json.Unmarshal(data, &r); err != nil {
			log.Printf("Warning: skipping %s: %v", path, err)
			continue
		}
		if r.ID == "" {
			log.Printf("Warning: skipping %s: not a run file", path)
			continue
		}
		runs = append(runs, r)
	}
	return runs, nil
}

func printRunTable(runs []run.Run) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Run", "Period", "Sources", "Status", "Matched", "Suggested", "Unresolved", "Unparsed", "OutOfPeriod", "Unexplained"})

	for _, r := range runs {
		table.Append([]string{
			shortID(r.ID),
			fmt.Sprintf("%s .. %s", r.PeriodStart.Format("2006-01-02"), r.PeriodEnd.Format("2006-01-02")),
			fmt.Sprintf("%s/%s", r.SourceA, r.SourceB),
			string(r.Status),
			fmt.Sprintf("%d", r.Summary.ConfirmedMatches),
			fmt.Sprintf("%d", r.Summary.SuggestedMatches),
			fmt.Sprintf("%d", r.Summary.Unresolved),
			fmt.Sprintf("%d", r.Summary.Unparsed),
			fmt.Sprintf("%d", r.Summary.OutOfPeriod),
			r.Summary.UnexplainedTotal.StringFixed(2),
		})
	}

	fmt.Println("\nReconciliation runs:")
	table.Render()
}

func printVarianceTable(runs []run.Run) {
	table := tablewriter.NewWriter(os.Stdout)

	headers := []string{"Run"}
	for _, kind := range varianceOrder {
		headers = append(headers, string(kind))
	}
	table.SetHeader(headers)

	for _, r := range runs {
		row := []string{shortID(r.ID)}
		for _, kind := range varianceOrder {
			row = append(row, fmt.Sprintf("%d", r.Summary.VarianceCounts[kind]))
		}
		table.Append(row)
	}

	fmt.Println("\nVariance breakdown:")
	table.Render()
}

// generateVarianceChart renders the aggregate variance composition across
// all loaded runs as a bar chart
func generateVarianceChart(runs []run.Run, dir string) {
	totals := make(map[classify.Kind]int)
	for _, r := range runs {
		for kind, n := range r.Summary.VarianceCounts {
			totals[kind] += n
		}
	}

	var bars []chart.Value
	for _, kind := range varianceOrder {
		if totals[kind] == 0 {
			continue
		}
		bars = append(bars, chart.Value{
			Label: string(kind),
			Value: float64(totals[kind]),
		})
	}
	if len(bars) == 0 {
		log.Println("No variances to chart")
		return
	}

	barChart := chart.BarChart{
		Title: "Variance Composition",
		Background: chart.Style{
			Padding: chart.Box{
				Top:    40,
				Left:   20,
				Right:  20,
				Bottom: 20,
			},
		},
		Width:  800,
		Height: 400,
		Bars:   bars,
	}
	barChart.YAxis.ValueFormatter = func(v interface{}) string {
		if vf, isFloat := v.(float64); isFloat {
			return fmt.Sprintf("%.0f", vf)
		}
		return ""
	}

	outputFile := filepath.Join(dir, "variance_composition.png")
	f, err := os.Create(outputFile)
	if err != nil {
		log.Printf("Warning: failed to create chart file: %v", err)
		return
	}
	defer f.Close()

	if err := barChart.Render(chart.PNG, f); err != nil {
		log.Printf("Warning: failed to render chart: %v", err)
		return
	}
	log.Printf("Chart written to %s", outputFile)
}

// plotTrend queries the Timestream history sink and renders the measure as
// a time series, the period-over-period view treasury asks for at close.
func plotTrend(measure string) {
	ctx := context.Background()

	sink, err := timestream.NewSink(timestream.Config{Region: *trendRegion})
	if err != nil {
		log.Fatalf("Error creating history sink: %v", err)
	}

	end := time.Now()
	start := end.AddDate(0, 0, -*trendDays)
	points, err := sink.Trend(ctx, measure, start, end)
	if err != nil {
		log.Fatalf("Error querying trend: %v", err)
	}
	if len(points) == 0 {
		log.Printf("No history for measure %q in the last %d days", measure, *trendDays)
		return
	}

	xs := make([]time.Time, 0, len(points))
	ys := make([]float64, 0, len(points))
	for _, p := range points {
		xs = append(xs, p.Time)
		ys = append(ys, p.Value)
	}

	graph := chart.Chart{
		Title:  fmt.Sprintf("%s over time", measure),
		Width:  800,
		Height: 400,
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    measure,
				XValues: xs,
				YValues: ys,
			},
		},
	}

	dir := *outputDir
	if dir == "" {
		dir = "."
	}
	outputFile := filepath.Join(dir, fmt.Sprintf("trend_%s.png", strings.ReplaceAll(measure, "/", "_")))
	f, err := os.Create(outputFile)
	if err != nil {
		log.Fatalf("Error creating chart file: %v", err)
	}
	defer f.Close()

	if err := graph.Render(chart.PNG, f); err != nil {
		log.Fatalf("Error rendering chart: %v", err)
	}
	log.Printf("Trend chart written to %s", outputFile)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
