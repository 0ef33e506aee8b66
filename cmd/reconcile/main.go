package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pedro-hbl/recon-engine/pkg/classify"
	"github.com/pedro-hbl/recon-engine/pkg/history/timestream"
	"github.com/pedro-hbl/recon-engine/pkg/ingest"
	"github.com/pedro-hbl/recon-engine/pkg/ledger"
	"github.com/pedro-hbl/recon-engine/pkg/ledger/dynamodb"
	"github.com/pedro-hbl/recon-engine/pkg/ledger/immudb"
	"github.com/pedro-hbl/recon-engine/pkg/ledger/memory"
	"github.com/pedro-hbl/recon-engine/pkg/match"
	"github.com/pedro-hbl/recon-engine/pkg/records"
	"github.com/pedro-hbl/recon-engine/pkg/run"
)

// Command line flags
var (
	fileA   = flag.String("file-a", "", "CSV export for side A (required)")
	fileB   = flag.String("file-b", "", "CSV export for side B (required)")
	sourceA = flag.String("source-a", "BANK", "Source system of side A: BANK, LOCKBOX, BILLING, LEDGER")
	sourceB = flag.String("source-b", "BILLING", "Source system of side B: BANK, LOCKBOX, BILLING, LEDGER")

	periodStart = flag.String("period-start", "", "Period start, YYYY-MM-DD (required)")
	periodEnd   = flag.String("period-end", "", "Period end, YYYY-MM-DD (required)")

	dateWindow   = flag.Int("date-window", 3, "Calendar-day tolerance for date-tolerant and aggregate matching")
	similarity   = flag.Float64("similarity", 0.85, "Minimum reference similarity for date-tolerant matching")
	maxGroupSize = flag.Int("max-group", 50, "Maximum records aggregated into one match")

	decimalSep   = flag.String("decimal-sep", ".", "Decimal separator hint for amount parsing")
	thousandsSep = flag.String("thousands-sep", ",", "Thousands separator hint for amount parsing")

	knownNames = flag.String("known-counterparties", "", "File with one counterparty name per line, seen in prior periods")

	ledgerType   = flag.String("ledger", "memory", "Ledger backend: memory, immudb, dynamodb")
	ledgerConfig = flag.String("ledger-config", "", "Path to JSON config for the ledger backend")

	historyEnabled = flag.Bool("history", false, "Record the run summary in the Timestream history sink")
	historyRegion  = flag.String("history-region", "us-east-1", "AWS region for the history sink")

	output  = flag.String("output", "", "File to write the run JSON to (default stdout)")
	verbose = flag.Bool("verbose", false, "Enable verbose output")
)

func main() {
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ldate | log.Ltime)

	if *fileA == "" || *fileB == "" || *periodStart == "" || *periodEnd == "" {
		flag.Usage()
		os.Exit(1)
	}

	start, err := time.Parse("2006-01-02", *periodStart)
	if err != nil {
		log.Fatalf("Invalid -period-start: %v", err)
	}
	end, err := time.Parse("2006-01-02", *periodEnd)
	if err != nil {
		log.Fatalf("Invalid -period-end: %v", err)
	}
	if end.Before(start) {
		log.Fatalf("-period-end cannot be before -period-start")
	}

	srcA, err := parseSource(*sourceA)
	if err != nil {
		log.Fatalf("Invalid -source-a: %v", err)
	}
	srcB, err := parseSource(*sourceB)
	if err != nil {
		log.Fatalf("Invalid -source-b: %v", err)
	}

	entriesA, err := ingest.LoadFile(*fileA, srcA)
	if err != nil {
		log.Fatalf("Error loading %s: %v", *fileA, err)
	}
	entriesB, err := ingest.LoadFile(*fileB, srcB)
	if err != nil {
		log.Fatalf("Error loading %s: %v", *fileB, err)
	}
	if *verbose {
		log.Printf("Loaded %d entries from %s, %d entries from %s", len(entriesA), *fileA, len(entriesB), *fileB)
	}

	ctx := context.Background()

	store, err := createStore(ctx, *ledgerType, *ledgerConfig)
	if err != nil {
		log.Fatalf("Error creating ledger store: %v", err)
	}
	defer store.Close()

	cfg := match.DefaultConfig()
	cfg.DateWindowDays = *dateWindow
	cfg.ReferenceSimilarity = *similarity
	cfg.MaxGroupSize = *maxGroupSize

	clsCtx := classify.DefaultContext()
	clsCtx.DateWindowDays = *dateWindow
	if *knownNames != "" {
		clsCtx.KnownCounterparties, err = loadKnownCounterparties(*knownNames)
		if err != nil {
			log.Fatalf("Error loading known counterparties: %v", err)
		}
	}

	inputs := run.Inputs{
		PeriodStart: start,
		PeriodEnd:   end,
		SourceA:     srcA,
		SourceB:     srcB,
		EntriesA:    entriesA,
		EntriesB:    entriesB,
		Hints: records.LocaleHints{
			DecimalSeparator:   firstRune(*decimalSep),
			ThousandsSeparator: firstRune(*thousandsSep),
		},
		MatchConfig:     cfg,
		ClassifyContext: clsCtx,
	}

	orchestrator := run.New(store)
	result, err := orchestrator.Execute(ctx, inputs)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	log.Printf("Run %s finished: %s (%d matches, %d unresolved, %d unparsed)",
		result.ID, result.Status, result.Summary.Matches, result.Summary.Unresolved, result.Summary.Unparsed)

	if *historyEnabled {
		writeHistory(ctx, result, end)
	}

	if err := writeRun(result, *output); err != nil {
		log.Fatalf("Error writing run output: %v", err)
	}
}

func parseSource(s string) (records.SourceSystem, error) {
	switch records.SourceSystem(strings.ToUpper(s)) {
	case records.SourceBank:
		return records.SourceBank, nil
	case records.SourceLockbox:
		return records.SourceLockbox, nil
	case records.SourceBilling:
		return records.SourceBilling, nil
	case records.SourceLedger:
		return records.SourceLedger, nil
	}
	return "", fmt.Errorf("unsupported source system: %s", s)
}

// createStore builds the requested ledger backend. Config files use the
// same free-form JSON maps the store factories take.
func createStore(ctx context.Context, storeType, configPath string) (ledger.Store, error) {
	config := map[string]interface{}{}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("error reading ledger config: %w", err)
		}
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("error parsing ledger config: %w", err)
		}
	}

	var (
		store ledger.Store
		err   error
	)

	switch strings.ToLower(storeType) {
	case "memory":
		store, err = memory.NewFactory().CreateStore(config)
	case "immudb":
		store, err = immudb.NewFactory().CreateStore(config)
	case "dynamodb":
		store, err = dynamodb.NewFactory().CreateStore(config)
	default:
		return nil, fmt.Errorf("unsupported ledger backend: %s", storeType)
	}
	if err != nil {
		return nil, fmt.Errorf("error creating ledger store: %w", err)
	}

	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("error initializing ledger store: %w", err)
	}
	return store, nil
}

func loadKnownCounterparties(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	known := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := records.NormalizeText(scanner.Text())
		if name != "" {
			known[name] = true
		}
	}
	return known, scanner.Err()
}

// writeHistory is best-effort: a history outage never fails a finished run.
func writeHistory(ctx context.Context, result *run.Run, periodEnd time.Time) {
	sink, err := timestream.NewSink(timestream.Config{Region: *historyRegion})
	if err != nil {
		log.Printf("Warning: history sink unavailable: %v", err)
		return
	}
	if err := sink.WriteRunSummary(ctx, result.Summary, periodEnd); err != nil {
		log.Printf("Warning: failed to record run history: %v", err)
	}
}

func writeRun(result *run.Run, path string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}

	if path == "" {
		fmt.Println(string(data))
		return nil
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}
