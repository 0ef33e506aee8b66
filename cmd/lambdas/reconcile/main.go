package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/pedro-hbl/recon-engine/pkg/classify"
	"github.com/pedro-hbl/recon-engine/pkg/ledger"
	"github.com/pedro-hbl/recon-engine/pkg/ledger/dynamodb"
	"github.com/pedro-hbl/recon-engine/pkg/ledger/immudb"
	"github.com/pedro-hbl/recon-engine/pkg/ledger/memory"
	"github.com/pedro-hbl/recon-engine/pkg/match"
	"github.com/pedro-hbl/recon-engine/pkg/records"
	"github.com/pedro-hbl/recon-engine/pkg/run"
)

// ReconcileRequest is the Lambda payload: the ingestion layer ships raw
// entries for both sides plus the run parameters.
type ReconcileRequest struct {
	RunID       string `json:"runId,omitempty"`
	SourceA     string `json:"sourceA"`
	SourceB     string `json:"sourceB"`
	PeriodStart string `json:"periodStart"` // YYYY-MM-DD
	PeriodEnd   string `json:"periodEnd"`   // YYYY-MM-DD

	EntriesA []records.RawEntry `json:"entriesA"`
	EntriesB []records.RawEntry `json:"entriesB"`

	// Matching knobs; zero values fall back to defaults
	DateWindowDays      int     `json:"dateWindowDays,omitempty"`
	ReferenceSimilarity float64 `json:"referenceSimilarity,omitempty"`
	MaxGroupSize        int     `json:"maxGroupSize,omitempty"`

	KnownCounterparties []string `json:"knownCounterparties,omitempty"`

	LedgerType   string                 `json:"ledgerType,omitempty"` // memory, immudb, dynamodb
	LedgerConfig map[string]interface{} `json:"ledgerConfig,omitempty"`
}

// ReconcileResponse carries the terminal state and summary back to the caller
type ReconcileResponse struct {
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	RunID        string         `json:"runId,omitempty"`
	Status       run.Status     `json:"status,omitempty"`
	Summary      ledger.Summary `json:"summary,omitempty"`
	Unresolved   []string       `json:"unresolved,omitempty"`
	DurationMs   int64          `json:"durationMs"`
}

var isColdStart = true

func init() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	log.Println("Reconciliation function initialized")
}

func handleRequest(ctx context.Context, request ReconcileRequest) (ReconcileResponse, error) {
	started := time.Now()
	if isColdStart {
		log.Println("Cold start")
		isColdStart = false
	}

	inputs, err := buildInputs(request)
	if err != nil {
		return failure(err, started), nil
	}

	store, err := createStoreAdapter(ctx, request.LedgerType, request.LedgerConfig)
	if err != nil {
		return failure(err, started), nil
	}
	defer store.Close()

	orchestrator := run.New(store)
	result, err := orchestrator.Execute(ctx, inputs)
	if err != nil {
		resp := failure(err, started)
		if result != nil {
			resp.RunID = result.ID
			resp.Status = result.Status
		}
		return resp, nil
	}

	return ReconcileResponse{
		Success:    true,
		RunID:      result.ID,
		Status:     result.Status,
		Summary:    result.Summary,
		Unresolved: result.Unresolved,
		DurationMs: time.Since(started).Milliseconds(),
	}, nil
}

func buildInputs(request ReconcileRequest) (run.Inputs, error) {
	srcA, err := parseSource(request.SourceA)
	if err != nil {
		return run.Inputs{}, err
	}
	srcB, err := parseSource(request.SourceB)
	if err != nil {
		return run.Inputs{}, err
	}

	start, err := time.Parse("2006-01-02", request.PeriodStart)
	if err != nil {
		return run.Inputs{}, fmt.Errorf("invalid periodStart: %w", err)
	}
	end, err := time.Parse("2006-01-02", request.PeriodEnd)
	if err != nil {
		return run.Inputs{}, fmt.Errorf("invalid periodEnd: %w", err)
	}

	cfg := match.DefaultConfig()
	if request.DateWindowDays > 0 {
		cfg.DateWindowDays = request.DateWindowDays
	}
	if request.ReferenceSimilarity > 0 {
		cfg.ReferenceSimilarity = request.ReferenceSimilarity
	}
	if request.MaxGroupSize > 0 {
		cfg.MaxGroupSize = request.MaxGroupSize
	}

	clsCtx := classify.DefaultContext()
	clsCtx.DateWindowDays = cfg.DateWindowDays
	for _, name := range request.KnownCounterparties {
		if n := records.NormalizeText(name); n != "" {
			clsCtx.KnownCounterparties[n] = true
		}
	}

	return run.Inputs{
		RunID:       request.RunID,
		PeriodStart: start,
		PeriodEnd:   end,
		SourceA:     srcA,
		SourceB:     srcB,
		EntriesA:    request.EntriesA,
		EntriesB:    request.EntriesB,
		Hints: records.LocaleHints{
			DecimalSeparator:   '.',
			ThousandsSeparator: ',',
		},
		MatchConfig:     cfg,
		ClassifyContext: clsCtx,
	}, nil
}

// createStoreAdapter creates the appropriate ledger backend for the request
func createStoreAdapter(ctx context.Context, storeType string, params map[string]interface{}) (ledger.Store, error) {
	config := map[string]interface{}{
		"region":    os.Getenv("AWS_REGION"),
		"tableName": os.Getenv("LEDGER_TABLE_NAME"),
	}
	for k, v := range params {
		config[k] = v
	}
	if endpoint, ok := os.LookupEnv("LEDGER_ENDPOINT"); ok && endpoint != "" {
		config["endpoint"] = endpoint
	}

	if storeType == "" {
		storeType = os.Getenv("LEDGER_TYPE")
	}

	var (
		store ledger.Store
		err   error
	)

	switch strings.ToLower(storeType) {
	case "", "dynamodb":
		store, err = dynamodb.NewFactory().CreateStore(config)
	case "immudb":
		store, err = immudb.NewFactory().CreateStore(config)
	case "memory":
		store, err = memory.NewFactory().CreateStore(config)
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
	return "", fmt.Errorf("unsupported source system: %q", s)
}

func failure(err error, started time.Time) ReconcileResponse {
	log.Printf("Request failed: %v", err)
	return ReconcileResponse{
		Success:      false,
		ErrorMessage: err.Error(),
		DurationMs:   time.Since(started).Milliseconds(),
	}
}

func main() {
	lambda.Start(handleRequest)
}
