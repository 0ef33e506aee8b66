// Package run drives a reconciliation run through its stages: normalize,
// match, classify, persist. Stages are strictly sequential and the pipeline
// is non-reentrant; a crashed run restarts from the top rather than
// resuming, which is safe because every stage before persistence is a pure
// function of the inputs.
package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pedro-hbl/recon-engine/internal/metrics"
	"github.com/pedro-hbl/recon-engine/pkg/classify"
	"github.com/pedro-hbl/recon-engine/pkg/ledger"
	"github.com/pedro-hbl/recon-engine/pkg/match"
	"github.com/pedro-hbl/recon-engine/pkg/records"
)

// runNamespace seeds derived run IDs
var runNamespace = uuid.MustParse("b41cf1e2-8d02-5f6e-a9c3-75f0d9b64a18")

// Orchestrator executes reconciliation runs against one ledger store.
// Independent runs may execute concurrently; each gets its own ledger, so
// the only shared state is the store, which serializes per run.
type Orchestrator struct {
	store ledger.Store
}

// New creates an orchestrator over the given ledger store.
func New(store ledger.Store) *Orchestrator {
	return &Orchestrator{store: store}
}

// Execute runs the full pipeline for one period and source pair. The
// returned Run is terminal: COMPLETE, COMPLETE_WITH_VARIANCE, CANCELLED or
// FAILED. Cancellation via ctx is honored at stage boundaries before
// anything is persisted; once persistence begins the run always reaches a
// terminal state so the ledger never holds a half-written stage.
func (o *Orchestrator) Execute(ctx context.Context, in Inputs) (*Run, error) {
	runID := in.RunID
	if runID == "" {
		runID = deriveRunID(in)
	}

	existing, err := o.store.Entries(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("checking run history: %w", err)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: run %s", ErrRunNotResumable, runID)
	}

	r := &Run{
		ID:          runID,
		PeriodStart: in.PeriodStart,
		PeriodEnd:   in.PeriodEnd,
		SourceA:     in.SourceA,
		SourceB:     in.SourceB,
		Status:      StatusCreated,
	}
	collector := metrics.NewCollector()

	if cancelled(ctx) {
		r.Status = StatusCancelled
		return r, ctx.Err()
	}

	// NORMALIZING
	r.Status = StatusNormalizing
	var setA, setB []records.TransactionRecord
	_ = collector.MeasureStage(metrics.StageNormalize, len(in.EntriesA)+len(in.EntriesB), func() error {
		var unparsedA, unparsedB []records.UnparsedEntry
		setA, unparsedA = records.Normalize(in.EntriesA, in.SourceA, in.Hints)
		setB, unparsedB = records.Normalize(in.EntriesB, in.SourceB, in.Hints)
		r.Unparsed = append(unparsedA, unparsedB...)
		return nil
	})
	for _, u := range r.Unparsed {
		collector.CountError(defectKind(u.Err))
	}
	var outA, outB []string
	setA, outA = splitPeriod(setA, in.PeriodStart, in.PeriodEnd)
	setB, outB = splitPeriod(setB, in.PeriodStart, in.PeriodEnd)
	r.OutOfPeriod = append(outA, outB...)

	if cancelled(ctx) {
		r.Status = StatusCancelled
		r.Stages = collector.Stages()
		return r, ctx.Err()
	}

	// MATCHING
	r.Status = StatusMatching
	var result match.Result
	_ = collector.MeasureStage(metrics.StageMatch, len(setA)+len(setB), func() error {
		result = match.Run(setA, setB, in.MatchConfig)
		return nil
	})

	if cancelled(ctx) {
		// The stage finished but nothing has been persisted yet, so this is
		// still a safe point to stop.
		r.Status = StatusCancelled
		r.Stages = collector.Stages()
		return r, ctx.Err()
	}

	// CLASSIFYING
	r.Status = StatusClassifying
	var variances []classify.ClassifiedVariance
	_ = collector.MeasureStage(metrics.StageClassify, len(result.ResidualA)+len(result.ResidualB), func() error {
		variances = classify.Classify(result.ResidualA, result.ResidualB, in.ClassifyContext)
		return nil
	})

	// PERSIST. From here on the run always reaches a terminal state.
	all := append(append([]records.TransactionRecord{}, setA...), setB...)
	led := ledger.New(runID, o.store, all)
	r.ledger = led
	for kind, n := range collector.ErrorCounts() {
		for i := 0; i < n; i++ {
			led.CountError(kind)
		}
	}

	persistErr := collector.MeasureStage(metrics.StagePersist, len(result.Matches)+len(variances), func() error {
		for _, m := range result.Matches {
			if err := led.RecordMatch(ctx, m); err != nil {
				return err
			}
		}
		for _, v := range variances {
			if err := led.RecordVariance(ctx, v); err != nil {
				return err
			}
		}
		return nil
	})

	r.Matches = result.Matches
	for _, rec := range result.ResidualA {
		r.Unresolved = append(r.Unresolved, rec.ID)
	}
	for _, rec := range result.ResidualB {
		r.Unresolved = append(r.Unresolved, rec.ID)
	}

	summary := led.Summary()
	summary.Unresolved = len(r.Unresolved)
	summary.Unparsed = len(r.Unparsed)
	summary.OutOfPeriod = len(r.OutOfPeriod)
	r.Summary = summary
	r.Stages = collector.Stages()

	if persistErr != nil {
		r.Status = StatusFailed
		return r, fmt.Errorf("run %s halted during persist: %w", runID, persistErr)
	}

	r.Status = terminalStatus(r)
	return r, nil
}

// terminalStatus decides between the two healthy terminal states. COMPLETE
// requires every record claimed by a confirmed match: no residuals, no
// unparsed entries, no suggested matches awaiting an operator, and nothing
// tagged UNEXPLAINED or FRAUD_CANDIDATE. Everything else closes the period
// with documented variance.
func terminalStatus(r *Run) Status {
	s := r.Summary
	clean := len(r.Unresolved) == 0 &&
		len(r.Unparsed) == 0 &&
		s.SuggestedMatches == 0 &&
		s.VarianceCounts[classify.KindUnexplained] == 0 &&
		s.VarianceCounts[classify.KindFraudCandidate] == 0
	if clean {
		return StatusComplete
	}
	return StatusCompleteWithVariance
}

func cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

func deriveRunID(in Inputs) string {
	seed := fmt.Sprintf("%s|%s|%s|%s",
		in.SourceA, in.SourceB,
		in.PeriodStart.UTC().Format("2006-01-02"),
		in.PeriodEnd.UTC().Format("2006-01-02"))
	return uuid.NewSHA1(runNamespace, []byte(seed)).String()
}

// splitPeriod separates records inside the run period (end-inclusive through
// the last second of the day) from those outside it. Out-of-period records
// are excluded from matching but reported on the run, never dropped.
func splitPeriod(recs []records.TransactionRecord, start, end time.Time) ([]records.TransactionRecord, []string) {
	endOfDay := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, time.UTC)
	var in []records.TransactionRecord
	var out []string
	for _, rec := range recs {
		if rec.OccurredAt.Before(start) || rec.OccurredAt.After(endOfDay) {
			out = append(out, rec.ID)
			continue
		}
		in = append(in, rec)
	}
	return in, out
}

func defectKind(err error) string {
	switch {
	case errors.Is(err, records.ErrMalformedAmount):
		return "MalformedAmount"
	case errors.Is(err, records.ErrMissingRequiredField):
		return "MissingRequiredField"
	default:
		return "Unparsed"
	}
}
