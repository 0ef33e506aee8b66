package run

import (
	"errors"
	"time"

	"github.com/pedro-hbl/recon-engine/internal/metrics"
	"github.com/pedro-hbl/recon-engine/pkg/classify"
	"github.com/pedro-hbl/recon-engine/pkg/ledger"
	"github.com/pedro-hbl/recon-engine/pkg/match"
	"github.com/pedro-hbl/recon-engine/pkg/records"
)

// ErrRunNotResumable rejects resuming a run that already has ledger history.
// A crashed run cannot be picked up mid-stage; restart it from scratch with
// the same inputs, which yields the same ledger (the stages are pure).
var ErrRunNotResumable = errors.New("run already has ledger history; restart it from CREATED")

// Status is the orchestrator state of a run
type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusNormalizing Status = "NORMALIZING"
	StatusMatching    Status = "MATCHING"
	StatusClassifying Status = "CLASSIFYING"

	// StatusComplete means every record matched with confirmed confidence and
	// nothing needs investigation
	StatusComplete Status = "COMPLETE"

	// StatusCompleteWithVariance is a valid terminal state: the period closed
	// with documented, classified discrepancies
	StatusCompleteWithVariance Status = "COMPLETE_WITH_VARIANCE"

	// StatusCancelled means the run was cancelled at a safe stage boundary
	// before anything was persisted
	StatusCancelled Status = "CANCELLED"

	// StatusFailed means a structural invariant broke mid-persist; the ledger
	// holds whatever was appended and the run needs manual intervention
	StatusFailed Status = "FAILED"
)

// Inputs is everything one reconciliation run is a function of. Two runs
// with equal Inputs produce byte-identical ledgers.
type Inputs struct {
	// RunID may be empty, in which case it is derived from the sources and
	// period so restarts land on the same ledger namespace
	RunID string

	PeriodStart time.Time
	PeriodEnd   time.Time

	SourceA records.SourceSystem
	SourceB records.SourceSystem

	EntriesA []records.RawEntry
	EntriesB []records.RawEntry

	Hints           records.LocaleHints
	MatchConfig     match.Config
	ClassifyContext classify.Context
}

// Run is one reconciliation execution over a bounded period for a named
// pair of sources. It is mutated only by the Orchestrator and by explicit
// overrides through its ledger; at completion it is archived, never deleted.
type Run struct {
	ID          string               `json:"id"`
	PeriodStart time.Time            `json:"periodStart"`
	PeriodEnd   time.Time            `json:"periodEnd"`
	SourceA     records.SourceSystem `json:"sourceA"`
	SourceB     records.SourceSystem `json:"sourceB"`
	Status      Status               `json:"status"`

	Matches    []match.Match           `json:"matches"`
	Unresolved []string                `json:"unresolved"`
	Unparsed   []records.UnparsedEntry `json:"unparsed,omitempty"`

	// OutOfPeriod lists records that normalized cleanly but fall outside the
	// run period. They take no part in matching, but they are accounted for:
	// no record vanishes between input and output.
	OutOfPeriod []string `json:"outOfPeriod,omitempty"`

	Summary ledger.Summary        `json:"summary"`
	Stages  []metrics.StageMetric `json:"stages,omitempty"`

	ledger *ledger.Ledger
}

// Ledger exposes the run's ledger for operator overrides and inspection.
// Nil until the run has reached its persist stage.
func (r *Run) Ledger() *ledger.Ledger {
	return r.ledger
}
