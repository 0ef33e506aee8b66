// Package ledger is the append-only record of match decisions, variance
// classifications and operator overrides for a reconciliation run. Nothing
// is ever deleted: overrides supersede earlier entries and both stay in the
// store, which is the audit trail the close process depends on.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pedro-hbl/recon-engine/pkg/classify"
	"github.com/pedro-hbl/recon-engine/pkg/match"
	"github.com/pedro-hbl/recon-engine/pkg/records"
)

var (
	// ErrDuplicateRecordID means a record is already claimed by a live entry
	// in the same run. Fatal to the append attempt, never silently ignored.
	ErrDuplicateRecordID = errors.New("record already claimed in this run")

	// ErrEmptyOverrideReason rejects overrides without an audit reason
	ErrEmptyOverrideReason = errors.New("override requires a non-empty reason")

	// ErrConservation means a match's member sums do not balance against its
	// variance amount
	ErrConservation = errors.New("match violates conservation: sum(A) != sum(B) + variance")

	// ErrUnknownRecord means a match references a record ID the run never saw
	ErrUnknownRecord = errors.New("unknown record id")
)

// EntryKind discriminates what a ledger entry holds
type EntryKind string

const (
	EntryMatch    EntryKind = "MATCH"
	EntryVariance EntryKind = "VARIANCE"
	EntryOverride EntryKind = "OVERRIDE"
)

// Entry is one appended ledger row. Entries carry no wall-clock timestamp:
// ledger contents must be byte-identical across re-runs of the same input.
type Entry struct {
	RunID string    `json:"runId"`
	Seq   uint64    `json:"seq"`
	Kind  EntryKind `json:"kind"`

	Match    *match.Match                 `json:"match,omitempty"`
	Variance *classify.ClassifiedVariance `json:"variance,omitempty"`

	// OperatorID and Reason are set on override entries only
	OperatorID string `json:"operatorId,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// SupersedesSeq points at the entry this override invalidates; zero when
	// the override claims previously unresolved records
	SupersedesSeq uint64 `json:"supersedesSeq,omitempty"`
}

// Store is the persistence backend for ledger entries. Implementations must
// be append-only and durable; per-run write ordering is the Ledger's job.
type Store interface {
	Initialize(ctx context.Context) error
	Close() error

	// Append persists one entry. Sequence numbers are assigned by the caller
	// and must be strictly increasing per run.
	Append(ctx context.Context, entry Entry) error

	// Entries returns all entries for a run in sequence order.
	Entries(ctx context.Context, runID string) ([]Entry, error)

	// Metrics and diagnostics
	GetMetrics() map[string]interface{}
	ResetMetrics()
}

// Factory creates and configures a specific store implementation
type Factory interface {
	CreateStore(config map[string]interface{}) (Store, error)
}

// Summary aggregates a run's ledger for reporting.
type Summary struct {
	RunID            string                 `json:"runId"`
	TotalRecords     int                    `json:"totalRecords"`
	Matches          int                    `json:"matches"`
	ConfirmedMatches int                    `json:"confirmedMatches"`
	SuggestedMatches int                    `json:"suggestedMatches"`
	Overrides        int                    `json:"overrides"`
	StrategyCounts   map[match.Strategy]int `json:"strategyCounts"`
	VarianceCounts   map[classify.Kind]int  `json:"varianceCounts"`
	UnexplainedTotal decimal.Decimal        `json:"unexplainedTotal"`
	Unresolved       int                    `json:"unresolved"`
	Unparsed         int                    `json:"unparsed"`
	OutOfPeriod      int                    `json:"outOfPeriod"`
	ErrorCounts      map[string]int         `json:"errorCounts"`
}

// Ledger is the in-process, single-writer view of one run's entries. All
// appends for a run go through one Ledger, whose mutex serializes them; that
// is what preserves the one-record-one-match invariant under concurrent
// override requests.
type Ledger struct {
	mu    sync.Mutex
	runID string
	store Store

	index       map[string]records.TransactionRecord
	seq         uint64
	claims      map[string]uint64
	entries     []Entry
	superseded  map[uint64]bool
	errorCounts map[string]int
}

// New creates the ledger for a run over the given normalized records. The
// record set is the universe match members are validated against.
func New(runID string, store Store, recs []records.TransactionRecord) *Ledger {
	index := make(map[string]records.TransactionRecord, len(recs))
	for _, r := range recs {
		index[r.ID] = r
	}
	return &Ledger{
		runID:       runID,
		store:       store,
		index:       index,
		claims:      make(map[string]uint64),
		superseded:  make(map[uint64]bool),
		errorCounts: make(map[string]int),
	}
}

// RecordMatch appends a match after validating conservation and the
// one-record-one-match invariant.
func (l *Ledger) RecordMatch(ctx context.Context, m match.Match) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validateMatch(m, nil); err != nil {
		return err
	}

	return l.append(ctx, Entry{Kind: EntryMatch, Match: &m})
}

// RecordVariance appends a classified variance. The classified record is
// claimed like a match member so it cannot also appear in a later match
// without an explicit override.
func (l *Ledger) RecordVariance(ctx context.Context, v classify.ClassifiedVariance) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[v.RecordID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecord, v.RecordID)
	}
	if _, taken := l.claims[v.RecordID]; taken {
		return fmt.Errorf("%w: %s", ErrDuplicateRecordID, v.RecordID)
	}

	return l.append(ctx, Entry{Kind: EntryVariance, Variance: &v})
}

// Override records an operator decision: a new MANUAL match that supersedes
// whatever entry currently claims recordID. The superseded entry stays in
// the store for audit. A record that was unresolved (claimed by nothing) can
// be overridden too; nothing is superseded in that case.
func (l *Ledger) Override(ctx context.Context, recordID string, newMatch match.Match, operatorID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if reason == "" {
		return ErrEmptyOverrideReason
	}

	oldSeq, hadClaim := l.claims[recordID]

	newMatch.Strategy = match.StrategyManual
	newMatch.Confidence = match.ConfidenceConfirmed

	var released map[string]bool
	if hadClaim {
		released = l.membersOf(oldSeq)
	}
	if err := l.validateMatch(newMatch, released); err != nil {
		return err
	}

	entry := Entry{
		Kind:          EntryOverride,
		Match:         &newMatch,
		OperatorID:    operatorID,
		Reason:        reason,
		SupersedesSeq: oldSeq,
	}

	if err := l.append(ctx, entry); err != nil {
		return err
	}

	if hadClaim {
		l.superseded[oldSeq] = true
		// Release records of the superseded entry that the new match did not
		// re-claim; they are unresolved again.
		for id := range released {
			if l.claims[id] == oldSeq {
				delete(l.claims, id)
			}
		}
	}
	return nil
}

// CountError tallies a record-level defect (malformed amount, missing field)
// for the run summary. Defects are reported, not thrown: one bad record must
// not fail a batch of hundreds.
func (l *Ledger) CountError(kind string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorCounts[kind]++
}

// Entries returns the in-process view of everything appended so far.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Summary aggregates counts per strategy and variance kind plus the total
// unexplained amount, over live (non-superseded) entries only.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{
		RunID:            l.runID,
		TotalRecords:     len(l.index),
		StrategyCounts:   make(map[match.Strategy]int),
		VarianceCounts:   make(map[classify.Kind]int),
		UnexplainedTotal: decimal.Zero,
		ErrorCounts:      make(map[string]int),
	}
	for k, v := range l.errorCounts {
		s.ErrorCounts[k] = v
	}

	for _, e := range l.entries {
		if l.superseded[e.Seq] {
			continue
		}
		switch e.Kind {
		case EntryMatch, EntryOverride:
			s.Matches++
			if e.Kind == EntryOverride {
				s.Overrides++
			}
			s.StrategyCounts[e.Match.Strategy]++
			switch e.Match.Confidence {
			case match.ConfidenceConfirmed:
				s.ConfirmedMatches++
			case match.ConfidenceSuggested:
				s.SuggestedMatches++
			}
		case EntryVariance:
			s.VarianceCounts[e.Variance.Kind]++
			if e.Variance.Kind == classify.KindUnexplained {
				s.UnexplainedTotal = s.UnexplainedTotal.Add(e.Variance.Amount.Abs())
			}
		}
	}

	return s
}

// append assumes l.mu is held.
func (l *Ledger) append(ctx context.Context, entry Entry) error {
	entry.RunID = l.runID
	entry.Seq = l.seq + 1

	if err := l.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("ledger append failed: %w", err)
	}

	l.seq = entry.Seq
	l.entries = append(l.entries, entry)

	switch entry.Kind {
	case EntryMatch, EntryOverride:
		for _, id := range entry.Match.MemberIDs() {
			l.claims[id] = entry.Seq
		}
	case EntryVariance:
		l.claims[entry.Variance.RecordID] = entry.Seq
	}
	return nil
}

// validateMatch checks member existence, the duplicate-claim invariant
// (ignoring IDs in released) and exact conservation. Assumes l.mu is held.
func (l *Ledger) validateMatch(m match.Match, released map[string]bool) error {
	sumA, err := l.sumSide(m.MembersA, released)
	if err != nil {
		return err
	}
	sumB, err := l.sumSide(m.MembersB, released)
	if err != nil {
		return err
	}

	if !sumA.Equal(sumB.Add(m.VarianceAmount)) {
		return fmt.Errorf("%w: %s != %s + %s",
			ErrConservation, sumA.String(), sumB.String(), m.VarianceAmount.String())
	}
	return nil
}

func (l *Ledger) sumSide(ids []string, released map[string]bool) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, id := range ids {
		rec, ok := l.index[id]
		if !ok {
			return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnknownRecord, id)
		}
		if _, taken := l.claims[id]; taken && !released[id] {
			return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrDuplicateRecordID, id)
		}
		sum = sum.Add(rec.Amount)
	}
	return sum, nil
}

// membersOf collects the record IDs claimed by the entry at seq. Assumes
// l.mu is held.
func (l *Ledger) membersOf(seq uint64) map[string]bool {
	out := make(map[string]bool)
	for _, e := range l.entries {
		if e.Seq != seq {
			continue
		}
		switch e.Kind {
		case EntryMatch, EntryOverride:
			for _, id := range e.Match.MemberIDs() {
				out[id] = true
			}
		case EntryVariance:
			out[e.Variance.RecordID] = true
		}
	}
	return out
}
