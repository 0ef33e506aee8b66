package match

import (
	"github.com/shopspring/decimal"
)

// Strategy identifies which cascade stage produced a match
type Strategy string

const (
	// StrategyExact is stage 1: amount, date and normalized reference all equal
	StrategyExact Strategy = "EXACT"
	// StrategyDateTolerant is stage 2: amount equal, date within the window,
	// reference similar
	StrategyDateTolerant Strategy = "DATE_TOLERANT"
	// StrategyAggregate is stage 3: one record equals the sum of a batch on
	// the other side
	StrategyAggregate Strategy = "AGGREGATE"
	// StrategyAmountOnly is stage 4: amount equal, nothing else; always
	// suggested, never confirmed
	StrategyAmountOnly Strategy = "AMOUNT_ONLY"
	// StrategyManual marks an operator override
	StrategyManual Strategy = "MANUAL"
)

// Confidence is the review state of a match
type Confidence string

const (
	// ConfidenceConfirmed means the match counts toward closing the run
	ConfidenceConfirmed Confidence = "CONFIRMED"
	// ConfidenceSuggested means the match needs operator confirmation
	ConfidenceSuggested Confidence = "SUGGESTED"
	// ConfidenceRejected means an operator dismissed the match
	ConfidenceRejected Confidence = "REJECTED"
)

// Match is a correspondence between one or more records in set A and one or
// more in set B. Splits and aggregations (1:N, N:1, N:M) are expressed
// through the member sets.
//
// Invariant: sum of member A amounts = sum of member B amounts +
// VarianceAmount, exactly. The ledger refuses matches that violate it.
type Match struct {
	MembersA       []string        `json:"membersA"`
	MembersB       []string        `json:"membersB"`
	Strategy       Strategy        `json:"strategy"`
	Confidence     Confidence      `json:"confidence"`
	VarianceAmount decimal.Decimal `json:"varianceAmount"`

	// VarianceKind is empty until the classifier annotates a partial match
	VarianceKind string `json:"varianceKind,omitempty"`
}

// MemberIDs returns every record ID the match claims, both sides.
func (m Match) MemberIDs() []string {
	ids := make([]string, 0, len(m.MembersA)+len(m.MembersB))
	ids = append(ids, m.MembersA...)
	ids = append(ids, m.MembersB...)
	return ids
}
