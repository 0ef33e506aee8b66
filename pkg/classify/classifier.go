// Package classify annotates the records the matcher could not pair. It
// explains residual variance so a period can close with documented
// discrepancies instead of blocking on a perfect match. The classifier never
// mutates or merges anything; it only tags.
package classify

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pedro-hbl/recon-engine/pkg/records"
)

// Kind is a variance classification tag
type Kind string

const (
	// KindFee is a small residual whose reference matches known bank fee wording
	KindFee Kind = "FEE"
	// KindFXDifference is the same nominal foreign amount converted on
	// different rate dates
	KindFXDifference Kind = "FX_DIFFERENCE"
	// KindTiming is a counterpart that exists but outside the matcher's window
	KindTiming Kind = "TIMING"
	// KindDuplicateCandidate flags same-set records sharing amount, date and
	// reference; flagged only, never auto-merged
	KindDuplicateCandidate Kind = "DUPLICATE_CANDIDATE"
	// KindFraudCandidate is a heuristic flag for human review, never an
	// automatic block
	KindFraudCandidate Kind = "FRAUD_CANDIDATE"
	// KindUnexplained needs manual investigation
	KindUnexplained Kind = "UNEXPLAINED"
)

// Side says which residual set a classified record came from
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// ClassifiedVariance is one residual record with its explanation.
type ClassifiedVariance struct {
	RecordID string          `json:"recordId"`
	Side     Side            `json:"side"`
	Kind     Kind            `json:"kind"`
	Amount   decimal.Decimal `json:"amount"`
	Detail   string          `json:"detail,omitempty"`
}

// Context carries the reference data classification needs.
type Context struct {
	// FeeKeywords are matched case-insensitively against reference text
	FeeKeywords []string

	// SmallAmountThreshold caps what can be explained away as a fee
	SmallAmountThreshold decimal.Decimal

	// KnownCounterparties holds normalized names seen in prior periods; a
	// name absent from it is treated as new for the fraud heuristic
	KnownCounterparties map[string]bool

	// DateWindowDays mirrors the matcher's window so timing differences
	// beyond it can be recognized here
	DateWindowDays int
}

// DefaultContext returns the stock fee vocabulary and a $100 fee ceiling.
func DefaultContext() Context {
	return Context{
		FeeKeywords:          []string{"wire", "maintenance", "ach", "processing", "fee", "service charge"},
		SmallAmountThreshold: decimal.NewFromInt(100),
		KnownCounterparties:  make(map[string]bool),
		DateWindowDays:       3,
	}
}

// Classify tags every residual record on both sides. Detection runs in
// priority order per record: FEE, FX_DIFFERENCE, TIMING, DUPLICATE_CANDIDATE,
// FRAUD_CANDIDATE, then UNEXPLAINED. Pure function; output order follows
// input order (side A first), so results are deterministic.
func Classify(residualA, residualB []records.TransactionRecord, ctx Context) []ClassifiedVariance {
	out := make([]ClassifiedVariance, 0, len(residualA)+len(residualB))

	dupA := duplicateKeys(residualA)
	dupB := duplicateKeys(residualB)

	for _, r := range residualA {
		out = append(out, classifyOne(r, SideA, residualB, dupA, ctx))
	}
	for _, r := range residualB {
		out = append(out, classifyOne(r, SideB, residualA, dupB, ctx))
	}

	return out
}

func classifyOne(r records.TransactionRecord, side Side, counterpart []records.TransactionRecord, dups map[string]int, ctx Context) ClassifiedVariance {
	cv := ClassifiedVariance{RecordID: r.ID, Side: side, Amount: r.Amount}

	if kw, ok := feeKeyword(r, ctx); ok {
		cv.Kind = KindFee
		cv.Detail = fmt.Sprintf("reference mentions %q, amount below fee threshold", kw)
		return cv
	}

	if other, ok := fxCounterpart(r, counterpart); ok {
		cv.Kind = KindFXDifference
		cv.Detail = fmt.Sprintf("same %s %s converted differently (counterpart %s)",
			r.OriginalCurrency, r.OriginalAmount.String(), other.ID)
		return cv
	}

	if other, ok := timingCounterpart(r, counterpart, ctx.DateWindowDays); ok {
		cv.Kind = KindTiming
		cv.Detail = fmt.Sprintf("same amount and reference as %s, %s vs %s",
			other.ID, r.OccurredAt.Format("2006-01-02"), other.OccurredAt.Format("2006-01-02"))
		return cv
	}

	if dups[duplicateKey(r)] > 1 {
		cv.Kind = KindDuplicateCandidate
		cv.Detail = "another record in the same set shares amount, date and reference"
		return cv
	}

	if looksLikeFraud(r, ctx) {
		cv.Kind = KindFraudCandidate
		cv.Detail = fmt.Sprintf("new counterparty %q, round amount, no reference", r.CounterpartyName)
		return cv
	}

	cv.Kind = KindUnexplained
	return cv
}

func feeKeyword(r records.TransactionRecord, ctx Context) (string, bool) {
	if r.Amount.Abs().GreaterThanOrEqual(ctx.SmallAmountThreshold) {
		return "", false
	}
	haystack := r.NormalizedReference + " " + r.NormalizedName
	for _, kw := range ctx.FeeKeywords {
		if strings.Contains(haystack, kw) {
			return kw, true
		}
	}
	return "", false
}

// fxCounterpart looks for a record on the other side carrying the same
// nominal foreign-currency amount but a different converted amount, which is
// what differing conversion-rate dates produce.
func fxCounterpart(r records.TransactionRecord, counterpart []records.TransactionRecord) (records.TransactionRecord, bool) {
	if r.OriginalCurrency == "" || r.OriginalAmount.IsZero() {
		return records.TransactionRecord{}, false
	}
	for _, other := range counterpart {
		if other.OriginalCurrency != r.OriginalCurrency {
			continue
		}
		if other.OriginalAmount.Equal(r.OriginalAmount) && !other.Amount.Equal(r.Amount) {
			return other, true
		}
	}
	return records.TransactionRecord{}, false
}

// timingCounterpart finds a same-amount same-reference record beyond the
// matcher's window. The matcher deliberately does not look that far; the
// classifier does.
func timingCounterpart(r records.TransactionRecord, counterpart []records.TransactionRecord, windowDays int) (records.TransactionRecord, bool) {
	if r.NormalizedReference == "" {
		return records.TransactionRecord{}, false
	}
	for _, other := range counterpart {
		if !other.Amount.Equal(r.Amount) || other.NormalizedReference != r.NormalizedReference {
			continue
		}
		if dayDiff(r.OccurredAt, other.OccurredAt) > windowDays {
			return other, true
		}
	}
	return records.TransactionRecord{}, false
}

func looksLikeFraud(r records.TransactionRecord, ctx Context) bool {
	if r.NormalizedName == "" || ctx.KnownCounterparties[r.NormalizedName] {
		return false
	}
	if r.NormalizedReference != "" {
		return false
	}
	return isRoundAmount(r.Amount)
}

// isRoundAmount reports whether the amount is a non-zero whole multiple of
// 100 currency units, the "suspiciously round" shape of test payments and
// invoice fraud.
func isRoundAmount(d decimal.Decimal) bool {
	if d.IsZero() || !d.IsInteger() {
		return false
	}
	return d.Mod(decimal.NewFromInt(100)).IsZero()
}

func duplicateKey(r records.TransactionRecord) string {
	return r.Amount.String() + "|" + r.OccurredAt.UTC().Format("2006-01-02") + "|" + r.NormalizedReference
}

func duplicateKeys(recs []records.TransactionRecord) map[string]int {
	counts := make(map[string]int, len(recs))
	for _, r := range recs {
		counts[duplicateKey(r)]++
	}
	return counts
}

func dayDiff(a, b time.Time) int {
	da := a.UTC().Truncate(24 * time.Hour)
	db := b.UTC().Truncate(24 * time.Hour)
	diff := int(da.Sub(db).Hours() / 24)
	if diff < 0 {
		diff = -diff
	}
	return diff
}
