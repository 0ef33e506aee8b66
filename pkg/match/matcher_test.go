package match

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedro-hbl/recon-engine/pkg/records"
)

func rec(id, day, amount, ref string) records.TransactionRecord {
	when, err := time.Parse("2006-01-02", day)
	if err != nil {
		panic(err)
	}
	return records.TransactionRecord{
		ID:                  id,
		OccurredAt:          when.UTC(),
		Amount:              decimal.RequireFromString(amount),
		Currency:            "USD",
		ReferenceText:       ref,
		NormalizedReference: records.NormalizeText(ref),
	}
}

func batched(id, day, amount, ref, hint string) records.TransactionRecord {
	r := rec(id, day, amount, ref)
	r.BatchHint = hint
	return r
}

func TestExactStage(t *testing.T) {
	setA := []records.TransactionRecord{rec("a1", "2026-01-15", "1250.00", "INV-1001")}
	setB := []records.TransactionRecord{rec("b1", "2026-01-15", "1250.00", "INV-1001")}

	result := Run(setA, setB, DefaultConfig())

	require.Len(t, result.Matches, 1)
	m := result.Matches[0]
	assert.Equal(t, StrategyExact, m.Strategy)
	assert.Equal(t, ConfidenceConfirmed, m.Confidence)
	assert.Equal(t, []string{"a1"}, m.MembersA)
	assert.Equal(t, []string{"b1"}, m.MembersB)
	assert.Empty(t, result.ResidualA)
	assert.Empty(t, result.ResidualB)
}

func TestExactStageRequiresReference(t *testing.T) {
	setA := []records.TransactionRecord{rec("a1", "2026-01-15", "1250.00", "")}
	setB := []records.TransactionRecord{rec("b1", "2026-01-15", "1250.00", "")}

	result := Run(setA, setB, DefaultConfig())

	// Empty references never satisfy stage 1; the pair falls through to
	// amount-only and stays suggested.
	require.Len(t, result.Matches, 1)
	assert.Equal(t, StrategyAmountOnly, result.Matches[0].Strategy)
	assert.Equal(t, ConfidenceSuggested, result.Matches[0].Confidence)
}

func TestDateTolerantStage(t *testing.T) {
	// Wire initiated Friday, landed Monday: same amount, similar reference,
	// two days apart.
	setA := []records.TransactionRecord{rec("a1", "2026-01-16", "980.00", "INV-1001")}
	setB := []records.TransactionRecord{rec("b1", "2026-01-18", "980.00", "INV 1001")}

	result := Run(setA, setB, DefaultConfig())

	require.Len(t, result.Matches, 1)
	assert.Equal(t, StrategyDateTolerant, result.Matches[0].Strategy)
	assert.Equal(t, ConfidenceConfirmed, result.Matches[0].Confidence)
}

func TestDateTolerantRespectsWindow(t *testing.T) {
	setA := []records.TransactionRecord{rec("a1", "2026-01-10", "980.00", "INV-1001")}
	setB := []records.TransactionRecord{rec("b1", "2026-01-20", "980.00", "INV-1001")}

	result := Run(setA, setB, DefaultConfig())

	// Ten days is outside the window, and equal references are excluded from
	// amount-only on purpose: this pair is a timing difference, not a match.
	assert.Empty(t, result.Matches)
	assert.Len(t, result.ResidualA, 1)
	assert.Len(t, result.ResidualB, 1)
}

func TestAggregateStage(t *testing.T) {
	// One deposit on the bank side funding ten lockbox checks of $285 each.
	setA := []records.TransactionRecord{rec("dep", "2026-01-20", "2850.00", "DEPOSIT 77")}

	var setB []records.TransactionRecord
	for i := 0; i < 10; i++ {
		setB = append(setB, batched(
			fmt.Sprintf("chk%02d", i), "2026-01-19", "285.00", fmt.Sprintf("CHECK %d", 4000+i), "DEP-77"))
	}

	result := Run(setA, setB, DefaultConfig())

	require.Len(t, result.Matches, 1)
	m := result.Matches[0]
	assert.Equal(t, StrategyAggregate, m.Strategy)
	assert.Equal(t, ConfidenceConfirmed, m.Confidence)
	assert.Equal(t, []string{"dep"}, m.MembersA)
	assert.Len(t, m.MembersB, 10)
	assert.Empty(t, result.ResidualA)
	assert.Empty(t, result.ResidualB)
}

func TestAggregateStageNeedsBatchHint(t *testing.T) {
	setA := []records.TransactionRecord{rec("dep", "2026-01-20", "570.00", "DEPOSIT")}
	setB := []records.TransactionRecord{
		rec("chk1", "2026-01-19", "285.00", "CHECK 1"),
		rec("chk2", "2026-01-19", "285.00", "CHECK 2"),
	}

	result := Run(setA, setB, DefaultConfig())

	for _, m := range result.Matches {
		assert.NotEqual(t, StrategyAggregate, m.Strategy,
			"records without a shared batch hint must not be aggregated")
	}
}

func TestAmountOnlyStage(t *testing.T) {
	setA := []records.TransactionRecord{rec("a1", "2026-01-05", "432.10", "PAYMENT 9")}
	setB := []records.TransactionRecord{rec("b1", "2026-01-25", "432.10", "REMITTANCE X")}

	result := Run(setA, setB, DefaultConfig())

	require.Len(t, result.Matches, 1)
	assert.Equal(t, StrategyAmountOnly, result.Matches[0].Strategy)
	assert.Equal(t, ConfidenceSuggested, result.Matches[0].Confidence,
		"amount-only matches always need operator confirmation")
}

func TestCascadeClaimsEachRecordOnce(t *testing.T) {
	setA := []records.TransactionRecord{
		rec("a1", "2026-01-15", "100.00", "INV-1"),
		rec("a2", "2026-01-15", "100.00", "INV-1"),
	}
	setB := []records.TransactionRecord{rec("b1", "2026-01-15", "100.00", "INV-1")}

	result := Run(setA, setB, DefaultConfig())

	claimed := make(map[string]int)
	for _, m := range result.Matches {
		for _, id := range m.MemberIDs() {
			claimed[id]++
		}
	}
	for id, n := range claimed {
		assert.Equal(t, 1, n, "record %s claimed %d times", id, n)
	}

	// Two A-side candidates, one B-side record: exactly one A record stays
	// residual.
	assert.Len(t, result.ResidualA, 1)
	assert.Empty(t, result.ResidualB)
}

func TestCascadeIsDeterministic(t *testing.T) {
	setA := []records.TransactionRecord{
		rec("a1", "2026-01-15", "100.00", "INV-1"),
		rec("a2", "2026-01-16", "250.00", "INV-2"),
		rec("a3", "2026-01-17", "250.00", ""),
	}
	setB := []records.TransactionRecord{
		rec("b1", "2026-01-15", "100.00", "INV-1"),
		rec("b2", "2026-01-18", "250.00", "INV 2"),
		rec("b3", "2026-01-19", "250.00", ""),
	}

	baseline := Run(setA, setB, DefaultConfig())

	reversed := func(recs []records.TransactionRecord) []records.TransactionRecord {
		out := make([]records.TransactionRecord, 0, len(recs))
		for i := len(recs) - 1; i >= 0; i-- {
			out = append(out, recs[i])
		}
		return out
	}

	again := Run(reversed(setA), reversed(setB), DefaultConfig())
	assert.Equal(t, baseline.Matches, again.Matches,
		"match output must not depend on input order")
}

func TestExactStageTieBreaksOnExternalID(t *testing.T) {
	a := rec("a1", "2026-01-15", "100.00", "INV-1")
	a.ExternalID = "STMT-778"

	near := rec("b1", "2026-01-15", "100.00", "INV-1")
	near.ExternalID = "STMT-779"
	far := rec("b2", "2026-01-15", "100.00", "INV-1")
	far.ExternalID = "PAY-004"

	result := Run(
		[]records.TransactionRecord{a},
		[]records.TransactionRecord{far, near},
		DefaultConfig(),
	)

	require.NotEmpty(t, result.Matches)
	assert.Equal(t, []string{"b1"}, result.Matches[0].MembersB,
		"candidate sharing the longer external-ID prefix wins the tie")
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("inv-1001", "inv-1001"))
	assert.Equal(t, 0.0, Similarity("", "inv-1001"))
	assert.InDelta(t, 0.875, Similarity("inv-1001", "inv 1001"), 1e-9,
		"one substituted character in eight costs exactly 1/8")
	assert.InDelta(t, 0.5, Similarity("abcd", "abxy"), 1e-9)
	assert.Less(t, Similarity("inv-1001", "po-7742"), 0.5)
}

func TestStagesRequireMatchingCurrency(t *testing.T) {
	a := rec("a1", "2026-01-15", "100.00", "INV-1")
	a.Currency = "EUR"
	b := rec("b1", "2026-01-15", "100.00", "INV-1")

	result := Run(
		[]records.TransactionRecord{a},
		[]records.TransactionRecord{b},
		DefaultConfig(),
	)

	assert.Empty(t, result.Matches,
		"equal amounts in different currencies are not the same money")
	assert.Len(t, result.ResidualA, 1)
	assert.Len(t, result.ResidualB, 1)
}

func TestAggregateStageRequiresMatchingCurrency(t *testing.T) {
	anchor := rec("dep", "2026-01-20", "570.00", "DEPOSIT 77")

	euro := batched("chk1", "2026-01-19", "285.00", "CHECK 1", "DEP-77")
	euro.Currency = "EUR"
	setB := []records.TransactionRecord{
		euro,
		batched("chk2", "2026-01-19", "285.00", "CHECK 2", "DEP-77"),
		batched("chk3", "2026-01-19", "285.00", "CHECK 3", "DEP-77"),
	}

	result := Run([]records.TransactionRecord{anchor}, setB, DefaultConfig())

	require.Len(t, result.Matches, 1)
	m := result.Matches[0]
	assert.Equal(t, StrategyAggregate, m.Strategy)
	assert.Equal(t, []string{"chk2", "chk3"}, m.MembersB,
		"the EUR check cannot help sum a USD deposit")
}
