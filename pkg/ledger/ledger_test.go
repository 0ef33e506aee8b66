package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedro-hbl/recon-engine/pkg/classify"
	"github.com/pedro-hbl/recon-engine/pkg/ledger"
	"github.com/pedro-hbl/recon-engine/pkg/ledger/memory"
	"github.com/pedro-hbl/recon-engine/pkg/match"
	"github.com/pedro-hbl/recon-engine/pkg/records"
)

func amountRec(id, amount string) records.TransactionRecord {
	return records.TransactionRecord{
		ID:       id,
		Amount:   decimal.RequireFromString(amount),
		Currency: "USD",
	}
}

func newTestLedger(recs ...records.TransactionRecord) (*ledger.Ledger, *memory.Store) {
	store := memory.NewStore()
	return ledger.New("run-1", store, recs), store
}

func balanced(membersA, membersB []string) match.Match {
	return match.Match{
		MembersA:       membersA,
		MembersB:       membersB,
		Strategy:       match.StrategyExact,
		Confidence:     match.ConfidenceConfirmed,
		VarianceAmount: decimal.Zero,
	}
}

func TestRecordMatch(t *testing.T) {
	ctx := context.Background()
	led, store := newTestLedger(amountRec("a1", "100.00"), amountRec("b1", "100.00"))

	require.NoError(t, led.RecordMatch(ctx, balanced([]string{"a1"}, []string{"b1"})))

	entries, err := store.Entries(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryMatch, entries[0].Kind)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, "run-1", entries[0].RunID)
}

func TestRecordMatchRejectsConservationViolation(t *testing.T) {
	ctx := context.Background()
	led, store := newTestLedger(amountRec("a1", "100.00"), amountRec("b1", "90.00"))

	err := led.RecordMatch(ctx, balanced([]string{"a1"}, []string{"b1"}))
	assert.ErrorIs(t, err, ledger.ErrConservation)

	entries, _ := store.Entries(ctx, "run-1")
	assert.Empty(t, entries, "a rejected match must not reach the store")
}

func TestRecordMatchWithVarianceAmount(t *testing.T) {
	ctx := context.Background()
	led, _ := newTestLedger(amountRec("a1", "100.00"), amountRec("b1", "97.10"))

	m := balanced([]string{"a1"}, []string{"b1"})
	m.VarianceAmount = decimal.RequireFromString("2.90")
	assert.NoError(t, led.RecordMatch(ctx, m))
}

func TestRecordMatchRejectsUnknownRecord(t *testing.T) {
	ctx := context.Background()
	led, _ := newTestLedger(amountRec("a1", "100.00"))

	err := led.RecordMatch(ctx, balanced([]string{"a1"}, []string{"ghost"}))
	assert.ErrorIs(t, err, ledger.ErrUnknownRecord)
}

func TestRecordMatchRejectsDoubleClaim(t *testing.T) {
	ctx := context.Background()
	led, _ := newTestLedger(
		amountRec("a1", "100.00"), amountRec("a2", "100.00"), amountRec("b1", "100.00"))

	require.NoError(t, led.RecordMatch(ctx, balanced([]string{"a1"}, []string{"b1"})))

	err := led.RecordMatch(ctx, balanced([]string{"a2"}, []string{"b1"}))
	assert.ErrorIs(t, err, ledger.ErrDuplicateRecordID)
}

func TestRecordVarianceClaimsRecord(t *testing.T) {
	ctx := context.Background()
	led, _ := newTestLedger(amountRec("a1", "812.44"), amountRec("b1", "812.44"))

	require.NoError(t, led.RecordVariance(ctx, classify.ClassifiedVariance{
		RecordID: "a1",
		Side:     classify.SideA,
		Kind:     classify.KindUnexplained,
		Amount:   decimal.RequireFromString("812.44"),
	}))

	err := led.RecordMatch(ctx, balanced([]string{"a1"}, []string{"b1"}))
	assert.ErrorIs(t, err, ledger.ErrDuplicateRecordID,
		"a classified record cannot also join a match without an override")
}

func TestOverrideRequiresReason(t *testing.T) {
	ctx := context.Background()
	led, _ := newTestLedger(amountRec("a1", "100.00"), amountRec("b1", "100.00"))

	err := led.Override(ctx, "a1", balanced([]string{"a1"}, []string{"b1"}), "op-7", "")
	assert.ErrorIs(t, err, ledger.ErrEmptyOverrideReason)
}

func TestOverrideSupersedesWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	led, store := newTestLedger(
		amountRec("a1", "100.00"), amountRec("b1", "100.00"), amountRec("b2", "100.00"))

	suggested := balanced([]string{"a1"}, []string{"b1"})
	suggested.Strategy = match.StrategyAmountOnly
	suggested.Confidence = match.ConfidenceSuggested
	require.NoError(t, led.RecordMatch(ctx, suggested))

	require.NoError(t, led.Override(ctx, "a1",
		balanced([]string{"a1"}, []string{"b2"}), "op-7", "b2 is the right counterpart per remittance advice"))

	// Both entries stay in the store; the override points at what it replaced.
	entries, err := store.Entries(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryOverride, entries[1].Kind)
	assert.Equal(t, uint64(1), entries[1].SupersedesSeq)
	assert.Equal(t, match.StrategyManual, entries[1].Match.Strategy)
	assert.Equal(t, match.ConfidenceConfirmed, entries[1].Match.Confidence)
	assert.Equal(t, "op-7", entries[1].OperatorID)

	// The summary only counts the live entry.
	sum := led.Summary()
	assert.Equal(t, 1, sum.Matches)
	assert.Equal(t, 1, sum.Overrides)
	assert.Equal(t, 0, sum.SuggestedMatches)
	assert.Equal(t, 1, sum.ConfirmedMatches)
}

func TestOverrideReleasesSupersededMembers(t *testing.T) {
	ctx := context.Background()
	led, _ := newTestLedger(
		amountRec("a1", "100.00"), amountRec("b1", "100.00"), amountRec("b2", "100.00"))

	require.NoError(t, led.RecordMatch(ctx, balanced([]string{"a1"}, []string{"b1"})))
	require.NoError(t, led.Override(ctx, "a1",
		balanced([]string{"a1"}, []string{"b2"}), "op-7", "wrong counterpart"))

	// b1 went back to unresolved when its match was superseded, so it can be
	// claimed again.
	assert.NoError(t, led.RecordVariance(ctx, classify.ClassifiedVariance{
		RecordID: "b1",
		Side:     classify.SideB,
		Kind:     classify.KindUnexplained,
		Amount:   decimal.RequireFromString("100.00"),
	}))
}

func TestOverrideOfUnresolvedRecord(t *testing.T) {
	ctx := context.Background()
	led, store := newTestLedger(amountRec("a1", "100.00"), amountRec("b1", "100.00"))

	require.NoError(t, led.Override(ctx, "a1",
		balanced([]string{"a1"}, []string{"b1"}), "op-7", "matched by hand"))

	entries, _ := store.Entries(ctx, "run-1")
	require.Len(t, entries, 1)
	assert.Zero(t, entries[0].SupersedesSeq, "nothing superseded for an unresolved record")
}

func TestSummaryAggregates(t *testing.T) {
	ctx := context.Background()
	led, _ := newTestLedger(
		amountRec("a1", "100.00"), amountRec("a2", "50.00"),
		amountRec("b1", "100.00"), amountRec("b2", "-812.44"))

	require.NoError(t, led.RecordMatch(ctx, balanced([]string{"a1"}, []string{"b1"})))
	require.NoError(t, led.RecordVariance(ctx, classify.ClassifiedVariance{
		RecordID: "a2", Side: classify.SideA, Kind: classify.KindFee,
		Amount: decimal.RequireFromString("50.00"),
	}))
	require.NoError(t, led.RecordVariance(ctx, classify.ClassifiedVariance{
		RecordID: "b2", Side: classify.SideB, Kind: classify.KindUnexplained,
		Amount: decimal.RequireFromString("-812.44"),
	}))
	led.CountError("MalformedAmount")

	sum := led.Summary()
	assert.Equal(t, "run-1", sum.RunID)
	assert.Equal(t, 4, sum.TotalRecords)
	assert.Equal(t, 1, sum.Matches)
	assert.Equal(t, 1, sum.StrategyCounts[match.StrategyExact])
	assert.Equal(t, 1, sum.VarianceCounts[classify.KindFee])
	assert.Equal(t, 1, sum.VarianceCounts[classify.KindUnexplained])
	assert.True(t, sum.UnexplainedTotal.Equal(decimal.RequireFromString("812.44")),
		"unexplained total is the sum of absolute amounts")
	assert.Equal(t, 1, sum.ErrorCounts["MalformedAmount"])
}

func TestAggregateMatchConservation(t *testing.T) {
	ctx := context.Background()
	led, _ := newTestLedger(
		amountRec("dep", "570.00"),
		amountRec("chk1", "285.00"), amountRec("chk2", "285.00"))

	m := balanced([]string{"dep"}, []string{"chk1", "chk2"})
	m.Strategy = match.StrategyAggregate
	assert.NoError(t, led.RecordMatch(ctx, m))
}
