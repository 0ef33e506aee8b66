package classify

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedro-hbl/recon-engine/pkg/records"
)

func residual(id, day, amount, ref, counterparty string) records.TransactionRecord {
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
		CounterpartyName:    counterparty,
		NormalizedName:      records.NormalizeText(counterparty),
	}
}

func kindsByID(variances []ClassifiedVariance) map[string]Kind {
	out := make(map[string]Kind, len(variances))
	for _, v := range variances {
		out[v.RecordID] = v.Kind
	}
	return out
}

func TestClassifyFee(t *testing.T) {
	residualA := []records.TransactionRecord{
		residual("fee1", "2026-01-31", "-15.00", "Monthly maintenance fee", "First National"),
	}

	variances := Classify(residualA, nil, DefaultContext())

	require.Len(t, variances, 1)
	assert.Equal(t, KindFee, variances[0].Kind)
	assert.Equal(t, SideA, variances[0].Side)
	assert.Contains(t, variances[0].Detail, "maintenance")
}

func TestClassifyFeeRespectsThreshold(t *testing.T) {
	// Fee wording on a large amount is not a fee.
	residualA := []records.TransactionRecord{
		residual("big", "2026-01-31", "-500.00", "wire transfer", "First National"),
	}

	variances := Classify(residualA, nil, DefaultContext())

	require.Len(t, variances, 1)
	assert.NotEqual(t, KindFee, variances[0].Kind)
}

func TestClassifyFXDifference(t *testing.T) {
	a := residual("a1", "2026-01-12", "1002.80", "INV-2218", "Continental GmbH")
	a.OriginalAmount = decimal.RequireFromString("920.00")
	a.OriginalCurrency = "EUR"

	b := residual("b1", "2026-01-14", "1004.15", "INV-2218-PMT", "Continental GmbH")
	b.OriginalAmount = decimal.RequireFromString("920.00")
	b.OriginalCurrency = "EUR"

	variances := Classify([]records.TransactionRecord{a}, []records.TransactionRecord{b}, DefaultContext())

	kinds := kindsByID(variances)
	assert.Equal(t, KindFXDifference, kinds["a1"])
	assert.Equal(t, KindFXDifference, kinds["b1"])
}

func TestClassifyTiming(t *testing.T) {
	// Same amount and reference, shifted past the matcher's window by a
	// holiday backlog.
	a := residual("a1", "2026-01-02", "760.00", "INV-1980", "Orchard Ltd")
	b := residual("b1", "2026-01-12", "760.00", "INV-1980", "Orchard Ltd")

	variances := Classify([]records.TransactionRecord{a}, []records.TransactionRecord{b}, DefaultContext())

	kinds := kindsByID(variances)
	assert.Equal(t, KindTiming, kinds["a1"])
	assert.Equal(t, KindTiming, kinds["b1"])
}

func TestClassifyDuplicateCandidate(t *testing.T) {
	first := residual("d1", "2026-01-20", "340.00", "INV-3301", "Harbor Inc")
	second := residual("d2", "2026-01-20", "340.00", "INV-3301", "Harbor Inc")

	variances := Classify([]records.TransactionRecord{first, second}, nil, DefaultContext())

	kinds := kindsByID(variances)
	assert.Equal(t, KindDuplicateCandidate, kinds["d1"])
	assert.Equal(t, KindDuplicateCandidate, kinds["d2"])
}

func TestClassifyFraudCandidate(t *testing.T) {
	ctx := DefaultContext()
	ctx.KnownCounterparties["harbor inc"] = true

	suspect := residual("s1", "2026-01-22", "5000.00", "", "Nimbus Holdings")
	familiar := residual("k1", "2026-01-23", "7000.00", "", "Harbor Inc")

	variances := Classify([]records.TransactionRecord{suspect, familiar}, nil, ctx)

	kinds := kindsByID(variances)
	assert.Equal(t, KindFraudCandidate, kinds["s1"],
		"new counterparty, round amount, no reference")
	assert.NotEqual(t, KindFraudCandidate, kinds["k1"],
		"a counterparty seen in prior periods is not flagged")
}

func TestClassifyFraudNeedsRoundAmount(t *testing.T) {
	suspect := residual("s1", "2026-01-22", "4987.23", "", "Nimbus Holdings")

	variances := Classify([]records.TransactionRecord{suspect}, nil, DefaultContext())

	require.Len(t, variances, 1)
	assert.Equal(t, KindUnexplained, variances[0].Kind)
}

func TestClassifyUnexplained(t *testing.T) {
	odd := residual("u1", "2026-01-18", "812.44", "REF-XYZ", "Someone")

	variances := Classify([]records.TransactionRecord{odd}, nil, DefaultContext())

	require.Len(t, variances, 1)
	assert.Equal(t, KindUnexplained, variances[0].Kind)
	assert.True(t, variances[0].Amount.Equal(odd.Amount))
}

func TestClassifyIsDeterministic(t *testing.T) {
	residualA := []records.TransactionRecord{
		residual("a1", "2026-01-02", "760.00", "INV-1980", "Orchard Ltd"),
		residual("a2", "2026-01-31", "-15.00", "service charge", "First National"),
	}
	residualB := []records.TransactionRecord{
		residual("b1", "2026-01-12", "760.00", "INV-1980", "Orchard Ltd"),
	}

	first := Classify(residualA, residualB, DefaultContext())
	second := Classify(residualA, residualB, DefaultContext())
	assert.Equal(t, first, second)
}

func TestIsRoundAmount(t *testing.T) {
	assert.True(t, isRoundAmount(decimal.RequireFromString("5000")))
	assert.True(t, isRoundAmount(decimal.RequireFromString("-200")))
	assert.False(t, isRoundAmount(decimal.RequireFromString("5000.01")))
	assert.False(t, isRoundAmount(decimal.RequireFromString("250")))
	assert.False(t, isRoundAmount(decimal.Zero))
}
