package timestream

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/pedro-hbl/recon-engine/pkg/ledger"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "ReconHistory", cfg.DatabaseName)
	assert.Equal(t, "RunSummaries", cfg.TableName)
	assert.Equal(t, int64(24), cfg.MemoryRetentionHours)
	assert.Equal(t, int64(3650), cfg.MagneticRetentionDays)

	custom := Config{DatabaseName: "CloseHistory", MagneticRetentionDays: 30}.withDefaults()
	assert.Equal(t, "CloseHistory", custom.DatabaseName)
	assert.Equal(t, int64(30), custom.MagneticRetentionDays)
	assert.Equal(t, int64(24), custom.MemoryRetentionHours)
}

func TestSummaryMeasures(t *testing.T) {
	sum := ledger.Summary{
		ConfirmedMatches: 7,
		SuggestedMatches: 2,
		Unresolved:       3,
		Unparsed:         1,
		OutOfPeriod:      4,
		TotalRecords:     20,
		UnexplainedTotal: decimal.RequireFromString("812.44"),
	}

	measures := summaryMeasures(sum)
	assert.Equal(t, 7.0, measures["matched"])
	assert.Equal(t, 2.0, measures["suggested"])
	assert.Equal(t, 3.0, measures["unresolved"])
	assert.Equal(t, 1.0, measures["unparsed"])
	assert.Equal(t, 4.0, measures["out_of_period"])
	assert.Equal(t, 20.0, measures["records_in_scope"])
	assert.InDelta(t, 812.44, measures["unexplained_usd"], 1e-9)

	for name := range measures {
		assert.True(t, measureNames[name], "measure %s missing from the trend allowlist", name)
	}
}

func TestTrendRejectsUnknownMeasure(t *testing.T) {
	s := &Sink{}

	end := time.Now()
	_, err := s.Trend(context.Background(), "matched'; DROP TABLE runs --", end.Add(-time.Hour), end)
	assert.Error(t, err)

	_, err = s.Trend(context.Background(), "", end.Add(-time.Hour), end)
	assert.Error(t, err)
}
