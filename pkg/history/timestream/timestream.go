// Package timestream records run summaries as time-series measures so
// treasury can see variance and match-rate trends across close periods. The
// sink is optional: the engine never depends on it, and a failed history
// write must not fail a run.
package timestream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/timestreamquery"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"

	"github.com/pedro-hbl/recon-engine/pkg/ledger"
)

// Sink writes and reads run-summary time series
type Sink struct {
	writeClient  *timestreamwrite.Client
	queryClient  *timestreamquery.Client
	databaseName string
	tableName    string
	memoryHours  int64
	magneticDays int64
	initialized  bool
}

// Config holds configuration for the history sink
type Config struct {
	Region       string
	DatabaseName string
	TableName    string

	// Endpoint overrides the service endpoint (LocalStack)
	Endpoint string

	// Retention for the history table when the sink has to create it.
	// Close history is queried for years of period-over-period trends, so
	// the magnetic default is deliberately long.
	MemoryRetentionHours  int64
	MagneticRetentionDays int64
}

// withDefaults fills the zero-valued fields of a Config.
func (c Config) withDefaults() Config {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.DatabaseName == "" {
		c.DatabaseName = "ReconHistory"
	}
	if c.TableName == "" {
		c.TableName = "RunSummaries"
	}
	if c.MemoryRetentionHours == 0 {
		c.MemoryRetentionHours = 24
	}
	if c.MagneticRetentionDays == 0 {
		c.MagneticRetentionDays = 3650
	}
	return c
}

// NewSink creates a new history sink
func NewSink(cfg Config) (*Sink, error) {
	cfg = cfg.withDefaults()

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	if cfg.Endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:           cfg.Endpoint,
				SigningRegion: cfg.Region,
			}, nil
		})
		awsCfg.EndpointResolverWithOptions = customResolver
	}

	return &Sink{
		writeClient:  timestreamwrite.NewFromConfig(awsCfg),
		queryClient:  timestreamquery.NewFromConfig(awsCfg),
		databaseName: cfg.DatabaseName,
		tableName:    cfg.TableName,
		memoryHours:  cfg.MemoryRetentionHours,
		magneticDays: cfg.MagneticRetentionDays,
	}, nil
}

// Initialize verifies the Timestream database and table exist, creating
// them when missing.
func (s *Sink) Initialize(ctx context.Context) error {
	if s.initialized {
		return nil
	}

	_, err := s.writeClient.DescribeDatabase(ctx, &timestreamwrite.DescribeDatabaseInput{
		DatabaseName: aws.String(s.databaseName),
	})
	if err != nil {
		var notFoundErr *types.ResourceNotFoundException
		if !errors.As(err, &notFoundErr) {
			return fmt.Errorf("error checking database: %w", err)
		}
		_, err = s.writeClient.CreateDatabase(ctx, &timestreamwrite.CreateDatabaseInput{
			DatabaseName: aws.String(s.databaseName),
		})
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	_, err = s.writeClient.DescribeTable(ctx, &timestreamwrite.DescribeTableInput{
		DatabaseName: aws.String(s.databaseName),
		TableName:    aws.String(s.tableName),
	})
	if err != nil {
		var notFoundErr *types.ResourceNotFoundException
		if !errors.As(err, &notFoundErr) {
			return fmt.Errorf("error checking table: %w", err)
		}
		_, err = s.writeClient.CreateTable(ctx, &timestreamwrite.CreateTableInput{
			DatabaseName: aws.String(s.databaseName),
			TableName:    aws.String(s.tableName),
			RetentionProperties: &types.RetentionProperties{
				MemoryStoreRetentionPeriodInHours:  aws.Int64(s.memoryHours),
				MagneticStoreRetentionPeriodInDays: aws.Int64(s.magneticDays),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	s.initialized = true
	return nil
}

// summaryMeasures flattens a run summary into the measure values the sink
// writes. Trend validates requested measure names against this same set, so
// the two can never drift apart.
func summaryMeasures(sum ledger.Summary) map[string]float64 {
	unexplained, _ := sum.UnexplainedTotal.Float64()
	return map[string]float64{
		"matched":          float64(sum.ConfirmedMatches),
		"suggested":        float64(sum.SuggestedMatches),
		"unresolved":       float64(sum.Unresolved),
		"unparsed":         float64(sum.Unparsed),
		"out_of_period":    float64(sum.OutOfPeriod),
		"unexplained_usd":  unexplained,
		"records_in_scope": float64(sum.TotalRecords),
	}
}

var measureNames = func() map[string]bool {
	names := make(map[string]bool)
	for name := range summaryMeasures(ledger.Summary{}) {
		names[name] = true
	}
	return names
}()

// WriteRunSummary records the headline measures of a finished run, stamped
// at the period end so period-over-period queries line up with the close
// calendar.
func (s *Sink) WriteRunSummary(ctx context.Context, sum ledger.Summary, periodEnd time.Time) error {
	if !s.initialized {
		if err := s.Initialize(ctx); err != nil {
			return err
		}
	}

	dimensions := []types.Dimension{
		{Name: aws.String("run_id"), Value: aws.String(sum.RunID)},
	}

	measures := summaryMeasures(sum)

	records := make([]types.Record, 0, len(measures))
	for name, value := range measures {
		records = append(records, types.Record{
			Dimensions:       dimensions,
			MeasureName:      aws.String(name),
			MeasureValue:     aws.String(fmt.Sprintf("%f", value)),
			MeasureValueType: types.MeasureValueTypeDouble,
			Time:             aws.String(strconv.FormatInt(periodEnd.UnixNano(), 10)),
			TimeUnit:         types.TimeUnitNanoseconds,
		})
	}

	_, err := s.writeClient.WriteRecords(ctx, &timestreamwrite.WriteRecordsInput{
		DatabaseName: aws.String(s.databaseName),
		TableName:    aws.String(s.tableName),
		Records:      records,
	})
	if err != nil {
		return fmt.Errorf("failed to write run summary: %w", err)
	}

	return nil
}

// TrendPoint is one measure observation from the history table
type TrendPoint struct {
	Time    time.Time
	RunID   string
	Measure string
	Value   float64
}

// Trend queries a measure across the given window, oldest first. This is
// what the report command plots for the cash-forecast view. The measure name
// is interpolated into the query, so only names the sink itself writes are
// accepted.
func (s *Sink) Trend(ctx context.Context, measure string, start, end time.Time) ([]TrendPoint, error) {
	if !measureNames[measure] {
		return nil, fmt.Errorf("unknown measure %q", measure)
	}

	if !s.initialized {
		if err := s.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	query := fmt.Sprintf(`
		SELECT run_id, time, measure_value::double
		FROM "%s"."%s"
		WHERE measure_name = '%s' AND time BETWEEN from_iso8601_timestamp('%s') AND from_iso8601_timestamp('%s')
		ORDER BY time ASC
	`, s.databaseName, s.tableName, measure,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))

	result, err := s.queryClient.Query(ctx, &timestreamquery.QueryInput{
		QueryString: aws.String(query),
	})
	if err != nil {
		return nil, fmt.Errorf("trend query failed: %w", err)
	}

	points := make([]TrendPoint, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row.Data) < 3 {
			continue
		}
		t, err := parseTimestreamTime(*row.Data[1].ScalarValue)
		if err != nil {
			return nil, err
		}
		value, err := strconv.ParseFloat(*row.Data[2].ScalarValue, 64)
		if err != nil {
			return nil, err
		}
		points = append(points, TrendPoint{
			Time:    t,
			RunID:   *row.Data[0].ScalarValue,
			Measure: measure,
			Value:   value,
		})
	}

	return points, nil
}

// parseTimestreamTime handles Timestream's fractional-second timestamp format
func parseTimestreamTime(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02 15:04:05.000000000", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
