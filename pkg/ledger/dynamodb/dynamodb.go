// Package dynamodb backs the reconciliation ledger with a DynamoDB table
// keyed by (RunID, Seq). Conditional puts make the table append-only: an
// existing sequence number can never be overwritten.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pedro-hbl/recon-engine/pkg/ledger"
)

// Store implements the ledger.Store interface for AWS DynamoDB
type Store struct {
	client      *dynamodb.Client
	tableName   string
	timeout     time.Duration
	initialized bool
	metrics     map[string]interface{}
}

// Config holds the configuration for a DynamoDB ledger store
type Config struct {
	Region          string
	TableName       string
	Endpoint        string
	ProvisionedRCUs int64
	ProvisionedWCUs int64
	CreateTable     bool
	TimeoutMs       int
}

// Factory creates DynamoDB store instances
type Factory struct{}

// NewFactory creates a new DynamoDB factory
func NewFactory() *Factory {
	return &Factory{}
}

// CreateStore implements the ledger.Factory interface
func (f *Factory) CreateStore(config map[string]interface{}) (ledger.Store, error) {
	cfg := Config{
		Region:          "us-east-1",
		TableName:       "ReconLedger",
		ProvisionedRCUs: 5,
		ProvisionedWCUs: 5,
		CreateTable:     false,
		TimeoutMs:       5000,
	}

	if region, ok := config["region"].(string); ok {
		cfg.Region = region
	}
	if tableName, ok := config["tableName"].(string); ok {
		cfg.TableName = tableName
	}
	if endpoint, ok := config["endpoint"].(string); ok {
		cfg.Endpoint = endpoint
	}
	if rcus, ok := config["provisionedRCUs"].(int64); ok {
		cfg.ProvisionedRCUs = rcus
	}
	if wcus, ok := config["provisionedWCUs"].(int64); ok {
		cfg.ProvisionedWCUs = wcus
	}
	if createTable, ok := config["createTable"].(bool); ok {
		cfg.CreateTable = createTable
	}
	if timeoutMs, ok := config["timeoutMs"].(int); ok {
		cfg.TimeoutMs = timeoutMs
	}

	return NewStore(cfg)
}

// NewStore creates a new DynamoDB ledger store
func NewStore(cfg Config) (*Store, error) {
	store := &Store{
		tableName: cfg.TableName,
		timeout:   time.Duration(cfg.TimeoutMs) * time.Millisecond,
		metrics:   make(map[string]interface{}),
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	if cfg.Endpoint != "" {
		// Custom endpoint (e.g. local DynamoDB)
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:           cfg.Endpoint,
				SigningRegion: cfg.Region,
			}, nil
		})
		awsCfg.EndpointResolverWithOptions = customResolver
	}

	store.client = dynamodb.NewFromConfig(awsCfg)

	if cfg.CreateTable {
		if err := store.createLedgerTable(cfg.ProvisionedRCUs, cfg.ProvisionedWCUs); err != nil {
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}

	return store, nil
}

// item is the DynamoDB shape of a ledger entry. The full entry rides along
// as a JSON payload so the table schema never has to chase the Go types.
type item struct {
	RunID   string `dynamodbav:"RunID"`
	Seq     int64  `dynamodbav:"Seq"`
	Kind    string `dynamodbav:"Kind"`
	Payload []byte `dynamodbav:"Payload"`
}

// Initialize implements the Store interface
func (s *Store) Initialize(ctx context.Context) error {
	if s.initialized {
		return nil
	}

	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		var notFoundErr *types.ResourceNotFoundException
		if errors.As(err, &notFoundErr) {
			return fmt.Errorf("table %s does not exist", s.tableName)
		}
		return fmt.Errorf("error checking table: %w", err)
	}

	s.initialized = true
	s.ResetMetrics()
	return nil
}

// Close implements the Store interface
func (s *Store) Close() error {
	// DynamoDB doesn't require explicit connection closing
	s.initialized = false
	return nil
}

// Append implements the Store interface. The conditional expression rejects
// writes to an existing (RunID, Seq) key, so appends can never clobber
// history. Throttling is retried under a bounded timeout; a condition
// failure is deterministic and surfaces immediately.
func (s *Store) Append(ctx context.Context, entry ledger.Entry) error {
	if !s.initialized {
		return errors.New("store not initialized")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}

	av, err := attributevalue.MarshalMap(item{
		RunID:   entry.RunID,
		Seq:     int64(entry.Seq),
		Kind:    string(entry.Kind),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal ledger item: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(RunID)"),
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		_, lastErr = s.client.PutItem(attemptCtx, input)
		cancel()

		if lastErr == nil {
			s.bump("appends")
			return nil
		}

		var condErr *types.ConditionalCheckFailedException
		if errors.As(lastErr, &condErr) {
			return fmt.Errorf("append would overwrite run %s seq %d: %w", entry.RunID, entry.Seq, lastErr)
		}
		var throttled *types.ProvisionedThroughputExceededException
		if !errors.As(lastErr, &throttled) && !errors.Is(lastErr, context.DeadlineExceeded) {
			break
		}
	}
	return fmt.Errorf("PutItem operation failed: %w", lastErr)
}

// Entries implements the Store interface
func (s *Store) Entries(ctx context.Context, runID string) ([]ledger.Entry, error) {
	if !s.initialized {
		return nil, errors.New("store not initialized")
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("RunID = :runId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":runId": &types.AttributeValueMemberS{Value: runID},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	var entries []ledger.Entry
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("Query operation failed: %w", err)
		}
		for _, raw := range page.Items {
			var it item
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, fmt.Errorf("failed to unmarshal ledger item: %w", err)
			}
			var entry ledger.Entry
			if err := json.Unmarshal(it.Payload, &entry); err != nil {
				return nil, fmt.Errorf("corrupt ledger payload at seq %d: %w", it.Seq, err)
			}
			entries = append(entries, entry)
		}
	}

	s.bump("reads")
	return entries, nil
}

// GetMetrics implements the Store interface
func (s *Store) GetMetrics() map[string]interface{} {
	out := make(map[string]interface{}, len(s.metrics))
	for k, v := range s.metrics {
		out[k] = v
	}
	return out
}

// ResetMetrics implements the Store interface
func (s *Store) ResetMetrics() {
	s.metrics = make(map[string]interface{})
}

func (s *Store) createLedgerTable(rcus, wcus int64) error {
	ctx := context.Background()

	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("RunID"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("Seq"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("RunID"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("Seq"), KeyType: types.KeyTypeRange},
		},
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(rcus),
			WriteCapacityUnits: aws.Int64(wcus),
		},
	})
	if err != nil {
		var existsErr *types.ResourceInUseException
		if errors.As(err, &existsErr) {
			return nil
		}
		return err
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	}, 2*time.Minute)
}

func (s *Store) bump(key string) {
	if v, ok := s.metrics[key].(int64); ok {
		s.metrics[key] = v + 1
		return
	}
	s.metrics[key] = int64(1)
}
