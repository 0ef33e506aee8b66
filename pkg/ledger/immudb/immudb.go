// Package immudb backs the reconciliation ledger with immudb. The database
// is immutable and cryptographically verifiable, which lines up with the
// ledger contract: append-only, durable, and auditable after the fact.
package immudb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/codenotary/immudb/pkg/client"

	"github.com/pedro-hbl/recon-engine/pkg/ledger"
)

// Store implements the ledger.Store interface on top of an immudb session
type Store struct {
	client    client.ImmuClient
	options   *client.Options
	dbName    string
	tableName string
	connected bool
	timeout   time.Duration
	metrics   map[string]interface{}
}

// Factory creates immudb store instances
type Factory struct{}

// NewFactory creates a new factory for immudb stores
func NewFactory() *Factory {
	return &Factory{}
}

// CreateStore creates a new immudb-backed ledger store
func (f *Factory) CreateStore(config map[string]interface{}) (ledger.Store, error) {
	// Default configuration
	defaultConfig := map[string]interface{}{
		"address":   "127.0.0.1",
		"port":      3322,
		"username":  "immudb",
		"password":  "immudb",
		"database":  "defaultdb",
		"tableName": "ledger_entries",
		"timeoutMs": 5000,
	}

	for k, v := range config {
		defaultConfig[k] = v
	}

	address := fmt.Sprintf("%v", defaultConfig["address"])
	port := intValue(defaultConfig["port"], 3322)
	username := fmt.Sprintf("%v", defaultConfig["username"])
	password := fmt.Sprintf("%v", defaultConfig["password"])
	dbName := fmt.Sprintf("%v", defaultConfig["database"])
	tableName := fmt.Sprintf("%v", defaultConfig["tableName"])
	timeoutMs := intValue(defaultConfig["timeoutMs"], 5000)

	options := client.DefaultOptions().
		WithAddress(address).
		WithPort(port).
		WithUsername(username).
		WithPassword(password)

	store := &Store{
		options:   options,
		dbName:    dbName,
		tableName: tableName,
		timeout:   time.Duration(timeoutMs) * time.Millisecond,
		metrics:   make(map[string]interface{}),
	}

	return store, nil
}

func intValue(v interface{}, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

// Initialize opens the session and ensures the ledger table exists
func (s *Store) Initialize(ctx context.Context) error {
	if s.connected {
		return nil
	}

	c := client.NewClient()
	err := c.OpenSession(ctx, []byte(s.options.Username), []byte(s.options.Password), s.dbName)
	if err != nil {
		return fmt.Errorf("failed to connect to immudb: %w", err)
	}

	s.client = c
	s.connected = true

	sqlStmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
		"run_id VARCHAR[64] NOT NULL, "+
		"seq INTEGER NOT NULL, "+
		"kind VARCHAR[16] NOT NULL, "+
		"payload VARCHAR, "+
		"PRIMARY KEY (run_id, seq)"+
		")", s.tableName)

	_, err = c.SQLExec(ctx, sqlStmt, nil)
	if err != nil {
		c.CloseSession(ctx)
		s.connected = false
		return fmt.Errorf("failed to create ledger table: %w", err)
	}

	return nil
}

// Close closes the immudb session
func (s *Store) Close() error {
	if s.connected && s.client != nil {
		ctx := context.Background()
		err := s.client.CloseSession(ctx)
		if err == nil {
			s.connected = false
		}
		return err
	}
	return nil
}

// Append persists one ledger entry. Transient transport failures are
// retried with backoff under a bounded timeout; anything else (including a
// primary-key collision, which means an out-of-order append) fails
// immediately because retrying deterministic failures just wastes work.
func (s *Store) Append(ctx context.Context, entry ledger.Entry) error {
	if !s.connected {
		if err := s.Initialize(ctx); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (run_id, seq, kind, payload) VALUES (@run_id, @seq, @kind, @payload)",
		s.tableName,
	)
	params := map[string]interface{}{
		"run_id":  entry.RunID,
		"seq":     int64(entry.Seq),
		"kind":    string(entry.Kind),
		"payload": string(payload),
	}

	err = s.withRetry(ctx, func(attemptCtx context.Context) error {
		_, execErr := s.client.SQLExec(attemptCtx, query, params)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	s.bump("appends")
	return nil
}

// Entries returns all entries for a run in sequence order
func (s *Store) Entries(ctx context.Context, runID string) ([]ledger.Entry, error) {
	if !s.connected {
		if err := s.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	query := fmt.Sprintf("SELECT seq, payload FROM %s WHERE run_id = @run_id", s.tableName)
	params := map[string]interface{}{
		"run_id": runID,
	}

	result, err := s.client.SQLQuery(ctx, query, params, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}

	entries := make([]ledger.Entry, 0, len(result.Rows))
	for _, row := range result.Rows {
		var entry ledger.Entry
		if err := json.Unmarshal([]byte(row.Values[1].GetS()), &entry); err != nil {
			return nil, fmt.Errorf("corrupt ledger payload at seq %d: %w", row.Values[0].GetN(), err)
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

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

// withRetry runs op up to three times with backoff, each attempt under the
// configured timeout, retrying only transport-level failures.
func (s *Store) withRetry(ctx context.Context, op func(context.Context) error) error {
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
		lastErr = op(attemptCtx)
		cancel()

		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"unavailable", "connection", "timeout", "deadline"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (s *Store) bump(key string) {
	if v, ok := s.metrics[key].(int64); ok {
		s.metrics[key] = v + 1
		return
	}
	s.metrics[key] = int64(1)
}
