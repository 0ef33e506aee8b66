// Package memory is the in-memory Store used by tests and single-shot CLI
// runs that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pedro-hbl/recon-engine/pkg/ledger"
)

// Store keeps entries per run in process memory. Append-only: sequence
// numbers must arrive strictly increasing and nothing is ever removed.
type Store struct {
	mu      sync.Mutex
	entries map[string][]ledger.Entry
	metrics map[string]interface{}
}

// Factory creates memory store instances
type Factory struct{}

// NewFactory creates a new factory for in-memory stores
func NewFactory() *Factory {
	return &Factory{}
}

// CreateStore implements the ledger.Factory interface. The config map is
// accepted for interface symmetry; memory stores have nothing to configure.
func (f *Factory) CreateStore(config map[string]interface{}) (ledger.Store, error) {
	return NewStore(), nil
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string][]ledger.Entry),
		metrics: make(map[string]interface{}),
	}
}

// Initialize implements the Store interface
func (s *Store) Initialize(ctx context.Context) error {
	return nil
}

// Close implements the Store interface
func (s *Store) Close() error {
	return nil
}

// Append implements the Store interface
func (s *Store) Append(ctx context.Context, entry ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.entries[entry.RunID]
	if want := uint64(len(existing)) + 1; entry.Seq != want {
		return fmt.Errorf("out-of-order append for run %s: got seq %d, want %d", entry.RunID, entry.Seq, want)
	}

	s.entries[entry.RunID] = append(existing, entry)
	s.bump("appends")
	return nil
}

// Entries implements the Store interface
func (s *Store) Entries(ctx context.Context, runID string) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ledger.Entry, len(s.entries[runID]))
	copy(out, s.entries[runID])
	s.bump("reads")
	return out, nil
}

// GetMetrics implements the Store interface
func (s *Store) GetMetrics() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]interface{}, len(s.metrics))
	for k, v := range s.metrics {
		out[k] = v
	}
	return out
}

// ResetMetrics implements the Store interface
func (s *Store) ResetMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = make(map[string]interface{})
}

// bump assumes s.mu is held.
func (s *Store) bump(key string) {
	if v, ok := s.metrics[key].(int64); ok {
		s.metrics[key] = v + 1
		return
	}
	s.metrics[key] = int64(1)
}
