package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Stage identifies the orchestrator stage being measured
type Stage string

const (
	// StageNormalize covers raw-entry canonicalization
	StageNormalize Stage = "NORMALIZE"
	// StageMatch covers the matching cascade
	StageMatch Stage = "MATCH"
	// StageClassify covers residual variance classification
	StageClassify Stage = "CLASSIFY"
	// StagePersist covers ledger appends
	StagePersist Stage = "PERSIST"
)

// StageMetric represents the measurements for a single stage execution
type StageMetric struct {
	Stage        Stage         `json:"stage"`
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	Duration     time.Duration `json:"duration"`
	ItemCount    int           `json:"itemCount"`
	Error        error         `json:"-"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
}

// Collector collects stage timings and record-level defect counts for a
// reconciliation run. Safe for concurrent use; independent runs each get
// their own collector.
type Collector struct {
	mu          sync.Mutex
	stages      []*StageMetric
	errorCounts map[string]int
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		errorCounts: make(map[string]int),
	}
}

// MeasureStage measures a single stage and returns any error from it
func (c *Collector) MeasureStage(stage Stage, itemCount int, fn func() error) error {
	if fn == nil {
		return fmt.Errorf("stage function cannot be nil")
	}

	metric := &StageMetric{
		Stage:     stage,
		StartTime: time.Now(),
		ItemCount: itemCount,
	}

	err := fn()
	metric.EndTime = time.Now()
	metric.Duration = metric.EndTime.Sub(metric.StartTime)

	if err != nil {
		metric.Error = err
		metric.ErrorMessage = err.Error()
	}

	c.mu.Lock()
	c.stages = append(c.stages, metric)
	c.mu.Unlock()

	return err
}

// CountError tallies one record-level defect by kind
func (c *Collector) CountError(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCounts[kind]++
}

// ErrorCounts returns a copy of the per-kind defect tallies
func (c *Collector) ErrorCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int, len(c.errorCounts))
	for k, v := range c.errorCounts {
		out[k] = v
	}
	return out
}

// Stages returns a copy of the collected stage metrics in execution order
func (c *Collector) Stages() []StageMetric {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]StageMetric, 0, len(c.stages))
	for _, m := range c.stages {
		out = append(out, *m)
	}
	return out
}
