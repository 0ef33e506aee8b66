package match

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pedro-hbl/recon-engine/pkg/records"
)

// Config controls the matching cascade. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// DateWindowDays is the calendar-day tolerance for stages 2 and 3,
	// covering settlement lag between systems
	DateWindowDays int

	// ReferenceSimilarity is the minimum normalized edit-distance similarity
	// for stage 2, in [0, 1]
	ReferenceSimilarity float64

	// MaxGroupSize bounds the subset size stage 3 will aggregate
	MaxGroupSize int

	// MaxAggregateNodes bounds the subset search per anchor record so a
	// pathological batch cannot blow up the run
	MaxAggregateNodes int
}

// DefaultConfig returns the conservative defaults: three-day window, 0.85
// similarity, aggregate groups of up to 50 records.
func DefaultConfig() Config {
	return Config{
		DateWindowDays:      3,
		ReferenceSimilarity: 0.85,
		MaxGroupSize:        50,
		MaxAggregateNodes:   200000,
	}
}

// Result is the outcome of one cascade run: the matches found and the
// records neither side could claim.
type Result struct {
	Matches   []Match
	ResidualA []records.TransactionRecord
	ResidualB []records.TransactionRecord
}

// Run executes the matching cascade over two normalized record sets. Stages
// run strictly in order and each stage only sees records no earlier stage
// claimed; a record belongs to at most one match. The cascade is greedy and
// fully deterministic: for fixed inputs and config the output is identical
// across runs. Pure function, no I/O.
func Run(setA, setB []records.TransactionRecord, cfg Config) Result {
	a := sortedCopy(setA)
	b := sortedCopy(setB)

	m := &matcher{cfg: cfg, a: a, b: b, claimed: make(map[string]bool)}

	m.exactStage()
	m.dateTolerantStage()
	m.aggregateStage()
	m.amountOnlyStage()

	return Result{
		Matches:   m.matches,
		ResidualA: m.unclaimed(a),
		ResidualB: m.unclaimed(b),
	}
}

type matcher struct {
	cfg     Config
	a, b    []records.TransactionRecord
	claimed map[string]bool
	matches []Match
}

// sortedCopy orders records by occurred-at then ID so every stage iterates
// in a stable order regardless of input order.
func sortedCopy(recs []records.TransactionRecord) []records.TransactionRecord {
	out := make([]records.TransactionRecord, len(recs))
	copy(out, recs)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *matcher) unclaimed(recs []records.TransactionRecord) []records.TransactionRecord {
	var out []records.TransactionRecord
	for _, r := range recs {
		if !m.claimed[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

func (m *matcher) emit(a, b []records.TransactionRecord, strategy Strategy, confidence Confidence) {
	match := Match{
		Strategy:       strategy,
		Confidence:     confidence,
		VarianceAmount: decimal.Zero,
	}
	for _, r := range a {
		m.claimed[r.ID] = true
		match.MembersA = append(match.MembersA, r.ID)
	}
	for _, r := range b {
		m.claimed[r.ID] = true
		match.MembersB = append(match.MembersB, r.ID)
	}
	m.matches = append(m.matches, match)
}

// exactStage matches on equal currency, equal amount, equal calendar date
// and equal normalized reference. Ties between candidates are broken by
// external-ID prefix proximity, then earliest occurred-at, then ID, so the
// result never depends on input order.
func (m *matcher) exactStage() {
	type key struct {
		currency string
		amount   string
		day      string
		ref      string
	}

	index := make(map[key][]int)
	for i, r := range m.b {
		if r.NormalizedReference == "" {
			continue
		}
		k := key{r.Currency, r.Amount.String(), dayOf(r.OccurredAt), r.NormalizedReference}
		index[k] = append(index[k], i)
	}

	for _, ra := range m.a {
		if m.claimed[ra.ID] || ra.NormalizedReference == "" {
			continue
		}
		k := key{ra.Currency, ra.Amount.String(), dayOf(ra.OccurredAt), ra.NormalizedReference}

		best := -1
		bestPrefix := -1
		for _, bi := range index[k] {
			rb := m.b[bi]
			if m.claimed[rb.ID] {
				continue
			}
			p := commonPrefixLen(ra.ExternalID, rb.ExternalID)
			if best == -1 || p > bestPrefix {
				best, bestPrefix = bi, p
				continue
			}
			if p == bestPrefix && earlier(rb, m.b[best]) {
				best = bi
			}
		}
		if best >= 0 {
			m.emit([]records.TransactionRecord{ra}, []records.TransactionRecord{m.b[best]}, StrategyExact, ConfidenceConfirmed)
		}
	}
}

// dateTolerantStage matches equal amounts whose dates sit within the
// configured window and whose references are similar enough. Handles the
// bank-vs-billing settlement lag: a wire initiated Friday lands Monday.
func (m *matcher) dateTolerantStage() {
	for _, ra := range m.a {
		if m.claimed[ra.ID] || ra.NormalizedReference == "" {
			continue
		}

		best := -1
		bestSim := 0.0
		bestDiff := 0
		for bi, rb := range m.b {
			if m.claimed[rb.ID] || rb.NormalizedReference == "" {
				continue
			}
			if rb.Currency != ra.Currency || !ra.Amount.Equal(rb.Amount) {
				continue
			}
			diff := dayDiff(ra.OccurredAt, rb.OccurredAt)
			if diff > m.cfg.DateWindowDays {
				continue
			}
			sim := Similarity(ra.NormalizedReference, rb.NormalizedReference)
			if sim < m.cfg.ReferenceSimilarity {
				continue
			}
			if best == -1 || sim > bestSim || (sim == bestSim && diff < bestDiff) ||
				(sim == bestSim && diff == bestDiff && earlier(rb, m.b[best])) {
				best, bestSim, bestDiff = bi, sim, diff
			}
		}
		if best >= 0 {
			m.emit([]records.TransactionRecord{ra}, []records.TransactionRecord{m.b[best]}, StrategyDateTolerant, ConfidenceConfirmed)
		}
	}
}

// aggregateStage finds one record on one side equal to the sum of a batch
// on the other: a single payout funding many invoices, or many lockbox
// checks rolled into one deposit. The search only considers records sharing
// a batch hint and dates inside the window, and is bounded by MaxGroupSize
// and a node budget, which keeps it out of combinatorial territory.
func (m *matcher) aggregateStage() {
	m.aggregateDirection(m.a, m.b, true)
	m.aggregateDirection(m.b, m.a, false)
}

func (m *matcher) aggregateDirection(singles, grouped []records.TransactionRecord, singlesAreA bool) {
	for _, anchor := range singles {
		if m.claimed[anchor.ID] {
			continue
		}

		for _, hint := range batchHints(grouped, m.claimed) {
			pool := m.batchPool(grouped, hint, anchor)
			if len(pool) < 2 {
				continue
			}

			subset := m.findSubset(pool, anchor.Amount)
			if subset == nil {
				continue
			}

			single := []records.TransactionRecord{anchor}
			if singlesAreA {
				m.emit(single, subset, StrategyAggregate, ConfidenceConfirmed)
			} else {
				m.emit(subset, single, StrategyAggregate, ConfidenceConfirmed)
			}
			break
		}
	}
}

// batchHints returns the distinct non-empty hints among unclaimed records,
// sorted for deterministic iteration.
func batchHints(recs []records.TransactionRecord, claimed map[string]bool) []string {
	seen := make(map[string]bool)
	var hints []string
	for _, r := range recs {
		if r.BatchHint == "" || claimed[r.ID] || seen[r.BatchHint] {
			continue
		}
		seen[r.BatchHint] = true
		hints = append(hints, r.BatchHint)
	}
	sort.Strings(hints)
	return hints
}

func (m *matcher) batchPool(recs []records.TransactionRecord, hint string, anchor records.TransactionRecord) []records.TransactionRecord {
	var pool []records.TransactionRecord
	for _, r := range recs {
		if m.claimed[r.ID] || r.BatchHint != hint || r.Currency != anchor.Currency {
			continue
		}
		if dayDiff(anchor.OccurredAt, r.OccurredAt) > m.cfg.DateWindowDays {
			continue
		}
		pool = append(pool, r)
	}
	return pool
}

// findSubset searches the pool for 2..MaxGroupSize records summing exactly
// to target. Depth-first over the sorted pool; the first subset found in
// inclusion order wins, which makes the result stable. Returns nil when the
// node budget runs out before a subset is found.
func (m *matcher) findSubset(pool []records.TransactionRecord, target decimal.Decimal) []records.TransactionRecord {
	nodes := 0
	var chosen []records.TransactionRecord

	var dfs func(start int, remaining decimal.Decimal) bool
	dfs = func(start int, remaining decimal.Decimal) bool {
		if remaining.IsZero() && len(chosen) >= 2 {
			return true
		}
		if len(chosen) >= m.cfg.MaxGroupSize {
			return false
		}
		for i := start; i < len(pool); i++ {
			nodes++
			if nodes > m.cfg.MaxAggregateNodes {
				return false
			}
			chosen = append(chosen, pool[i])
			if dfs(i+1, remaining.Sub(pool[i].Amount)) {
				return true
			}
			chosen = chosen[:len(chosen)-1]
		}
		return false
	}

	if dfs(0, target) {
		out := make([]records.TransactionRecord, len(chosen))
		copy(out, chosen)
		return out
	}
	return nil
}

// amountOnlyStage pairs equal amounts with no date or reference support.
// Lowest-confidence stage: every match here is SUGGESTED and needs operator
// confirmation before it can help close a run.
func (m *matcher) amountOnlyStage() {
	for _, ra := range m.a {
		if m.claimed[ra.ID] {
			continue
		}

		best := -1
		bestDiff := 0
		for bi, rb := range m.b {
			if m.claimed[rb.ID] || rb.Currency != ra.Currency || !ra.Amount.Equal(rb.Amount) {
				continue
			}
			if ra.NormalizedReference != "" && ra.NormalizedReference == rb.NormalizedReference {
				// Equal references with equal amounts outside the window are
				// timing differences; the classifier owns those.
				continue
			}
			diff := dayDiff(ra.OccurredAt, rb.OccurredAt)
			if best == -1 || diff < bestDiff || (diff == bestDiff && earlier(rb, m.b[best])) {
				best, bestDiff = bi, diff
			}
		}
		if best >= 0 {
			m.emit([]records.TransactionRecord{ra}, []records.TransactionRecord{m.b[best]}, StrategyAmountOnly, ConfidenceSuggested)
		}
	}
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// dayDiff is the absolute distance in calendar days.
func dayDiff(a, b time.Time) int {
	da := a.UTC().Truncate(24 * time.Hour)
	db := b.UTC().Truncate(24 * time.Hour)
	diff := int(da.Sub(db).Hours() / 24)
	if diff < 0 {
		diff = -diff
	}
	return diff
}

func earlier(a, b records.TransactionRecord) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	return a.ID < b.ID
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
