package cost

import (
	"sort"
	"sync"
)

// Usage is the token consumption for a query, summed across every model call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add returns u plus other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// IsZero reports whether no tokens were recorded.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0
}

// BudgetStatus reports how close a tracker is to its token limit.
type BudgetStatus struct {
	Used       int
	Limit      int
	Percent    float64
	ShouldWarn bool
	ShouldStop bool
}

// Tracker accumulates token usage for a single query. Safe for concurrent use.
// Totals only grow.
type Tracker struct {
	mu      sync.RWMutex
	total   Usage
	byModel map[string]Usage
	calls   int

	limit       int
	warnPercent float64
}

// NewTracker creates a tracker. A limit of zero disables budget checks.
func NewTracker(limit int) *Tracker {
	return &Tracker{
		byModel:     make(map[string]Usage),
		limit:       normalizeLimit(limit),
		warnPercent: 80,
	}
}

// Record adds the usage reported by one model call. Negative counts are ignored.
// When the provider omits the total, it is derived from input and output.
func (t *Tracker) Record(modelID string, input, output, total int) {
	if input < 0 {
		input = 0
	}
	if output < 0 {
		output = 0
	}
	if total < input+output {
		total = input + output
	}
	u := Usage{InputTokens: input, OutputTokens: output, TotalTokens: total}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = t.total.Add(u)
	t.byModel[modelID] = t.byModel[modelID].Add(u)
	t.calls++
}

// Snapshot returns the accumulated usage.
func (t *Tracker) Snapshot() Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// Calls returns the number of recorded model calls.
func (t *Tracker) Calls() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.calls
}

// ModelBreakdown is usage attributed to a single model.
type ModelBreakdown struct {
	Model string
	Usage Usage
}

// ByModel returns per-model usage sorted by model ID.
func (t *Tracker) ByModel() []ModelBreakdown {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ModelBreakdown, 0, len(t.byModel))
	for id, u := range t.byModel {
		out = append(out, ModelBreakdown{Model: id, Usage: u})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// SetWarnPercent sets the percentage of the limit at which ShouldWarn flips.
func (t *Tracker) SetWarnPercent(p float64) {
	if p <= 0 || p > 100 {
		return
	}
	t.mu.Lock()
	t.warnPercent = p
	t.mu.Unlock()
}

// CheckBudget compares total usage against the configured limit.
func (t *Tracker) CheckBudget() BudgetStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := BudgetStatus{Used: t.total.TotalTokens, Limit: t.limit}
	if t.limit == 0 {
		return status
	}
	status.Percent = float64(t.total.TotalTokens) / float64(t.limit) * 100
	status.ShouldWarn = status.Percent >= t.warnPercent
	status.ShouldStop = t.total.TotalTokens >= t.limit
	return status
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return 0
	}
	return v
}
