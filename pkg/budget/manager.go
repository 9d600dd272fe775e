package budget

import (
	"context"

	"github.com/odvcencio/quarry/pkg/encoding/toon"
	"github.com/odvcencio/quarry/pkg/logging"
)

const defaultAnswerBudget = 60000

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Estimator Estimator
	// Budget is the token ceiling for the answer context.
	Budget int
	// Strategy is consulted when full inclusion does not fit.
	Strategy Strategy
	// Codec re-encodes structured results before estimation; nil disables it.
	Codec  *toon.Codec
	Logger *logging.Logger
}

// Manager builds bounded answer contexts.
type Manager struct {
	est      Estimator
	budget   int
	strategy Strategy
	codec    *toon.Codec
	logger   *logging.Logger
}

// NewManager applies defaults: ratio estimation, a 60k budget and eviction.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		est:      cfg.Estimator,
		budget:   cfg.Budget,
		strategy: cfg.Strategy,
		codec:    cfg.Codec,
		logger:   logging.OrNop(cfg.Logger).Component("budget"),
	}
	if m.est == nil {
		m.est = RatioEstimator{CharsPerToken: DefaultCharsPerToken}
	}
	if m.budget <= 0 {
		m.budget = defaultAnswerBudget
	}
	if m.strategy == nil {
		m.strategy = EvictionStrategy{Estimator: m.est}
	}
	return m
}

// Estimator returns the manager's estimator.
func (m *Manager) Estimator() Estimator { return m.est }

// Budget returns the answer budget in tokens.
func (m *Manager) Budget() int { return m.budget }

// Strategy returns the over-budget strategy.
func (m *Manager) Strategy() Strategy { return m.strategy }

// EstimateTokens estimates text with the manager's estimator.
func (m *Manager) EstimateTokens(text string) int {
	return m.est.Estimate(text)
}

// Prepare applies the codec to every item's full text.
func (m *Manager) Prepare(items []Item) []Item {
	if !m.codec.Enabled() {
		return items
	}
	out := make([]Item, len(items))
	for i, item := range items {
		item.Full = m.codec.Compact(item.Full)
		out[i] = item
	}
	return out
}

// BuildAnswerContext includes every result in full when that fits the budget
// and otherwise delegates to the configured strategy. The returned text never
// exceeds the budget by estimate. Under eviction at least one result stays in
// full whenever some result's StandaloneCost is within budget; a result whose
// bare text fits but whose labeled block does not is summarized.
func (m *Manager) BuildAnswerContext(ctx context.Context, query string, items []Item) (Assembly, error) {
	req := Request{Query: query, Items: m.Prepare(items), Budget: m.budget}
	if len(req.Items) == 0 {
		return Assembly{Strategy: StrategyFull}, nil
	}

	if full, err := (FullStrategy{Estimator: m.est}).Compact(ctx, req); err == nil {
		return full, nil
	}

	a, err := m.strategy.Compact(ctx, req)
	if err != nil {
		m.logger.Warn("context strategy failed; using summaries", "strategy", m.strategy.Name(), "error", err)
		a, _ = SummariesStrategy{Estimator: m.est}.Compact(ctx, req)
		a.Fallback = true
	}
	m.logger.Debug("answer context compacted",
		"strategy", a.Strategy,
		"full", len(a.Full),
		"summarized", len(a.Summarized),
		"dropped", len(a.Dropped),
		"tokens", a.Tokens,
		"budget", m.budget)
	return a, nil
}
