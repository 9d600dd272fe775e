package budget

import (
	"context"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
)

// FullStrategy includes every result verbatim and fails when that does not fit.
type FullStrategy struct {
	Estimator Estimator
}

func (FullStrategy) Name() string { return StrategyFull }

// Compact includes all items in full.
func (s FullStrategy) Compact(ctx context.Context, req Request) (Assembly, error) {
	place := make([]placement, len(req.Items))
	for i := range place {
		place[i] = placeFull
	}
	a := render(s.Estimator, req.Items, place, StrategyFull)
	if req.Budget > 0 && a.Tokens > req.Budget {
		return a, qerrors.Newf(qerrors.ErrCodeBudgetExceeded,
			"full context needs %d tokens, budget is %d", a.Tokens, req.Budget)
	}
	return a, nil
}

// EvictionStrategy keeps the most recent results that fit in full and
// degrades older ones to summary lines while room remains.
type EvictionStrategy struct {
	Estimator Estimator
}

func (EvictionStrategy) Name() string { return StrategyEviction }

// Compact walks from newest to oldest, keeping each result in full while it
// fits, then fills remaining room with summaries.
func (s EvictionStrategy) Compact(ctx context.Context, req Request) (Assembly, error) {
	est := s.Estimator
	place := make([]placement, len(req.Items))
	used := est.Estimate(fullHeader)
	for i := len(req.Items) - 1; i >= 0; i-- {
		cost := fullCost(est, req.Items[i])
		if req.Budget <= 0 || used+cost <= req.Budget {
			place[i] = placeFull
			used += cost
		}
	}
	used += est.Estimate(summaryHeader)
	for i := len(req.Items) - 1; i >= 0; i-- {
		if place[i] == placeFull {
			continue
		}
		cost := est.Estimate(req.Items[i].SummaryLine())
		if req.Budget <= 0 || used+cost <= req.Budget {
			place[i] = placeSummary
			used += cost
		}
	}
	return assemble(est, req, place, StrategyEviction), nil
}

// SummariesStrategy renders every result as a summary line, dropping the
// oldest when even that does not fit.
type SummariesStrategy struct {
	Estimator Estimator
}

func (SummariesStrategy) Name() string { return StrategyAllSummaries }

// Compact places every item as a summary.
func (s SummariesStrategy) Compact(ctx context.Context, req Request) (Assembly, error) {
	place := make([]placement, len(req.Items))
	for i := range place {
		place[i] = placeSummary
	}
	return assemble(s.Estimator, req, place, StrategyAllSummaries), nil
}
