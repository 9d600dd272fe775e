package budget

import "sync"

const (
	defaultContextThreshold = 100000
	defaultKeepRecent       = 5
)

// Eviction reports one Apply call.
type Eviction struct {
	// Visible are the items still shown in full, in original order.
	Visible []Item
	// Hidden are items cleared from the prompt view, in original order.
	Hidden []Item
	// Cleared counts items newly cleared by this call.
	Cleared int
	// Kept counts items still visible.
	Kept int
}

// Evictor clears the oldest results from the in-loop prompt view once the
// running estimate crosses a threshold. Clearing is sticky: a cleared item
// stays cleared for the rest of the query. The scratchpad is never touched.
type Evictor struct {
	mu         sync.Mutex
	est        Estimator
	threshold  int
	keepRecent int
	cleared    map[string]bool
}

// NewEvictor creates an evictor for one query.
func NewEvictor(est Estimator, threshold, keepRecent int) *Evictor {
	if est == nil {
		est = RatioEstimator{CharsPerToken: DefaultCharsPerToken}
	}
	if threshold <= 0 {
		threshold = defaultContextThreshold
	}
	if keepRecent < 0 {
		keepRecent = defaultKeepRecent
	}
	return &Evictor{est: est, threshold: threshold, keepRecent: keepRecent, cleared: make(map[string]bool)}
}

// Apply estimates systemPrompt + query + every visible full result and, when
// over the threshold, clears the oldest visible items outside the most
// recent keepRecent until the estimate fits or nothing else may be cleared.
func (e *Evictor) Apply(systemPrompt, query string, items []Item) Eviction {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := e.est.Estimate(systemPrompt) + e.est.Estimate(query)
	costs := make([]int, len(items))
	for i, item := range items {
		if e.cleared[item.ID] {
			continue
		}
		costs[i] = e.est.Estimate(item.FullBlock())
		total += costs[i]
	}

	newly := 0
	if total > e.threshold {
		protectedFrom := len(items) - e.keepRecent
		for i := 0; i < protectedFrom && total > e.threshold; i++ {
			id := items[i].ID
			if e.cleared[id] {
				continue
			}
			e.cleared[id] = true
			total -= costs[i]
			newly++
		}
	}

	out := Eviction{Cleared: newly}
	for _, item := range items {
		if e.cleared[item.ID] {
			out.Hidden = append(out.Hidden, item)
		} else {
			out.Visible = append(out.Visible, item)
		}
	}
	out.Kept = len(out.Visible)
	return out
}
