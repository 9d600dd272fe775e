package budget

import (
	"context"
	"fmt"
	"strings"

	"github.com/odvcencio/quarry/pkg/tool"
)

// Strategy names reported in Assembly.Strategy.
const (
	StrategyFull         = "full"
	StrategyEviction     = "eviction"
	StrategySelection    = "selection"
	StrategyAllSummaries = "all_summaries"
)

// Item is one tool result as seen by context assembly.
type Item struct {
	ID      string
	Tool    string
	Args    map[string]any
	Full    string
	Summary string
	Failed  bool
}

// Label identifies the call in prompts.
func (i Item) Label() string {
	return fmt.Sprintf("%s(%s)", i.Tool, tool.CanonicalArgs(i.Args))
}

// FullBlock is the labeled block used when the result is included verbatim.
func (i Item) FullBlock() string {
	return fmt.Sprintf("### %s\n%s\n", i.Label(), strings.TrimSpace(i.Full))
}

// SummaryLine is the one-line stand-in used when the result is not included.
func (i Item) SummaryLine() string {
	s := strings.TrimSpace(i.Summary)
	if s == "" {
		s = "(no summary)"
	}
	line := fmt.Sprintf("- %s: %s", i.Label(), s)
	if i.Failed {
		line += " [failed]"
	}
	return line + "\n"
}

// Request is the input to a Strategy.
type Request struct {
	Query  string
	Items  []Item
	Budget int
}

// Assembly is a bounded context built from Items.
type Assembly struct {
	Text     string
	Tokens   int
	Strategy string
	// Full, Summarized and Dropped hold item IDs by how they were placed.
	Full       []string
	Summarized []string
	Dropped    []string
	// Fallback is set when the strategy degraded to all summaries.
	Fallback bool
}

// Reduced reports how many items were not included in full.
func (a Assembly) Reduced() int {
	return len(a.Summarized) + len(a.Dropped)
}

// Strategy compacts items into a context that fits the request budget.
type Strategy interface {
	Name() string
	Compact(ctx context.Context, req Request) (Assembly, error)
}

const (
	fullHeader    = "## Full tool results\n\n"
	summaryHeader = "## Other tool results (summaries only)\n\n"
)

// StandaloneCost is what including item in full costs on its own: the
// section header plus its labeled block. An item fits alone when this, not
// the estimate of its bare text, is within budget.
func StandaloneCost(est Estimator, item Item) int {
	return est.Estimate(fullHeader) + fullCost(est, item)
}

func fullCost(est Estimator, item Item) int {
	return est.Estimate(item.FullBlock()) + 1
}

// placement is the per-item decision a strategy hands to assemble.
type placement int

const (
	placeDrop placement = iota
	placeSummary
	placeFull
)

// assemble renders items in their original order according to place, then
// demotes until the estimate fits the budget: summaries are dropped oldest
// first, then full results are demoted oldest first.
func assemble(est Estimator, req Request, place []placement, strategy string) Assembly {
	for {
		a := render(est, req.Items, place, strategy)
		if req.Budget <= 0 || a.Tokens <= req.Budget {
			return a
		}
		if !demote(place) {
			return a
		}
	}
}

func demote(place []placement) bool {
	for i, p := range place {
		if p == placeSummary {
			place[i] = placeDrop
			return true
		}
	}
	for i, p := range place {
		if p == placeFull {
			place[i] = placeSummary
			return true
		}
	}
	return false
}

func render(est Estimator, items []Item, place []placement, strategy string) Assembly {
	var full, summaries strings.Builder
	a := Assembly{Strategy: strategy}
	for i, item := range items {
		switch place[i] {
		case placeFull:
			full.WriteString(item.FullBlock())
			full.WriteString("\n")
			a.Full = append(a.Full, item.ID)
		case placeSummary:
			summaries.WriteString(item.SummaryLine())
			a.Summarized = append(a.Summarized, item.ID)
		default:
			a.Dropped = append(a.Dropped, item.ID)
		}
	}
	var b strings.Builder
	if full.Len() > 0 {
		b.WriteString(fullHeader)
		b.WriteString(full.String())
	}
	if summaries.Len() > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(summaryHeader)
		b.WriteString(summaries.String())
	}
	a.Text = strings.TrimRight(b.String(), "\n")
	a.Tokens = est.Estimate(a.Text)
	return a
}

// FormatFull renders every item as a full block.
func FormatFull(items []Item) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString(item.FullBlock())
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatSummaries renders every item as a summary line.
func FormatSummaries(items []Item) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString(item.SummaryLine())
	}
	return strings.TrimRight(b.String(), "\n")
}
