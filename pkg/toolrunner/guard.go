package toolrunner

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/odvcencio/quarry/pkg/tool"
)

const (
	defaultLoopWindow    = 4
	defaultSoftLimit     = 3
	defaultHardLimit     = 5
	defaultSimilarity    = 0.7
	defaultRecentQueries = 5
)

// SkillLedger reports run-once keys already executed for the current query.
// The scratchpad implements it.
type SkillLedger interface {
	HasExecutedSkill(name string) bool
}

// LimitResolver returns the soft and hard call limits for a tool.
// config.ToolsConfig implements it.
type LimitResolver interface {
	ResolveLimits(tool string) (soft, hard int)
}

// GuardConfig configures per-query call policy.
type GuardConfig struct {
	// Window is how many recent call signatures the loop guard compares.
	Window              int
	SoftLimit           int
	HardLimit           int
	Limits              LimitResolver
	SimilarityThreshold float64
	// RecentQueries bounds the query strings remembered per tool.
	RecentQueries int
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.Window <= 1 {
		c.Window = defaultLoopWindow
	}
	if c.SoftLimit <= 0 {
		c.SoftLimit = defaultSoftLimit
	}
	if c.HardLimit <= 0 {
		c.HardLimit = defaultHardLimit
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = defaultSimilarity
	}
	if c.RecentQueries <= 0 {
		c.RecentQueries = defaultRecentQueries
	}
	return c
}

// Verdict is the admission decision for one call.
type Verdict int

const (
	Admit Verdict = iota
	// Skip marks a run-once call already executed; it is a silent no-op.
	Skip
	// Block marks a call refused by the hard limit.
	Block
	// Loop marks a call refused by the loop guard.
	Loop
)

func (v Verdict) String() string {
	switch v {
	case Admit:
		return "admit"
	case Skip:
		return "skip"
	case Block:
		return "block"
	case Loop:
		return "loop"
	default:
		return "unknown"
	}
}

// Admission is the guard's answer for a call.
type Admission struct {
	Verdict Verdict
	// Warning is set for admitted calls nearing their limit or repeating a
	// near-identical query.
	Warning string
	Reason  string
	// RunOnceKey is the identifying key of a run-once call, if any.
	RunOnceKey string
}

// Guard holds the dedup, loop and limit state for one query. It is safe for
// concurrent use but admission is expected to run in request order.
type Guard struct {
	mu     sync.Mutex
	cfg    GuardConfig
	ledger SkillLedger

	window  []string
	counts  map[string]int
	recent  map[string][]string
	skills  map[string]bool
	tripped bool
}

// NewGuard creates a guard. ledger may be nil.
func NewGuard(cfg GuardConfig, ledger SkillLedger) *Guard {
	return &Guard{
		cfg:    cfg.withDefaults(),
		ledger: ledger,
		counts: make(map[string]int),
		recent: make(map[string][]string),
		skills: make(map[string]bool),
	}
}

// Admit evaluates a call against dedup, the loop guard and call limits, in
// that order, and updates the guard state.
func (g *Guard) Admit(t tool.Tool, name string, args map[string]any) Admission {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t != nil {
		if ro, ok := t.(tool.RunOnce); ok {
			if key, ok := ro.RunOnceKey(args); ok {
				if g.skills[key] || (g.ledger != nil && g.ledger.HasExecutedSkill(key)) {
					return Admission{Verdict: Skip, RunOnceKey: key, Reason: fmt.Sprintf("%s already executed for this query", key)}
				}
				adm := g.admitLocked(t, name, args, key)
				if adm.Verdict == Admit {
					g.skills[key] = true
				}
				return adm
			}
		}
	}
	return g.admitLocked(t, name, args, "")
}

func (g *Guard) admitLocked(t tool.Tool, name string, args map[string]any, runOnceKey string) Admission {
	sig := tool.Signature(name, args)
	g.window = append(g.window, sig)
	if len(g.window) > g.cfg.Window {
		g.window = g.window[len(g.window)-g.cfg.Window:]
	}
	if g.loopingLocked() {
		g.tripped = true
		return Admission{
			Verdict: Loop,
			Reason:  fmt.Sprintf("%s called with identical arguments %d times in a row", name, g.cfg.Window),
		}
	}

	soft, hard := g.limitsFor(name)
	count := g.counts[name]
	if count >= hard {
		return Admission{
			Verdict: Block,
			Reason:  fmt.Sprintf("%s reached its limit of %d calls for this query", name, hard),
		}
	}
	g.counts[name] = count + 1

	adm := Admission{Verdict: Admit, RunOnceKey: runOnceKey}
	if count+1 >= soft {
		adm.Warning = fmt.Sprintf("%s has been called %d of %d allowed times", name, count+1, hard)
	}

	argName := tool.DefaultQueryArgument
	if t != nil {
		argName = tool.QueryArgumentOf(t)
	}
	if q := tool.StringArg(args, argName); q != "" {
		for _, prev := range g.recent[name] {
			if Similarity(prev, q) >= g.cfg.SimilarityThreshold {
				msg := fmt.Sprintf("%s query %q is very similar to earlier query %q", name, q, prev)
				if adm.Warning != "" {
					adm.Warning += "; " + msg
				} else {
					adm.Warning = msg
				}
				break
			}
		}
		recent := append(g.recent[name], q)
		if len(recent) > g.cfg.RecentQueries {
			recent = recent[len(recent)-g.cfg.RecentQueries:]
		}
		g.recent[name] = recent
	}
	return adm
}

func (g *Guard) loopingLocked() bool {
	if len(g.window) < g.cfg.Window {
		return false
	}
	first := g.window[0]
	for _, sig := range g.window[1:] {
		if sig != first {
			return false
		}
	}
	return true
}

func (g *Guard) limitsFor(name string) (soft, hard int) {
	soft, hard = g.cfg.SoftLimit, g.cfg.HardLimit
	if g.cfg.Limits != nil {
		if s, h := g.cfg.Limits.ResolveLimits(name); h > 0 {
			soft, hard = s, h
		}
	}
	if soft <= 0 || soft > hard {
		soft = hard
	}
	return soft, hard
}

// Forget releases a run-once key whose execution failed so a later call in
// the same query can retry it.
func (g *Guard) Forget(key string) {
	if key == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.skills, key)
}

// Tripped reports whether the loop guard has fired.
func (g *Guard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// Count returns how many calls to name were admitted.
func (g *Guard) Count(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[name]
}

// Similarity is the Jaccard index of the lowercased word sets of a and b.
func Similarity(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
