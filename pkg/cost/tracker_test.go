package cost

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_RecordAccumulates(t *testing.T) {
	tr := NewTracker(0)
	tr.Record("primary", 100, 20, 120)
	tr.Record("fast", 10, 5, 0)

	got := tr.Snapshot()
	assert.Equal(t, Usage{InputTokens: 110, OutputTokens: 25, TotalTokens: 135}, got)
	assert.Equal(t, 2, tr.Calls())
}

func TestTracker_IgnoresNegativeCounts(t *testing.T) {
	tr := NewTracker(0)
	tr.Record("m", -5, 3, -1)
	assert.Equal(t, Usage{OutputTokens: 3, TotalTokens: 3}, tr.Snapshot())
}

func TestTracker_MonotonicUnderConcurrency(t *testing.T) {
	tr := NewTracker(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record("m", 2, 1, 3)
		}()
	}
	wg.Wait()
	assert.Equal(t, 150, tr.Snapshot().TotalTokens)
	assert.Equal(t, 50, tr.Calls())
}

func TestTracker_ByModelSorted(t *testing.T) {
	tr := NewTracker(0)
	tr.Record("zeta", 1, 1, 2)
	tr.Record("alpha", 2, 2, 4)
	tr.Record("zeta", 1, 1, 2)

	got := tr.ByModel()
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].Model)
	assert.Equal(t, 4, got[1].Usage.TotalTokens)
}

func TestTracker_CheckBudget(t *testing.T) {
	tr := NewTracker(100)
	tr.Record("m", 50, 30, 80)

	status := tr.CheckBudget()
	assert.True(t, status.ShouldWarn)
	assert.False(t, status.ShouldStop)
	assert.InDelta(t, 80.0, status.Percent, 0.001)

	tr.Record("m", 10, 10, 20)
	assert.True(t, tr.CheckBudget().ShouldStop)
}

func TestTracker_ZeroLimitDisablesBudget(t *testing.T) {
	tr := NewTracker(-1)
	tr.Record("m", 1000, 1000, 2000)
	status := tr.CheckBudget()
	assert.False(t, status.ShouldWarn)
	assert.False(t, status.ShouldStop)
	assert.Zero(t, status.Limit)
}
