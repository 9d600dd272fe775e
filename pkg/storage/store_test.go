package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentKeyIsOrderIndependent(t *testing.T) {
	a := ContentKey("get_prices", map[string]any{"ticker": "AAPL", "period": "annual"})
	b := ContentKey("get_prices", map[string]any{"period": "annual", "ticker": "AAPL"})
	c := ContentKey("get_prices", map[string]any{"ticker": "MSFT", "period": "annual"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
	assert.Equal(t, ContentKey("x", nil), ContentKey("x", map[string]any{}))
}

func TestPointerIDSanitizesToolName(t *testing.T) {
	id := PointerID("../evil/tool", nil)
	assert.NotContains(t, id, "/")
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{
			name: "identifier with qualifiers",
			tool: "get_income_statements",
			args: map[string]any{"ticker": "aapl", "period": "annual", "limit": 5},
			want: "AAPL income statements (annual, limit 5)",
		},
		{
			name: "free text query",
			tool: "search_news",
			args: map[string]any{"query": "chip export rules"},
			want: `news "chip export rules"`,
		},
		{
			name: "date range",
			tool: "fetch_prices",
			args: map[string]any{"symbol": "msft", "start_date": "2024-01-01", "end_date": "2024-03-31"},
			want: "MSFT prices (2024-01-01 to 2024-03-31)",
		},
		{
			name: "no args",
			tool: "market_status",
			want: "market status",
		},
		{
			name: "prefix only",
			tool: "get_",
			want: "get_",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Describe(tt.tool, tt.args))
		})
	}
}

func storesUnderTest(t *testing.T) map[string]ResultStore {
	t.Helper()
	dir := t.TempDir()
	fileStore, err := NewFileStore(filepath.Join(dir, "results"), "q1")
	require.NoError(t, err)
	sqliteStore, err := OpenSQLite(filepath.Join(dir, "results.db"), "q1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })
	return map[string]ResultStore{"file": fileStore, "sqlite": sqliteStore}
}

func TestResultStoreRoundTrip(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p1, err := store.Save(ctx, "get_prices", map[string]any{"ticker": "AAPL"}, `{"close": 1}`)
			require.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
			p2, err := store.Save(ctx, "search_news", map[string]any{"query": "apple"}, "headline")
			require.NoError(t, err)

			assert.Equal(t, "AAPL prices", p1.Description)
			assert.NotEqual(t, p1.ID, p2.ID)

			p2.Summary = "one headline"
			loaded := store.LoadMany(ctx, []Pointer{p2, {ID: "missing_0000"}, p1})
			require.Len(t, loaded, 2)
			assert.Equal(t, "headline", loaded[0].Result)
			assert.Equal(t, "one headline", loaded[0].Summary)
			assert.Equal(t, `{"close": 1}`, loaded[1].Result)
			assert.Equal(t, "AAPL", loaded[1].Args["ticker"])

			listed, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, listed, 2)
			assert.Equal(t, p1.ID, listed[0].ID)
		})
	}
}

func TestResultStoreSaveIsIdempotentPerKey(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			args := map[string]any{"ticker": "AAPL"}
			a, err := store.Save(ctx, "get_prices", args, "v1")
			require.NoError(t, err)
			b, err := store.Save(ctx, "get_prices", args, "v2")
			require.NoError(t, err)
			assert.Equal(t, a.ID, b.ID)

			loaded := store.LoadMany(ctx, []Pointer{a})
			require.Len(t, loaded, 1)
			assert.Equal(t, "v2", loaded[0].Result)
		})
	}
}

func TestFileStoreRemovesCorruptEntries(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "q1")
	require.NoError(t, err)
	ctx := context.Background()

	ptr, err := store.Save(ctx, "get_prices", map[string]any{"ticker": "AAPL"}, "ok")
	require.NoError(t, err)
	path := filepath.Join(store.Dir(), ptr.ID+".json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o600))

	assert.Empty(t, store.LoadMany(ctx, []Pointer{ptr}))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, store.LoadMany(ctx, []Pointer{ptr}))
}

func TestFileStoreRejectsPathTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "q1")
	require.NoError(t, err)
	assert.Empty(t, store.LoadMany(context.Background(), []Pointer{{ID: "../../etc/passwd"}}))
}

func TestSQLiteStoreRemovesCorruptRows(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "r.db"), "q1")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	ptr, err := store.Save(ctx, "get_prices", map[string]any{"ticker": "AAPL"}, "ok")
	require.NoError(t, err)
	_, err = store.db.Exec(`UPDATE tool_results SET args = 'not json' WHERE id = ?`, ptr.ID)
	require.NoError(t, err)

	assert.Empty(t, store.LoadMany(ctx, []Pointer{ptr}))
	var n int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM tool_results`).Scan(&n))
	assert.Zero(t, n)
}

func TestSQLiteNamespacesAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.db")
	a, err := OpenSQLite(path, "a")
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLite(path, "b")
	require.NoError(t, err)
	defer b.Close()

	ptr, err := a.Save(context.Background(), "t", nil, "x")
	require.NoError(t, err)
	assert.Empty(t, b.LoadMany(context.Background(), []Pointer{ptr}))
	assert.Len(t, a.LoadMany(context.Background(), []Pointer{ptr}), 1)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Options{Backend: "redis", Dir: t.TempDir()})
	require.Error(t, err)
}
