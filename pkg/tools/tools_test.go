package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/quarry/pkg/config"
	"github.com/odvcencio/quarry/pkg/skill"
	"github.com/odvcencio/quarry/pkg/tool"
)

const page = `<html><head><title> ACME Q3 Results </title><script>var x = 1;</script></head>
<body>
<nav>Home | About</nav>
<div id="summary">Revenue rose   12%   to $4.1B.</div>
<div id="other">Guidance unchanged.</div>
<a href="/filings/10q">Quarterly filing</a>
<a href="mailto:ir@acme.test">Email</a>
<a href="https://example.com/press"></a>
</body></html>`

func newPageServer(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(page))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &gotUA
}

func decodeFetch(t *testing.T, out string) fetchResult {
	t.Helper()
	var res fetchResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	return res
}

func TestFetchURLExtractsText(t *testing.T) {
	srv, ua := newPageServer(t)
	f := NewFetchURL("quarry-test/0.1")

	out, err := f.Execute(context.Background(), map[string]any{"url": srv.URL + "/q3"})
	require.NoError(t, err)
	assert.Equal(t, "quarry-test/0.1", *ua)

	res := decodeFetch(t, out)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ACME Q3 Results", res.Title)
	assert.Contains(t, res.Text, "Revenue rose 12% to $4.1B.")
	assert.NotContains(t, res.Text, "var x")
	assert.NotContains(t, res.Text, "Home | About")
	require.Len(t, res.Links, 2)
	assert.Equal(t, srv.URL+"/filings/10q", res.Links[0]["url"])
	assert.Equal(t, "Quarterly filing", res.Links[0]["title"])
	assert.Equal(t, "https://example.com/press", res.Links[1]["title"])
}

func TestFetchURLSelectorAndLength(t *testing.T) {
	srv, _ := newPageServer(t)
	f := NewFetchURL("")

	out, err := f.Execute(context.Background(), map[string]any{
		"url":        srv.URL,
		"selector":   "#summary",
		"max_length": float64(7),
	})
	require.NoError(t, err)
	res := decodeFetch(t, out)
	assert.Equal(t, "Revenue", res.Text)
	assert.True(t, res.Truncated)

	_, err = f.Execute(context.Background(), map[string]any{"url": srv.URL, "selector": "#nope"})
	assert.ErrorContains(t, err, "matched no elements")
}

func TestFetchURLErrors(t *testing.T) {
	srv, _ := newPageServer(t)
	f := NewFetchURL("")

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing url", map[string]any{}, "non-empty"},
		{"bad scheme", map[string]any{"url": "ftp://example.com"}, "invalid url"},
		{"relative", map[string]any{"url": "/just/a/path"}, "invalid url"},
		{"not found", map[string]any{"url": srv.URL + "/missing"}, "status code 404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Execute(context.Background(), tt.args)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestFetchURLHonorsContext(t *testing.T) {
	srv, _ := newPageServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFetchURL("").Execute(ctx, map[string]any{"url": srv.URL})
	assert.ErrorIs(t, err, context.Canceled)
}

func testSkills(t *testing.T) *skill.Registry {
	t.Helper()
	reg := skill.NewRegistry(nil)
	require.NoError(t, reg.Add(&skill.Skill{
		Name:        "earnings-review",
		Description: "Review an earnings report",
		Content:     "Fetch the press release first.",
	}))
	return reg
}

func TestSkillTool(t *testing.T) {
	st := NewSkillTool(testSkills(t))

	assert.Contains(t, st.Description(), "- earnings-review: Review an earnings report")
	assert.Equal(t, []string{"earnings-review"}, st.Parameters().Properties["name"].Enum)

	out, err := st.Execute(context.Background(), map[string]any{"name": "earnings-review"})
	require.NoError(t, err)
	assert.Contains(t, out, "Fetch the press release first.")

	_, err = st.Execute(context.Background(), map[string]any{"name": "unknown"})
	var notFound skill.ErrSkillNotFound
	assert.ErrorAs(t, err, &notFound)

	key, ok := st.RunOnceKey(map[string]any{"name": "earnings-review"})
	assert.True(t, ok)
	assert.Equal(t, "skill:earnings-review", key)
	_, ok = st.RunOnceKey(map[string]any{})
	assert.False(t, ok)

	var _ tool.RunOnce = st
	assert.Equal(t, "name", tool.QueryArgumentOf(st))
}

func TestNewRegistry(t *testing.T) {
	cfg := config.DefaultConfig().Tools

	reg, err := NewRegistry(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch_url"}, reg.Names())

	reg, err = NewRegistry(cfg, testSkills(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch_url", "skill"}, reg.Names())
}

func TestNewRegistryTruncatesResults(t *testing.T) {
	srv, _ := newPageServer(t)
	cfg := config.DefaultConfig().Tools
	cfg.MaxResultBytes = 64

	reg, err := NewRegistry(cfg, nil)
	require.NoError(t, err)
	out, err := reg.Execute(context.Background(), "fetch_url", "call_0", map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 64)
	assert.True(t, strings.HasSuffix(out, "[truncated]"))
}

func TestLoadSkills(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "macro.md")
	require.NoError(t, os.WriteFile(path, []byte("---\nname: macro-check\ndescription: Macro indicators\n---\nUse CPI."), 0o600))

	cfg := config.DefaultConfig().Tools
	cfg.SkillsDir = dir
	skills, err := LoadSkills(cfg, nil)
	require.NoError(t, err)
	s, err := skills.Get("macro-check")
	require.NoError(t, err)
	assert.Equal(t, "Use CPI.", s.Content)
}
