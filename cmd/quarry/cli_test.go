package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/quarry/pkg/agent"
	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/scratchpad"
	"github.com/odvcencio/quarry/pkg/taskgraph"
)

const directAnswer = `{"id":"cmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":"Revenue grew 12 percent."},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`

// isolateEnv keeps the developer's home config and API keys out of the test.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{
		"QUARRY_API_KEY", "OPENROUTER_API_KEY", "OPENAI_API_KEY", "QUARRY_BASE_URL",
		"QUARRY_MODE", "QUARRY_STORAGE_DIR", "QUARRY_STORAGE_BACKEND", "QUARRY_NATS_URL",
		"QUARRY_TRACING", "QUARRY_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, baseURL string) (cfgPath, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	cfgPath = filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`provider:
  base_url: %s
  max_retries: 0
storage:
  dir: %s
telemetry:
  event_log: true
logging:
  level: error
`, baseURL, dataDir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath, dataDir
}

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func newModelServer(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "quarry "+version)
}

func TestAskDirectAnswer(t *testing.T) {
	isolateEnv(t)
	srv, calls := newModelServer(t, directAnswer)
	cfgPath, dataDir := writeConfig(t, srv.URL)
	query := "How did ACME revenue change?"

	stdout, _, err := executeCLI(t, "--config", cfgPath, "--no-color", "ask", query)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Revenue grew 12 percent.")
	assert.Contains(t, stdout, "completed")
	assert.Equal(t, int32(1), calls.Load())

	eventFile := filepath.Join(dataDir, "events", scratchpad.QueryHash(query)+".jsonl")
	data, err := os.ReadFile(eventFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"done"`)

	runs, err := scratchpad.ListRuns(filepath.Join(dataDir, "scratchpad"))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, scratchpad.QueryHash(query), runs[0].QueryHash)
}

func TestAskJSONOutput(t *testing.T) {
	isolateEnv(t)
	srv, _ := newModelServer(t, directAnswer)
	cfgPath, _ := writeConfig(t, srv.URL)

	stdout, _, err := executeCLI(t, "--config", cfgPath, "--json", "ask", "How", "did", "ACME", "do?")
	require.NoError(t, err)

	var res agent.Result
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, agent.StatusCompleted, res.Status)
	assert.Equal(t, "Revenue grew 12 percent.", res.Answer)
	assert.Equal(t, 15, res.Usage.TotalTokens)
	assert.NotEmpty(t, res.RunID)
}

func TestAskRejectsBadMode(t *testing.T) {
	isolateEnv(t)
	srv, calls := newModelServer(t, directAnswer)
	cfgPath, _ := writeConfig(t, srv.URL)

	_, _, err := executeCLI(t, "--config", cfgPath, "ask", "--mode", "verbose", "q")
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCodeForError(err))
	assert.Zero(t, calls.Load())
}

func TestAskRequiresAPIKeyForRemoteEndpoints(t *testing.T) {
	isolateEnv(t)
	cfgPath, _ := writeConfig(t, "https://openrouter.ai/api/v1")

	_, _, err := executeCLI(t, "--config", cfgPath, "ask", "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API key")
	assert.Equal(t, exitConfig, exitCodeForError(err))
}

func TestAskResumeLatestWithoutRuns(t *testing.T) {
	isolateEnv(t)
	srv, calls := newModelServer(t, directAnswer)
	cfgPath, _ := writeConfig(t, srv.URL)

	_, _, err := executeCLI(t, "--config", cfgPath, "ask", "--resume", "latest", "never asked")
	require.Error(t, err)
	assert.True(t, qerrors.IsCode(err, qerrors.ErrCodeInvalidInput))
	assert.Zero(t, calls.Load())
}

func TestInspectListsAndReplaysRuns(t *testing.T) {
	isolateEnv(t)
	srv, _ := newModelServer(t, directAnswer)
	cfgPath, dataDir := writeConfig(t, srv.URL)
	query := "What changed at ACME?"

	pad, err := scratchpad.Open(scratchpad.Options{Dir: filepath.Join(dataDir, "scratchpad"), Query: query})
	require.NoError(t, err)
	require.NoError(t, pad.AddThinking("look up the filing", 1))
	require.NoError(t, pad.AddToolResult(scratchpad.ToolResultInput{
		Tool:        "fetch_url",
		Args:        map[string]any{"url": "https://acme.test/q3"},
		Result:      `{"title":"Q3"}`,
		Summary:     "Q3 revenue up 12%",
		Description: "fetch_url(url=https://acme.test/q3)",
		Iteration:   1,
	}))
	runID := pad.RunID()
	require.NoError(t, pad.Close())

	stdout, _, err := executeCLI(t, "--config", cfgPath, "--no-color", "inspect")
	require.NoError(t, err)
	assert.Contains(t, stdout, runID)

	stdout, _, err = executeCLI(t, "--config", cfgPath, "--no-color", "inspect", runID)
	require.NoError(t, err)
	assert.Contains(t, stdout, query)
	assert.Contains(t, stdout, "look up the filing")
	assert.Contains(t, stdout, "Q3 revenue up 12%")

	stdout, _, err = executeCLI(t, "--config", cfgPath, "--json", "inspect", runID)
	require.NoError(t, err)
	var entries []scratchpad.Entry
	require.NoError(t, json.Unmarshal([]byte(stdout), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, scratchpad.EntryToolResult, entries[2].Type)

	_, _, err = executeCLI(t, "--config", cfgPath, "inspect", "nope")
	assert.True(t, qerrors.IsCode(err, qerrors.ErrCodeInvalidInput))
}

func TestTasksRunPlannedFetches(t *testing.T) {
	isolateEnv(t)
	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("<html><head><title>ACME IR</title></head><body>Q3 revenue $4.1B</body></html>"))
	}))
	t.Cleanup(pages.Close)
	cfgPath, _ := writeConfig(t, "https://openrouter.ai/api/v1")

	taskFile := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, taskgraph.WriteFile(taskFile, taskgraph.File{
		Query: "ACME Q3",
		Tasks: []taskgraph.Task{
			{ID: "release", Description: "fetch the release", Kind: taskgraph.KindUseTools,
				ToolCalls: []taskgraph.PlannedCall{{Tool: "fetch_url", Args: map[string]any{"url": pages.URL + "/q3"}}}},
			{ID: "deck", Description: "fetch the deck", Kind: taskgraph.KindUseTools, DependsOn: []string{"release"},
				ToolCalls: []taskgraph.PlannedCall{{Tool: "fetch_url", Args: map[string]any{"url": pages.URL + "/missing"}}}},
		},
	}))

	stdout, _, err := executeCLI(t, "--config", cfgPath, "--json", "tasks", "run", taskFile)
	require.Error(t, err)
	assert.True(t, qerrors.IsCode(err, qerrors.ErrCodeTaskFailed))
	assert.Equal(t, exitFailure, exitCodeForError(err))

	var results []taskgraph.TaskResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "release", results[0].ID)
	assert.Equal(t, taskgraph.StatusCompleted, results[0].Status)
	assert.Contains(t, results[0].Output, "Q3 revenue $4.1B")
	assert.Equal(t, taskgraph.StatusFailed, results[1].Status)
}

func TestTasksRunRejectsUnknownTools(t *testing.T) {
	isolateEnv(t)
	cfgPath, _ := writeConfig(t, "https://openrouter.ai/api/v1")
	taskFile := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(taskFile, []byte(`query: q
tasks:
  - id: a
    description: search
    tool_calls:
      - tool: web_search
        args: {query: acme}
`), 0o600))

	_, _, err := executeCLI(t, "--config", cfgPath, "tasks", "run", taskFile)
	require.Error(t, err)
	assert.True(t, qerrors.IsCode(err, qerrors.ErrCodePlanInvalid))
}

func TestExitCodeForError(t *testing.T) {
	assert.Equal(t, exitOK, exitCodeForError(nil))
	assert.Equal(t, exitFailure, exitCodeForError(fmt.Errorf("boom")))
	assert.Equal(t, exitCancelled, exitCodeForError(withExitCode(context.Canceled, exitCancelled)))
	assert.Equal(t, exitConfig, exitCodeForError(qerrors.New(qerrors.ErrCodeConfigInvalid, "bad")))
	assert.Nil(t, withExitCode(nil, exitConfig))
}

func TestIsLocalEndpoint(t *testing.T) {
	for raw, want := range map[string]bool{
		"http://localhost:11434/v1":    true,
		"http://127.0.0.1:8080":        true,
		"http://[::1]:8080":            true,
		"https://openrouter.ai/api/v1": false,
		"::bad":                        false,
	} {
		assert.Equal(t, want, isLocalEndpoint(raw), raw)
	}
}
