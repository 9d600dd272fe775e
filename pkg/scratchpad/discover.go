package scratchpad

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
)

// RunInfo describes a scratchpad log on disk.
type RunInfo struct {
	Path      string
	QueryHash string
	RunID     string
	ModTime   time.Time
}

// ListRuns returns every log in dir, newest first.
func ListRuns(dir string) ([]RunInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, qerrors.Wrap(err, qerrors.ErrCodeStorageRead, "list scratchpads")
	}
	var runs []RunInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		hash, runID, ok := strings.Cut(strings.TrimSuffix(name, ".jsonl"), "_")
		if !ok || hash == "" || runID == "" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, RunInfo{
			Path:      filepath.Join(dir, name),
			QueryHash: hash,
			RunID:     runID,
			ModTime:   info.ModTime(),
		})
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].ModTime.Equal(runs[j].ModTime) {
			return runs[i].RunID > runs[j].RunID
		}
		return runs[i].ModTime.After(runs[j].ModTime)
	})
	return runs, nil
}

// LatestRun returns the newest log for query, if any.
func LatestRun(dir, query string) (RunInfo, bool, error) {
	runs, err := ListRuns(dir)
	if err != nil {
		return RunInfo{}, false, err
	}
	hash := QueryHash(query)
	for _, r := range runs {
		if r.QueryHash == hash {
			return r, true, nil
		}
	}
	return RunInfo{}, false, nil
}
