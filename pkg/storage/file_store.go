package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
)

// FileStore keeps one JSON file per result under dir/namespace.
type FileStore struct {
	dir string
}

type storedResult struct {
	Pointer
	Result   string    `json:"result"`
	StoredAt time.Time `json:"stored_at"`
}

// NewFileStore creates the namespace directory with private permissions.
func NewFileStore(dir, namespace string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, qerrors.New(qerrors.ErrCodeInvalidInput, "result store directory is empty")
	}
	if namespace = strings.TrimSpace(namespace); namespace == "" {
		namespace = "default"
	}
	full := filepath.Join(dir, namespace)
	if err := os.MkdirAll(full, 0o700); err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "create result directory")
	}
	return &FileStore{dir: full}, nil
}

// Dir returns the namespace directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the result via a temp file and rename so readers never see a
// partial file.
func (s *FileStore) Save(ctx context.Context, toolName string, args map[string]any, result string) (Pointer, error) {
	if err := ctx.Err(); err != nil {
		return Pointer{}, err
	}
	ptr := newPointer(toolName, args)
	data, err := json.Marshal(storedResult{Pointer: ptr, Result: result, StoredAt: time.Now().UTC()})
	if err != nil {
		return Pointer{}, qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "encode result")
	}

	tmp, err := os.CreateTemp(s.dir, ptr.ID+".*.tmp")
	if err != nil {
		return Pointer{}, qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Pointer{}, qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "write result")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Pointer{}, qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "sync result")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Pointer{}, qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "close result")
	}
	if err := os.Rename(tmpName, s.path(ptr.ID)); err != nil {
		os.Remove(tmpName)
		return Pointer{}, qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, fmt.Sprintf("store result %s", ptr.ID))
	}
	return ptr, nil
}

// LoadMany reads each pointer's file. Missing files are skipped; files that
// fail to decode are skipped and removed.
func (s *FileStore) LoadMany(ctx context.Context, ptrs []Pointer) []FullContext {
	out := make([]FullContext, 0, len(ptrs))
	for _, ptr := range ptrs {
		if ctx.Err() != nil {
			break
		}
		fc, ok := s.load(ptr)
		if ok {
			out = append(out, fc)
		}
	}
	return out
}

func (s *FileStore) load(ptr Pointer) (FullContext, bool) {
	if ptr.ID == "" || strings.ContainsAny(ptr.ID, `/\`) {
		return FullContext{}, false
	}
	path := s.path(ptr.ID)
	data, err := os.ReadFile(path)
	if err != nil {
		return FullContext{}, false
	}
	var stored storedResult
	if err := json.Unmarshal(data, &stored); err != nil || stored.ID == "" {
		_ = os.Remove(path)
		return FullContext{}, false
	}
	if ptr.Summary != "" {
		stored.Summary = ptr.Summary
	}
	return FullContext{Pointer: stored.Pointer, Result: stored.Result, StoredAt: stored.StoredAt}, true
}

// List returns pointers for every readable result file, oldest first.
func (s *FileStore) List(ctx context.Context) ([]Pointer, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, qerrors.Wrap(err, qerrors.ErrCodeStorageRead, "list results")
	}
	var loaded []FullContext
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		if fc, ok := s.load(Pointer{ID: id}); ok {
			loaded = append(loaded, fc)
		}
	}
	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].StoredAt.Before(loaded[j].StoredAt) })
	ptrs := make([]Pointer, len(loaded))
	for i, fc := range loaded {
		ptrs[i] = fc.Pointer
	}
	return ptrs, nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}
