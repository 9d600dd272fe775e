package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/odvcencio/quarry/pkg/tool"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ErrStoreClosed indicates the underlying store is unavailable.
var ErrStoreClosed = errors.New("storage: closed")

// Pointer is the compact handle to a persisted tool result. It is cheap to
// hold in memory; the full result stays in the store.
type Pointer struct {
	ID          string         `json:"id"`
	ToolName    string         `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description"`
	Summary     string         `json:"summary,omitempty"`
}

// FullContext is a loaded tool result.
type FullContext struct {
	Pointer
	Result   string    `json:"result"`
	StoredAt time.Time `json:"stored_at"`
}

// ResultStore persists full tool results scoped to one query.
type ResultStore interface {
	// Save writes the result durably before returning its pointer.
	Save(ctx context.Context, toolName string, args map[string]any, result string) (Pointer, error)
	// LoadMany returns the results for ptrs in order, skipping missing or
	// corrupt entries.
	LoadMany(ctx context.Context, ptrs []Pointer) []FullContext
	// List returns pointers for every stored result, oldest first.
	List(ctx context.Context) ([]Pointer, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Dir is the storage root; results live under Dir/results.
	Dir string
	// Namespace scopes results, normally the query hash.
	Namespace string
}

// Open returns the configured result store.
func Open(opts Options) (ResultStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFile:
		fs, err := NewFileStore(filepath.Join(opts.Dir, "results"), opts.Namespace)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case BackendSQLite:
		ss, err := OpenSQLite(filepath.Join(opts.Dir, "results.db"), opts.Namespace)
		if err != nil {
			return nil, err
		}
		return ss, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// ContentKey derives a stable key from the tool name and its sorted arguments.
func ContentKey(toolName string, args map[string]any) string {
	sum := sha256.Sum256([]byte(tool.Signature(toolName, args)))
	return hex.EncodeToString(sum[:])[:16]
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// PointerID is the storage identifier for a call: the sanitized tool name
// and its content key.
func PointerID(toolName string, args map[string]any) string {
	name := unsafeName.ReplaceAllString(toolName, "_")
	if name == "" {
		name = "tool"
	}
	return name + "_" + ContentKey(toolName, args)
}

func newPointer(toolName string, args map[string]any) Pointer {
	return Pointer{
		ID:          PointerID(toolName, args),
		ToolName:    toolName,
		Args:        args,
		Description: Describe(toolName, args),
	}
}
