// Package scratchpad is the append-only, query-scoped log of everything an
// agent run did. The JSONL file on disk is the source of truth; every view is
// re-derived from it on demand.
package scratchpad

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/tool"
)

// EntryType discriminates log entries.
type EntryType string

const (
	EntryInit       EntryType = "init"
	EntryThinking   EntryType = "thinking"
	EntryToolResult EntryType = "tool_result"
)

// Result kinds recorded on tool_result entries.
const (
	ResultJSON = "json"
	ResultText = "text"
	// ResultBytes holds results that are not valid UTF-8, base64 encoded so
	// they replay byte for byte.
	ResultBytes = "base64"
)

// Entry is one immutable log line. Only the fields relevant to Type are set.
type Entry struct {
	ID        string    `json:"id"`
	Type      EntryType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Iteration int       `json:"iteration,omitempty"`

	Query string `json:"query,omitempty"`
	Text  string `json:"text,omitempty"`

	Tool        string          `json:"tool,omitempty"`
	Args        map[string]any  `json:"args,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ResultKind  string          `json:"result_kind,omitempty"`
	Summary     string          `json:"summary,omitempty"`
	Description string          `json:"description,omitempty"`
	PointerID   string          `json:"pointer_id,omitempty"`
	RunOnceKey  string          `json:"run_once_key,omitempty"`
	Failed      bool            `json:"failed,omitempty"`
}

// ResultString returns the tool result as text. JSON results are returned in
// their stored form.
func (e Entry) ResultString() string {
	if len(e.Result) == 0 {
		return ""
	}
	if e.ResultKind == ResultJSON {
		return string(e.Result)
	}
	var s string
	if err := json.Unmarshal(e.Result, &s); err != nil {
		return string(e.Result)
	}
	if e.ResultKind == ResultBytes {
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			return string(b)
		}
	}
	return s
}

// ResultValue returns the decoded structure for JSON results and the string
// otherwise.
func (e Entry) ResultValue() any {
	if e.ResultKind == ResultJSON {
		var v any
		if err := json.Unmarshal(e.Result, &v); err == nil {
			return v
		}
	}
	return e.ResultString()
}

// ToolCallRecord is the externally visible shape of one completed call.
type ToolCallRecord struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Result any            `json:"result,omitempty"`
}

// ToolContext is one tool result with everything needed to place it in a
// prompt: the full text, its summary and its store pointer.
type ToolContext struct {
	EntryID     string
	Tool        string
	Args        map[string]any
	Result      string
	Summary     string
	Description string
	PointerID   string
	Failed      bool
	Iteration   int
}

// SummaryText returns the model summary or, failing that, the deterministic
// description.
func (c ToolContext) SummaryText() string {
	if s := strings.TrimSpace(c.Summary); s != "" {
		return s
	}
	if d := strings.TrimSpace(c.Description); d != "" {
		return d
	}
	return c.Tool
}

// ToolResultInput is the payload for AddToolResult.
type ToolResultInput struct {
	Tool        string
	Args        map[string]any
	Result      string
	Summary     string
	Description string
	PointerID   string
	RunOnceKey  string
	Failed      bool
	Iteration   int
}

// Options locate the log.
type Options struct {
	Dir   string
	Query string
	// RunID distinguishes runs of the same query; reusing one resumes its log.
	RunID string
}

// Scratchpad is the log for one query run.
type Scratchpad struct {
	mu        sync.Mutex
	path      string
	query     string
	queryHash string
	runID     string
	file      *os.File
	resumed   bool
}

// QueryHash is the stable identifier for a query: the first 16 hex chars of
// the SHA-256 of the trimmed query.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(query)))
	return hex.EncodeToString(sum[:])[:16]
}

// NewRunID returns a sortable run identifier.
func NewRunID() string {
	return strings.ToLower(ulid.Make().String())
}

// Open opens or creates the log. An existing log is resumed as-is; a new one
// starts with an init entry.
func Open(opts Options) (*Scratchpad, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, qerrors.New(qerrors.ErrCodeInvalidInput, "scratchpad directory is empty")
	}
	if strings.TrimSpace(opts.Query) == "" {
		return nil, qerrors.New(qerrors.ErrCodeInvalidInput, "query is empty")
	}
	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		runID = NewRunID()
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "create scratchpad directory")
	}

	hash := QueryHash(opts.Query)
	path := filepath.Join(opts.Dir, fmt.Sprintf("%s_%s.jsonl", hash, runID))

	existing := false
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		existing = true
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "open scratchpad")
	}

	s := &Scratchpad{
		path:      path,
		query:     strings.TrimSpace(opts.Query),
		queryHash: hash,
		runID:     runID,
		file:      f,
	}
	if existing {
		if err := terminateTornLine(path, f); err != nil {
			f.Close()
			return nil, err
		}
		entries, err := s.Entries()
		if err == nil && len(entries) > 0 && entries[0].Type == EntryInit {
			s.resumed = true
			return s, nil
		}
	}
	if err := s.append(Entry{Type: EntryInit, Query: s.query}); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// terminateTornLine appends a newline when a previous process died mid-write,
// so the next entry starts on its own line.
func terminateTornLine(path string, f *os.File) error {
	r, err := os.Open(path)
	if err != nil {
		return qerrors.Wrap(err, qerrors.ErrCodeStorageRead, "open scratchpad")
	}
	defer r.Close()
	info, err := r.Stat()
	if err != nil || info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return nil
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "repair scratchpad")
	}
	return nil
}

// Path returns the log file path.
func (s *Scratchpad) Path() string { return s.path }

// Query returns the trimmed query.
func (s *Scratchpad) Query() string { return s.query }

// QueryHash returns the query's stable identifier.
func (s *Scratchpad) QueryHash() string { return s.queryHash }

// RunID returns the run identifier.
func (s *Scratchpad) RunID() string { return s.runID }

// Resumed reports whether Open found an existing log.
func (s *Scratchpad) Resumed() bool { return s.resumed }

// AddThinking records reasoning text emitted alongside tool calls.
func (s *Scratchpad) AddThinking(text string, iteration int) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.append(Entry{Type: EntryThinking, Text: text, Iteration: iteration})
}

// AddToolResult records one tool call's outcome. Results that are valid JSON
// objects or arrays are stored structurally, invalid UTF-8 as base64 and
// anything else as text.
func (s *Scratchpad) AddToolResult(in ToolResultInput) error {
	if strings.TrimSpace(in.Tool) == "" {
		return qerrors.New(qerrors.ErrCodeInvalidInput, "tool name is empty")
	}
	raw, kind := encodeResult(in.Result)
	return s.append(Entry{
		Type:        EntryToolResult,
		Iteration:   in.Iteration,
		Tool:        in.Tool,
		Args:        in.Args,
		Result:      raw,
		ResultKind:  kind,
		Summary:     strings.TrimSpace(in.Summary),
		Description: in.Description,
		PointerID:   in.PointerID,
		RunOnceKey:  in.RunOnceKey,
		Failed:      in.Failed,
	})
}

func encodeResult(result string) (json.RawMessage, string) {
	trimmed := bytes.TrimSpace([]byte(result))
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			return buf.Bytes(), ResultJSON
		}
	}
	if !utf8.ValidString(result) {
		data, _ := json.Marshal(base64.StdEncoding.EncodeToString([]byte(result)))
		return data, ResultBytes
	}
	data, _ := json.Marshal(result)
	return data, ResultText
}

func (s *Scratchpad) append(e Entry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "encode scratchpad entry")
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return qerrors.New(qerrors.ErrCodeStorageWrite, "scratchpad is closed")
	}
	if _, err := s.file.Write(line); err != nil {
		return qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "append scratchpad entry")
	}
	if err := s.file.Sync(); err != nil {
		return qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "sync scratchpad")
	}
	return nil
}

// Entries replays the log. Lines that fail to decode are skipped.
func (s *Scratchpad) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReadLog(s.path)
}

// ReadLog decodes every valid entry in a scratchpad file.
func ReadLog(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrCodeStorageRead, "open scratchpad")
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Type == "" {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, qerrors.Wrap(err, qerrors.ErrCodeStorageRead, "read scratchpad")
	}
	return entries, nil
}

func (s *Scratchpad) toolEntries() []Entry {
	entries, _ := s.Entries()
	out := entries[:0]
	for _, e := range entries {
		if e.Type == EntryToolResult {
			out = append(out, e)
		}
	}
	return out
}

// GetToolSummaries returns one line per tool result, in log order, using the
// model summary when present and the deterministic description otherwise.
func (s *Scratchpad) GetToolSummaries() []string {
	contexts := s.GetFullContexts()
	out := make([]string, 0, len(contexts))
	for _, c := range contexts {
		line := fmt.Sprintf("%s(%s): %s", c.Tool, tool.CanonicalArgs(c.Args), c.SummaryText())
		if c.Failed {
			line += " [failed]"
		}
		out = append(out, line)
	}
	return out
}

// GetToolCallRecords returns every tool result as a ToolCallRecord.
func (s *Scratchpad) GetToolCallRecords() []ToolCallRecord {
	entries := s.toolEntries()
	out := make([]ToolCallRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, ToolCallRecord{Tool: e.Tool, Args: e.Args, Result: e.ResultValue()})
	}
	return out
}

// GetFullContexts returns every tool result with its full text.
func (s *Scratchpad) GetFullContexts() []ToolContext {
	entries := s.toolEntries()
	out := make([]ToolContext, 0, len(entries))
	for _, e := range entries {
		out = append(out, ToolContext{
			EntryID:     e.ID,
			Tool:        e.Tool,
			Args:        e.Args,
			Result:      e.ResultString(),
			Summary:     e.Summary,
			Description: e.Description,
			PointerID:   e.PointerID,
			Failed:      e.Failed,
			Iteration:   e.Iteration,
		})
	}
	return out
}

// HasToolResults reports whether any tool result was recorded.
func (s *Scratchpad) HasToolResults() bool {
	return len(s.toolEntries()) > 0
}

// HasExecutedSkill reports whether a successful run-once call with key was
// recorded.
func (s *Scratchpad) HasExecutedSkill(key string) bool {
	for _, e := range s.toolEntries() {
		if e.RunOnceKey == key && !e.Failed {
			return true
		}
	}
	return false
}

// LastIteration returns the highest iteration recorded, for resumed runs.
func (s *Scratchpad) LastIteration() int {
	entries, _ := s.Entries()
	last := 0
	for _, e := range entries {
		if e.Iteration > last {
			last = e.Iteration
		}
	}
	return last
}

// Close closes the log file.
func (s *Scratchpad) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
