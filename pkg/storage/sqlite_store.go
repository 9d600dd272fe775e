package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
)

const resultsSchema = `
CREATE TABLE IF NOT EXISTS tool_results (
	namespace   TEXT NOT NULL,
	id          TEXT NOT NULL,
	tool        TEXT NOT NULL,
	args        TEXT NOT NULL,
	description TEXT NOT NULL,
	result      TEXT NOT NULL,
	stored_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (namespace, id)
);
CREATE INDEX IF NOT EXISTS idx_tool_results_stored ON tool_results(namespace, stored_at);
`

// SQLiteStore keeps results in a single SQLite database, one row per result.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
}

// OpenSQLite opens (or creates) the database at dbPath.
func OpenSQLite(dbPath, namespace string) (*SQLiteStore, error) {
	filePath, onDisk := sqliteFilePathFromDSN(dbPath)
	if onDisk {
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "create database directory")
			}
		}
		if err := ensurePrivateSQLiteFile(filePath); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrCodeStorageRead, "open database")
	}
	// One writer at a time; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, pragma)
		}
	}
	if _, err := db.Exec(resultsSchema); err != nil {
		db.Close()
		return nil, qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "create tool_results schema")
	}

	if namespace = strings.TrimSpace(namespace); namespace == "" {
		namespace = "default"
	}
	return &SQLiteStore{db: db, namespace: namespace}, nil
}

// Save upserts the result. Busy errors are retried briefly.
func (s *SQLiteStore) Save(ctx context.Context, toolName string, args map[string]any, result string) (Pointer, error) {
	if s == nil || s.db == nil {
		return Pointer{}, ErrStoreClosed
	}
	ptr := newPointer(toolName, args)
	argsJSON, err := json.Marshal(ptr.Args)
	if err != nil {
		return Pointer{}, qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "encode args")
	}

	const query = `
		INSERT INTO tool_results (namespace, id, tool, args, description, result, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET
			result = excluded.result,
			stored_at = excluded.stored_at
	`
	var execErr error
	for attempt := 0; attempt < 3; attempt++ {
		_, execErr = s.db.ExecContext(ctx, query,
			s.namespace, ptr.ID, ptr.ToolName, string(argsJSON), ptr.Description, result, time.Now().UTC())
		if execErr == nil || !isBusyError(execErr) {
			break
		}
		select {
		case <-ctx.Done():
			return Pointer{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	if execErr != nil {
		return Pointer{}, qerrors.Wrap(execErr, qerrors.ErrCodeStorageWrite, fmt.Sprintf("store result %s", ptr.ID))
	}
	return ptr, nil
}

// LoadMany reads rows in pointer order. Missing rows are skipped; rows whose
// arguments no longer decode are skipped and deleted.
func (s *SQLiteStore) LoadMany(ctx context.Context, ptrs []Pointer) []FullContext {
	if s == nil || s.db == nil {
		return nil
	}
	out := make([]FullContext, 0, len(ptrs))
	for _, ptr := range ptrs {
		if ctx.Err() != nil {
			break
		}
		row := s.db.QueryRowContext(ctx, `
			SELECT id, tool, args, description, result, stored_at
			FROM tool_results WHERE namespace = ? AND id = ?`, s.namespace, ptr.ID)
		fc, err := s.scan(row)
		if err != nil {
			if errors.Is(err, errCorruptRow) {
				_, _ = s.db.ExecContext(ctx, `DELETE FROM tool_results WHERE namespace = ? AND id = ?`, s.namespace, ptr.ID)
			}
			continue
		}
		if ptr.Summary != "" {
			fc.Summary = ptr.Summary
		}
		out = append(out, fc)
	}
	return out
}

// List returns pointers for every stored result, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Pointer, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool, args, description, result, stored_at
		FROM tool_results WHERE namespace = ? ORDER BY stored_at, id`, s.namespace)
	if err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrCodeStorageRead, "list results")
	}
	defer rows.Close()

	var ptrs []Pointer
	for rows.Next() {
		fc, err := s.scan(rows)
		if err != nil {
			continue
		}
		ptrs = append(ptrs, fc.Pointer)
	}
	if err := rows.Err(); err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrCodeStorageRead, "list results")
	}
	return ptrs, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var errCorruptRow = errors.New("storage: corrupt row")

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scan(row rowScanner) (FullContext, error) {
	var (
		fc       FullContext
		argsJSON string
	)
	if err := row.Scan(&fc.ID, &fc.ToolName, &argsJSON, &fc.Description, &fc.Result, &fc.StoredAt); err != nil {
		return FullContext{}, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &fc.Args); err != nil {
		return FullContext{}, errCorruptRow
	}
	return fc, nil
}

func sqliteFilePathFromDSN(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" {
		return "", false
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil || !strings.EqualFold(strings.TrimSpace(u.Scheme), "file") {
			return "", false
		}
		path := strings.TrimSpace(u.Path)
		if path == "" {
			path = strings.TrimSpace(u.Opaque)
		}
		if path == "" || path == ":memory:" {
			return "", false
		}
		return path, true
	}
	if strings.Contains(dsn, "://") {
		return "", false
	}
	return dsn, true
}

func ensurePrivateSQLiteFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return qerrors.Wrap(err, qerrors.ErrCodeStorageRead, "stat db path")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "create db file")
	}
	return f.Close()
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}
