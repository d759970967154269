package vm

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ---------------------------------------------------------------------------
// Fragment metadata store
// ---------------------------------------------------------------------------

// FragmentMeta records one successful trace compilation: where the loop
// header sat, how long the recorded trace was, and how long the backend
// took. Diagnostic data only; nothing in execution reads it back.
type FragmentMeta struct {
	Root        int
	TraceLen    int
	CompileTime time.Duration
	CompiledAt  time.Time
}

// FragmentStore persists fragment compilation metadata to SQLite so
// compilation behavior can be inspected across runs.
type FragmentStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenFragmentStore opens (creating if needed) a fragment store at the
// given path.
func OpenFragmentStore(dbPath string) (*FragmentStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("vm: opening fragment store: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("vm: setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS fragments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		root INTEGER NOT NULL,
		trace_len INTEGER NOT NULL,
		compile_ns INTEGER NOT NULL,
		compiled_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("vm: creating fragments table: %w", err)
	}

	return &FragmentStore{db: db}, nil
}

// Close closes the database connection.
func (s *FragmentStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record persists one compilation record.
func (s *FragmentStore) Record(m FragmentMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO fragments (root, trace_len, compile_ns, compiled_at) VALUES (?, ?, ?, ?)",
		m.Root, m.TraceLen, m.CompileTime.Nanoseconds(), m.CompiledAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("vm: recording fragment: %w", err)
	}
	return nil
}

// List returns all recorded compilations, newest first.
func (s *FragmentStore) List() ([]FragmentMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT root, trace_len, compile_ns, compiled_at FROM fragments ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("vm: listing fragments: %w", err)
	}
	defer rows.Close()

	var out []FragmentMeta
	for rows.Next() {
		var m FragmentMeta
		var ns int64
		var at string
		if err := rows.Scan(&m.Root, &m.TraceLen, &ns, &at); err != nil {
			return nil, fmt.Errorf("vm: scanning fragment row: %w", err)
		}
		m.CompileTime = time.Duration(ns)
		m.CompiledAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, m)
	}
	return out, rows.Err()
}
