package flagpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const flagSchema = `
CREATE TABLE IF NOT EXISTS worker_flags (
	addr TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	modified_at INTEGER NOT NULL
);
`

// SQLiteStore keeps worker flags in a SQLite table. modified_at holds Unix
// nanoseconds.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string, optFns ...func(o *Options)) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, stmt := range []string{`PRAGMA busy_timeout = 5000`, `PRAGMA journal_mode = WAL`, flagSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to prepare flag table: %w", err)
		}
	}
	return &SQLiteStore{db: db, opts: opts}, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, addr string, state State) error {
	if err := validAddr(addr); err != nil {
		return err
	}
	if _, err := ParseState(string(state)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO worker_flags (addr, state, modified_at)
VALUES (?, ?, ?)
ON CONFLICT(addr) DO UPDATE SET state = excluded.state, modified_at = excluded.modified_at
`, addr, string(state), s.opts.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set flag for %s: %w", addr, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, addr string) (Entry, error) {
	var (
		raw      string
		modified int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT state, modified_at FROM worker_flags WHERE addr = ?`, addr).Scan(&raw, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to get flag for %s: %w", addr, err)
	}
	state, err := ParseState(raw)
	if err != nil {
		return Entry{}, fmt.Errorf("flag %s: %w", addr, err)
	}
	return Entry{Addr: addr, State: state, Modified: time.Unix(0, modified)}, nil
}

// List implements Store. Rows with a malformed state are skipped.
func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT addr, state, modified_at FROM worker_flags ORDER BY modified_at ASC, addr ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			raw      string
			modified int64
		)
		if err := rows.Scan(&e.Addr, &raw, &modified); err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		state, err := ParseState(raw)
		if err != nil {
			continue
		}
		e.State = state
		e.Modified = time.Unix(0, modified)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	return out, nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, addr string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM worker_flags WHERE addr = ?`, addr); err != nil {
		return fmt.Errorf("failed to remove flag for %s: %w", addr, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
