// ABOUTME: SQLite backend for the ledger using modernc.org/sqlite
// ABOUTME: Stores each record's JSON body with its event and a millisecond timestamp

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite keeps records in a single append-only table.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	closed atomic.Bool
}

// OpenSQLite opens the database at path, creating directories and schema.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite ledger: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l, err := newSQLite(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.logger.Info("ledger opened", "path", path)
	return l, nil
}

// newSQLite wraps an open handle and ensures the schema exists.
func newSQLite(db *sql.DB, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &SQLite{
		db:     db,
		logger: logger.With("component", "ledger", "backend", BackendSQLite),
		now:    time.Now,
	}
	if err := l.createSchema(); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return l, nil
}

func (l *SQLite) createSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			ts_unix_ms INTEGER,
			body TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_ts ON ledger(ts_unix_ms);
		CREATE INDEX IF NOT EXISTS idx_ledger_event ON ledger(event);
	`)
	return err
}

func (l *SQLite) Append(ctx context.Context, rec Record) error {
	if l.closed.Load() {
		return ErrClosed
	}

	rec = stamped(rec, l.now())
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	var ts sql.NullInt64
	if t, ok := rec.Time(); ok {
		ts = sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO ledger (event, ts_unix_ms, body) VALUES (?, ?, ?)`,
		rec.Event(), ts, string(body),
	)
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	return nil
}

func (l *SQLite) ReadAll(ctx context.Context) ([]Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	return l.query(ctx, `SELECT id, body FROM ledger ORDER BY id`)
}

func (l *SQLite) ReadRecent(ctx context.Context, window time.Duration) ([]Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	cutoff := l.now().Add(-window).UnixMilli()
	return l.query(ctx, `SELECT id, body FROM ledger WHERE ts_unix_ms >= ? ORDER BY id`, cutoff)
}

func (l *SQLite) Count(ctx context.Context) (int, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

func (l *SQLite) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id   int64
			body string
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil || rec == nil {
			l.logger.Warn("skipping malformed ledger row", "id", id, "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

func (l *SQLite) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.db.Close()
}
