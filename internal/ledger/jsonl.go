// ABOUTME: Line-delimited JSON file backend for the ledger
// ABOUTME: Malformed lines are skipped on read so a torn write never blocks startup

package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONL appends one JSON object per line to a file.
type JSONL struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// OpenJSONL opens (or creates) the file at path, creating parent directories.
func OpenJSONL(path string, logger *slog.Logger) (*JSONL, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl ledger: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	l := &JSONL{
		path:   path,
		logger: logger.With("component", "ledger", "backend", BackendJSONL),
		now:    time.Now,
		file:   f,
	}
	l.logger.Info("ledger opened", "path", path)
	return l, nil
}

func (l *JSONL) Append(_ context.Context, rec Record) error {
	data, err := json.Marshal(stamped(rec, l.now()))
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

func (l *JSONL) ReadAll(ctx context.Context) ([]Record, error) {
	return l.read(ctx, nil)
}

func (l *JSONL) ReadRecent(ctx context.Context, window time.Duration) ([]Record, error) {
	cutoff := l.now().Add(-window)
	return l.read(ctx, func(rec Record) bool { return withinWindow(rec, cutoff) })
}

func (l *JSONL) Count(ctx context.Context) (int, error) {
	recs, err := l.read(ctx, nil)
	return len(recs), err
}

func (l *JSONL) read(ctx context.Context, keep func(Record) bool) ([]Record, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger for read: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var out []Record
	line := 0
	for scanner.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil || rec == nil {
			l.logger.Warn("skipping malformed ledger line", "line", line, "error", err)
			continue
		}
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scanning ledger: %w", err)
	}
	return out, nil
}

func (l *JSONL) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
