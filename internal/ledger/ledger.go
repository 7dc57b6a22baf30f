// ABOUTME: Append-only event ledger shared by both agent roles
// ABOUTME: Records are JSON objects tagged with an event name and a UTC timestamp

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Event tags written by the agents.
const (
	EventSensorReading     = "sensor_reading"
	EventAnomalyDetected   = "anomaly_detected"
	EventSensorObservation = "sensor_observation"
	EventA2AReceived       = "a2a_received"
	EventAnalysisResponse  = "analysis_response"
	EventDecision          = "decision"
)

// Backend names accepted by Open.
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("ledger closed")

// Record is one ledger entry. "event" names the entry and "timestamp" holds
// an RFC3339Nano UTC string.
type Record map[string]any

// Event returns the record's event tag.
func (r Record) Event() string {
	s, _ := r["event"].(string)
	return s
}

// Time parses the record's timestamp.
func (r Record) Time() (time.Time, bool) {
	s, ok := r["timestamp"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FromJSON decodes a JSON object into a record tagged with event. Fields of
// the object are kept flat, so an envelope's timestamp becomes the record's.
func FromJSON(event string, data []byte) (Record, error) {
	rec := Record{}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	rec["event"] = event
	return rec, nil
}

// Ledger persists records in append order.
type Ledger interface {
	// Append writes rec, assigning a timestamp when it has none.
	Append(ctx context.Context, rec Record) error
	// ReadRecent returns records whose timestamp falls within window of now.
	ReadRecent(ctx context.Context, window time.Duration) ([]Record, error)
	// ReadAll returns every readable record in append order.
	ReadAll(ctx context.Context) ([]Record, error)
	// Count returns the number of readable records.
	Count(ctx context.Context) (int, error)
	Close() error
}

// Config selects and locates the backend.
type Config struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// Open returns the configured backend. An empty backend means jsonl.
func Open(cfg Config, logger *slog.Logger) (Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", BackendJSONL:
		return OpenJSONL(cfg.Path, logger)
	case BackendSQLite:
		return OpenSQLite(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// stamped returns a shallow copy of rec with a timestamp set.
func stamped(rec Record, now time.Time) Record {
	out := make(Record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	if _, ok := out["timestamp"]; !ok {
		out["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// withinWindow reports whether rec's timestamp is no older than cutoff.
// Records without a parsable timestamp are excluded.
func withinWindow(rec Record, cutoff time.Time) bool {
	t, ok := rec.Time()
	return ok && !t.Before(cutoff)
}
