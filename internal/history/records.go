// ABOUTME: Conversion from ledger records back into window samples
// ABOUTME: Accepts flat records and records nesting the reading under "data"

package history

import (
	"time"

	"github.com/2389/agent-edge/internal/a2a"
)

// SampleFromRecord extracts a sample from a decoded ledger record. Records
// without any numeric sensor field are rejected.
func SampleFromRecord[R ~map[string]any](rec R) (Sample, bool) {
	src := map[string]any(rec)
	if data, ok := rec["data"].(map[string]any); ok {
		src = data
	}

	values := make(map[a2a.Field]float64)
	for _, f := range a2a.SensorFields {
		if v, ok := toFloat(src[string(f)]); ok {
			values[f] = v
		}
	}
	if len(values) == 0 {
		return Sample{}, false
	}

	s := Sample{Values: values}
	for _, m := range []map[string]any{src, map[string]any(rec)} {
		if ts, ok := m["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				s.Timestamp = t
				break
			}
		}
	}
	return s, true
}

// SamplesFromRecords keeps records whose event is one of events and converts
// them, preserving order.
func SamplesFromRecords[R ~map[string]any](records []R, events ...string) []Sample {
	want := make(map[string]bool, len(events))
	for _, e := range events {
		want[e] = true
	}

	var out []Sample
	for _, rec := range records {
		ev, _ := rec["event"].(string)
		if !want[ev] {
			continue
		}
		if s, ok := SampleFromRecord(rec); ok {
			out = append(out, s)
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
