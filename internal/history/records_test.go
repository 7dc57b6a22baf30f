// ABOUTME: Tests for rebuilding samples from ledger records
// ABOUTME: Covers flat and nested layouts, event filtering and bad records

package history

import (
	"testing"
	"time"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record map[string]any

func TestSampleFromRecord_Flat(t *testing.T) {
	s, ok := SampleFromRecord(record{
		"event":       "sensor_observation",
		"temperature": 24.5,
		"humidity":    65.2,
		"eco2":        450.0,
		"tvoc":        120.0,
		"aqi":         1.0,
		"timestamp":   "2026-03-01T12:00:00.5Z",
	})
	require.True(t, ok)
	assert.Len(t, s.Values, 5)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 500000000, time.UTC), s.Timestamp)
}

func TestSampleFromRecord_NestedData(t *testing.T) {
	s, ok := SampleFromRecord(record{
		"event":     "sensor_reading",
		"timestamp": "2026-03-01T12:00:00Z",
		"data":      map[string]any{"temperature": 20.0, "eco2": 500.0},
	})
	require.True(t, ok)
	assert.Equal(t, 20.0, s.Values[a2a.FieldTemperature])
	assert.Equal(t, 500.0, s.Values[a2a.FieldECO2])
	assert.False(t, s.Timestamp.IsZero(), "falls back to the outer timestamp")
}

func TestSampleFromRecord_RejectsNonReadings(t *testing.T) {
	_, ok := SampleFromRecord(record{"event": "decision", "summary": "x"})
	assert.False(t, ok)
}

func TestSamplesFromRecords_FiltersByEvent(t *testing.T) {
	records := []record{
		{"event": "sensor_observation", "temperature": 22.0},
		{"event": "a2a_received", "temperature": 99.0},
		{"event": "sensor_observation", "temperature": 24.0},
		{"event": "sensor_observation", "note": "garbage"},
	}

	samples := SamplesFromRecords(records, "sensor_observation")
	require.Len(t, samples, 2)
	assert.Equal(t, 22.0, samples[0].Values[a2a.FieldTemperature])
	assert.Equal(t, 24.0, samples[1].Values[a2a.FieldTemperature])

	w := New(10)
	assert.Equal(t, 2, w.Restore(samples))
	assert.Equal(t, 23.0, w.Statistics()[a2a.FieldTemperature].Mean)
}
