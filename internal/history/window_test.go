// ABOUTME: Tests for the sample window, statistics and deviation checks
// ABOUTME: Includes the [22,24,26] statistics case and FIFO eviction order

package history

import (
	"sync"
	"testing"
	"time"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tempSample(i int, temp float64) Sample {
	return Sample{
		Timestamp: t0.Add(time.Duration(i) * 5 * time.Second),
		Values:    map[a2a.Field]float64{a2a.FieldTemperature: temp},
	}
}

func TestStatistics_ThreeSamples(t *testing.T) {
	w := New(10)
	for i, v := range []float64{22, 24, 26} {
		w.Record(tempSample(i, v))
	}

	stats := w.Statistics()
	require.Len(t, stats, 1)

	temp := stats[a2a.FieldTemperature]
	assert.InDelta(t, 24.0, temp.Mean, 1e-9)
	assert.InDelta(t, 2.0, temp.Stdev, 1e-9)
	assert.Equal(t, 22.0, temp.Min)
	assert.Equal(t, 26.0, temp.Max)
	assert.Equal(t, 3, temp.Count)
	assert.Equal(t, 3, stats.TotalReadings())
}

func TestStatistics_SingleSampleHasZeroStdev(t *testing.T) {
	w := New(10)
	w.Record(tempSample(0, 21.5))

	temp := w.Statistics()[a2a.FieldTemperature]
	assert.Equal(t, 0.0, temp.Stdev)
	assert.Equal(t, 1, temp.Count)
}

func TestStatistics_EmptyAndPartialFields(t *testing.T) {
	w := New(10)
	assert.Empty(t, w.Statistics())

	w.Record(tempSample(0, 20))
	w.Record(Sample{Timestamp: t0, Values: map[a2a.Field]float64{a2a.FieldECO2: 500}})

	stats := w.Statistics()
	assert.Len(t, stats, 2)
	assert.Equal(t, 1, stats[a2a.FieldECO2].Count)
	_, ok := stats[a2a.FieldTVOC]
	assert.False(t, ok, "fields absent from every sample are omitted")
}

func TestRecord_EvictsOldestFirst(t *testing.T) {
	w := New(3)
	for i := range 5 {
		w.Record(tempSample(i, float64(i)))
	}

	require.Equal(t, 3, w.Len())
	recent := w.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, 2.0, recent[0].Values[a2a.FieldTemperature])
	assert.Equal(t, 4.0, recent[2].Values[a2a.FieldTemperature])
}

func TestRecent_NewestNOldestFirst(t *testing.T) {
	w := New(10)
	for i := range 6 {
		w.Record(tempSample(i, float64(i)))
	}

	recent := w.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, 4.0, recent[0].Values[a2a.FieldTemperature])
	assert.Equal(t, 5.0, recent[1].Values[a2a.FieldTemperature])

	assert.Len(t, w.Recent(100), 6)

	recent[0].Values[a2a.FieldTemperature] = 99
	assert.Equal(t, 4.0, w.Recent(2)[0].Values[a2a.FieldTemperature], "returned samples are copies")
}

func TestSetCapacity_ShrinkEvicts(t *testing.T) {
	w := New(5)
	for i := range 5 {
		w.Record(tempSample(i, float64(i)))
	}

	w.SetCapacity(2)
	assert.Equal(t, 2, w.Capacity())
	recent := w.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, 3.0, recent[0].Values[a2a.FieldTemperature])

	w.SetCapacity(0)
	assert.Equal(t, 1, w.Capacity())
	assert.Equal(t, 1, w.Len())
}

func TestCapacityFor(t *testing.T) {
	assert.Equal(t, 17280, CapacityFor(24, 5*time.Second))
	assert.Equal(t, 8640, CapacityFor(24, 10*time.Second))
	assert.Equal(t, 1, CapacityFor(0.0001, time.Hour))
	assert.Equal(t, 1, CapacityFor(24, 0))
}

func TestLatest(t *testing.T) {
	w := New(3)
	_, ok := w.Latest()
	assert.False(t, ok)

	w.Record(SampleFromReading(a2a.Reading{Temperature: 24.5, ECO2: 450, AQI: 1}, t0))
	s, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, t0, s.Timestamp)
	r := s.Reading()
	assert.Equal(t, 24.5, r.Temperature)
	assert.Equal(t, 450, r.ECO2)
}

func TestDeviations(t *testing.T) {
	stats := Stats{
		a2a.FieldTemperature: {Mean: 24, Stdev: 2, Count: 3},
		a2a.FieldECO2:        {Mean: 450, Stdev: 0, Count: 3},
		a2a.FieldTVOC:        {Mean: 100, Stdev: 10, Count: 3},
	}

	devs := Deviations(a2a.Reading{Temperature: 30, ECO2: 5000, TVOC: 115}, stats)
	require.Len(t, devs, 1, "zero stdev and z below threshold are skipped")
	assert.Equal(t, a2a.FieldTemperature, devs[0].Field)
	assert.InDelta(t, 3.0, devs[0].Z, 1e-9)
	assert.Equal(t, "temperature=30 is 3.0 std devs from mean 24", devs[0].String())

	assert.Empty(t, Deviations(a2a.Reading{Temperature: 24}, stats))
}

func TestDeviations_UsesFullPrecision(t *testing.T) {
	stats := Stats{a2a.FieldTemperature: {Mean: 20, Stdev: 0.004, Count: 10}}

	devs := Deviations(a2a.Reading{Temperature: 20.009}, stats)
	require.Len(t, devs, 1, "rounding stdev to 0.00 would have hidden this")
	assert.Empty(t, Deviations(a2a.Reading{Temperature: 20.009}, stats.Rounded()))
}

func TestJoinDeviations(t *testing.T) {
	devs := []Deviation{
		{Field: a2a.FieldTemperature, Value: 30, Mean: 24, Z: 3},
		{Field: a2a.FieldECO2, Value: 1200, Mean: 450.123, Z: 5.25},
	}
	assert.Equal(t,
		"temperature=30 is 3.0 std devs from mean 24; eco2=1200 is 5.2 std devs from mean 450.12",
		JoinDeviations(devs))
}

func TestStats_Rounded(t *testing.T) {
	s := Stats{a2a.FieldHumidity: {Mean: 65.23456, Stdev: 1.005, Min: 60.001, Max: 70.999, Count: 4}}
	r := s.Rounded()[a2a.FieldHumidity]
	assert.Equal(t, 65.23, r.Mean)
	assert.Equal(t, 60.0, r.Min)
	assert.Equal(t, 71.0, r.Max)
	assert.Equal(t, 4, r.Count)
	assert.Equal(t, 65.23456, s[a2a.FieldHumidity].Mean, "original is untouched")
}

func TestWindow_ConcurrentRecordAndRead(t *testing.T) {
	w := New(50)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			w.Record(tempSample(i, float64(i)))
		}()
		go func() {
			defer wg.Done()
			_ = w.Statistics()
			_ = w.Recent(5)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, w.Len())
}
