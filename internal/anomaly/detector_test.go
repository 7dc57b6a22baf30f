// ABOUTME: Tests for threshold evaluation, boundaries and reason formatting
// ABOUTME: Includes the no-anomaly and single eCO2 reason end-to-end readings

package anomaly

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-edge/internal/a2a"
)

func reading(temp float64, eco2, tvoc, aqi int) a2a.Reading {
	return a2a.Reading{Temperature: temp, Humidity: 65.2, ECO2: eco2, TVOC: tvoc, AQI: aqi}
}

func TestEvaluate_NormalReadingHasNoReasons(t *testing.T) {
	prev := reading(24.0, 440, 110, 1)
	reasons := Evaluate(reading(24.5, 450, 120, 1), &prev, DefaultThresholds())

	require.NotNil(t, reasons)
	assert.Empty(t, reasons)
}

func TestEvaluate_ECO2Only(t *testing.T) {
	reasons := Evaluate(reading(24.0, 1200, 100, 1), nil, DefaultThresholds())

	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "eCO2")
	assert.Contains(t, reasons[0], "1200")
	assert.Equal(t, "eCO2 1200ppm exceeds 1000ppm threshold", reasons[0])
}

func TestEvaluate_Boundaries(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name  string
		r     a2a.Reading
		count int
	}{
		{"eco2 at threshold is strict", reading(20, 1000, 0, 1), 0},
		{"eco2 above threshold", reading(20, 1001, 0, 1), 1},
		{"tvoc at threshold is strict", reading(20, 0, 500, 1), 0},
		{"tvoc above threshold", reading(20, 0, 501, 1), 1},
		{"aqi at threshold is inclusive", reading(20, 0, 0, 4), 1},
		{"aqi below threshold", reading(20, 0, 0, 3), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, Evaluate(tt.r, nil, th), tt.count)
		})
	}
}

func TestEvaluate_TemperatureDelta(t *testing.T) {
	th := DefaultThresholds()
	prev := reading(20.0, 400, 100, 1)

	assert.Empty(t, Evaluate(reading(25.0, 400, 100, 1), &prev, th), "delta equal to threshold does not trigger")

	reasons := Evaluate(reading(26.25, 400, 100, 1), &prev, th)
	require.Len(t, reasons, 1)
	assert.Equal(t, "Temperature delta 6.2C exceeds 5.0C threshold", reasons[0])

	reasons = Evaluate(reading(13.0, 400, 100, 1), &prev, th)
	require.Len(t, reasons, 1, "drops count as well as rises")
	assert.Contains(t, reasons[0], "7.0C")
}

func TestEvaluate_NoPreviousSkipsDelta(t *testing.T) {
	assert.Empty(t, Evaluate(reading(80.0, 400, 100, 1), nil, DefaultThresholds()))
}

func TestEvaluate_AllFourInOrder(t *testing.T) {
	prev := reading(20, 400, 100, 1)
	reasons := Evaluate(reading(30, 1500, 900, 5), &prev, DefaultThresholds())

	require.Len(t, reasons, 4)
	assert.Contains(t, reasons[0], "Temperature delta 10.0C")
	assert.Equal(t, "eCO2 1500ppm exceeds 1000ppm threshold", reasons[1])
	assert.Equal(t, "TVOC 900ppb exceeds 500ppb threshold", reasons[2])
	assert.Equal(t, "AQI 5 >= 4 (unhealthy)", reasons[3])
}

func TestEvaluate_DeterministicUnderConcurrency(t *testing.T) {
	prev := reading(20, 400, 100, 1)
	cur := reading(27, 1100, 600, 4)
	want := Evaluate(cur, &prev, DefaultThresholds())

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, Evaluate(cur, &prev, DefaultThresholds()))
		}()
	}
	wg.Wait()
}

func TestEvaluate_CustomThresholdFormatting(t *testing.T) {
	th := Thresholds{TempDelta: 2.5, ECO2: 800, TVOC: 300, AQI: 3}
	prev := reading(20, 0, 0, 1)

	reasons := Evaluate(reading(23, 0, 0, 1), &prev, th)
	require.Len(t, reasons, 1)
	assert.Equal(t, "Temperature delta 3.0C exceeds 2.5C threshold", reasons[0])
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{TempDelta: 0, ECO2: 1, TVOC: 1, AQI: 4}.Validate())
	assert.Error(t, Thresholds{TempDelta: 1, ECO2: 1, TVOC: 1, AQI: 6}.Validate())
}

func TestNewEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, ok := NewEvent(reading(20, 0, 0, 1), nil, nil, at)
	assert.False(t, ok)

	prev := reading(10, 0, 0, 1)
	ev, ok := NewEvent(reading(20, 0, 0, 1), &prev, []string{"r"}, at)
	require.True(t, ok)
	prev.Temperature = 99
	assert.Equal(t, 10.0, ev.Previous.Temperature, "event keeps its own copy of previous")
	assert.Equal(t, "thinking", ev.WithReasonerOutput("thinking").ReasonerOutput)
	assert.Empty(t, ev.ReasonerOutput)
}
