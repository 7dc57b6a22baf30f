// ABOUTME: Pure threshold evaluation of a sensor reading against its predecessor
// ABOUTME: Returns ordered human-readable reasons; an empty list means no anomaly

package anomaly

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/2389/agent-edge/internal/a2a"
)

// Thresholds configures the four anomaly checks.
type Thresholds struct {
	TempDelta float64 `yaml:"temp_delta" toml:"temp_delta"`
	ECO2      int     `yaml:"eco2" toml:"eco2"`
	TVOC      int     `yaml:"tvoc" toml:"tvoc"`
	AQI       int     `yaml:"aqi" toml:"aqi"`
}

// DefaultThresholds returns the stock limits for an ENS160+AHT21 module.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TempDelta: 5.0,
		ECO2:      1000,
		TVOC:      500,
		AQI:       4,
	}
}

// Validate rejects thresholds that could never trigger sensibly.
func (t Thresholds) Validate() error {
	if t.TempDelta <= 0 || math.IsNaN(t.TempDelta) {
		return errors.New("thresholds.temp_delta must be positive")
	}
	if t.ECO2 <= 0 {
		return errors.New("thresholds.eco2 must be positive")
	}
	if t.TVOC <= 0 {
		return errors.New("thresholds.tvoc must be positive")
	}
	if t.AQI < 1 || t.AQI > 5 {
		return errors.New("thresholds.aqi must be within the 1-5 index scale")
	}
	return nil
}

// Evaluate checks current against t and returns one reason per violated
// threshold, in a fixed order. previous may be nil for the first reading.
//
// The AQI check is inclusive (>=) while the other three are strict (>).
// AQI is a discrete 1-5 scale where 4 already means poor air.
func Evaluate(current a2a.Reading, previous *a2a.Reading, t Thresholds) []string {
	reasons := []string{}

	if previous != nil {
		delta := math.Abs(current.Temperature - previous.Temperature)
		if delta > t.TempDelta {
			reasons = append(reasons, fmt.Sprintf("Temperature delta %.1fC exceeds %sC threshold", delta, formatLimit(t.TempDelta)))
		}
	}

	if current.ECO2 > t.ECO2 {
		reasons = append(reasons, fmt.Sprintf("eCO2 %dppm exceeds %dppm threshold", current.ECO2, t.ECO2))
	}

	if current.TVOC > t.TVOC {
		reasons = append(reasons, fmt.Sprintf("TVOC %dppb exceeds %dppb threshold", current.TVOC, t.TVOC))
	}

	if current.AQI >= t.AQI {
		reasons = append(reasons, fmt.Sprintf("AQI %d >= %d (unhealthy)", current.AQI, t.AQI))
	}

	return reasons
}

// formatLimit renders whole numbers with one decimal ("5.0") and keeps
// other values at their shortest exact form.
func formatLimit(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
