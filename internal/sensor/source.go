// ABOUTME: Source interface and the JSON shapes spoken by the Arduino and read_sensor tool
// ABOUTME: Decoding failures surface as ErrUnavailable so pollers skip the cycle

package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/agent-edge/internal/a2a"
)

// ErrUnavailable means no fresh reading could be obtained.
var ErrUnavailable = errors.New("sensor data unavailable")

// ToolName is the MCP tool that returns one reading.
const ToolName = "read_sensor"

// Source yields sensor readings.
type Source interface {
	Read(ctx context.Context) (a2a.Reading, error)
	Close() error
}

// arduinoLine is what the firmware prints once per interval.
type arduinoLine struct {
	Temp     *float64 `json:"temp"`
	Humidity *float64 `json:"humidity"`
	ECO2     *float64 `json:"eco2"`
	TVOC     *float64 `json:"tvoc"`
	AQI      *float64 `json:"aqi"`
	Error    string   `json:"error"`
}

// ParseArduinoLine decodes one firmware line and stamps it with at.
func ParseArduinoLine(line []byte, at time.Time) (a2a.Reading, error) {
	var raw arduinoLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return a2a.Reading{}, fmt.Errorf("%w: decode line: %w", ErrUnavailable, err)
	}
	if raw.Error != "" {
		return a2a.Reading{}, fmt.Errorf("%w: firmware reported %q", ErrUnavailable, raw.Error)
	}
	if raw.Temp == nil || raw.Humidity == nil || raw.ECO2 == nil || raw.TVOC == nil || raw.AQI == nil {
		return a2a.Reading{}, fmt.Errorf("%w: incomplete line", ErrUnavailable)
	}
	return a2a.Reading{
		Temperature: *raw.Temp,
		Humidity:    *raw.Humidity,
		ECO2:        int(*raw.ECO2),
		TVOC:        int(*raw.TVOC),
		AQI:         int(*raw.AQI),
		Timestamp:   at.UTC(),
	}, nil
}

// toolError is the body returned when the tool cannot read the sensor.
type toolError struct {
	Error string `json:"error"`
}

// encodeReading renders the tool's success body.
func encodeReading(r a2a.Reading) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeToolText parses a read_sensor result body.
func decodeToolText(text string) (a2a.Reading, error) {
	var probe struct {
		toolError
		Temperature *float64 `json:"temperature"`
	}
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return a2a.Reading{}, fmt.Errorf("%w: decode tool result: %w", ErrUnavailable, err)
	}
	if probe.Error != "" {
		return a2a.Reading{}, fmt.Errorf("%w: %s", ErrUnavailable, probe.Error)
	}
	if probe.Temperature == nil {
		return a2a.Reading{}, fmt.Errorf("%w: tool result has no reading", ErrUnavailable)
	}

	var r a2a.Reading
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return a2a.Reading{}, fmt.Errorf("%w: decode tool result: %w", ErrUnavailable, err)
	}
	return r, nil
}
