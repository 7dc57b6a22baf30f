// ABOUTME: Sensor reading snapshot and the per-field accessors used by detection and statistics
// ABOUTME: Field names double as JSON keys in payloads, ledger records and statistics maps

package a2a

import "time"

// Field identifies one numeric sensor field.
type Field string

const (
	FieldTemperature Field = "temperature"
	FieldHumidity    Field = "humidity"
	FieldECO2        Field = "eco2"
	FieldTVOC        Field = "tvoc"
	FieldAQI         Field = "aqi"
)

// SensorFields lists every sensor field in display order.
var SensorFields = []Field{FieldTemperature, FieldHumidity, FieldECO2, FieldTVOC, FieldAQI}

// Reading is an immutable snapshot of the five sensor fields.
type Reading struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	ECO2        int       `json:"eco2"`
	TVOC        int       `json:"tvoc"`
	AQI         int       `json:"aqi"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
}

// Value returns the numeric value of field f.
func (r Reading) Value(f Field) (float64, bool) {
	switch f {
	case FieldTemperature:
		return r.Temperature, true
	case FieldHumidity:
		return r.Humidity, true
	case FieldECO2:
		return float64(r.ECO2), true
	case FieldTVOC:
		return float64(r.TVOC), true
	case FieldAQI:
		return float64(r.AQI), true
	default:
		return 0, false
	}
}

// Values returns all five fields keyed by name.
func (r Reading) Values() map[Field]float64 {
	values := make(map[Field]float64, len(SensorFields))
	for _, f := range SensorFields {
		v, _ := r.Value(f)
		values[f] = v
	}
	return values
}

// readingPaths are the keys a Reading object must carry on the wire.
var readingPaths = []string{"temperature", "humidity", "eco2", "tvoc", "aqi"}
