// ABOUTME: Per-field summary statistics and z-score deviation checks
// ABOUTME: Values stay at full precision; Rounded produces display values

package history

import (
	"fmt"
	"math"
	"strings"

	"github.com/2389/agent-edge/internal/a2a"
)

// DeviationThreshold is the z-score above which a value is called out.
const DeviationThreshold = 2.0

// Stats maps each field to its summary.
type Stats map[a2a.Field]a2a.FieldStats

// TotalReadings is the largest per-field count, which equals the number of
// samples when every sample carries every field.
func (s Stats) TotalReadings() int {
	total := 0
	for _, fs := range s {
		total = max(total, fs.Count)
	}
	return total
}

// Rounded returns a copy with mean, stdev, min and max rounded to 2 decimals.
func (s Stats) Rounded() Stats {
	out := make(Stats, len(s))
	for f, fs := range s {
		out[f] = a2a.FieldStats{
			Mean:  round2(fs.Mean),
			Stdev: round2(fs.Stdev),
			Min:   round2(fs.Min),
			Max:   round2(fs.Max),
			Count: fs.Count,
		}
	}
	return out
}

// Deviation is one field whose current value is far from its mean.
type Deviation struct {
	Field a2a.Field `json:"field"`
	Value float64   `json:"value"`
	Mean  float64   `json:"mean"`
	Stdev float64   `json:"stdev"`
	Z     float64   `json:"z"`
}

func (d Deviation) String() string {
	return fmt.Sprintf("%s=%s is %.1f std devs from mean %s", d.Field, formatValue(d.Value), d.Z, formatValue(round2(d.Mean)))
}

// Deviations returns the fields of r whose z-score against stats exceeds
// DeviationThreshold, in display order. Fields with zero spread are skipped.
func Deviations(r a2a.Reading, stats Stats) []Deviation {
	var out []Deviation
	for _, f := range a2a.SensorFields {
		fs, ok := stats[f]
		if !ok || fs.Stdev <= 0 {
			continue
		}
		v, _ := r.Value(f)
		z := math.Abs(v-fs.Mean) / fs.Stdev
		if z > DeviationThreshold {
			out = append(out, Deviation{Field: f, Value: v, Mean: fs.Mean, Stdev: fs.Stdev, Z: z})
		}
	}
	return out
}

// JoinDeviations renders deviations as "a; b; c".
func JoinDeviations(devs []Deviation) string {
	parts := make([]string, len(devs))
	for i, d := range devs {
		parts[i] = d.String()
	}
	return strings.Join(parts, "; ")
}

type accumulator struct {
	n        int
	mean, m2 float64
	min, max float64
}

// add folds v in with Welford's update.
func (a *accumulator) add(v float64) {
	a.n++
	delta := v - a.mean
	a.mean += delta / float64(a.n)
	a.m2 += delta * (v - a.mean)
	a.min = math.Min(a.min, v)
	a.max = math.Max(a.max, v)
}

func (a *accumulator) stats() a2a.FieldStats {
	fs := a2a.FieldStats{Mean: a.mean, Min: a.min, Max: a.max, Count: a.n}
	if a.n > 1 {
		fs.Stdev = math.Sqrt(a.m2 / float64(a.n-1))
	}
	return fs
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func formatValue(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%g", v)
}
