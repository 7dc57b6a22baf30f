// ABOUTME: Prompt builders for anomaly triage, historical analysis and dashboard chat
// ABOUTME: Readings render the same way in every prompt so model output stays comparable

package reasoner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/2389/agent-edge/internal/history"
)

// AnomalyPrompt asks the sensor-side model to explain a reading that tripped
// one or more thresholds.
func AnomalyPrompt(current a2a.Reading, previous *a2a.Reading, reasons []string) string {
	prev := "none"
	if previous != nil {
		prev = describe(*previous)
	}
	return fmt.Sprintf(
		"Analyze this sensor reading: temp=%sC, humidity=%s%%, eCO2=%dppm, TVOC=%dppb, AQI=%d. "+
			"Previous reading: %s. Anomaly reasons: %s. "+
			"What is happening and what action should be taken?",
		num(current.Temperature), num(current.Humidity), current.ECO2, current.TVOC, current.AQI,
		prev, strings.Join(reasons, "; "),
	)
}

// AnalysisPrompt asks the control-side model to judge an anomaly against the
// historical window, quoting the requester's own reasoning when present.
func AnalysisPrompt(req *a2a.AnalysisRequest, stats history.Stats) string {
	cur := req.Context.Current

	statsJSON, err := json.MarshalIndent(stats.Rounded(), "", "  ")
	if err != nil {
		statsJSON = []byte("{}")
	}

	thinking := req.LFMThinking
	if thinking == "" {
		thinking = "N/A"
	}

	var b strings.Builder
	b.WriteString("Historical sensor analysis request.\n")
	fmt.Fprintf(&b, "Current reading: temp=%sC, humidity=%s%%, eCO2=%dppm, TVOC=%dppb, AQI=%d\n",
		num(cur.Temperature), num(cur.Humidity), cur.ECO2, cur.TVOC, cur.AQI)
	fmt.Fprintf(&b, "Anomaly reasons: %s\n", strings.Join(req.Context.AnomalyReasons, "; "))
	fmt.Fprintf(&b, "Historical stats: %s\n", statsJSON)
	fmt.Fprintf(&b, "Sensor agent's analysis: %s\n", thinking)
	b.WriteString("Based on historical context, is this anomalous? What action is recommended?")
	return b.String()
}

// ChatPrompt frames a dashboard question with the live reading, if any, and
// the window statistics.
func ChatPrompt(question string, current *a2a.Reading, stats history.Stats) string {
	var sensor string
	if current != nil {
		sensor = fmt.Sprintf(
			"- Temperature: %sC\n- Humidity: %s%%\n- eCO2: %d ppm\n- TVOC: %d ppb\n- AQI: %d/5",
			num(current.Temperature), num(current.Humidity), current.ECO2, current.TVOC, current.AQI)
	} else {
		sensor = "- No live sensor data available"
	}

	rounded := stats.Rounded()
	var lines []string
	for _, f := range a2a.SensorFields {
		fs, ok := rounded[f]
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("  %s: mean=%s, stdev=%s, min=%s, max=%s",
			f, num(fs.Mean), num(fs.Stdev), num(fs.Min), num(fs.Max)))
	}
	statsBlock := "  No historical data"
	if len(lines) > 0 {
		statsBlock = strings.Join(lines, "\n")
	}

	return "You are an AI assistant for the Agent Edge environmental monitoring system.\n" +
		"You have access to sensor data from an " + a2a.DefaultSensorModel + " module at Site A.\n\n" +
		"Current sensor data:\n" + sensor + "\n\n" +
		fmt.Sprintf("Historical statistics (%d readings):\n%s\n\n", stats.TotalReadings(), statsBlock) +
		"User question: " + question + "\n\n" +
		"Provide a concise, factual answer based on the sensor data above."
}

func describe(r a2a.Reading) string {
	return fmt.Sprintf("temp=%sC, humidity=%s%%, eCO2=%dppm, TVOC=%dppb, AQI=%d",
		num(r.Temperature), num(r.Humidity), r.ECO2, r.TVOC, r.AQI)
}

// num keeps one decimal on whole numbers so 24 renders as "24.0".
func num(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
