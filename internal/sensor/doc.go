// Package sensor provides the sources a sensor agent polls for readings.
//
// Three sources implement Source:
//
//   - MCPSource calls the read_sensor tool on an MCP server over stdio
//     (normally cmd/sensor-mcp attached to the Arduino)
//   - SerialSource reads the Arduino's JSON lines straight from a device path
//   - Simulated produces a seeded random walk for development
//
// NewToolServer exposes any Source as an MCP read_sensor tool.
//
// Every source reports a failed read as an error wrapping ErrUnavailable;
// callers skip the poll cycle rather than fabricating a reading.
package sensor
