// ABOUTME: MCP server exposing a sensor Source as the read_sensor tool
// ABOUTME: Served over stdio by cmd/sensor-mcp and used in-process by tests

package sensor

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// ToolServer wraps the MCP server and the source it reads from.
type ToolServer struct {
	mcpServer *mcpserver.MCPServer
	source    Source
	logger    *slog.Logger
}

// NewToolServer registers read_sensor backed by src.
func NewToolServer(src Source, version string, logger *slog.Logger) *ToolServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ToolServer{
		source: src,
		logger: logger.With("component", "sensor-mcp"),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"arduino-sensor",
		version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(ToolName,
			mcplib.WithDescription("Read current ENS160+AHT21 sensor data: temperature (C), humidity (%), eCO2 (ppm), TVOC (ppb), AQI (1-5 scale)"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleReadSensor,
	)

	return s
}

// MCPServer returns the underlying server for transport setup.
func (s *ToolServer) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio blocks serving the protocol on stdin/stdout.
func (s *ToolServer) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *ToolServer) handleReadSensor(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	r, err := s.source.Read(ctx)
	if err != nil {
		s.logger.Error("sensor read failed", "error", err)
		return errorResult("Failed to read sensor data"), nil
	}

	text, err := encodeReading(r)
	if err != nil {
		return errorResult("Failed to encode sensor data"), nil
	}

	s.logger.Info("sensor reading",
		"temperature", r.Temperature,
		"humidity", r.Humidity,
		"eco2", r.ECO2,
		"tvoc", r.TVOC,
		"aqi", r.AQI,
	)
	return mcplib.NewToolResultText(text), nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	data, _ := json.Marshal(toolError{Error: msg})
	return mcplib.NewToolResultError(string(data))
}
