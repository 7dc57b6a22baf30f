// ABOUTME: Sensor source backed by an MCP server exposing the read_sensor tool
// ABOUTME: Launches the server as a stdio subprocess through the mcp-go client

package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/agent-edge/internal/a2a"
)

// MCPSource calls read_sensor on an MCP server.
type MCPSource struct {
	client *mcpclient.Client
	logger *slog.Logger

	mu sync.Mutex
}

// NewMCPSource launches command as a stdio MCP server and completes the
// protocol handshake.
func NewMCPSource(ctx context.Context, command string, args, env []string, version string, logger *slog.Logger) (*MCPSource, error) {
	c, err := mcpclient.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("starting sensor MCP server %q: %w", command, err)
	}
	src, err := newMCPSource(ctx, c, version, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return src, nil
}

// newMCPSource initializes an already started client.
func newMCPSource(ctx context.Context, c *mcpclient.Client, version string, logger *slog.Logger) (*MCPSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	res, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcplib.Implementation{Name: "edge-agent", Version: version},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initializing sensor MCP session: %w", err)
	}

	s := &MCPSource{client: c, logger: logger.With("component", "sensor", "source", "mcp")}
	s.logger.Info("sensor MCP session ready",
		"server", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
	)
	return s, nil
}

// Read calls the tool once. Tool errors and malformed results wrap ErrUnavailable.
func (s *MCPSource) Read(ctx context.Context) (a2a.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.client.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      ToolName,
			Arguments: map[string]any{},
		},
	})
	if err != nil {
		return a2a.Reading{}, fmt.Errorf("%w: call %s: %w", ErrUnavailable, ToolName, err)
	}

	text, ok := firstText(res)
	if !ok {
		return a2a.Reading{}, fmt.Errorf("%w: %s returned no text content", ErrUnavailable, ToolName)
	}
	return decodeToolText(text)
}

// Close terminates the session and its subprocess.
func (s *MCPSource) Close() error {
	return s.client.Close()
}

func firstText(res *mcplib.CallToolResult) (string, bool) {
	if res == nil {
		return "", false
	}
	for _, c := range res.Content {
		if tc, ok := mcplib.AsTextContent(c); ok {
			return tc.Text, true
		}
	}
	return "", false
}
